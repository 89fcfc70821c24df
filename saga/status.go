package saga

import "time"

// Status is the lifecycle position of a saga execution.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether no forward or compensating work remains.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is allowed. Statuses
// only move forward; the single backward branch is RUNNING→COMPENSATING,
// after which the only exit is FAILED.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusCompensating || next == StatusCompleted
	case StatusCompensating:
		return next == StatusFailed
	default:
		return false
	}
}

// Action distinguishes forward from compensating step invocations.
type Action string

const (
	ActionAct        Action = "act"
	ActionCompensate Action = "compensate"
)

// StepStatus is the outcome recorded in a log entry.
type StepStatus string

const (
	StepStarted   StepStatus = "STARTED"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// LogEntry is one append-only audit record of a step attempt.
type LogEntry struct {
	SagaID    string     `json:"saga_id"`
	StepName  string     `json:"step_name"`
	Action    Action     `json:"action"`
	Status    StepStatus `json:"status"`
	Detail    string     `json:"detail,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// State is a persisted saga execution with its step history in log order.
type State struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Context   map[string]any `json:"context"`
	History   []LogEntry     `json:"history,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StepResult is the outcome of one successful act.
type StepResult struct {
	Step     string
	Response any
}
