package saga

import "github.com/tailored-agentic-units/mediator/observability"

const (
	EventSagaStart         observability.EventType = "saga.start"
	EventSagaComplete      observability.EventType = "saga.complete"
	EventStatus            observability.EventType = "saga.status"
	EventStepComplete      observability.EventType = "saga.step.complete"
	EventStepFailed        observability.EventType = "saga.step.failed"
	EventStepFallback      observability.EventType = "saga.step.fallback"
	EventCompensateStep    observability.EventType = "saga.compensation.step"
	EventCompensateRetry   observability.EventType = "saga.compensation.retry"
	EventCompensateExhaust observability.EventType = "saga.compensation.exhausted"
	EventRecoverStart      observability.EventType = "saga.recover.start"
	EventRecoverComplete   observability.EventType = "saga.recover.complete"
	EventReleaseFailed     observability.EventType = "saga.recover.release_failed"
)
