package saga_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/tailored-agentic-units/mediator/config"
	"github.com/tailored-agentic-units/mediator/container"
	"github.com/tailored-agentic-units/mediator/fallback"
	"github.com/tailored-agentic-units/mediator/observability"
	"github.com/tailored-agentic-units/mediator/saga"
	"github.com/tailored-agentic-units/mediator/storage/memory"
)

var (
	errDeclined  = errors.New("card declined")
	errTransient = errors.New("transient")
)

type orderCtx struct {
	OrderID string   `json:"order_id"`
	Done    []string `json:"done"`
}

type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, call)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.calls)
}

func (j *journal) count(call string) int {
	n := 0
	for _, c := range j.list() {
		if c == call {
			n++
		}
	}
	return n
}

type step struct {
	name string
	j    *journal
	gate chan struct{}

	mu                 sync.Mutex
	actErr             error
	compensateErr      error
	compensateFailures int
}

func (s *step) Act(ctx context.Context, c *orderCtx) (any, error) {
	s.j.add("act:" + s.name)
	if s.gate != nil {
		<-s.gate
	}
	if s.actErr != nil {
		return nil, s.actErr
	}
	c.Done = append(c.Done, s.name)
	return s.name + "-ok", nil
}

func (s *step) Compensate(ctx context.Context, c *orderCtx) error {
	s.j.add("compensate:" + s.name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.compensateErr != nil {
		return s.compensateErr
	}
	if s.compensateFailures > 0 {
		s.compensateFailures--
		return errTransient
	}
	return nil
}

type harness struct {
	c     *container.Container
	store *memory.Storage
	j     *journal
	steps map[string]*step
	cfg   config.SagaConfig
}

func newHarness(t *testing.T, names ...string) *harness {
	t.Helper()
	h := &harness{
		c:     container.New(),
		store: memory.New(),
		j:     &journal{},
		steps: make(map[string]*step),
		cfg:   config.SagaConfig{CompensationRetryCount: 3, CompensationRetryBackoff: 2},
	}
	for _, name := range names {
		s := &step{name: name, j: h.j}
		if err := h.c.Singleton(name, s); err != nil {
			t.Fatalf("Singleton(%s) error = %v", name, err)
		}
		h.steps[name] = s
	}
	return h
}

func (h *harness) transaction(s *saga.Saga[*orderCtx], opts ...saga.Option) *saga.Transaction[*orderCtx] {
	return saga.NewTransaction(s, h.store, h.c, h.cfg, opts...)
}

func (h *harness) recovery(s *saga.Saga[*orderCtx], opts ...saga.Option) *saga.Recovery[*orderCtx] {
	return saga.NewRecovery(s, h.store, h.c, saga.FromMap[orderCtx], h.cfg, opts...)
}

func (h *harness) state(t *testing.T, id string) saga.State {
	t.Helper()
	st, err := h.store.LoadSagaState(context.Background(), id, false)
	if err != nil {
		t.Fatalf("LoadSagaState() error = %v", err)
	}
	return st
}

func collect(seq iter.Seq2[saga.StepResult, error]) ([]saga.StepResult, error) {
	var results []saga.StepResult
	for r, err := range seq {
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

func stepNames(results []saga.StepResult) []string {
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.Step
	}
	return names
}

func logLines(st saga.State) []string {
	lines := make([]string, len(st.History))
	for i, e := range st.History {
		lines[i] = fmt.Sprintf("%s %s %s", e.StepName, e.Action, e.Status)
	}
	return lines
}

type captureObserver struct {
	mu     sync.Mutex
	events []observability.Event
}

func (c *captureObserver) OnEvent(_ context.Context, e observability.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureObserver) find(typ observability.EventType) []observability.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []observability.Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to saga.Status
		want     bool
	}{
		{saga.StatusPending, saga.StatusRunning, true},
		{saga.StatusPending, saga.StatusCompleted, false},
		{saga.StatusRunning, saga.StatusCompleted, true},
		{saga.StatusRunning, saga.StatusCompensating, true},
		{saga.StatusRunning, saga.StatusFailed, false},
		{saga.StatusCompensating, saga.StatusFailed, true},
		{saga.StatusCompensating, saga.StatusRunning, false},
		{saga.StatusCompleted, saga.StatusRunning, false},
		{saga.StatusFailed, saga.StatusCompensating, false},
		{saga.StatusRunning, saga.StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}

	if !saga.StatusCompleted.Terminal() || !saga.StatusFailed.Terminal() || saga.StatusCompensating.Terminal() {
		t.Error("Terminal() misreports terminal statuses")
	}
}

// holdStep places one hold per order and releases it at most once.
type holdStep struct {
	mu       sync.Mutex
	holds    map[string]bool
	releases int
}

var _ saga.Step[*orderCtx] = (*holdStep)(nil)

func (s *holdStep) Act(ctx context.Context, c *orderCtx) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds[c.OrderID] = true
	return "held", nil
}

func (s *holdStep) Compensate(ctx context.Context, c *orderCtx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.holds[c.OrderID] {
		return nil
	}
	delete(s.holds, c.OrderID)
	s.releases++
	return nil
}

func TestStep_CompensateIdempotent(t *testing.T) {
	tests := []struct {
		name         string
		act          bool
		wantReleases int
	}{
		{"after act", true, 1},
		{"never acted", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := &holdStep{holds: make(map[string]bool)}
			c := &orderCtx{OrderID: "o-1"}

			if tt.act {
				if _, err := s.Act(ctx, c); err != nil {
					t.Fatalf("Act() error = %v", err)
				}
			}
			for i := range 2 {
				if err := s.Compensate(ctx, c); err != nil {
					t.Errorf("Compensate() call %d error = %v", i+1, err)
				}
			}
			if s.releases != tt.wantReleases {
				t.Errorf("releases = %d, want %d", s.releases, tt.wantReleases)
			}
		})
	}
}

func TestSaga_Steps(t *testing.T) {
	s := saga.New[*orderCtx]("order").
		Step("reserve").
		FallbackStep(fallback.Fallback{Primary: "pay", Fallback: "pay-backup"}).
		Step("ship")

	if got := s.Steps(); !slices.Equal(got, []string{"reserve", "pay", "ship"}) {
		t.Errorf("Steps() = %v, want [reserve pay ship]", got)
	}
}

func TestSaga_Validate(t *testing.T) {
	tests := []struct {
		name string
		saga *saga.Saga[*orderCtx]
		ok   bool
	}{
		{"valid", saga.New[*orderCtx]("order").Step("reserve", "pay"), true},
		{"unnamed", saga.New[*orderCtx]("").Step("reserve"), false},
		{"empty", saga.New[*orderCtx]("order"), false},
		{"blank key", saga.New[*orderCtx]("order").Step(""), false},
		{"duplicate", saga.New[*orderCtx]("order").Step("reserve", "reserve"), false},
		{"duplicate fallback", saga.New[*orderCtx]("order").Step("pay").
			FallbackStep(fallback.Fallback{Primary: "pay", Fallback: "pay-backup"}), false},
		{"invalid fallback", saga.New[*orderCtx]("order").
			FallbackStep(fallback.Fallback{Primary: "pay"}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.saga.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, saga.ErrInvalidSaga) {
				t.Errorf("Validate() error = %v, want %v", err, saga.ErrInvalidSaga)
			}
		})
	}
}

func TestTransaction_Completes(t *testing.T) {
	h := newHarness(t, "reserve", "pay", "ship")
	obs := &captureObserver{}
	s := saga.New[*orderCtx]("order").Step("reserve", "pay", "ship")

	sagaCtx := &orderCtx{OrderID: "o-1"}
	results, err := collect(h.transaction(s, saga.WithObserver(obs)).Execute(context.Background(), sagaCtx, "s1"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got, want := stepNames(results), []string{"reserve", "pay", "ship"}; !slices.Equal(got, want) {
		t.Errorf("results = %v, want %v", got, want)
	}
	if results[1].Response != "pay-ok" {
		t.Errorf("results[1].Response = %v, want pay-ok", results[1].Response)
	}

	st := h.state(t, "s1")
	if st.Status != saga.StatusCompleted {
		t.Errorf("Status = %s, want %s", st.Status, saga.StatusCompleted)
	}
	want := []string{
		"reserve act STARTED", "reserve act COMPLETED",
		"pay act STARTED", "pay act COMPLETED",
		"ship act STARTED", "ship act COMPLETED",
	}
	if got := logLines(st); !slices.Equal(got, want) {
		t.Errorf("log = %v, want %v", got, want)
	}

	done, _ := st.Context["done"].([]any)
	if len(done) != 3 || st.Context["order_id"] != "o-1" {
		t.Errorf("Context = %v, want order_id o-1 with 3 done steps", st.Context)
	}
	if n := len(obs.find(saga.EventStepComplete)); n != 3 {
		t.Errorf("%s events = %d, want 3", saga.EventStepComplete, n)
	}
}

func TestTransaction_OrderScenarioPayFails(t *testing.T) {
	h := newHarness(t, "reserve", "pay", "ship")
	h.steps["pay"].actErr = errDeclined
	s := saga.New[*orderCtx]("order").Step("reserve", "pay", "ship")

	results, err := collect(h.transaction(s).Execute(context.Background(), &orderCtx{}, "s1"))

	var stepErr *saga.StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("Execute() error = %v, want *StepError", err)
	}
	if stepErr.Step != "pay" || !errors.Is(err, errDeclined) {
		t.Errorf("StepError = %v, want pay failing with %v", stepErr, errDeclined)
	}
	if got := stepNames(results); !slices.Equal(got, []string{"reserve"}) {
		t.Errorf("results = %v, want [reserve]", got)
	}

	st := h.state(t, "s1")
	if st.Status != saga.StatusFailed {
		t.Errorf("Status = %s, want %s", st.Status, saga.StatusFailed)
	}
	want := []string{
		"reserve act STARTED", "reserve act COMPLETED",
		"pay act STARTED", "pay act FAILED",
		"reserve compensate STARTED", "reserve compensate COMPLETED",
	}
	if got := logLines(st); !slices.Equal(got, want) {
		t.Errorf("log = %v, want %v", got, want)
	}
	if st.History[3].Detail != errDeclined.Error() {
		t.Errorf("failed act detail = %q, want %q", st.History[3].Detail, errDeclined.Error())
	}
	if h.j.count("act:ship") != 0 {
		t.Error("ship acted after pay failed")
	}
}

func TestTransaction_CompensationOrder(t *testing.T) {
	names := []string{"a", "b", "c", "d"}

	for k := range names {
		t.Run(fmt.Sprintf("fail at %s", names[k]), func(t *testing.T) {
			h := newHarness(t, names...)
			h.steps[names[k]].actErr = errDeclined
			s := saga.New[*orderCtx]("chain").Step(names...)

			_, err := collect(h.transaction(s).Execute(context.Background(), &orderCtx{}, "s1"))
			if !errors.Is(err, errDeclined) {
				t.Fatalf("Execute() error = %v, want %v", err, errDeclined)
			}

			var want []string
			for i := range k {
				want = append(want, "act:"+names[i])
			}
			want = append(want, "act:"+names[k])
			for i := k - 1; i >= 0; i-- {
				want = append(want, "compensate:"+names[i])
			}
			if got := h.j.list(); !slices.Equal(got, want) {
				t.Errorf("calls = %v, want %v", got, want)
			}
			if st := h.state(t, "s1"); st.Status != saga.StatusFailed {
				t.Errorf("Status = %s, want %s", st.Status, saga.StatusFailed)
			}
		})
	}
}

func TestTransaction_CompensationRetry(t *testing.T) {
	h := newHarness(t, "reserve", "pay")
	h.steps["reserve"].compensateFailures = 2
	h.steps["pay"].actErr = errDeclined
	s := saga.New[*orderCtx]("order").Step("reserve", "pay")

	_, err := collect(h.transaction(s).Execute(context.Background(), &orderCtx{}, "s1"))
	if !errors.Is(err, errDeclined) {
		t.Fatalf("Execute() error = %v, want %v", err, errDeclined)
	}

	if n := h.j.count("compensate:reserve"); n != 3 {
		t.Errorf("compensate attempts = %d, want 3", n)
	}

	st := h.state(t, "s1")
	want := []string{
		"reserve act STARTED", "reserve act COMPLETED",
		"pay act STARTED", "pay act FAILED",
		"reserve compensate STARTED",
		"reserve compensate FAILED", "reserve compensate FAILED",
		"reserve compensate COMPLETED",
	}
	if got := logLines(st); !slices.Equal(got, want) {
		t.Errorf("log = %v, want %v", got, want)
	}
	if d := st.History[5].Detail; d != "attempt 1/3: transient" {
		t.Errorf("retry detail = %q, want %q", d, "attempt 1/3: transient")
	}
}

func TestTransaction_CompensationExhausted(t *testing.T) {
	h := newHarness(t, "reserve", "hold", "pay")
	h.steps["hold"].compensateErr = errTransient
	h.steps["pay"].actErr = errDeclined
	obs := &captureObserver{}
	s := saga.New[*orderCtx]("order").Step("reserve", "hold", "pay")

	_, err := collect(h.transaction(s, saga.WithObserver(obs)).Execute(context.Background(), &orderCtx{}, "s1"))

	var stepErr *saga.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "pay" {
		t.Fatalf("Execute() error = %v, want StepError for pay", err)
	}
	if n := h.j.count("compensate:hold"); n != 3 {
		t.Errorf("hold compensate attempts = %d, want 3", n)
	}
	if n := h.j.count("compensate:reserve"); n != 1 {
		t.Errorf("reserve compensate attempts = %d, want 1 after hold exhausted", n)
	}

	exhausted := obs.find(saga.EventCompensateExhaust)
	if len(exhausted) != 1 {
		t.Fatalf("%s events = %d, want 1", saga.EventCompensateExhaust, len(exhausted))
	}
	if exhausted[0].Level != observability.LevelError || exhausted[0].Data["step"] != "hold" {
		t.Errorf("exhausted event = %+v, want error level for hold", exhausted[0])
	}
	if st := h.state(t, "s1"); st.Status != saga.StatusFailed {
		t.Errorf("Status = %s, want %s", st.Status, saga.StatusFailed)
	}
}

func TestTransaction_RetryBackoffHonorsContext(t *testing.T) {
	h := newHarness(t, "reserve", "pay")
	h.cfg.CompensationRetryDelay = config.Duration(time.Hour)
	h.steps["reserve"].compensateErr = errTransient
	h.steps["pay"].actErr = errDeclined
	s := saga.New[*orderCtx]("order").Step("reserve", "pay")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := collect(h.transaction(s).Execute(ctx, &orderCtx{}, "s1"))
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, errDeclined) {
			t.Errorf("Execute() error = %v, want %v", err, errDeclined)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry delay ignored context cancellation")
	}
	if n := h.j.count("compensate:reserve"); n != 1 {
		t.Errorf("compensate attempts = %d, want 1", n)
	}
}

func TestTransaction_SinglePass(t *testing.T) {
	h := newHarness(t, "reserve")
	tx := h.transaction(saga.New[*orderCtx]("order").Step("reserve"))
	seq := tx.Execute(context.Background(), &orderCtx{}, "s1")

	if _, err := collect(seq); err != nil {
		t.Fatalf("first iteration error = %v", err)
	}
	results, err := collect(seq)
	if !errors.Is(err, saga.ErrAlreadyExecuted) {
		t.Errorf("second iteration error = %v, want %v", err, saga.ErrAlreadyExecuted)
	}
	if len(results) != 0 {
		t.Errorf("second iteration yielded %d results", len(results))
	}
	if n := h.j.count("act:reserve"); n != 1 {
		t.Errorf("reserve acted %d times, want 1", n)
	}
}

func TestTransaction_DuplicateID(t *testing.T) {
	h := newHarness(t, "reserve")
	s := saga.New[*orderCtx]("order").Step("reserve")

	if _, err := collect(h.transaction(s).Execute(context.Background(), &orderCtx{}, "s1")); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	_, err := collect(h.transaction(s).Execute(context.Background(), &orderCtx{}, "s1"))
	if !errors.Is(err, saga.ErrSagaExists) {
		t.Errorf("Execute() error = %v, want %v", err, saga.ErrSagaExists)
	}
}

func TestTransaction_InvalidSaga(t *testing.T) {
	h := newHarness(t)
	_, err := collect(h.transaction(saga.New[*orderCtx]("order")).Execute(context.Background(), &orderCtx{}, "s1"))
	if !errors.Is(err, saga.ErrInvalidSaga) {
		t.Errorf("Execute() error = %v, want %v", err, saga.ErrInvalidSaga)
	}
}

func TestTransaction_UnresolvableStep(t *testing.T) {
	h := newHarness(t, "reserve")
	if err := h.c.Singleton("broken", "not a step"); err != nil {
		t.Fatalf("Singleton() error = %v", err)
	}
	s := saga.New[*orderCtx]("order").Step("reserve", "broken")

	_, err := collect(h.transaction(s).Execute(context.Background(), &orderCtx{}, "s1"))
	if !errors.Is(err, saga.ErrNotStep) {
		t.Fatalf("Execute() error = %v, want %v", err, saga.ErrNotStep)
	}
	if n := h.j.count("compensate:reserve"); n != 1 {
		t.Errorf("reserve compensated %d times, want 1", n)
	}
}

func TestTransaction_FallbackStep(t *testing.T) {
	h := newHarness(t, "reserve", "pay", "pay-backup", "ship")
	h.steps["pay"].actErr = errTransient
	h.steps["ship"].actErr = errDeclined
	s := saga.New[*orderCtx]("order").
		Step("reserve").
		FallbackStep(fallback.Fallback{Primary: "pay", Fallback: "pay-backup"}).
		Step("ship")

	results, err := collect(h.transaction(s).Execute(context.Background(), &orderCtx{}, "s1"))
	if !errors.Is(err, errDeclined) {
		t.Fatalf("Execute() error = %v, want %v", err, errDeclined)
	}
	if got := stepNames(results); !slices.Equal(got, []string{"reserve", "pay"}) {
		t.Errorf("results = %v, want [reserve pay]", got)
	}
	if results[1].Response != "pay-backup-ok" {
		t.Errorf("pay response = %v, want pay-backup-ok", results[1].Response)
	}

	want := []string{
		"act:reserve", "act:pay", "act:pay-backup", "act:ship",
		"compensate:pay-backup", "compensate:reserve",
	}
	if got := h.j.list(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}

	st := h.state(t, "s1")
	if e := st.History[3]; e.StepName != "pay" || e.Status != saga.StepCompleted || e.Detail != "fallback:pay-backup" {
		t.Errorf("pay completion = %+v, want fallback:pay-backup detail", e)
	}
}

type failingStatusStorage struct {
	saga.Storage
	status saga.Status
	err    error
}

func (s *failingStatusStorage) UpdateStatus(ctx context.Context, id string, status saga.Status) error {
	if status == s.status {
		return s.err
	}
	return s.Storage.UpdateStatus(ctx, id, status)
}

func TestTransaction_CheckpointFailure(t *testing.T) {
	h := newHarness(t, "reserve")
	errDisk := errors.New("disk full")
	store := &failingStatusStorage{Storage: h.store, status: saga.StatusCompleted, err: errDisk}
	tx := saga.NewTransaction(saga.New[*orderCtx]("order").Step("reserve"), store, h.c, h.cfg)

	results, err := collect(tx.Execute(context.Background(), &orderCtx{}, "s1"))
	if !errors.Is(err, errDisk) {
		t.Fatalf("Execute() error = %v, want %v", err, errDisk)
	}
	if len(results) != 1 {
		t.Errorf("results = %d, want 1", len(results))
	}
	if st := h.state(t, "s1"); st.Status != saga.StatusRunning {
		t.Errorf("Status = %s, want %s", st.Status, saga.StatusRunning)
	}
}

func TestRecovery_ResumesAfterEarlyStop(t *testing.T) {
	h := newHarness(t, "reserve", "pay", "ship")
	s := saga.New[*orderCtx]("order").Step("reserve", "pay", "ship")

	for r, err := range h.transaction(s).Execute(context.Background(), &orderCtx{OrderID: "o-1"}, "s1") {
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if r.Step == "reserve" {
			break
		}
	}
	if st := h.state(t, "s1"); st.Status != saga.StatusRunning {
		t.Fatalf("Status after early stop = %s, want %s", st.Status, saga.StatusRunning)
	}

	results, err := h.recovery(s).Recover(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if got := stepNames(results); !slices.Equal(got, []string{"pay", "ship"}) {
		t.Errorf("recovered results = %v, want [pay ship]", got)
	}
	if n := h.j.count("act:reserve"); n != 1 {
		t.Errorf("reserve acted %d times, want 1", n)
	}

	st := h.state(t, "s1")
	if st.Status != saga.StatusCompleted {
		t.Errorf("Status = %s, want %s", st.Status, saga.StatusCompleted)
	}
	if st.Context["order_id"] != "o-1" {
		t.Errorf("recovered context lost order_id: %v", st.Context)
	}
	done, _ := st.Context["done"].([]any)
	if len(done) != 3 {
		t.Errorf("Context[done] = %v, want 3 entries", st.Context["done"])
	}
}

// releaseFailStorage fails every ReleaseSaga after releasing the lock.
type releaseFailStorage struct {
	*memory.Storage
	err error
}

func (s releaseFailStorage) ReleaseSaga(ctx context.Context, id string) error {
	_ = s.Storage.ReleaseSaga(ctx, id)
	return s.err
}

func TestRecovery_ReportsReleaseFailure(t *testing.T) {
	h := newHarness(t, "reserve", "pay")
	s := saga.New[*orderCtx]("order").Step("reserve", "pay")
	if err := h.store.CreateSaga(context.Background(), "s1", "order", map[string]any{"order_id": "o-1"}); err != nil {
		t.Fatalf("CreateSaga() error = %v", err)
	}

	errUnlock := errors.New("unlock failed")
	obs := &captureObserver{}
	rc := saga.NewRecovery(s, releaseFailStorage{Storage: h.store, err: errUnlock}, h.c, saga.FromMap[orderCtx], h.cfg, saga.WithObserver(obs))

	results, err := rc.Recover(context.Background(), "s1")
	if !errors.Is(err, errUnlock) {
		t.Fatalf("Recover() error = %v, want %v", err, errUnlock)
	}
	if got := stepNames(results); !slices.Equal(got, []string{"reserve", "pay"}) {
		t.Errorf("recovered results = %v, want [reserve pay]", got)
	}
	if st := h.state(t, "s1"); st.Status != saga.StatusCompleted {
		t.Errorf("Status = %s, want %s", st.Status, saga.StatusCompleted)
	}
	if n := len(obs.find(saga.EventReleaseFailed)); n != 1 {
		t.Errorf("%s events = %d, want 1", saga.EventReleaseFailed, n)
	}
}

func TestRecovery_Pending(t *testing.T) {
	h := newHarness(t, "reserve", "pay")
	s := saga.New[*orderCtx]("order").Step("reserve", "pay")
	if err := h.store.CreateSaga(context.Background(), "s1", "order", map[string]any{"order_id": "o-1"}); err != nil {
		t.Fatalf("CreateSaga() error = %v", err)
	}

	results, err := h.recovery(s).Recover(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if got := stepNames(results); !slices.Equal(got, []string{"reserve", "pay"}) {
		t.Errorf("results = %v, want [reserve pay]", got)
	}
	if st := h.state(t, "s1"); st.Status != saga.StatusCompleted {
		t.Errorf("Status = %s, want %s", st.Status, saga.StatusCompleted)
	}
}

func seed(t *testing.T, h *harness, id string, status saga.Status, entries ...saga.LogEntry) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.CreateSaga(ctx, id, "order", map[string]any{}); err != nil {
		t.Fatalf("CreateSaga() error = %v", err)
	}
	if err := h.store.UpdateStatus(ctx, id, status); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	for _, e := range entries {
		e.SagaID = id
		if err := h.store.LogStep(ctx, e); err != nil {
			t.Fatalf("LogStep() error = %v", err)
		}
	}
}

func entry(step string, action saga.Action, status saga.StepStatus, detail string) saga.LogEntry {
	return saga.LogEntry{StepName: step, Action: action, Status: status, Detail: detail}
}

func TestRecovery_Compensating(t *testing.T) {
	h := newHarness(t, "reserve", "pay", "pay-backup", "ship")
	s := saga.New[*orderCtx]("order").
		Step("reserve").
		FallbackStep(fallback.Fallback{Primary: "pay", Fallback: "pay-backup"}).
		Step("hold", "ship")
	seed(t, h, "s1", saga.StatusCompensating,
		entry("reserve", saga.ActionAct, saga.StepCompleted, ""),
		entry("pay", saga.ActionAct, saga.StepCompleted, "fallback:pay-backup"),
		entry("hold", saga.ActionAct, saga.StepCompleted, ""),
		entry("ship", saga.ActionAct, saga.StepFailed, "declined"),
		entry("hold", saga.ActionCompensate, saga.StepCompleted, ""),
	)

	results, err := h.recovery(s).Recover(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil", results)
	}

	want := []string{"compensate:pay-backup", "compensate:reserve"}
	if got := h.j.list(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if st := h.state(t, "s1"); st.Status != saga.StatusFailed {
		t.Errorf("Status = %s, want %s", st.Status, saga.StatusFailed)
	}
}

func TestRecovery_RunningWithFailedAct(t *testing.T) {
	h := newHarness(t, "reserve", "pay")
	s := saga.New[*orderCtx]("order").Step("reserve", "pay")
	seed(t, h, "s1", saga.StatusRunning,
		entry("reserve", saga.ActionAct, saga.StepCompleted, ""),
		entry("pay", saga.ActionAct, saga.StepStarted, ""),
		entry("pay", saga.ActionAct, saga.StepFailed, "card declined"),
	)

	_, err := h.recovery(s).Recover(context.Background(), "s1")

	var stepErr *saga.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "pay" || stepErr.Err.Error() != "card declined" {
		t.Fatalf("Recover() error = %v, want StepError for pay", err)
	}
	if got := h.j.list(); !slices.Equal(got, []string{"compensate:reserve"}) {
		t.Errorf("calls = %v, want [compensate:reserve]", got)
	}
	if st := h.state(t, "s1"); st.Status != saga.StatusFailed {
		t.Errorf("Status = %s, want %s", st.Status, saga.StatusFailed)
	}
}

func TestRecovery_Terminal(t *testing.T) {
	for _, status := range []saga.Status{saga.StatusCompleted, saga.StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t, "reserve")
			seed(t, h, "s1", saga.StatusRunning)
			if status == saga.StatusFailed {
				if err := h.store.UpdateStatus(context.Background(), "s1", saga.StatusCompensating); err != nil {
					t.Fatal(err)
				}
			}
			if err := h.store.UpdateStatus(context.Background(), "s1", status); err != nil {
				t.Fatal(err)
			}

			_, err := h.recovery(saga.New[*orderCtx]("order").Step("reserve")).Recover(context.Background(), "s1")
			if !errors.Is(err, saga.ErrNothingToRecover) {
				t.Errorf("Recover() error = %v, want %v", err, saga.ErrNothingToRecover)
			}
			if len(h.j.list()) != 0 {
				t.Errorf("steps invoked on terminal saga: %v", h.j.list())
			}
		})
	}
}

func TestRecovery_Errors(t *testing.T) {
	h := newHarness(t, "reserve")
	seed(t, h, "s1", saga.StatusRunning)

	_, err := h.recovery(saga.New[*orderCtx]("order").Step("reserve")).Recover(context.Background(), "missing")
	if !errors.Is(err, saga.ErrSagaNotFound) {
		t.Errorf("Recover(missing) error = %v, want %v", err, saga.ErrSagaNotFound)
	}

	_, err = h.recovery(saga.New[*orderCtx]("refund").Step("reserve")).Recover(context.Background(), "s1")
	if !errors.Is(err, saga.ErrSagaMismatch) {
		t.Errorf("Recover() with other saga error = %v, want %v", err, saga.ErrSagaMismatch)
	}
}

func TestRecovery_Concurrent(t *testing.T) {
	h := newHarness(t, "reserve", "pay")
	s := saga.New[*orderCtx]("order").Step("reserve", "pay")
	seed(t, h, "s1", saga.StatusRunning, entry("reserve", saga.ActionAct, saga.StepCompleted, ""))

	gate := make(chan struct{})
	h.steps["pay"].gate = gate

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := h.recovery(s).Recover(context.Background(), "s1")
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)

	var succeeded, skipped int
	for range 2 {
		err := <-errs
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, saga.ErrNothingToRecover):
			skipped++
		default:
			t.Errorf("Recover() error = %v", err)
		}
	}
	if succeeded != 1 || skipped != 1 {
		t.Errorf("succeeded = %d, skipped = %d, want 1 and 1", succeeded, skipped)
	}
	if n := h.j.count("act:pay"); n != 1 {
		t.Errorf("pay acted %d times, want 1", n)
	}
	if n := h.j.count("act:reserve"); n != 0 {
		t.Errorf("reserve acted %d times, want 0", n)
	}
}

func TestCodec(t *testing.T) {
	m, err := saga.ToMap(&orderCtx{OrderID: "o-1", Done: []string{"reserve"}})
	if err != nil {
		t.Fatalf("ToMap() error = %v", err)
	}
	if m["order_id"] != "o-1" {
		t.Errorf("ToMap()[order_id] = %v, want o-1", m["order_id"])
	}

	back, err := saga.FromMap[orderCtx](m)
	if err != nil {
		t.Fatalf("FromMap() error = %v", err)
	}
	if back.OrderID != "o-1" || !slices.Equal(back.Done, []string{"reserve"}) {
		t.Errorf("FromMap() = %+v", back)
	}

	if _, err := saga.ToMap([]int{1}); err == nil {
		t.Error("ToMap(slice) error = nil, want error")
	}
	if saga.NewID() == saga.NewID() {
		t.Error("NewID() returned duplicate ids")
	}
}
