// Package storagetest checks saga.Storage implementations against the
// storage contract.
package storagetest

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/mediator/saga"
)

// Run exercises s. Saga ids are unique per call, so s may be shared with
// other runs.
func Run(t *testing.T, s saga.Storage) {
	t.Helper()
	prefix := uuid.NewString()
	id := func(name string) string { return prefix + "-" + name }

	t.Run("CreateAndLoad", func(t *testing.T) { testCreateAndLoad(t, s, id("create")) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, s, id("dup")) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, s, id("missing")) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, s, id("update")) })
	t.Run("LogOrder", func(t *testing.T) { testLogOrder(t, s, id("log")) })
	t.Run("Exclusive", func(t *testing.T) { testExclusive(t, s, id("lock")) })
	t.Run("ReleaseUnlocked", func(t *testing.T) { testReleaseUnlocked(t, s, id("release")) })

	if f, ok := s.(saga.Finder); ok {
		t.Run("FindSagas", func(t *testing.T) { testFindSagas(t, s, f, prefix) })
	}
}

func testCreateAndLoad(t *testing.T, s saga.Storage, id string) {
	ctx := context.Background()
	if err := s.CreateSaga(ctx, id, "order", map[string]any{"order_id": "o-1", "qty": float64(2)}); err != nil {
		t.Fatalf("CreateSaga() error = %v", err)
	}

	state, err := s.LoadSagaState(ctx, id, false)
	if err != nil {
		t.Fatalf("LoadSagaState() error = %v", err)
	}
	if state.ID != id {
		t.Errorf("ID = %q, want %q", state.ID, id)
	}
	if state.Name != "order" {
		t.Errorf("Name = %q, want %q", state.Name, "order")
	}
	if state.Status != saga.StatusPending {
		t.Errorf("Status = %s, want %s", state.Status, saga.StatusPending)
	}
	if state.Context["order_id"] != "o-1" || state.Context["qty"] != float64(2) {
		t.Errorf("Context = %v, want order_id o-1 and qty 2", state.Context)
	}
	if len(state.History) != 0 {
		t.Errorf("History has %d entries, want 0", len(state.History))
	}
	if state.CreatedAt.IsZero() || state.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func testCreateDuplicate(t *testing.T, s saga.Storage, id string) {
	ctx := context.Background()
	if err := s.CreateSaga(ctx, id, "order", nil); err != nil {
		t.Fatalf("CreateSaga() error = %v", err)
	}
	err := s.CreateSaga(ctx, id, "order", nil)
	if !errors.Is(err, saga.ErrSagaExists) {
		t.Errorf("second CreateSaga() error = %v, want %v", err, saga.ErrSagaExists)
	}
}

func testNotFound(t *testing.T, s saga.Storage, id string) {
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"LoadSagaState", func() error { _, err := s.LoadSagaState(ctx, id, false); return err }},
		{"LoadSagaState exclusive", func() error { _, err := s.LoadSagaState(ctx, id, true); return err }},
		{"UpdateStatus", func() error { return s.UpdateStatus(ctx, id, saga.StatusRunning) }},
		{"UpdateContext", func() error { return s.UpdateContext(ctx, id, map[string]any{}) }},
		{"LogStep", func() error {
			return s.LogStep(ctx, saga.LogEntry{SagaID: id, StepName: "a", Action: saga.ActionAct, Status: saga.StepStarted})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, saga.ErrSagaNotFound) {
				t.Errorf("error = %v, want %v", err, saga.ErrSagaNotFound)
			}
		})
	}
}

func testUpdate(t *testing.T, s saga.Storage, id string) {
	ctx := context.Background()
	if err := s.CreateSaga(ctx, id, "order", map[string]any{"step": "none"}); err != nil {
		t.Fatalf("CreateSaga() error = %v", err)
	}
	if err := s.UpdateStatus(ctx, id, saga.StatusRunning); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if err := s.UpdateContext(ctx, id, map[string]any{"step": "reserve", "nested": map[string]any{"ok": true}}); err != nil {
		t.Fatalf("UpdateContext() error = %v", err)
	}

	state, err := s.LoadSagaState(ctx, id, false)
	if err != nil {
		t.Fatalf("LoadSagaState() error = %v", err)
	}
	if state.Status != saga.StatusRunning {
		t.Errorf("Status = %s, want %s", state.Status, saga.StatusRunning)
	}
	if state.Context["step"] != "reserve" {
		t.Errorf("Context[step] = %v, want reserve", state.Context["step"])
	}
	nested, _ := state.Context["nested"].(map[string]any)
	if nested["ok"] != true {
		t.Errorf("Context[nested] = %v, want ok=true", state.Context["nested"])
	}
	if state.UpdatedAt.Before(state.CreatedAt) {
		t.Errorf("UpdatedAt %v before CreatedAt %v", state.UpdatedAt, state.CreatedAt)
	}
}

func testLogOrder(t *testing.T, s saga.Storage, id string) {
	ctx := context.Background()
	if err := s.CreateSaga(ctx, id, "order", nil); err != nil {
		t.Fatalf("CreateSaga() error = %v", err)
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	want := []saga.LogEntry{
		{SagaID: id, StepName: "reserve", Action: saga.ActionAct, Status: saga.StepStarted, CreatedAt: at},
		{SagaID: id, StepName: "reserve", Action: saga.ActionAct, Status: saga.StepCompleted, CreatedAt: at},
		{SagaID: id, StepName: "pay", Action: saga.ActionAct, Status: saga.StepStarted, CreatedAt: at},
		{SagaID: id, StepName: "pay", Action: saga.ActionAct, Status: saga.StepFailed, Detail: "card declined", CreatedAt: at},
		{SagaID: id, StepName: "reserve", Action: saga.ActionCompensate, Status: saga.StepCompleted, CreatedAt: at.Add(time.Millisecond)},
	}
	for _, e := range want {
		if err := s.LogStep(ctx, e); err != nil {
			t.Fatalf("LogStep() error = %v", err)
		}
	}
	if err := s.LogStep(ctx, saga.LogEntry{SagaID: id, StepName: "ship", Action: saga.ActionAct, Status: saga.StepStarted}); err != nil {
		t.Fatalf("LogStep() without timestamp error = %v", err)
	}

	state, err := s.LoadSagaState(ctx, id, false)
	if err != nil {
		t.Fatalf("LoadSagaState() error = %v", err)
	}
	if len(state.History) != len(want)+1 {
		t.Fatalf("History has %d entries, want %d", len(state.History), len(want)+1)
	}
	for i, w := range want {
		got := state.History[i]
		if got.SagaID != w.SagaID || got.StepName != w.StepName || got.Action != w.Action ||
			got.Status != w.Status || got.Detail != w.Detail || !got.CreatedAt.Equal(w.CreatedAt) {
			t.Errorf("History[%d] = %+v, want %+v", i, got, w)
		}
	}
	if last := state.History[len(want)]; last.CreatedAt.IsZero() {
		t.Error("LogStep() left CreatedAt zero")
	}
}

func testExclusive(t *testing.T, s saga.Storage, id string) {
	ctx := context.Background()
	if err := s.CreateSaga(ctx, id, "order", nil); err != nil {
		t.Fatalf("CreateSaga() error = %v", err)
	}

	if _, err := s.LoadSagaState(ctx, id, true); err != nil {
		t.Fatalf("first exclusive LoadSagaState() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	_, err := s.LoadSagaState(waitCtx, id, true)
	cancel()
	if err == nil {
		t.Fatal("second exclusive LoadSagaState() succeeded while locked")
	}

	if _, err := s.LoadSagaState(ctx, id, false); err != nil {
		t.Errorf("shared LoadSagaState() while locked error = %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		_, err := s.LoadSagaState(ctx, id, true)
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("waiter acquired lock before release: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := s.ReleaseSaga(ctx, id); err != nil {
		t.Fatalf("ReleaseSaga() error = %v", err)
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiter LoadSagaState() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not acquire lock after release")
	}
	if err := s.ReleaseSaga(ctx, id); err != nil {
		t.Errorf("ReleaseSaga() error = %v", err)
	}
}

func testReleaseUnlocked(t *testing.T, s saga.Storage, id string) {
	ctx := context.Background()
	if err := s.CreateSaga(ctx, id, "order", nil); err != nil {
		t.Fatalf("CreateSaga() error = %v", err)
	}
	if err := s.ReleaseSaga(ctx, id); err != nil {
		t.Errorf("ReleaseSaga() on unlocked saga error = %v", err)
	}
}

func testFindSagas(t *testing.T, s saga.Storage, f saga.Finder, prefix string) {
	ctx := context.Background()
	statuses := []saga.Status{saga.StatusRunning, saga.StatusCompleted, saga.StatusCompensating}

	var want []string
	for i, status := range statuses {
		id := prefix + "-find-" + string(rune('a'+i))
		if err := s.CreateSaga(ctx, id, "order", nil); err != nil {
			t.Fatalf("CreateSaga() error = %v", err)
		}
		if err := s.UpdateStatus(ctx, id, status); err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}
		if status != saga.StatusCompleted {
			want = append(want, id)
		}
		time.Sleep(2 * time.Millisecond)
	}

	ids, err := f.FindSagas(ctx, saga.StatusRunning, saga.StatusCompensating)
	if err != nil {
		t.Fatalf("FindSagas() error = %v", err)
	}

	var got []string
	for _, id := range ids {
		if strings.HasPrefix(id, prefix+"-find-") {
			got = append(got, id)
		}
	}
	if !slices.Equal(got, want) {
		t.Errorf("FindSagas() = %v, want %v", got, want)
	}
}
