// Package postgres provides a saga.Storage on PostgreSQL.
//
// Exclusive loads take a session advisory lock keyed by the saga id on a
// connection pinned until ReleaseSaga, so they exclude recoveries in any
// process sharing the database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tailored-agentic-units/mediator/saga"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS saga_executions (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		status     TEXT NOT NULL,
		context    JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS saga_executions_status_idx ON saga_executions (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS saga_logs (
		id         BIGSERIAL PRIMARY KEY,
		saga_id    TEXT NOT NULL REFERENCES saga_executions (id) ON DELETE CASCADE,
		step_name  TEXT NOT NULL,
		action     TEXT NOT NULL,
		status     TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS saga_logs_saga_id_created_at_idx ON saga_logs (saga_id, created_at)`,
}

type Storage struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[string]*pgxpool.Conn
}

// Open connects a pool to dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return New(pool), nil
}

func New(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool, held: make(map[string]*pgxpool.Conn)}
}

// Migrate creates the saga tables and indexes if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate saga schema: %w", err)
		}
	}
	return nil
}

// Close releases held locks and closes the pool.
func (s *Storage) Close() {
	s.mu.Lock()
	for id, conn := range s.held {
		conn.Release()
		delete(s.held, id)
	}
	s.mu.Unlock()
	s.pool.Close()
}

func (s *Storage) CreateSaga(ctx context.Context, id, name string, sagaCtx map[string]any) error {
	data, err := encodeContext(sagaCtx)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO saga_executions (id, name, status, context) VALUES ($1, $2, $3, $4)`,
		id, name, string(saga.StatusPending), data)
	if pgCode(err) == codeUniqueViolation {
		return fmt.Errorf("%w: %s", saga.ErrSagaExists, id)
	}
	if err != nil {
		return fmt.Errorf("failed to create saga %s: %w", id, err)
	}
	return nil
}

func (s *Storage) UpdateContext(ctx context.Context, id string, sagaCtx map[string]any) error {
	data, err := encodeContext(sagaCtx)
	if err != nil {
		return err
	}
	return s.update(ctx, id, `UPDATE saga_executions SET context = $2, updated_at = now() WHERE id = $1`, data)
}

func (s *Storage) UpdateStatus(ctx context.Context, id string, status saga.Status) error {
	return s.update(ctx, id, `UPDATE saga_executions SET status = $2, updated_at = now() WHERE id = $1`, string(status))
}

func (s *Storage) LogStep(ctx context.Context, entry saga.LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO saga_logs (saga_id, step_name, action, status, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.SagaID, entry.StepName, string(entry.Action), string(entry.Status), entry.Detail, entry.CreatedAt)
	if pgCode(err) == codeForeignKeyViolation {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, entry.SagaID)
	}
	if err != nil {
		return fmt.Errorf("failed to log step for saga %s: %w", entry.SagaID, err)
	}
	return nil
}

func (s *Storage) LoadSagaState(ctx context.Context, id string, exclusive bool) (saga.State, error) {
	if !exclusive {
		return s.load(ctx, id)
	}

	if _, err := s.load(ctx, id); err != nil {
		return saga.State{}, err
	}
	if err := s.lock(ctx, id); err != nil {
		return saga.State{}, err
	}

	state, err := s.load(ctx, id)
	if err != nil {
		s.ReleaseSaga(context.WithoutCancel(ctx), id)
		return saga.State{}, err
	}
	return state, nil
}

func (s *Storage) ReleaseSaga(ctx context.Context, id string) error {
	s.mu.Lock()
	conn, ok := s.held[id]
	delete(s.held, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, id); err != nil {
		// Closing the session drops its advisory locks.
		conn.Conn().Close(ctx)
		return fmt.Errorf("failed to unlock saga %s: %w", id, err)
	}
	return nil
}

// FindSagas implements saga.Finder.
func (s *Storage) FindSagas(ctx context.Context, statuses ...saga.Status) ([]string, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id FROM saga_executions WHERE status = ANY($1) ORDER BY created_at, id`, names)
	if err != nil {
		return nil, fmt.Errorf("failed to find sagas: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to find sagas: %w", err)
	}
	return ids, nil
}

func (s *Storage) lock(ctx context.Context, id string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to lock saga %s: %w", id, err)
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, id); err != nil {
		conn.Conn().Close(context.WithoutCancel(ctx))
		conn.Release()
		return fmt.Errorf("failed to lock saga %s: %w", id, err)
	}

	s.mu.Lock()
	s.held[id] = conn
	s.mu.Unlock()
	return nil
}

func (s *Storage) update(ctx context.Context, id, query string, value any) error {
	tag, err := s.pool.Exec(ctx, query, id, value)
	if err != nil {
		return fmt.Errorf("failed to update saga %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, id)
	}
	return nil
}

func (s *Storage) load(ctx context.Context, id string) (saga.State, error) {
	state := saga.State{ID: id}
	var (
		status string
		data   []byte
	)

	err := s.pool.QueryRow(ctx,
		`SELECT name, status, context, created_at, updated_at FROM saga_executions WHERE id = $1`, id,
	).Scan(&state.Name, &status, &data, &state.CreatedAt, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return saga.State{}, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, id)
	}
	if err != nil {
		return saga.State{}, fmt.Errorf("failed to load saga %s: %w", id, err)
	}
	state.Status = saga.Status(status)
	if err := json.Unmarshal(data, &state.Context); err != nil {
		return saga.State{}, fmt.Errorf("failed to decode context of saga %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT step_name, action, status, detail, created_at FROM saga_logs WHERE saga_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return saga.State{}, fmt.Errorf("failed to load history of saga %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		entry := saga.LogEntry{SagaID: id}
		var action, stepStatus string
		if err := rows.Scan(&entry.StepName, &action, &stepStatus, &entry.Detail, &entry.CreatedAt); err != nil {
			return saga.State{}, fmt.Errorf("failed to load history of saga %s: %w", id, err)
		}
		entry.Action = saga.Action(action)
		entry.Status = saga.StepStatus(stepStatus)
		state.History = append(state.History, entry)
	}
	if err := rows.Err(); err != nil {
		return saga.State{}, fmt.Errorf("failed to load history of saga %s: %w", id, err)
	}
	return state, nil
}

func encodeContext(sagaCtx map[string]any) ([]byte, error) {
	if sagaCtx == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(sagaCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode saga context: %w", err)
	}
	return data, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
