// Package redis provides a saga.Storage on Redis.
//
// Each saga is a hash at <prefix>saga:<id> with its log in a list at
// <prefix>saga:<id>:logs. A sorted set at <prefix>sagas orders ids by
// creation time. Exclusive loads hold a token lock at <prefix>saga:<id>:lock.
// The holder renews it every LockRenew until ReleaseSaga; if the holder dies
// the lock expires after LockTTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tailored-agentic-units/mediator/internal/keylock"
	"github.com/tailored-agentic-units/mediator/saga"
)

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'name', ARGV[1], 'status', ARGV[2], 'context', ARGV[3], 'created_at', ARGV[4], 'updated_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[6])
return 1
`)

var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2], 'updated_at', ARGV[3])
return 1
`)

var logScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Config controls key layout and lock timing.
type Config struct {
	Prefix string

	// LockTTL bounds how long a crashed holder blocks other recoveries.
	LockTTL time.Duration

	// LockPoll is the retry interval while waiting for a held lock.
	LockPoll time.Duration

	// LockRenew is the interval at which a holder extends its lock to
	// LockTTL. Defaults to a third of LockTTL.
	LockRenew time.Duration
}

func (c *Config) applyDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockRenew <= 0 || c.LockRenew >= c.LockTTL {
		c.LockRenew = c.LockTTL / 3
	}
	if c.LockPoll <= 0 {
		c.LockPoll = 50 * time.Millisecond
	}
}

// lease is one held lock and its renewal goroutine.
type lease struct {
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

type Storage struct {
	client redis.UniversalClient
	cfg    Config

	// local admits one holder per saga within this Storage, so each id maps
	// to at most one lease.
	local *keylock.Locker

	mu     sync.Mutex
	leases map[string]*lease
}

func New(client redis.UniversalClient, cfg Config) *Storage {
	cfg.applyDefaults()
	return &Storage{
		client: client,
		cfg:    cfg,
		local:  keylock.New(),
		leases: make(map[string]*lease),
	}
}

func (s *Storage) sagaKey(id string) string { return s.cfg.Prefix + "saga:" + id }
func (s *Storage) logsKey(id string) string { return s.sagaKey(id) + ":logs" }
func (s *Storage) lockKey(id string) string { return s.sagaKey(id) + ":lock" }
func (s *Storage) indexKey() string         { return s.cfg.Prefix + "sagas" }

func (s *Storage) CreateSaga(ctx context.Context, id, name string, sagaCtx map[string]any) error {
	data, err := json.Marshal(sagaCtx)
	if err != nil {
		return fmt.Errorf("failed to encode saga context: %w", err)
	}

	now := time.Now().UTC()
	created, err := createScript.Run(ctx, s.client,
		[]string{s.sagaKey(id), s.indexKey()},
		name, string(saga.StatusPending), data, now.Format(time.RFC3339Nano), now.UnixMicro(), id,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to create saga %s: %w", id, err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", saga.ErrSagaExists, id)
	}
	return nil
}

func (s *Storage) UpdateContext(ctx context.Context, id string, sagaCtx map[string]any) error {
	data, err := json.Marshal(sagaCtx)
	if err != nil {
		return fmt.Errorf("failed to encode saga context: %w", err)
	}
	return s.update(ctx, id, "context", string(data))
}

func (s *Storage) UpdateStatus(ctx context.Context, id string, status saga.Status) error {
	return s.update(ctx, id, "status", string(status))
}

func (s *Storage) LogStep(ctx context.Context, entry saga.LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}

	ok, err := logScript.Run(ctx, s.client,
		[]string{s.sagaKey(entry.SagaID), s.logsKey(entry.SagaID)},
		data, time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to log step for saga %s: %w", entry.SagaID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, entry.SagaID)
	}
	return nil
}

// LoadSagaState polls for the lock every LockPoll when exclusive.
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

// ReleaseSaga stops renewal and deletes the lock if this holder still owns
// it. A lock lost to expiry is left to its new holder.
func (s *Storage) ReleaseSaga(ctx context.Context, id string) error {
	s.mu.Lock()
	l, ok := s.leases[id]
	delete(s.leases, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	defer s.local.Unlock(id)

	l.cancel()
	<-l.done
	if err := releaseScript.Run(ctx, s.client, []string{s.lockKey(id)}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to unlock saga %s: %w", id, err)
	}
	return nil
}

// FindSagas implements saga.Finder.
func (s *Storage) FindSagas(ctx context.Context, statuses ...saga.Status) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.sagaKey(id), "status")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read saga statuses: %w", err)
	}

	want := make(map[saga.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var found []string
	for i, cmd := range cmds {
		status, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read status of saga %s: %w", ids[i], err)
		}
		if want[saga.Status(status)] {
			found = append(found, ids[i])
		}
	}
	return found, nil
}

func (s *Storage) lock(ctx context.Context, id string) error {
	if err := s.local.Lock(ctx, id); err != nil {
		return fmt.Errorf("failed to lock saga %s: %w", id, err)
	}

	token := uuid.NewString()
	ticker := time.NewTicker(s.cfg.LockPoll)
	defer ticker.Stop()

	for {
		ok, err := s.client.SetNX(ctx, s.lockKey(id), token, s.cfg.LockTTL).Result()
		if err != nil {
			s.local.Unlock(id)
			return fmt.Errorf("failed to lock saga %s: %w", id, err)
		}
		if ok {
			s.hold(id, token)
			return nil
		}

		select {
		case <-ctx.Done():
			s.local.Unlock(id)
			return fmt.Errorf("failed to lock saga %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Storage) hold(id, token string) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &lease{token: token, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.leases[id] = l
	s.mu.Unlock()

	go s.renew(ctx, id, l)
}

// renew extends the lock every LockRenew until the lease is released or
// another holder owns the key.
func (s *Storage) renew(ctx context.Context, id string, l *lease) {
	defer close(l.done)

	ticker := time.NewTicker(s.cfg.LockRenew)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		held, err := renewScript.Run(ctx, s.client, []string{s.lockKey(id)}, l.token, s.cfg.LockTTL.Milliseconds()).Int()
		if err == nil && held == 0 {
			return
		}
	}
}

func (s *Storage) update(ctx context.Context, id, field, value string) error {
	ok, err := updateScript.Run(ctx, s.client,
		[]string{s.sagaKey(id)},
		field, value, time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to update saga %s: %w", id, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, id)
	}
	return nil
}

func (s *Storage) load(ctx context.Context, id string) (saga.State, error) {
	pipe := s.client.Pipeline()
	fields := pipe.HGetAll(ctx, s.sagaKey(id))
	logs := pipe.LRange(ctx, s.logsKey(id), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return saga.State{}, fmt.Errorf("failed to load saga %s: %w", id, err)
	}

	h := fields.Val()
	if len(h) == 0 {
		return saga.State{}, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, id)
	}

	state := saga.State{
		ID:     id,
		Name:   h["name"],
		Status: saga.Status(h["status"]),
	}
	if err := json.Unmarshal([]byte(h["context"]), &state.Context); err != nil {
		return saga.State{}, fmt.Errorf("failed to decode context of saga %s: %w", id, err)
	}

	var err error
	if state.CreatedAt, err = time.Parse(time.RFC3339Nano, h["created_at"]); err != nil {
		return saga.State{}, fmt.Errorf("failed to decode saga %s: %w", id, err)
	}
	if state.UpdatedAt, err = time.Parse(time.RFC3339Nano, h["updated_at"]); err != nil {
		return saga.State{}, fmt.Errorf("failed to decode saga %s: %w", id, err)
	}

	for _, raw := range logs.Val() {
		var entry saga.LogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return saga.State{}, fmt.Errorf("failed to decode history of saga %s: %w", id, err)
		}
		state.History = append(state.History, entry)
	}
	return state, nil
}
