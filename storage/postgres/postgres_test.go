package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/tailored-agentic-units/mediator/saga"
	"github.com/tailored-agentic-units/mediator/storage/postgres"
	"github.com/tailored-agentic-units/mediator/storage/storagetest"
)

var (
	_ saga.Storage = (*postgres.Storage)(nil)
	_ saga.Finder  = (*postgres.Storage)(nil)
)

func open(t *testing.T) *postgres.Storage {
	t.Helper()
	dsn := os.Getenv("MEDIATOR_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEDIATOR_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func TestStorage(t *testing.T) {
	storagetest.Run(t, open(t))
}

func TestStorage_MigrateIdempotent(t *testing.T) {
	s := open(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}
