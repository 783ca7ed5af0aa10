package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/logger"
	"github.com/hxnx/tuneroom/internal/scrobble"
)

func TestConnectionString(t *testing.T) {
	cfg := &Config{Host: "db", Port: 5432, User: "room", DBName: "tuneroom", SSLMode: "disable"}
	want := "host=db port=5432 user=room dbname=tuneroom sslmode=disable"
	if got := cfg.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}

	cfg.Password = "secret"
	if got := cfg.ConnectionString(); got != want+" password=secret" {
		t.Errorf("ConnectionString() with password = %q", got)
	}
}

func TestCredentialRepositoryWithoutDatabase(t *testing.T) {
	repo := &CredentialRepository{}
	ctx := context.Background()

	if _, _, err := repo.Get(ctx, "1"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Get() error = %v", err)
	}
	if err := repo.Set(ctx, "1", scrobble.Credential{}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Set() error = %v", err)
	}
	if err := repo.Delete(ctx, "1"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Delete() error = %v", err)
	}
	if _, err := repo.All(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("All() error = %v", err)
	}
}

func TestHistoryRepositoryQueue(t *testing.T) {
	repo := &HistoryRepository{
		queue:  make(chan listen.Event, 2),
		logger: logger.Discard(),
	}

	repo.Observe(listen.Event{Kind: listen.EventStatusChanged})
	repo.Observe(listen.Event{Kind: listen.EventSessionCreated, SessionID: "a"})
	repo.Observe(listen.Event{Kind: listen.EventTrackFinished, SessionID: "a"})

	done := make(chan struct{})
	go func() {
		// Full queue: must not block the caller.
		repo.Observe(listen.Event{Kind: listen.EventSessionClosed, SessionID: "a"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Observe blocked on a full queue")
	}

	if n := len(repo.queue); n != 2 {
		t.Fatalf("queued = %d, want 2", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	repo.Run(ctx)

	if n := len(repo.queue); n != 0 {
		t.Errorf("queue not drained: %d left", n)
	}
}
