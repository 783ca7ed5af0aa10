package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/hxnx/tuneroom/internal/logger"
)

var ErrNotInitialized = errors.New("database not initialized")

var (
	db   *sql.DB
	once sync.Once
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (cfg *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.DBName, cfg.SSLMode,
	)

	if cfg.Password != "" {
		connStr += fmt.Sprintf(" password=%s", cfg.Password)
	}
	return connStr
}

func Initialize(cfg *Config) error {
	var initError error

	once.Do(func() {
		var err error
		db, err = sql.Open("postgres", cfg.ConnectionString())
		if err != nil {
			initError = fmt.Errorf("failed to open database: %w", err)
			return
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			initError = fmt.Errorf("failed to ping database: %w", err)
			return
		}

		if err := runMigrations(ctx); err != nil {
			initError = fmt.Errorf("failed to run migrations: %w", err)
			return
		}

		logger.WithComponent("database").Info("database connection established", "host", cfg.Host, "db", cfg.DBName)
	})

	return initError
}

var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS scrobble_credentials (
		participant_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		session_key TEXT NOT NULL,
		linked_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`,
	`
	CREATE TABLE IF NOT EXISTS listening_sessions (
		session_id TEXT PRIMARY KEY,
		host_id TEXT NOT NULL,
		track_count INTEGER NOT NULL DEFAULT 0,
		peak_participants INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		closed_at TIMESTAMPTZ
	);
	`,
	`
	CREATE TABLE IF NOT EXISTS listening_plays (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES listening_sessions(session_id) ON DELETE CASCADE,
		track_index INTEGER NOT NULL,
		artist TEXT NOT NULL,
		title TEXT NOT NULL,
		played_ms BIGINT NOT NULL,
		listeners INTEGER NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`,
	`CREATE INDEX IF NOT EXISTS listening_plays_session_idx ON listening_plays (session_id);`,
}

func runMigrations(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("failed to execute migration: %w\nQuery: %s", err, m)
		}
	}
	logger.WithComponent("database").Debug("database migrations completed", "count", len(migrations))
	return nil
}

func GetDB() *sql.DB {
	return db
}

func Close() error {
	if db != nil {
		return db.Close()
	}
	return nil
}
