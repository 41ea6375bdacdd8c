// Package outcome persists the final record of each call: the assembled
// transcript, the call duration, and how the call ended.
package outcome

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Outcome is the terminal record for one call.
type Outcome struct {
	Transcript      string
	DurationSeconds int
	Status          string
}

// Store saves call outcomes. Implementations must be safe for concurrent use
// by independent sessions.
type Store interface {
	SaveCallOutcome(ctx context.Context, callRef string, o Outcome) error
}

// PGStore persists outcomes to Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPG connects to the database, applies pending migrations, and returns a
// ready store.
func OpenPG(ctx context.Context, dsn string) (*PGStore, error) {
	if err := migrate(dsn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// SaveCallOutcome upserts the outcome row for callRef.
func (s *PGStore) SaveCallOutcome(ctx context.Context, callRef string, o Outcome) error {
	const q = `
		INSERT INTO call_outcomes (call_ref, transcript, duration_seconds, status, recorded_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (call_ref) DO UPDATE
		SET transcript = EXCLUDED.transcript,
		    duration_seconds = EXCLUDED.duration_seconds,
		    status = EXCLUDED.status,
		    recorded_at = EXCLUDED.recorded_at`
	if _, err := s.pool.Exec(ctx, q, callRef, o.Transcript, o.DurationSeconds, o.Status); err != nil {
		return fmt.Errorf("save call outcome %s: %w", callRef, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// LogStore records outcomes to the log only. It keeps the bridge runnable
// when no database is configured.
type LogStore struct {
	Logger *slog.Logger
}

func (s LogStore) SaveCallOutcome(ctx context.Context, callRef string, o Outcome) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("call outcome",
		"call_ref", callRef,
		"status", o.Status,
		"duration_s", o.DurationSeconds,
		"transcript_chars", len(o.Transcript),
	)
	return nil
}
