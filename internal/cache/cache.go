// Package cache is the process-local mirror of the last-known challenge
// list, keyed by user id. It is a read-through copy with no write authority
// of its own: every write originates from the challenge service.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type ChallengeCache struct {
	db *sql.DB
}

// Open opens (or creates) the cache database at dbPath and runs migrations.
func Open(dbPath string) (*ChallengeCache, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run cache migrations: %w", err)
	}

	return &ChallengeCache{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}

// Load returns the serialized challenge list for userID, or ok=false when
// the user has no cached entry yet.
func (c *ChallengeCache) Load(ctx context.Context, userID string) ([]byte, bool, error) {
	var payload []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT payload FROM challenge_cache WHERE user_id = ?`, userID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load cache for %s: %w", userID, err)
	}
	return payload, true, nil
}

// Store upserts the serialized challenge list for userID.
func (c *ChallengeCache) Store(ctx context.Context, userID string, payload []byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO challenge_cache (user_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		userID, payload, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store cache for %s: %w", userID, err)
	}
	return nil
}

// Delete removes the cached entry for userID. Missing entries are not an error.
func (c *ChallengeCache) Delete(ctx context.Context, userID string) error {
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM challenge_cache WHERE user_id = ?`, userID,
	); err != nil {
		return fmt.Errorf("delete cache for %s: %w", userID, err)
	}
	return nil
}

func (c *ChallengeCache) Close() error {
	return c.db.Close()
}
