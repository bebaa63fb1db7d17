// Package sqlite provides a SQLite-backed snapshot store for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/cory-johannsen/enfaria/internal/persistence"
)

//go:embed schema.sql
var schema string

// Store persists snapshots in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
//
// Precondition: path must be non-empty; ":memory:" opens a private in-memory database.
// Postcondition: Returns a ready Store or a non-nil error.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under the persist worker pool.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save upserts snap under key.
func (s *Store) Save(ctx context.Context, key string, snap persistence.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO world_snapshots (key, user_id, display_name, beat, saved_at, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			user_id      = excluded.user_id,
			display_name = excluded.display_name,
			beat         = excluded.beat,
			saved_at     = excluded.saved_at,
			body         = excluded.body`,
		key, int64(snap.UserID), snap.DisplayName, int64(snap.Beat), snap.SavedAt.UTC().UnixMilli(), string(body),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot under key.
func (s *Store) Load(ctx context.Context, key string) (persistence.Snapshot, error) {
	var body string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT body FROM world_snapshots WHERE key = ?`, key,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Snapshot{}, fmt.Errorf("%w: %s", persistence.ErrSnapshotNotFound, key)
		}
		return persistence.Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	var snap persistence.Snapshot
	if err := yaml.Unmarshal([]byte(body), &snap); err != nil {
		return persistence.Snapshot{}, fmt.Errorf("decoding snapshot %s: %w", key, err)
	}
	return snap, nil
}
