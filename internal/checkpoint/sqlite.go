package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore keeps checkpoints in a local SQLite database.
type SQLiteStore struct {
	db      *sql.DB
	timeout time.Duration
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, callTimeout time.Duration) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db, timeout: callTimeout}, nil
}

// Get returns the stored checkpoint for userEmail.
func (s *SQLiteStore) Get(ctx context.Context, userEmail string) (uint64, bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT history_id FROM checkpoints WHERE user_email = ?`, userEmail).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: get %s: %w", ErrStorageUnavailable, userEmail, err)
	}
	return uint64(id), true, nil
}

// Advance raises the checkpoint for userEmail. A lower or equal value is
// ignored.
func (s *SQLiteStore) Advance(ctx context.Context, userEmail string, checkpoint uint64) error {
	return s.exec(ctx, "advance", userEmail, `
		INSERT INTO checkpoints (user_email, history_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_email) DO UPDATE SET
			history_id = excluded.history_id,
			updated_at = excluded.updated_at
		WHERE excluded.history_id > checkpoints.history_id
	`, checkpoint, nil)
}

// Seed inserts the checkpoint only if userEmail has none.
func (s *SQLiteStore) Seed(ctx context.Context, userEmail string, checkpoint uint64) (bool, error) {
	var n int64
	err := s.exec(ctx, "seed", userEmail, `
		INSERT INTO checkpoints (user_email, history_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_email) DO NOTHING
	`, checkpoint, &n)
	return n == 1, err
}

// Put overwrites the checkpoint for userEmail.
func (s *SQLiteStore) Put(ctx context.Context, userEmail string, checkpoint uint64) error {
	return s.exec(ctx, "put", userEmail, `
		INSERT INTO checkpoints (user_email, history_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_email) DO UPDATE SET
			history_id = excluded.history_id,
			updated_at = excluded.updated_at
	`, checkpoint, nil)
}

func (s *SQLiteStore) exec(ctx context.Context, op, userEmail, query string, checkpoint uint64, affected *int64) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, userEmail, int64(checkpoint), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrStorageUnavailable, op, userEmail, err)
	}
	if affected != nil {
		if *affected, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("%w: %s %s: %w", ErrStorageUnavailable, op, userEmail, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
