package responder

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Record is one answered email.
type Record struct {
	ID             string
	UserEmail      string
	EmailID        string
	Response       string
	ReplyMessageID string
	CreatedAt      time.Time
}

// AuditStore remembers which emails were answered.
type AuditStore struct {
	db *sql.DB
}

// OpenAuditStore opens or creates the audit database at path.
func OpenAuditStore(path string) (*AuditStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// Processed reports whether the email already has a recorded reply.
func (s *AuditStore) Processed(ctx context.Context, userEmail, emailID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_emails WHERE user_email = ? AND email_id = ?`,
		userEmail, emailID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query processed email: %w", err)
	}
	return true, nil
}

// Save stores r, filling in ID and CreatedAt when empty. A second record
// for the same email is ignored.
func (s *AuditStore) Save(ctx context.Context, r Record) (Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_emails
		(id, user_email, email_id, response, reply_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.UserEmail, r.EmailID, r.Response, r.ReplyMessageID, r.CreatedAt.Unix())
	if err != nil {
		return r, fmt.Errorf("insert processed email: %w", err)
	}
	return r, nil
}

// Recent returns up to limit records, newest first.
func (s *AuditStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_email, email_id, response, reply_message_id, created_at
		FROM processed_emails
		ORDER BY created_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created int64
		if err := rows.Scan(&r.ID, &r.UserEmail, &r.EmailID, &r.Response, &r.ReplyMessageID, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
