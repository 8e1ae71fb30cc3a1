package replication

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Record is one mirrored row of the primary store's logical key space,
// composite-keyed by (session id, filename).
type Record struct {
	SessionID string
	Filename  string
	Payload   []byte
	UpdatedAt time.Time
}

// Secondary is the durable secondary backend backed by sqlite.
type Secondary struct {
	db *sql.DB
}

// OpenSecondary opens (creating if needed) the secondary database at path.
func OpenSecondary(path string) (*Secondary, error) {
	if path == "" {
		return nil, fmt.Errorf("secondary db path required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating secondary db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening secondary db: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Secondary{db: db}, nil
}

// OpenSecondaryInMemory opens an in-memory secondary. Used by tests.
func OpenSecondaryInMemory() (*Secondary, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory secondary: %w", err)
	}

	// A single connection so every statement sees the same in-memory db.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Secondary{db: db}, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	return nil
}

// Close closes the database.
func (s *Secondary) Close() error {
	return s.db.Close()
}

// Put upserts one record.
func (s *Secondary) Put(ctx context.Context, sessionID, filename string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (session_id, filename, payload, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id, filename)
		 DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		sessionID, filename, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upserting record: %w", err)
	}

	return nil
}

// Delete removes one record. Deleting a missing record is not an error.
func (s *Secondary) Delete(ctx context.Context, sessionID, filename string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE session_id = ? AND filename = ?`,
		sessionID, filename)
	if err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}

	return nil
}

// PullAll returns every mirrored record for a session.
func (s *Secondary) PullAll(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, filename, payload, updated_at
		 FROM records WHERE session_id = ? ORDER BY filename`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []Record

	for rows.Next() {
		var (
			r  Record
			ts int64
		)
		if err := rows.Scan(&r.SessionID, &r.Filename, &r.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}

		r.UpdatedAt = time.UnixMilli(ts)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}

	return records, nil
}

// HasData reports whether any record exists for the session.
func (s *Secondary) HasData(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM records WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("counting records: %w", err)
	}

	return n > 0, nil
}

// DeleteSession removes every record for a session.
func (s *Secondary) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session records: %w", err)
	}

	return nil
}

// Probe is the lightweight health check the prober runs.
func (s *Secondary) Probe(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("probing secondary: %w", err)
	}

	return nil
}
