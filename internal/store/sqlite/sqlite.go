// Package sqlite persists summaries in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/JakeFAU/browsing-digest/internal/digest"
	"github.com/JakeFAU/browsing-digest/internal/store"
)

// Schema creates the summaries table. visit_time defaults to the row creation time.
const Schema = `
CREATE TABLE IF NOT EXISTS summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	summary TEXT NOT NULL,
	visit_time INTEGER DEFAULT (CAST(strftime('%s', 'now') AS INTEGER))
)`

const insertIgnore = `INSERT OR IGNORE INTO summaries (url, title, summary, visit_time) VALUES (?, ?, ?, ?)`

// Store implements digest.Store on SQLite.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store.path is required")
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection without migrating (primarily for testing).
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the summaries table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create summaries table: %w", err)
	}
	return nil
}

// InsertIgnore writes records in one transaction. Existing URLs are left untouched.
func (s *Store) InsertIgnore(ctx context.Context, records []digest.SummaryRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, store.ErrNotConfigured
	}
	records, err := store.Prepare(records)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PreparexContext(ctx, insertIgnore)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	var inserted int64
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx, rec.URL, rec.Title, rec.Summary, rec.VisitTime)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", rec.URL, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return inserted, nil
}

// Exists reports whether a summary for url is stored.
func (s *Store) Exists(ctx context.Context, url string) (bool, error) {
	if s == nil || s.db == nil {
		return false, store.ErrNotConfigured
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM summaries WHERE url = ?)`, url); err != nil {
		return false, fmt.Errorf("lookup %s: %w", url, err)
	}
	return exists, nil
}

// Get loads the summary stored for url.
func (s *Store) Get(ctx context.Context, url string) (digest.SummaryRecord, bool, error) {
	if s == nil || s.db == nil {
		return digest.SummaryRecord{}, false, store.ErrNotConfigured
	}
	var rec digest.SummaryRecord
	err := s.db.GetContext(ctx, &rec, `SELECT url, title, summary, visit_time FROM summaries WHERE url = ?`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return digest.SummaryRecord{}, false, nil
	}
	if err != nil {
		return digest.SummaryRecord{}, false, fmt.Errorf("get %s: %w", url, err)
	}
	return rec, true, nil
}

// Count returns the number of stored summaries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM summaries`); err != nil {
		return 0, fmt.Errorf("count summaries: %w", err)
	}
	return n, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close releases the connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
