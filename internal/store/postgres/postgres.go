// Package postgres persists summaries in PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/browsing-digest/internal/digest"
	"github.com/JakeFAU/browsing-digest/internal/store"
)

// Schema creates the summaries table. visit_time defaults to the row creation time.
const Schema = `
CREATE TABLE IF NOT EXISTS summaries (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	summary TEXT NOT NULL,
	visit_time BIGINT DEFAULT (extract(epoch from now())::BIGINT)
)`

const insertIgnore = `
INSERT INTO summaries (url, title, summary, visit_time)
SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::bigint[])
ON CONFLICT (url) DO NOTHING`

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements digest.Store on PostgreSQL.
type Store struct {
	pool pool
}

// Open creates a pool and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: p}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Migrate creates the summaries table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create summaries table: %w", err)
	}
	return nil
}

// InsertIgnore writes every record in a single statement keyed on url.
func (s *Store) InsertIgnore(ctx context.Context, records []digest.SummaryRecord) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, store.ErrNotConfigured
	}
	records, err := store.Prepare(records)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	urls := make([]string, len(records))
	titles := make([]string, len(records))
	summaries := make([]string, len(records))
	visits := make([]int64, len(records))
	for i, rec := range records {
		urls[i], titles[i], summaries[i], visits[i] = rec.URL, rec.Title, rec.Summary, rec.VisitTime
	}
	tag, err := s.pool.Exec(ctx, insertIgnore, urls, titles, summaries, visits)
	if err != nil {
		return 0, fmt.Errorf("insert summaries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Exists reports whether a summary for url is stored.
func (s *Store) Exists(ctx context.Context, url string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, store.ErrNotConfigured
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM summaries WHERE url = $1)`, url).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup %s: %w", url, err)
	}
	return exists, nil
}

// Get loads the summary stored for url.
func (s *Store) Get(ctx context.Context, url string) (digest.SummaryRecord, bool, error) {
	if s == nil || s.pool == nil {
		return digest.SummaryRecord{}, false, store.ErrNotConfigured
	}
	var rec digest.SummaryRecord
	err := s.pool.QueryRow(ctx, `SELECT url, title, summary, visit_time FROM summaries WHERE url = $1`, url).
		Scan(&rec.URL, &rec.Title, &rec.Summary, &rec.VisitTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return digest.SummaryRecord{}, false, nil
	}
	if err != nil {
		return digest.SummaryRecord{}, false, fmt.Errorf("get %s: %w", url, err)
	}
	return rec, true, nil
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
