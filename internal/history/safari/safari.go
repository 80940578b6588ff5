// Package safari reads recent visits from a Safari History.db file.
package safari

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/JakeFAU/browsing-digest/internal/digest"
)

const visitsQuery = `
SELECT history_items.url AS url, history_visits.visit_time AS visit_time
FROM history_items
JOIN history_visits ON history_items.id = history_visits.history_item
WHERE history_visits.visit_time > ?
ORDER BY history_visits.visit_time`

// Source implements digest.HistorySource over the Safari schema.
type Source struct {
	db *sqlx.DB
}

type visitRow struct {
	URL       string  `db:"url"`
	VisitTime float64 `db:"visit_time"`
}

// Open opens the history database read-only.
func Open(ctx context.Context, path string) (*Source, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is required")
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	return &Source{db: db}, nil
}

// NewWithDB wraps an existing connection (primarily for testing).
func NewWithDB(db *sqlx.DB) *Source {
	return &Source{db: db}
}

// Since returns visits newer than daysBack days before now, oldest first.
// Visit times stay in the native epoch.
func (s *Source) Since(ctx context.Context, daysBack int, now time.Time) ([]digest.VisitRecord, error) {
	cutoff := digest.ToNative(now.Add(-time.Duration(daysBack) * 24 * time.Hour))
	var rows []visitRow
	if err := s.db.SelectContext(ctx, &rows, visitsQuery, cutoff); err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	records := make([]digest.VisitRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, digest.VisitRecord{URL: row.URL, VisitTime: int64(row.VisitTime)})
	}
	return records, nil
}

// Close releases the database handle.
func (s *Source) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close history: %w", err)
	}
	return nil
}
