package digest

import (
	"context"
	"time"
)

// Fetcher retrieves a URL and returns its extracted text and title.
// Failures are reported as *TransformError.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Summarizer produces a short synopsis of text.
// Failures are reported as *TransformError.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Store persists summaries keyed by URL with first-write-wins semantics.
type Store interface {
	// InsertIgnore writes all records in one operation, skipping URLs that
	// already exist. It returns the number of rows actually inserted.
	InsertIgnore(ctx context.Context, records []SummaryRecord) (int64, error)
	Exists(ctx context.Context, url string) (bool, error)
	Get(ctx context.Context, url string) (SummaryRecord, bool, error)
	Close() error
}

// HistorySource lists visits newer than daysBack days before now.
type HistorySource interface {
	Since(ctx context.Context, daysBack int, now time.Time) ([]VisitRecord, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
