package store

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/browsing-digest/internal/digest"
)

// ErrNotConfigured is returned when a store method is called on a nil or closed store.
var ErrNotConfigured = errors.New("summary store is not configured")

// Prepare validates a batch and drops later duplicates of the same URL, keeping
// the first occurrence so a batch obeys the same first-write-wins rule as the table.
func Prepare(records []digest.SummaryRecord) ([]digest.SummaryRecord, error) {
	seen := make(map[string]struct{}, len(records))
	out := make([]digest.SummaryRecord, 0, len(records))
	for i, rec := range records {
		if rec.URL == "" {
			return nil, fmt.Errorf("record %d: url is required", i)
		}
		if _, dup := seen[rec.URL]; dup {
			continue
		}
		seen[rec.URL] = struct{}{}
		out = append(out, rec)
	}
	return out, nil
}
