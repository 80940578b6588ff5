package worker

import "github.com/JakeFAU/browsing-digest/internal/digest"

// Buffer holds summaries until they are flushed. It is not safe for concurrent use.
type Buffer struct {
	threshold int
	records   []digest.SummaryRecord
}

// NewBuffer returns a Buffer that reports full at threshold records.
func NewBuffer(threshold int) *Buffer {
	if threshold < 1 {
		threshold = 1
	}
	return &Buffer{threshold: threshold, records: make([]digest.SummaryRecord, 0, threshold)}
}

// Add appends rec and reports whether the buffer reached its threshold.
func (b *Buffer) Add(rec digest.SummaryRecord) bool {
	b.records = append(b.records, rec)
	return b.Full()
}

// Full reports whether a flush is due.
func (b *Buffer) Full() bool {
	return len(b.records) >= b.threshold
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	return len(b.records)
}

// Records returns a copy of the buffered records in insertion order.
func (b *Buffer) Records() []digest.SummaryRecord {
	out := make([]digest.SummaryRecord, len(b.records))
	copy(out, b.records)
	return out
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.records = b.records[:0]
}
