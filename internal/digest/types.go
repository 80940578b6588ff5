package digest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NativeEpochOffset is the number of seconds between the Unix epoch and the
// 2001-01-01 UTC origin used by the browser history database.
const NativeEpochOffset int64 = 978307200

// NoTitle is stored when a page carries no <title> element.
const NoTitle = "No Title Found"

// VisitRecord is one visit read from the history source. VisitTime is in the
// native epoch.
type VisitRecord struct {
	URL       string
	VisitTime int64
}

// QueueMessage is the wire representation of a VisitRecord.
type QueueMessage struct {
	URL       string `json:"url"`
	VisitTime int64  `json:"visit_time"`
}

// SummaryRecord is a transformed visit ready to be persisted. VisitTime is a
// Unix timestamp in seconds.
type SummaryRecord struct {
	URL       string `db:"url"`
	Title     string `db:"title"`
	Summary   string `db:"summary"`
	VisitTime int64  `db:"visit_time"`
}

// Page is the extracted content of a fetched URL.
type Page struct {
	URL   string
	Title string
	Text  string
}

// ErrInvalidMessage reports a queue body that cannot be decoded.
var ErrInvalidMessage = errors.New("invalid queue message")

// NewQueueMessage converts a visit into its wire form.
func NewQueueMessage(rec VisitRecord) QueueMessage {
	return QueueMessage{URL: rec.URL, VisitTime: rec.VisitTime}
}

// Encode marshals the message to its JSON body.
func (m QueueMessage) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode queue message: %w", err)
	}
	return body, nil
}

// DecodeQueueMessage parses a JSON body. Messages without a URL are rejected.
func DecodeQueueMessage(body []byte) (QueueMessage, error) {
	var msg QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return QueueMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.URL == "" {
		return QueueMessage{}, fmt.Errorf("%w: missing url", ErrInvalidMessage)
	}
	return msg, nil
}

// Normalize converts a native-epoch timestamp to Unix seconds.
func Normalize(native int64) int64 {
	return native + NativeEpochOffset
}

// ToNative converts a wall-clock time to native-epoch seconds.
func ToNative(t time.Time) int64 {
	return t.Unix() - NativeEpochOffset
}

// TitleOrPlaceholder returns title, or NoTitle when it is blank.
func TitleOrPlaceholder(title string) string {
	if title == "" {
		return NoTitle
	}
	return title
}
