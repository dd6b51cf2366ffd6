package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EpochZero is stored for events whose timestamp is missing or unparseable.
var EpochZero = time.Unix(0, 0).UTC()

// Timestamps outside [MinTimestamp, MaxTimestamp] are stored as EpochZero.
// Postgres timestamptz accepts a wider range; four-digit years keep the
// text forms unambiguous.
var (
	MinTimestamp = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxTimestamp = time.Date(9999, 12, 31, 23, 59, 59, 999999999, time.UTC)
)

// Event is one record of the remote stream.
// ID is the deduplication key; Raw keeps the original payload verbatim.
type Event struct {
	ID        string
	Name      string
	UserID    string
	Timestamp time.Time
	Raw       json.RawMessage
}

// NormalizedTimestamp returns the UTC timestamp, or EpochZero when unset or
// out of range.
func (e Event) NormalizedTimestamp() time.Time {
	return StorableTime(e.Timestamp)
}

// StorableTime maps t to UTC, or to EpochZero when it is zero or out of range.
func StorableTime(t time.Time) time.Time {
	if t.IsZero() || t.Before(MinTimestamp) || t.After(MaxTimestamp) {
		return EpochZero
	}
	return t.UTC()
}

// CleanText replaces NUL, which Postgres text columns reject, with U+FFFD.
func CleanText(s string) string {
	if !strings.Contains(s, "\x00") {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "\uFFFD")
}

var (
	jsonNUL         = []byte(`\u0000`)
	jsonReplacement = []byte(`\ufffd`)
)

// CleanJSON rewrites \u0000 escapes, which jsonb rejects, to \ufffd.
// Escaped backslashes are respected, so a literal `\\u0000` is kept.
func CleanJSON(raw json.RawMessage) json.RawMessage {
	if !bytes.Contains(raw, jsonNUL) {
		return raw
	}
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			out = append(out, raw[i])
			continue
		}
		if bytes.HasPrefix(raw[i:], jsonNUL) {
			out = append(out, jsonReplacement...)
			i += len(jsonNUL) - 1
			continue
		}
		out = append(out, raw[i], raw[i+1])
		i++
	}
	return out
}

// Page is the result of a single fetch call.
type Page struct {
	Events     []Event
	NextCursor *string
	HasMore    bool
}

// IngestionState is the singleton checkpoint row.
type IngestionState struct {
	NextCursor     *string   `json:"next_cursor"`
	TotalProcessed int64     `json:"total_processed"`
	UpdatedAt      time.Time `json:"updated_at"`
	RunID          uuid.UUID `json:"run_id"`
}
