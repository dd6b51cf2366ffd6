package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/models"
)

// fieldRule names one place a value may live in a response body.
// Rules in a list are tried in order and the first present, non-null match wins.
type fieldRule struct {
	name string
	path []string
}

func rule(path ...string) fieldRule {
	return fieldRule{name: strings.Join(path, "."), path: path}
}

// Response shapes accepted from GET /events, highest priority first.
var (
	eventListRules = []fieldRule{
		rule("data"),
		rule("events"),
	}
	nextCursorRules = []fieldRule{
		rule("nextCursor"),
		rule("next_cursor"),
		rule("pagination", "nextCursor"),
		rule("pagination", "next_cursor"),
	}
	hasMoreRules = []fieldRule{
		rule("hasMore"),
		rule("has_more"),
		rule("pagination", "hasMore"),
		rule("pagination", "has_more"),
	}
)

// Per-event field shapes.
var (
	eventIDRules        = []fieldRule{rule("id"), rule("eventId"), rule("event_id")}
	eventNameRules      = []fieldRule{rule("name"), rule("type"), rule("event")}
	eventUserRules      = []fieldRule{rule("userId"), rule("user_id")}
	eventTimestampRules = []fieldRule{rule("timestamp"), rule("ts"), rule("createdAt"), rule("created_at")}
)

var errNotObject = errors.New("not a JSON object")

// ParsePage decodes a GET /events body. Events without an id cannot be
// deduplicated and are skipped; skipped reports how many.
func ParsePage(body []byte) (page models.Page, skipped int, err error) {
	root, err := decodeObject(body)
	if err != nil {
		return models.Page{}, 0, fmt.Errorf("decode page: %w", err)
	}

	if raw, ok := firstMatch(root, eventListRules); ok {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return models.Page{}, 0, fmt.Errorf("decode event list: %w", err)
		}
		page.Events = make([]models.Event, 0, len(items))
		for _, item := range items {
			ev, ok := parseEvent(item)
			if !ok {
				skipped++
				continue
			}
			page.Events = append(page.Events, ev)
		}
	}

	if raw, ok := firstMatch(root, nextCursorRules); ok {
		if c := scalarString(raw); c != "" {
			page.NextCursor = &c
		}
	}

	page.HasMore = page.NextCursor != nil
	if raw, ok := firstMatch(root, hasMoreRules); ok {
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			page.HasMore = b
		}
	}

	return page, skipped, nil
}

func parseEvent(raw json.RawMessage) (models.Event, bool) {
	obj, err := decodeObject(raw)
	if err != nil {
		return models.Event{}, false
	}

	ev := models.Event{
		Raw:       models.CleanJSON(append(json.RawMessage(nil), raw...)),
		Timestamp: models.EpochZero,
	}
	if v, ok := firstMatch(obj, eventIDRules); ok {
		ev.ID = models.CleanText(scalarString(v))
	}
	if ev.ID == "" {
		return models.Event{}, false
	}
	if v, ok := firstMatch(obj, eventNameRules); ok {
		ev.Name = models.CleanText(scalarString(v))
	}
	if v, ok := firstMatch(obj, eventUserRules); ok {
		ev.UserID = models.CleanText(scalarString(v))
	}
	if v, ok := firstMatch(obj, eventTimestampRules); ok {
		ev.Timestamp = parseTimestamp(v)
	}
	return ev, true
}

// parseTimestamp accepts RFC3339 strings and unix seconds, milliseconds,
// microseconds or nanoseconds. Anything else, or anything outside the
// storable range, maps to models.EpochZero.
func parseTimestamp(raw json.RawMessage) time.Time {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return models.StorableTime(t)
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(n)
		}
		return models.EpochZero
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return fromUnix(n)
	}
	return models.EpochZero
}

// fromUnix picks the unit by magnitude: 1e12 seconds is already year 33658,
// so larger values are milliseconds, then microseconds from 1e14 and
// nanoseconds from 1e17.
func fromUnix(n float64) time.Time {
	if math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 || n >= math.MaxInt64 {
		return models.EpochZero
	}
	var t time.Time
	switch {
	case n >= 1e17:
		t = time.Unix(0, int64(n))
	case n >= 1e14:
		t = time.UnixMicro(int64(n))
	case n >= 1e12:
		t = time.UnixMilli(int64(n))
	default:
		t = time.Unix(int64(n), 0)
	}
	return models.StorableTime(t)
}

// firstMatch returns the value of the first rule present and not null.
func firstMatch(root map[string]json.RawMessage, rules []fieldRule) (json.RawMessage, bool) {
	for _, r := range rules {
		if v, ok := lookup(root, r.path); ok {
			return v, true
		}
	}
	return nil, false
}

func lookup(obj map[string]json.RawMessage, path []string) (json.RawMessage, bool) {
	v, ok := obj[path[0]]
	if !ok || isNull(v) {
		return nil, false
	}
	if len(path) == 1 {
		return v, true
	}
	child, err := decodeObject(v)
	if err != nil {
		return nil, false
	}
	return lookup(child, path[1:])
}

func decodeObject(b []byte) (map[string]json.RawMessage, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil, errNotObject
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || string(bytes.TrimSpace(v)) == "null"
}

// scalarString renders a JSON string or number as text. Other kinds yield "".
func scalarString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return ""
}
