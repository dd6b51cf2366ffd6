package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStorableTime(t *testing.T) {
	ok := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("x", 7200))

	assert.Equal(t, ok.UTC(), StorableTime(ok))
	assert.Equal(t, EpochZero, StorableTime(time.Time{}))
	assert.Equal(t, EpochZero, StorableTime(time.Date(53872825, 6, 17, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, EpochZero, StorableTime(time.Date(-5, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, MaxTimestamp, StorableTime(MaxTimestamp))
	assert.Equal(t, MinTimestamp, StorableTime(MinTimestamp))
}

func TestNormalizedTimestamp(t *testing.T) {
	assert.Equal(t, EpochZero, Event{}.NormalizedTimestamp())
	assert.Equal(t, EpochZero, Event{Timestamp: time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)}.NormalizedTimestamp())
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "plain", CleanText("plain"))
	assert.Equal(t, "a\uFFFDb", CleanText("a\x00b"))
	assert.Equal(t, "\uFFFD\uFFFD", CleanText("\x00\x00"))
	assert.NotEqual(t, CleanText("a\x00b"), CleanText("ab"))
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"untouched", `{"a":"b"}`, `{"a":"b"}`},
		{"nul escape", `{"a":"x\u0000y"}`, `{"a":"x\ufffdy"}`},
		{"nul in key", `{"\u0000":1}`, `{"\ufffd":1}`},
		{"escaped backslash", `{"a":"\\u0000"}`, `{"a":"\\u0000"}`},
		{"backslash then nul", `{"a":"\\\u0000"}`, `{"a":"\\\ufffd"}`},
		{"other escapes", `{"a":"\u0001\n\u0000"}`, `{"a":"\u0001\n\ufffd"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CleanJSON(json.RawMessage(tt.in))
			assert.Equal(t, tt.want, string(got))
			assert.True(t, json.Valid(got))
		})
	}
}
