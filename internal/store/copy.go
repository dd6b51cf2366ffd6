package store

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/models"
)

// stagingColumns is the column order of both the staging COPY and the merge.
const stagingColumns = "id, name, user_id, ts, raw"

var copyEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\t", `\t`,
	"\n", `\n`,
	"\r", `\r`,
)

// escapeCopyText escapes a value for the Postgres COPY text format.
func escapeCopyText(s string) string {
	return copyEscaper.Replace(s)
}

// rawPayload returns the JSON to store for an event; an absent payload is "{}".
func rawPayload(ev models.Event) string {
	raw := strings.TrimSpace(string(models.CleanJSON(ev.Raw)))
	if raw == "" {
		return "{}"
	}
	return raw
}

// appendCopyRow writes one tab separated, newline terminated COPY row.
func appendCopyRow(buf *bytes.Buffer, ev models.Event) {
	buf.WriteString(escapeCopyText(models.CleanText(ev.ID)))
	buf.WriteByte('\t')
	buf.WriteString(escapeCopyText(models.CleanText(ev.Name)))
	buf.WriteByte('\t')
	buf.WriteString(escapeCopyText(models.CleanText(ev.UserID)))
	buf.WriteByte('\t')
	buf.WriteString(ev.NormalizedTimestamp().Format(time.RFC3339Nano))
	buf.WriteByte('\t')
	buf.WriteString(escapeCopyText(rawPayload(ev)))
	buf.WriteByte('\n')
}

// copyReader streams events as COPY text rows, encoding lazily as the
// connection drains it.
type copyReader struct {
	events []models.Event
	next   int
	buf    bytes.Buffer
}

func newCopyReader(events []models.Event) *copyReader {
	return &copyReader{events: events}
}

func (r *copyReader) Read(p []byte) (int, error) {
	for r.buf.Len() < len(p) && r.next < len(r.events) {
		appendCopyRow(&r.buf, r.events[r.next])
		r.next++
	}
	if r.buf.Len() == 0 {
		return 0, io.EOF
	}
	return r.buf.Read(p)
}
