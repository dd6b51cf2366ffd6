package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/models"
)

const (
	DefaultFallbackChunkSize = 500

	columnsPerRow = 5
	// Postgres caps a statement at 65535 bind parameters.
	maxChunkSize = 65535 / columnsPerRow
)

// FallbackError reports a chunk of the row-by-row path that could not be written.
// There is no further degradation after it.
type FallbackError struct {
	Offset int
	Size   int
	Err    error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("fallback insert of rows %d..%d: %v", e.Offset, e.Offset+e.Size, e.Err)
}

func (e *FallbackError) Unwrap() error { return e.Err }

// InsertBatch persists events idempotently and returns how many rows were new.
// Ids already present are skipped. The staged COPY path is tried first; if any
// step fails the transaction is rolled back and the chunked insert path runs.
func (p *PostgresStore) InsertBatch(ctx context.Context, events []models.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	inserted, err := p.copyMerge(ctx, events)
	if err == nil {
		return inserted, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	p.logger.Warn("staged copy failed, falling back to chunked insert", "events", len(events), "error", err)

	return p.insertChunked(ctx, events)
}

// copyMerge stages the batch in a transaction-scoped table via COPY and merges it.
func (p *PostgresStore) copyMerge(ctx context.Context, events []models.Event) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	// No-op once committed.
	defer tx.Rollback(context.WithoutCancel(ctx))

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE events_staging (
			id      TEXT,
			name    TEXT,
			user_id TEXT,
			ts      TIMESTAMPTZ,
			raw     JSONB
		) ON COMMIT DROP
	`); err != nil {
		return 0, fmt.Errorf("create staging table: %w", err)
	}

	copySQL := "COPY events_staging (" + stagingColumns + ") FROM STDIN"
	if _, err := tx.Conn().PgConn().CopyFrom(ctx, newCopyReader(events), copySQL); err != nil {
		return 0, fmt.Errorf("copy into staging: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO events (`+stagingColumns+`)
		SELECT DISTINCT ON (id) `+stagingColumns+`
		FROM events_staging
		ORDER BY id
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("merge staging: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// insertChunked writes events with one multi-row INSERT per chunk.
func (p *PostgresStore) insertChunked(ctx context.Context, events []models.Event) (int64, error) {
	var (
		total  int64
		offset int
	)
	for _, chunk := range chunks(events, p.chunkSize) {
		query, args := buildInsert(chunk)
		tag, err := p.pool.Exec(ctx, query, args...)
		if err != nil {
			return total, &FallbackError{Offset: offset, Size: len(chunk), Err: err}
		}
		total += tag.RowsAffected()
		offset += len(chunk)
	}
	return total, nil
}

// chunks splits events into consecutive slices of at most size.
func chunks(events []models.Event, size int) [][]models.Event {
	if size <= 0 {
		size = DefaultFallbackChunkSize
	}
	if size > maxChunkSize {
		size = maxChunkSize
	}
	out := make([][]models.Event, 0, (len(events)+size-1)/size)
	for i := 0; i < len(events); i += size {
		out = append(out, events[i:min(i+size, len(events))])
	}
	return out
}

// buildInsert renders a parameterized multi-row insert that skips known ids.
func buildInsert(events []models.Event) (string, []any) {
	var sb strings.Builder
	args := make([]any, 0, len(events)*columnsPerRow)

	sb.WriteString("INSERT INTO events (" + stagingColumns + ") VALUES ")
	for i, ev := range events {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for c := 0; c < columnsPerRow; c++ {
			if c > 0 {
				sb.WriteByte(',')
			}
			n := i*columnsPerRow + c + 1
			sb.WriteString("$" + strconv.Itoa(n))
			if c == columnsPerRow-1 {
				sb.WriteString("::jsonb")
			}
		}
		sb.WriteByte(')')
		args = append(args,
			models.CleanText(ev.ID),
			models.CleanText(ev.Name),
			models.CleanText(ev.UserID),
			ev.NormalizedTimestamp(),
			rawPayload(ev),
		)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")
	return sb.String(), args
}
