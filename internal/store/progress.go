package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/models"
)

// ErrNegativeIncrement is returned when a checkpoint would lower the processed counter.
var ErrNegativeIncrement = errors.New("progress increment must not be negative")

// GetState returns the checkpoint row.
func (p *PostgresStore) GetState(ctx context.Context) (models.IngestionState, error) {
	var (
		st    models.IngestionState
		runID *uuid.UUID
	)
	err := p.pool.QueryRow(ctx, `
		SELECT next_cursor, total_processed, updated_at, run_id
		FROM ingestion_state
		WHERE id = 1
	`).Scan(&st.NextCursor, &st.TotalProcessed, &st.UpdatedAt, &runID)
	if errors.Is(err, pgx.ErrNoRows) {
		// EnsureSchema has not run yet; behave like a fresh start.
		return models.IngestionState{}, nil
	}
	if err != nil {
		return models.IngestionState{}, fmt.Errorf("read ingestion state: %w", err)
	}
	if runID != nil {
		st.RunID = *runID
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

// GetCursor returns the cursor to resume from, or nil to start from the beginning.
func (p *PostgresStore) GetCursor(ctx context.Context) (*string, error) {
	st, err := p.GetState(ctx)
	if err != nil {
		return nil, err
	}
	return st.NextCursor, nil
}

// GetTotalProcessed returns the cumulative processed counter.
func (p *PostgresStore) GetTotalProcessed(ctx context.Context) (int64, error) {
	st, err := p.GetState(ctx)
	if err != nil {
		return 0, err
	}
	return st.TotalProcessed, nil
}

// SaveProgress atomically adds incrementBy to the counter and overwrites the
// cursor, timestamp and run id. The row is created if it is missing.
func (p *PostgresStore) SaveProgress(ctx context.Context, cursor *string, incrementBy int64) error {
	if incrementBy < 0 {
		return ErrNegativeIncrement
	}
	var runID *uuid.UUID
	if p.runID != uuid.Nil {
		runID = &p.runID
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ingestion_state (id, next_cursor, total_processed, updated_at, run_id)
		VALUES (1, $1, $2, now(), $3)
		ON CONFLICT (id) DO UPDATE SET
			next_cursor     = EXCLUDED.next_cursor,
			total_processed = ingestion_state.total_processed + EXCLUDED.total_processed,
			updated_at      = EXCLUDED.updated_at,
			run_id          = EXCLUDED.run_id
	`, cursor, incrementBy, runID)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}
