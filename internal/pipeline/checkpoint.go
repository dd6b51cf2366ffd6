package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const checkpointTimeout = 30 * time.Second

// checkpointer accumulates durably written events and the cursor to resume
// from, and writes both in one SaveProgress call. A failed save keeps the
// pending count, so the next successful save catches up.
type checkpointer struct {
	store  ProgressStore
	logger *slog.Logger
	kick   chan struct{}

	saveMu sync.Mutex // serializes SaveProgress calls

	mu      sync.Mutex
	cursor  *string
	pending int64
	version uint64
	saved   uint64
}

func newCheckpointer(store ProgressStore, start *string, logger *slog.Logger) *checkpointer {
	return &checkpointer{
		store:  store,
		logger: logger,
		kick:   make(chan struct{}, 1),
		cursor: start,
	}
}

// advance records a batch of n events written, resumable from cursor.
func (c *checkpointer) advance(cursor *string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = cursor
	c.pending += n
	c.version++
}

// request asks the background loop for a save without blocking.
func (c *checkpointer) request() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// run serves requests until ctx is done. Failures are logged, not returned.
func (c *checkpointer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
			// An in-flight save is allowed to finish so its outcome is known.
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
			if err := c.save(saveCtx); err != nil {
				c.logger.Warn("checkpoint failed, will retry on next checkpoint", "error", err)
			}
			cancel()
		}
	}
}

// save writes the current state if anything changed since the last save.
func (c *checkpointer) save(ctx context.Context) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if c.version == c.saved {
		c.mu.Unlock()
		return nil
	}
	cursor, n, version := c.cursor, c.pending, c.version
	c.mu.Unlock()

	if err := c.store.SaveProgress(ctx, cursor, n); err != nil {
		return err
	}

	c.mu.Lock()
	c.pending -= n
	c.saved = version
	c.mu.Unlock()

	c.logger.Debug("checkpoint saved", "cursor", cursorValue(cursor), "increment", n)
	return nil
}

func cursorValue(c *string) string {
	if c == nil {
		return ""
	}
	return *c
}
