package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/models"
	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/source"
)

// Default configuration values.
const (
	DefaultPageSize            = 1000
	DefaultQueueDepth          = 16
	DefaultCheckpointInterval  = 5000
	DefaultWriteRetryDelay     = 2 * time.Second
	DefaultStaleCursorCooldown = 5 * time.Second
	DefaultBackoffBase         = time.Second
	DefaultBackoffMax          = 16 * time.Second
	DefaultStatsInterval       = 5 * time.Second
)

// Fetcher returns one page of the remote stream. Errors are classified with
// the source error types; anything else is fatal.
type Fetcher interface {
	FetchPage(ctx context.Context, cursor *string, limit int) (models.Page, error)
}

// Loader persists a batch idempotently by event id.
type Loader interface {
	InsertBatch(ctx context.Context, events []models.Event) (int64, error)
}

// ProgressStore holds the resumable checkpoint.
type ProgressStore interface {
	GetCursor(ctx context.Context) (*string, error)
	GetTotalProcessed(ctx context.Context) (int64, error)
	SaveProgress(ctx context.Context, cursor *string, incrementBy int64) error
}

// Config tunes the pipeline. Zero values take the defaults above.
type Config struct {
	PageSize            int
	QueueDepth          int
	CheckpointInterval  int64
	WriteRetryDelay     time.Duration
	StaleCursorCooldown time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	StatsInterval       time.Duration
	TargetEvents        int64
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.WriteRetryDelay <= 0 {
		c.WriteRetryDelay = DefaultWriteRetryDelay
	}
	if c.StaleCursorCooldown <= 0 {
		c.StaleCursorCooldown = DefaultStaleCursorCooldown
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	return c
}

// batch is a fetched page waiting to be written. checkpoint is the cursor to
// resume from once the batch is durable.
type batch struct {
	events     []models.Event
	checkpoint *string
}

// Pipeline moves events from a Fetcher to a Loader with one fetch goroutine
// and one write goroutine joined by a bounded channel.
type Pipeline struct {
	fetcher  Fetcher
	loader   Loader
	progress ProgressStore
	cfg      Config
	logger   *slog.Logger
	base     *slog.Logger
	stats    *Stats
	monitor  *Monitor

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a pipeline. A nil logger means slog.Default().
func New(fetcher Fetcher, loader Loader, progress ProgressStore, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	stats := &Stats{}
	return &Pipeline{
		fetcher:  fetcher,
		loader:   loader,
		progress: progress,
		cfg:      cfg,
		logger:   logger.With("component", "pipeline"),
		base:     logger,
		stats:    stats,
		monitor:  newMonitor(stats, cfg.StatsInterval, cfg.TargetEvents, logger.With("component", "monitor"), nil),
		sleep:    source.SystemClock.Sleep,
	}
}

// Stats returns the live counters.
func (p *Pipeline) Stats() *Stats { return p.stats }

// Monitor returns the throughput monitor.
func (p *Pipeline) Monitor() *Monitor { return p.monitor }

// Run ingests until the stream is exhausted and every fetched batch is written,
// then writes a final checkpoint. Retryable failures are absorbed; the first
// fatal error (or ctx cancellation) stops both loops and is returned after a
// best-effort checkpoint of what was already written.
func (p *Pipeline) Run(ctx context.Context) error {
	start, err := p.progress.GetCursor(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	baseline, err := p.progress.GetTotalProcessed(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	p.stats.baseline.Store(baseline)
	p.monitor.reset()

	p.logger.Info("ingestion starting",
		"resume_cursor", cursorValue(start),
		"total_processed", baseline,
		"page_size", p.cfg.PageSize,
		"queue_depth", p.cfg.QueueDepth,
	)

	cp := newCheckpointer(p.progress, start, p.base.With("component", "checkpoint"))

	auxCtx, stopAux := context.WithCancel(ctx)
	var aux errgroup.Group
	aux.Go(func() error { cp.run(auxCtx); return nil })
	aux.Go(func() error { p.monitor.Run(auxCtx); return nil })

	batches := make(chan batch, p.cfg.QueueDepth)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.fetchLoop(gctx, start, batches) })
	g.Go(func() error { return p.writeLoop(gctx, batches, cp) })
	runErr := g.Wait()

	stopAux()
	_ = aux.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
	defer cancel()
	flushErr := cp.save(flushCtx)

	final := p.monitor.Sample()
	if runErr != nil {
		if flushErr != nil {
			p.logger.Error("final checkpoint failed", "error", flushErr)
		}
		p.logger.Error("ingestion stopped", "error", runErr, "stats", p.stats)
		return runErr
	}
	if flushErr != nil {
		return fmt.Errorf("final checkpoint: %w", flushErr)
	}

	p.logger.Info("ingestion complete", "stats", p.stats, "overall_rate", roundRate(final.OverallRate))
	return nil
}

// fetchLoop walks the cursor chain. It is the only caller of the Fetcher, so
// at most one request is ever in flight. Closing out signals completion.
func (p *Pipeline) fetchLoop(ctx context.Context, cursor *string, out chan<- batch) error {
	defer close(out)

	attempt := 0
	for {
		page, err := p.fetcher.FetchPage(ctx, cursor, p.cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if !source.IsRetryable(err) {
				return fmt.Errorf("fetch: %w", err)
			}
			p.stats.fetchRetries.Add(1)

			var (
				rateLimited *source.RateLimitedError
				stale       *source.StaleCursorError
			)
			switch {
			case errors.As(err, &rateLimited):
				// The fetcher already pushed its next allowed request time out.
				continue

			case errors.As(err, &stale):
				p.logger.Warn("cursor expired, restarting from the beginning",
					"cursor", stale.Cursor, "cooldown", p.cfg.StaleCursorCooldown)
				attempt = 0
				if err := p.sleep(ctx, p.cfg.StaleCursorCooldown); err != nil {
					return err
				}
				cursor = nil
				continue

			default:
				attempt++
				delay := p.backoff(attempt)
				p.logger.Warn("fetch failed, retrying same cursor",
					"attempt", attempt, "delay", delay, "cursor", cursorValue(cursor), "error", err)
				if err := p.sleep(ctx, delay); err != nil {
					return err
				}
				continue
			}
		}

		attempt = 0
		p.stats.pages.Add(1)

		if len(page.Events) > 0 {
			select {
			case out <- batch{events: page.Events, checkpoint: page.NextCursor}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if !page.HasMore || page.NextCursor == nil {
			if page.HasMore {
				p.logger.Warn("page reported more data without a cursor, stopping")
			}
			p.logger.Info("fetch complete", "pages", p.stats.Pages())
			return nil
		}
		cursor = page.NextCursor
	}
}

// writeLoop persists batches in arrival order. A failed batch is retried
// before any later one.
func (p *Pipeline) writeLoop(ctx context.Context, in <-chan batch, cp *checkpointer) error {
	interval := p.cfg.CheckpointInterval
	for {
		var (
			b  batch
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok = <-in:
			if !ok {
				return nil
			}
		}

		if err := p.persist(ctx, b.events); err != nil {
			return err
		}

		n := int64(len(b.events))
		processed := p.stats.processed.Add(n)
		cp.advance(b.checkpoint, n)
		if processed/interval > (processed-n)/interval {
			cp.request()
		}
	}
}

// persist retries a batch until it is written or ctx ends.
func (p *Pipeline) persist(ctx context.Context, events []models.Event) error {
	attempt := 0
	for {
		inserted, err := p.loader.InsertBatch(ctx, events)
		if err == nil {
			p.stats.inserted.Add(inserted)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		p.stats.writeRetries.Add(1)
		p.logger.Warn("batch write failed, retrying",
			"events", len(events), "first_id", events[0].ID, "attempt", attempt,
			"delay", p.cfg.WriteRetryDelay, "error", err)
		if err := p.sleep(ctx, p.cfg.WriteRetryDelay); err != nil {
			return err
		}
	}
}

// backoff is BackoffBase doubled per attempt, capped at BackoffMax.
func (p *Pipeline) backoff(attempt int) time.Duration {
	d := p.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.BackoffMax {
			return p.cfg.BackoffMax
		}
	}
	return min(d, p.cfg.BackoffMax)
}
