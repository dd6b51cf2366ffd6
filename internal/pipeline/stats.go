package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Stats holds the pipeline counters. Safe for concurrent use.
type Stats struct {
	baseline     atomic.Int64
	processed    atomic.Int64
	inserted     atomic.Int64
	pages        atomic.Int64
	fetchRetries atomic.Int64
	writeRetries atomic.Int64
}

// Processed returns events durably written during this run.
func (s *Stats) Processed() int64 { return s.processed.Load() }

// Total returns the checkpointed count at startup plus Processed.
func (s *Stats) Total() int64 { return s.baseline.Load() + s.processed.Load() }

// Inserted returns rows that were new to the store during this run.
func (s *Stats) Inserted() int64 { return s.inserted.Load() }

// Pages returns successfully fetched pages.
func (s *Stats) Pages() int64 { return s.pages.Load() }

// FetchRetries returns fetch attempts that were retried.
func (s *Stats) FetchRetries() int64 { return s.fetchRetries.Load() }

// WriteRetries returns batch writes that were retried.
func (s *Stats) WriteRetries() int64 { return s.writeRetries.Load() }

// LogValue implements slog.LogValuer for structured logging.
func (s *Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("total", s.Total()),
		slog.Int64("processed", s.Processed()),
		slog.Int64("inserted", s.Inserted()),
		slog.Int64("pages", s.Pages()),
		slog.Int64("fetch_retries", s.FetchRetries()),
		slog.Int64("write_retries", s.WriteRetries()),
	)
}

// Snapshot is one throughput sample.
type Snapshot struct {
	At          time.Time `json:"at"`
	Total       int64     `json:"total"`
	Processed   int64     `json:"processed"`
	Inserted    int64     `json:"inserted"`
	Pages       int64     `json:"pages"`
	WindowRate  float64   `json:"window_rate"`  // events/s since the previous sample
	OverallRate float64   `json:"overall_rate"` // events/s since the run started
	Target      int64     `json:"target,omitempty"`
	// ETA is nil when the target is unknown or nothing has been processed yet.
	ETA *time.Duration `json:"eta,omitempty"`
}

// Monitor periodically derives throughput and ETA from Stats. It only observes.
type Monitor struct {
	stats    *Stats
	interval time.Duration
	target   int64
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	started   time.Time
	lastAt    time.Time
	lastCount int64
	latest    Snapshot
}

func newMonitor(stats *Stats, interval time.Duration, target int64, logger *slog.Logger, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	m := &Monitor{
		stats:    stats,
		interval: interval,
		target:   target,
		logger:   logger,
		now:      now,
	}
	m.reset()
	return m
}

func (m *Monitor) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now()
	m.started = t
	m.lastAt = t
	m.lastCount = m.stats.Processed()
	m.latest = Snapshot{At: t, Total: m.stats.Total(), Target: m.target}
}

// Sample takes a new reading and makes it the latest.
func (m *Monitor) Sample() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.now()
	processed := m.stats.Processed()
	s := Snapshot{
		At:        t,
		Total:     m.stats.Total(),
		Processed: processed,
		Inserted:  m.stats.Inserted(),
		Pages:     m.stats.Pages(),
		Target:    m.target,
	}
	if dt := t.Sub(m.lastAt).Seconds(); dt > 0 {
		s.WindowRate = float64(processed-m.lastCount) / dt
	}
	if dt := t.Sub(m.started).Seconds(); dt > 0 {
		s.OverallRate = float64(processed) / dt
	}
	if m.target > 0 && s.OverallRate > 0 {
		remaining := m.target - s.Total
		eta := time.Duration(0)
		if remaining > 0 {
			eta = time.Duration(float64(remaining) / s.OverallRate * float64(time.Second)).Round(time.Second)
		}
		s.ETA = &eta
	}

	m.lastAt = t
	m.lastCount = processed
	m.latest = s
	return s
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Run logs a sample every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.log(m.Sample())
		}
	}
}

func (m *Monitor) log(s Snapshot) {
	attrs := []any{
		"total", s.Total,
		"processed", s.Processed,
		"inserted", s.Inserted,
		"window_rate", roundRate(s.WindowRate),
		"overall_rate", roundRate(s.OverallRate),
	}
	if s.ETA != nil {
		attrs = append(attrs, "target", s.Target, "eta", s.ETA.String())
	}
	m.logger.Info("progress", attrs...)
}

func roundRate(r float64) float64 {
	return float64(int64(r*10+0.5)) / 10
}
