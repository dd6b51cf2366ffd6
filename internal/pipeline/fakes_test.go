package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/models"
	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/source"
)

// =============================================================================
// Test doubles
// =============================================================================

type step struct {
	page models.Page
	err  error
}

func pageOf(next string, more bool, ids ...string) step {
	p := models.Page{HasMore: more}
	if next != "" {
		p.NextCursor = &next
	}
	for _, id := range ids {
		p.Events = append(p.Events, models.Event{ID: id, Raw: []byte(`{"id":"` + id + `"}`)})
	}
	return step{page: p}
}

func failWith(err error) step { return step{err: err} }

// scriptedFetcher replays steps in order and records requested cursors.
type scriptedFetcher struct {
	mu       sync.Mutex
	steps    []step
	cursors  []*string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *scriptedFetcher) FetchPage(ctx context.Context, cursor *string, limit int) (models.Page, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	if n > f.maxSeen.Load() {
		f.maxSeen.Store(n)
	}
	if err := ctx.Err(); err != nil {
		return models.Page{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cursor != nil {
		c := *cursor
		cursor = &c
	}
	f.cursors = append(f.cursors, cursor)
	if len(f.steps) == 0 {
		return models.Page{}, &source.FatalError{Err: errors.New("script exhausted")}
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	return s.page, s.err
}

func (f *scriptedFetcher) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cursors))
	for i, c := range f.cursors {
		if c == nil {
			out[i] = "<nil>"
		} else {
			out[i] = *c
		}
	}
	return out
}

// memLoader is an id-keyed set, mirroring ON CONFLICT DO NOTHING.
type memLoader struct {
	mu       sync.Mutex
	rows     map[string]models.Event
	failures int
	calls    int
	gate     chan struct{} // when set, each call waits for a token
}

func newMemLoader() *memLoader {
	return &memLoader{rows: map[string]models.Event{}}
}

func (l *memLoader) InsertBatch(ctx context.Context, events []models.Event) (int64, error) {
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failures > 0 {
		l.failures--
		return 0, errors.New("copy failed and fallback failed")
	}
	var inserted int64
	for _, ev := range events {
		if _, ok := l.rows[ev.ID]; ok {
			continue
		}
		l.rows[ev.ID] = ev
		inserted++
	}
	return inserted, nil
}

func (l *memLoader) ids() map[string]bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]bool, len(l.rows))
	for id := range l.rows {
		out[id] = true
	}
	return out
}

// memProgress is an in-memory checkpoint row.
type memProgress struct {
	mu        sync.Mutex
	cursor    *string
	total     int64
	saves     int
	failSaves int
}

func (p *memProgress) GetCursor(context.Context) (*string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor, nil
}

func (p *memProgress) GetTotalProcessed(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, nil
}

func (p *memProgress) SaveProgress(_ context.Context, cursor *string, incrementBy int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSaves > 0 {
		p.failSaves--
		return errors.New("database unavailable")
	}
	p.saves++
	p.cursor = cursor
	p.total += incrementBy
	return nil
}

func (p *memProgress) state() (*string, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor, p.total
}

// sleepRecorder replaces real sleeps and records requested durations.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
