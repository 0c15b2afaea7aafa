// Package metrics batches counter and summary observations in memory and
// periodically flushes them to the SQLite database shared with the progress
// store. Only monotonic counters and (count,sum,min,max) summaries exist.
package metrics

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haukened/shelf/internal/app"
)

// Counter names.
const (
	CounterFetchAttempts         = "book_fetch_attempts_total"
	CounterFetchFailures         = "book_fetch_failures_total"
	CounterBooksQuarantined      = "book_quarantined_total"
	CounterBooksRecovered        = "book_recovered_total"
	CounterChapterHits           = "chapter_cache_hits_total"
	CounterChapterMisses         = "chapter_cache_misses_total"
	CounterChapterExpiredDeleted = "chapter_cache_expired_deleted_total"
	CounterChapterEvicted        = "chapter_cache_evicted_total"
	CounterSweepCycles           = "sweep_cycles_total"
	CounterSweepSkipped          = "sweep_skipped_total"
)

// Summary names.
const (
	SummarySweepBytesFreed = "sweep_bytes_freed"
	SummarySweepDurationMs = "sweep_duration_ms"
)

const defaultFlushInterval = 10 * time.Second

var _ app.Metrics = (*Manager)(nil)

// Config controls flush cadence and logging.
type Config struct {
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Summary is an aggregate of observations.
type Summary struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

func (s *Summary) merge(o Summary) {
	if s.Count == 0 {
		*s = o
		return
	}
	s.Count += o.Count
	s.Sum += o.Sum
	s.Min = min(s.Min, o.Min)
	s.Max = max(s.Max, o.Max)
}

// Snapshot is the persisted state with unflushed deltas layered on top.
type Snapshot struct {
	Counters  map[string]int64   `json:"counters"`
	Summaries map[string]Summary `json:"summaries"`
	Dropped   int64              `json:"dropped"`
}

// Manager aggregates metric events and flushes them.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	db      *sql.DB
	events  chan event
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
	dropped atomic.Int64

	mu        sync.Mutex // guards the deltas below
	counters  map[string]int64
	summaries map[string]Summary
}

type eventKind int

const (
	eventInc eventKind = iota + 1
	eventObserve
)

type event struct {
	kind eventKind
	name string
	v    int64
}

// New creates a Manager. Call Start to begin background flushing.
func New(db *sql.DB, cfg Config) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		log:       cfg.Logger.With("domain", "metrics"),
		db:        db,
		events:    make(chan event, 1024),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		counters:  make(map[string]int64),
		summaries: make(map[string]Summary),
	}
}

// InitSchema ensures the metrics tables exist.
func (m *Manager) InitSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS metrics_counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS metrics_summaries (
	name  TEXT PRIMARY KEY,
	count INTEGER NOT NULL,
	sum   INTEGER NOT NULL,
	min   INTEGER NOT NULL,
	max   INTEGER NOT NULL
);`
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

// Start launches the background flush loop. Later calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.loop(ctx)
}

// Stop ends the flush loop and flushes whatever is still buffered.
func (m *Manager) Stop(ctx context.Context) {
	if m.started.Load() {
		select {
		case <-m.stop:
		default:
			close(m.stop)
		}
		<-m.done
	}
	m.drain()
	if err := m.flush(ctx); err != nil {
		m.log.Error("final flush", "error", err)
	}
}

// Inc adds delta to a counter. Non-positive deltas are ignored.
func (m *Manager) Inc(name string, delta int64) {
	if delta <= 0 {
		return
	}
	m.send(event{kind: eventInc, name: name, v: delta})
}

// Observe records one summary observation.
func (m *Manager) Observe(name string, value int64) {
	m.send(event{kind: eventObserve, name: name, v: value})
}

// send never blocks the caller; events are dropped and counted when the
// buffer is full.
func (m *Manager) send(ev event) {
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
	}
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer func() {
		ticker.Stop()
		close(m.done)
	}()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("metrics stop", "reason", "context_cancel")
			return
		case <-m.stop:
			m.log.Info("metrics stop", "reason", "stop_signal")
			return
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			if err := m.flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error("flush", "error", err)
			}
		}
	}
}

// drain applies every buffered event without blocking.
func (m *Manager) drain() {
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		default:
			return
		}
	}
}

func (m *Manager) apply(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.kind {
	case eventInc:
		m.counters[ev.name] += ev.v
	case eventObserve:
		s := m.summaries[ev.name]
		s.merge(Summary{Count: 1, Sum: ev.v, Min: ev.v, Max: ev.v})
		m.summaries[ev.name] = s
	}
}

// Snapshot reads the persisted state and layers unflushed deltas over it.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Counters:  make(map[string]int64),
		Summaries: make(map[string]Summary),
		Dropped:   m.dropped.Load(),
	}
	rows, err := m.db.QueryContext(ctx, `SELECT name, value FROM metrics_counters`)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		var v int64
		if err := rows.Scan(&n, &v); err != nil {
			return Snapshot{}, err
		}
		snap.Counters[n] = v
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}

	srows, err := m.db.QueryContext(ctx, `SELECT name, count, sum, min, max FROM metrics_summaries`)
	if err != nil {
		return Snapshot{}, err
	}
	defer srows.Close()
	for srows.Next() {
		var n string
		var s Summary
		if err := srows.Scan(&n, &s.Count, &s.Sum, &s.Min, &s.Max); err != nil {
			return Snapshot{}, err
		}
		snap.Summaries[n] = s
	}
	if err := srows.Err(); err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for n, v := range m.counters {
		snap.Counters[n] += v
	}
	for n, s := range m.summaries {
		cur := snap.Summaries[n]
		cur.merge(s)
		snap.Summaries[n] = cur
	}
	return snap, nil
}

// flush writes the deltas in one transaction. On failure the deltas are
// folded back so nothing is lost before the next attempt.
func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	if len(m.counters) == 0 && len(m.summaries) == 0 {
		m.mu.Unlock()
		return nil
	}
	counters, summaries := m.counters, m.summaries
	m.counters = make(map[string]int64)
	m.summaries = make(map[string]Summary)
	m.mu.Unlock()

	if err := m.write(ctx, counters, summaries); err != nil {
		m.restore(counters, summaries)
		return err
	}
	return nil
}

func (m *Manager) write(ctx context.Context, counters map[string]int64, summaries map[string]Summary) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	for name, delta := range counters {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metrics_counters(name,value) VALUES(?,?)
			ON CONFLICT(name) DO UPDATE SET value = metrics_counters.value + excluded.value`, name, delta); err != nil {
			return err
		}
	}
	for name, s := range summaries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metrics_summaries(name,count,sum,min,max) VALUES(?,?,?,?,?)
			ON CONFLICT(name) DO UPDATE SET
				count = metrics_summaries.count + excluded.count,
				sum = metrics_summaries.sum + excluded.sum,
				min = MIN(metrics_summaries.min, excluded.min),
				max = MAX(metrics_summaries.max, excluded.max)`, name, s.Count, s.Sum, s.Min, s.Max); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) restore(counters map[string]int64, summaries map[string]Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, v := range counters {
		m.counters[n] += v
	}
	for n, s := range summaries {
		cur := m.summaries[n]
		cur.merge(s)
		m.summaries[n] = cur
	}
}
