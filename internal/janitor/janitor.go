// Package janitor runs the chapter cache maintenance sweep on a fixed
// interval. It stays outside the cache itself so lifecycle concerns
// (scheduling, shutdown) are kept apart from the read path.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haukened/shelf/internal/app"
	"github.com/haukened/shelf/internal/metrics"
)

// DefaultInterval is the sweep cadence when none is configured.
const DefaultInterval = 6 * time.Hour

// Sweeper is the cache operation the Janitor drives. Implementations skip,
// rather than queue, a sweep requested while another is running.
type Sweeper interface {
	Sweep(ctx context.Context) (app.SweepReport, error)
}

// Config holds tunables for the Janitor.
type Config struct {
	Interval   time.Duration // how often a cycle begins
	RunOnStart bool          // sweep once immediately on Start
	Logger     *slog.Logger  // optional logger (defaults to slog.Default())
}

// Stats accumulates in-memory counters for operational insight.
type Stats struct {
	mu                  sync.Mutex
	Cycles              uint64
	Skipped             uint64
	Failed              uint64
	Expired             uint64
	Evicted             uint64
	BytesFreed          int64
	CycleLastDurationMS int64
}

// StatsView is a read-only snapshot safe to copy.
type StatsView struct {
	Cycles              uint64
	Skipped             uint64
	Failed              uint64
	Expired             uint64
	Evicted             uint64
	BytesFreed          int64
	CycleLastDurationMS int64
}

func (s *Stats) record(rep app.SweepReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cycles++
	switch {
	case rep.Skipped:
		s.Skipped++
		return
	case err != nil:
		s.Failed++
	}
	s.Expired += uint64(rep.Expired)
	s.Evicted += uint64(rep.Evicted)
	s.BytesFreed += rep.BytesFreed
	s.CycleLastDurationMS = rep.Duration.Milliseconds()
}

// Janitor encapsulates the background sweep loop.
type Janitor struct {
	sweeper   Sweeper
	cfg       Config
	log       *slog.Logger
	stats     *Stats
	collector app.Metrics

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Janitor. collector may be nil.
func New(sweeper Sweeper, collector app.Metrics, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if collector == nil {
		collector = app.NopMetrics{}
	}
	return &Janitor{
		sweeper:   sweeper,
		cfg:       cfg,
		log:       cfg.Logger.With("domain", "janitor"),
		stats:     &Stats{},
		collector: collector,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the janitor loop in a new goroutine.
func (j *Janitor) Start(ctx context.Context) {
	if j.ticker != nil {
		return
	}
	j.ticker = time.NewTicker(j.cfg.Interval)
	go j.loop(ctx)
}

// Stop signals the loop to exit and waits for completion. Stop on a Janitor
// that was never started returns immediately.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stopCh) })
	if j.ticker == nil {
		return
	}
	<-j.doneCh
}

// StatsSnapshot returns a copy of current stats.
func (j *Janitor) StatsSnapshot() StatsView {
	j.stats.mu.Lock()
	defer j.stats.mu.Unlock()
	return StatsView{
		Cycles:              j.stats.Cycles,
		Skipped:             j.stats.Skipped,
		Failed:              j.stats.Failed,
		Expired:             j.stats.Expired,
		Evicted:             j.stats.Evicted,
		BytesFreed:          j.stats.BytesFreed,
		CycleLastDurationMS: j.stats.CycleLastDurationMS,
	}
}

// RunOnce performs a sweep outside the schedule. It shares the sweeper's
// in-progress guard with the loop, so an overlapping call is skipped.
func (j *Janitor) RunOnce(ctx context.Context) app.SweepReport {
	return j.runCycle(ctx)
}

func (j *Janitor) loop(ctx context.Context) {
	defer func() {
		j.ticker.Stop()
		close(j.doneCh)
	}()
	if j.cfg.RunOnStart {
		j.runCycle(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			j.log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			j.log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-j.ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one sweep and records its outcome.
func (j *Janitor) runCycle(ctx context.Context) app.SweepReport {
	log := j.log.With("action", "cycle")
	rep, err := j.sweeper.Sweep(ctx)
	j.stats.record(rep, err)
	j.collector.Inc(metrics.CounterSweepCycles, 1)
	switch {
	case rep.Skipped:
		j.collector.Inc(metrics.CounterSweepSkipped, 1)
		log.Info("cycle skipped", "reason", "sweep_in_progress")
	case err != nil && !errors.Is(err, context.Canceled):
		log.Error("sweep", "error", err)
	default:
		log.Info("cycle complete", "expired", rep.Expired, "evicted", rep.Evicted, "ms", rep.Duration.Milliseconds())
	}
	return rep
}
