package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haukened/shelf/internal/app"
	"github.com/haukened/shelf/internal/metrics"
)

// --- Fakes / Mocks ---

type fakeSweeper struct {
	mu    sync.Mutex
	rep   app.SweepReport
	err   error
	calls int
}

func (fs *fakeSweeper) Sweep(ctx context.Context) (app.SweepReport, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.calls++
	return fs.rep, fs.err
}

func (fs *fakeSweeper) count() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.calls
}

func TestJanitorCycleSuccess(t *testing.T) {
	fs := &fakeSweeper{rep: app.SweepReport{Expired: 2, Evicted: 1, BytesFreed: 300, Duration: 4 * time.Millisecond}}
	j := New(fs, nil, Config{Interval: time.Hour, Logger: slog.Default()})
	rep := j.RunOnce(context.Background())
	if rep.Expired != 2 || rep.Evicted != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	sv := j.StatsSnapshot()
	if sv.Cycles != 1 || sv.Expired != 2 || sv.Evicted != 1 || sv.BytesFreed != 300 || sv.CycleLastDurationMS != 4 {
		t.Fatalf("unexpected stats %+v", sv)
	}
	if fs.count() != 1 {
		t.Fatalf("expected one sweep, got %d", fs.count())
	}
}

func TestJanitorCycleError(t *testing.T) {
	fs := &fakeSweeper{err: errors.New("boom")}
	j := New(fs, nil, Config{Interval: time.Hour})
	j.runCycle(context.Background())
	sv := j.StatsSnapshot()
	if sv.Cycles != 1 || sv.Failed != 1 || sv.Skipped != 0 {
		t.Fatalf("stats after error %+v", sv)
	}
}

func TestJanitorCycleSkipped(t *testing.T) {
	fs := &fakeSweeper{rep: app.SweepReport{Skipped: true}}
	j := New(fs, nil, Config{Interval: time.Hour})
	j.runCycle(context.Background())
	sv := j.StatsSnapshot()
	if sv.Cycles != 1 || sv.Skipped != 1 || sv.Expired != 0 {
		t.Fatalf("stats after skip %+v", sv)
	}
}

func TestStartStopLoop(t *testing.T) {
	fs := &fakeSweeper{}
	j := New(fs, nil, Config{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	j.Stop()
	if j.StatsSnapshot().Cycles == 0 {
		t.Fatalf("expected at least one cycle")
	}
}

func TestRunOnStart(t *testing.T) {
	fs := &fakeSweeper{}
	j := New(fs, nil, Config{Interval: time.Hour, RunOnStart: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Start(ctx)
	deadline := time.Now().Add(time.Second)
	for fs.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	j.Stop()
	if fs.count() != 1 {
		t.Fatalf("expected the start-up sweep, got %d", fs.count())
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	j := New(&fakeSweeper{}, nil, Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx)
	cancel()
	select {
	case <-j.doneCh:
	case <-time.After(time.Second):
		t.Fatalf("loop did not exit on cancel")
	}
	j.Stop()
}

func TestNewDefaults(t *testing.T) {
	j := New(&fakeSweeper{}, nil, Config{})
	if j.cfg.Interval != DefaultInterval || j.cfg.Logger == nil || j.collector == nil {
		t.Fatalf("defaults not applied %+v", j.cfg)
	}
}

func TestStopWithoutStart(t *testing.T) {
	j := New(&fakeSweeper{}, nil, Config{})
	j.Stop()
	j.Stop()
}

func TestStartAlreadyStarted(t *testing.T) {
	j := New(&fakeSweeper{}, nil, Config{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Start(ctx)
	tkr := j.ticker
	j.Start(ctx)
	if j.ticker != tkr {
		t.Fatalf("ticker replaced unexpectedly")
	}
	j.Stop()
}

// externalCollector captures emitted metrics for verification.
type externalCollector struct {
	mu       sync.Mutex
	counters map[string]int64
}

func (e *externalCollector) Inc(name string, delta int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters[name] += delta
}

func (e *externalCollector) Observe(string, int64) {}

func TestJanitorExternalMetrics(t *testing.T) {
	fs := &fakeSweeper{}
	ec := &externalCollector{counters: make(map[string]int64)}
	j := New(fs, ec, Config{Interval: time.Hour})
	j.runCycle(context.Background())
	fs.rep.Skipped = true
	j.runCycle(context.Background())

	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.counters[metrics.CounterSweepCycles] != 2 {
		t.Fatalf("expected 2 cycles got %d", ec.counters[metrics.CounterSweepCycles])
	}
	if ec.counters[metrics.CounterSweepSkipped] != 1 {
		t.Fatalf("expected 1 skip got %d", ec.counters[metrics.CounterSweepSkipped])
	}
}
