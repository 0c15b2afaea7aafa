package store

import "sync"

// PopulationState is the lifecycle of a chapter-list population attempt.
type PopulationState int

// Idle -> Fetching -> Succeeded | Failed | TimedOut
const (
	StateIdle PopulationState = iota
	StateFetching
	StateSucceeded
	StateFailed
	StateTimedOut
)

func (s PopulationState) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "idle"
	}
}

type population struct {
	attempts int
	state    PopulationState
}

// tracker holds the per-book retry counters. It belongs to one Repository
// so independent repositories never share budgets.
type tracker struct {
	mu    sync.Mutex
	limit int
	byID  map[string]*population
}

func newTracker(limit int) *tracker {
	return &tracker{limit: limit, byID: make(map[string]*population)}
}

// begin consumes one attempt. It returns false once the cap is reached.
func (t *tracker) begin(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.byID[id]
	if p == nil {
		p = &population{}
		t.byID[id] = p
	}
	if p.attempts >= t.limit {
		return false
	}
	p.attempts++
	p.state = StateFetching
	return true
}

// finish records the outcome. Success resets the counter to zero.
func (t *tracker) finish(id string, state PopulationState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.byID[id]
	if p == nil {
		p = &population{}
		t.byID[id] = p
	}
	p.state = state
	if state == StateSucceeded {
		p.attempts = 0
	}
}

func (t *tracker) attempts(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.byID[id]; p != nil {
		return p.attempts
	}
	return 0
}

func (t *tracker) state(id string) PopulationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.byID[id]; p != nil {
		return p.state
	}
	return StateIdle
}

func (t *tracker) reset(id string) {
	t.mu.Lock()
	delete(t.byID, id)
	t.mu.Unlock()
}

func (t *tracker) resetAll() {
	t.mu.Lock()
	t.byID = make(map[string]*population)
	t.mu.Unlock()
}
