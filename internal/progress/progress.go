// Package progress publishes what the relay controller is doing right now.
// One writer (the active sequence run) and any number of polling readers.
package progress

import (
	"sync"
	"time"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	Completed Outcome = "completed"
	Failed    Outcome = "failed"
)

// Run describes an execution as it starts.
type Run struct {
	RunID      string
	Kind       string
	Label      string
	TotalSteps int
	Expected   time.Duration
	StartedAt  time.Time
}

// Result describes how a run ended.
type Result struct {
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	Label      string    `json:"label"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	StepsRun   int       `json:"steps_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Snapshot is the read-only view served to pollers.
type Snapshot struct {
	Active               bool       `json:"active"`
	RunID                string     `json:"run_id,omitempty"`
	Kind                 string     `json:"kind,omitempty"`
	Label                string     `json:"label,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	ElapsedSeconds       float64    `json:"elapsed_seconds"`
	ExpectedTotalSeconds float64    `json:"expected_total_seconds"`
	CurrentStep          int        `json:"current_step"`
	TotalSteps           int        `json:"total_steps"`
	Last                 *Result    `json:"last,omitempty"`
}

// Publisher holds the current run, if any, and the last terminal result.
type Publisher struct {
	now func() time.Time

	mu      sync.RWMutex
	current *Run
	step    int
	elapsed time.Duration
	last    *Result
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// NewPublisher returns an idle publisher.
func NewPublisher(opts ...Option) *Publisher {
	p := &Publisher{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Begin marks a run as active, replacing whatever was there.
func (p *Publisher) Begin(run Run) {
	if p == nil {
		return
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = p.now()
	}
	p.mu.Lock()
	p.current = &run
	p.step = 0
	p.elapsed = 0
	p.mu.Unlock()
}

// Advance records the step the active run is on. Lower values than the one
// already recorded are ignored.
func (p *Publisher) Advance(runID string, step int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.RunID != runID {
		return
	}
	if step > p.step {
		p.step = step
	}
}

// Finish clears the active run when it matches result.RunID and records the
// result as the last one seen.
func (p *Publisher) Finish(result Result) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current.RunID == result.RunID {
		p.current = nil
		p.step = 0
		p.elapsed = 0
	}
	copied := result
	p.last = &copied
}

// Snapshot returns the current view.
func (p *Publisher) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var snap Snapshot
	if p.last != nil {
		last := *p.last
		snap.Last = &last
	}
	if p.current == nil {
		return snap
	}

	elapsed := p.now().Sub(p.current.StartedAt)
	if elapsed < p.elapsed {
		elapsed = p.elapsed
	}
	p.elapsed = elapsed

	started := p.current.StartedAt
	snap.Active = true
	snap.RunID = p.current.RunID
	snap.Kind = p.current.Kind
	snap.Label = p.current.Label
	snap.StartedAt = &started
	snap.ElapsedSeconds = elapsed.Seconds()
	snap.ExpectedTotalSeconds = p.current.Expected.Seconds()
	snap.CurrentStep = p.step
	snap.TotalSteps = p.current.TotalSteps
	return snap
}
