// Package healthcheck tracks controller liveness for the /healthz and
// /readyz endpoints.
package healthcheck

import (
	"sync"
	"time"
)

// RunSummary is the last sequence run as shown on /healthz.
type RunSummary struct {
	Label      string    `json:"label"`
	Outcome    string    `json:"outcome"`
	FinishedAt time.Time `json:"finished_at"`
}

// UpdateSummary is the last update attempt as shown on /healthz.
type UpdateSummary struct {
	Success    bool      `json:"success"`
	Revision   string    `json:"revision,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Snapshot describes controller state for health endpoints.
type Snapshot struct {
	Initialized     bool           `json:"initialized"`
	Channels        int            `json:"channels"`
	LastUpdateCheck *time.Time     `json:"last_update_check"`
	LastRun         *RunSummary    `json:"last_run,omitempty"`
	LastUpdate      *UpdateSummary `json:"last_update,omitempty"`
}

// Tracker records initialization and the latest run and update outcomes.
type Tracker struct {
	mu         sync.RWMutex
	ready      bool
	channels   int
	lastCheck  time.Time
	lastRun    *RunSummary
	lastUpdate *UpdateSummary
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// MarkInitialized records that every channel was forced off at startup.
func (t *Tracker) MarkInitialized(channels int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.ready = true
	t.channels = channels
	t.mu.Unlock()
}

// RecordRun stores the outcome of a sequence run.
func (t *Tracker) RecordRun(label, outcome string, finishedAt time.Time) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.lastRun = &RunSummary{Label: label, Outcome: outcome, FinishedAt: finishedAt.UTC()}
	t.mu.Unlock()
}

// RecordUpdate stores the outcome of an update attempt. Every attempt counts
// as an update check, successful or not.
func (t *Tracker) RecordUpdate(success bool, revision string, finishedAt time.Time) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.lastCheck = finishedAt.UTC()
	t.lastUpdate = &UpdateSummary{Success: success, Revision: revision, FinishedAt: finishedAt.UTC()}
	t.mu.Unlock()
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{Initialized: t.ready, Channels: t.channels}
	if !t.lastCheck.IsZero() {
		value := t.lastCheck
		snap.LastUpdateCheck = &value
	}
	if t.lastRun != nil {
		run := *t.lastRun
		snap.LastRun = &run
	}
	if t.lastUpdate != nil {
		upd := *t.lastUpdate
		snap.LastUpdate = &upd
	}
	return snap
}

// Ready reports whether channel initialization has completed.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Healthy reports whether the controller is initialized and, when updates
// are scheduled, whether the last update check happened within twice the
// schedule interval. Before the first check the start time stands in.
func (t *Tracker) Healthy(now, startedAt time.Time, updateInterval time.Duration) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.ready {
		return false
	}
	if updateInterval <= 0 {
		return true
	}
	last := t.lastCheck
	if last.IsZero() {
		last = startedAt
	}
	return now.Sub(last) <= 2*updateInterval
}
