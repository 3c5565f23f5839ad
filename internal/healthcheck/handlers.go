package healthcheck

import (
	"encoding/json"
	"net/http"
	"time"
)

// Status values reported on /healthz and /readyz.
const (
	StatusOK            = "ok"
	StatusInitializing  = "initializing"
	StatusUpdateOverdue = "update_overdue"
)

// Report is the health endpoint body.
type Report struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Snapshot
}

// HealthHandler serves /healthz. It answers 503 until the channels are
// initialized, and when scheduled updates have stopped checking in.
func HealthHandler(tracker *Tracker, startedAt time.Time, updateInterval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC()
		report := newReport(tracker, now, startedAt)
		if report.Status == StatusOK && !tracker.Healthy(now, startedAt, updateInterval) {
			report.Status = StatusUpdateOverdue
		}
		writeReport(w, report)
	}
}

// ReadyHandler serves /readyz.
func ReadyHandler(tracker *Tracker, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, newReport(tracker, time.Now().UTC(), startedAt))
	}
}

func newReport(tracker *Tracker, now, startedAt time.Time) Report {
	report := Report{Status: StatusInitializing, Snapshot: tracker.Snapshot()}
	if !startedAt.IsZero() {
		report.UptimeSeconds = now.Sub(startedAt).Seconds()
	}
	if report.Initialized {
		report.Status = StatusOK
	}
	return report
}

func writeReport(w http.ResponseWriter, report Report) {
	status := http.StatusOK
	if report.Status != StatusOK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}
