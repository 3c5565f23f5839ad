package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for the relay controller. All methods
// are safe on a nil receiver.
type Metrics struct {
	registry                  *prometheus.Registry
	sequenceRunsTotal         *prometheus.CounterVec
	sequenceDurationSeconds   *prometheus.HistogramVec
	conflictsTotal            *prometheus.CounterVec
	channelState              *prometheus.GaugeVec
	updateAttemptsTotal       *prometheus.CounterVec
	lastSuccessfulUpdateGauge prometheus.Gauge
	commandFailuresTotal      *prometheus.CounterVec
	notificationFailuresTotal prometheus.Counter
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		sequenceRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drinks_relay_sequence_runs_total",
			Help: "Sequence runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		sequenceDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drinks_relay_sequence_duration_seconds",
			Help:    "Wall time of sequence runs in seconds.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"kind"}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drinks_relay_conflicts_total",
			Help: "Requests rejected because the guard was held, by operation.",
		}, []string{"operation"}),
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drinks_relay_channel_on",
			Help: "1 when the relay channel is on, 0 when off.",
		}, []string{"channel"}),
		updateAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drinks_relay_update_attempts_total",
			Help: "Self-update attempts by outcome.",
		}, []string{"outcome"}),
		lastSuccessfulUpdateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drinks_relay_last_successful_update_timestamp",
			Help: "Unix timestamp of the last update that passed its health check.",
		}),
		commandFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drinks_relay_command_failures_total",
			Help: "External commands that failed, by tool.",
		}, []string{"tool"}),
		notificationFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drinks_relay_notification_failures_total",
			Help: "Notifications that could not be delivered after retries.",
		}),
	}

	registry.MustRegister(
		m.sequenceRunsTotal,
		m.sequenceDurationSeconds,
		m.conflictsTotal,
		m.channelState,
		m.updateAttemptsTotal,
		m.lastSuccessfulUpdateGauge,
		m.commandFailuresTotal,
		m.notificationFailuresTotal,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSequence records a finished run.
func (m *Metrics) ObserveSequence(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sequenceRunsTotal.WithLabelValues(kind, outcome).Inc()
	m.sequenceDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// IncConflicts counts a request rejected by the guard.
func (m *Metrics) IncConflicts(operation string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(operation).Inc()
}

// SetChannelState mirrors a channel state.
func (m *Metrics) SetChannelState(channel string, on bool) {
	if m == nil {
		return
	}
	value := 0.0
	if on {
		value = 1
	}
	m.channelState.WithLabelValues(channel).Set(value)
}

// IncUpdateAttempts counts an update attempt by outcome.
func (m *Metrics) IncUpdateAttempts(outcome string) {
	if m == nil {
		return
	}
	m.updateAttemptsTotal.WithLabelValues(outcome).Inc()
}

// SetLastSuccessfulUpdate sets the last successful update time.
func (m *Metrics) SetLastSuccessfulUpdate(t time.Time) {
	if m == nil {
		return
	}
	m.lastSuccessfulUpdateGauge.Set(float64(t.Unix()))
}

// IncCommandFailures counts a failed external command.
func (m *Metrics) IncCommandFailures(tool string) {
	if m == nil {
		return
	}
	m.commandFailuresTotal.WithLabelValues(tool).Inc()
}

// IncNotificationFailures counts an undeliverable notification.
func (m *Metrics) IncNotificationFailures() {
	if m == nil {
		return
	}
	m.notificationFailuresTotal.Inc()
}
