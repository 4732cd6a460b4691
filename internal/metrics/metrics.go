package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the process-wide collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ActiveConnections *prometheus.GaugeVec
	EventsTotal       *prometheus.CounterVec
	ViolationsTotal   prometheus.Counter
	SavesTotal        *prometheus.CounterVec
	FilesMissingTotal prometheus.Counter
	ReplaysTotal      prometheus.Counter
	RateLimitedTotal  prometheus.Counter
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

func New() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			ActiveConnections: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lattice_active_connections",
				Help: "Current number of open websocket connections",
			}, []string{"mode"}),
			EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "lattice_events_total",
				Help: "Inbound room events dispatched, by event type",
			}, []string{"eventtype"}),
			ViolationsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lattice_protocol_violations_total",
				Help: "Inbound messages rejected by the protocol allow-list",
			}),
			SavesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "lattice_save_room_total",
				Help: "save_room outcomes (saved, stale, unchanged)",
			}, []string{"outcome"}),
			FilesMissingTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lattice_files_missing_total",
				Help: "files_missing notifications sent",
			}),
			ReplaysTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lattice_replays_started_total",
				Help: "Replay sessions initialized",
			}),
			RateLimitedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lattice_rate_limited_total",
				Help: "Inbound messages dropped by the per-connection rate limit",
			}),
		}
	})
	return metricsInstance
}

func (m *Metrics) Connected(mode string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(mode).Inc()
}

func (m *Metrics) Disconnected(mode string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(mode).Dec()
}

func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Violation() {
	if m == nil {
		return
	}
	m.ViolationsTotal.Inc()
}

func (m *Metrics) Save(outcome string) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FilesMissing() {
	if m == nil {
		return
	}
	m.FilesMissingTotal.Inc()
}

func (m *Metrics) ReplayStarted() {
	if m == nil {
		return
	}
	m.ReplaysTotal.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}
