package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	PhaseTransitions  *prometheus.CounterVec
	CoordinatorErrors *prometheus.CounterVec
	Transcripts       *prometheus.CounterVec
	LessonAttempts    *prometheus.CounterVec
	TurnLatency       prometheus.Histogram

	phases *phaseWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active tutor sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		PhaseTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Committed session phase transitions.",
		}, []string{"from", "to", "forced"}),
		CoordinatorErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_errors_total",
			Help:      "Errors reported by the voice coordinator by kind.",
		}, []string{"kind"}),
		Transcripts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Capture results by how the turn ended.",
		}, []string{"result"}),
		LessonAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lesson_attempts_total",
			Help:      "Evaluated lesson attempts.",
		}, []string{"passed"}),
		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "Time from listening start to the tutor speaking, in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3000, 5000, 8000, 13000},
		}),
		phases: newPhaseWindow(256),
	}
}

func (m *Metrics) ObserveTransition(from, to string, forced bool, dwell time.Duration) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(from, to, strconv.FormatBool(forced)).Inc()
	if dwell > 0 {
		m.phases.Observe(from, float64(dwell.Milliseconds()))
	}
	if forced {
		m.phases.ObserveIndicator("forced_" + to)
	}
}

func (m *Metrics) ObserveTurnLatency(d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.TurnLatency.Observe(ms)
	m.phases.Observe(StageTurnLatency, ms)
}

// ObserveTranscript counts how a capture ended: transcript, silence,
// duplicate, failed or stale.
func (m *Metrics) ObserveTranscript(result string) {
	if m == nil {
		return
	}
	m.Transcripts.WithLabelValues(result).Inc()
	m.phases.ObserveIndicator("turn_" + result)
}

func (m *Metrics) ObserveCoordinatorError(kind string) {
	if m == nil {
		return
	}
	m.CoordinatorErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveLessonAttempt(passed bool) {
	if m == nil {
		return
	}
	m.LessonAttempts.WithLabelValues(strconv.FormatBool(passed)).Inc()
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("outbound_"+result, msgType).Inc()
}

func (m *Metrics) ObserveInboundMessage(msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("inbound", msgType).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

// SnapshotPhases returns rolling dwell-time statistics per phase.
func (m *Metrics) SnapshotPhases() PhaseSnapshot {
	if m == nil {
		return PhaseSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.phases.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
