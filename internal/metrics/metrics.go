package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rollcall"

// Event outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Session close reasons.
const (
	ReasonDone   = "done"
	ReasonReaped = "reaped"
)

// Metrics holds every collector the coordinator exports.
// ARCHITECTURAL DISCOVERY: A private registry per instance keeps tests
// independent of each other and of the global default registry
// TECHNICAL DISCOVERY: Every method tolerates a nil receiver so components
// can run without metrics in unit tests
type Metrics struct {
	registry *prometheus.Registry

	connections      prometheus.Gauge
	authFailures     *prometheus.CounterVec
	events           *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	sessionsOpened   prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	finalizeDuration prometheus.Histogram
	broadcastErrors  prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Websocket connections currently open on this instance.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected connection handshakes by error code.",
		}, []string{"code"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events by kind and outcome.",
		}, []string{"event", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Fan-out writes to local connections by result.",
		}, []string{"result"}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions opened on this instance.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions finalized on this instance by reason.",
		}, []string{"reason"}),
		finalizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalize_duration_seconds",
			Help:      "Time spent committing a session to durable storage.",
			Buckets:   prometheus.DefBuckets,
		}),
		broadcastErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_errors_total",
			Help:      "Summary broadcasts that could not be computed or published.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.authFailures,
		m.events,
		m.deliveries,
		m.sessionsOpened,
		m.sessionsClosed,
		m.finalizeDuration,
		m.broadcastErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) AuthFailure(code string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(code).Inc()
}

// Event counts one handled inbound event.
func (m *Metrics) Event(event, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event, outcome).Inc()
}

// Delivery counts one fan-out write.
func (m *Metrics) Delivery(ok bool) {
	if m == nil {
		return
	}
	result := OutcomeOK
	if !ok {
		result = OutcomeFailed
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// ObserveFinalize records how long a finalization took.
func (m *Metrics) ObserveFinalize(d time.Duration) {
	if m == nil {
		return
	}
	m.finalizeDuration.Observe(d.Seconds())
}

func (m *Metrics) BroadcastError() {
	if m == nil {
		return
	}
	m.broadcastErrors.Inc()
}
