package supervisor

import (
	stderrors "errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/wsfeed/errors"
	"github.com/c360/wsfeed/metric"
)

// Metrics holds Prometheus metrics for a supervisor. A nil *Metrics records nothing.
type Metrics struct {
	component string
	// core carries the process-wide error counter
	core *metric.Metrics

	attemptsTotal      *prometheus.CounterVec
	connectionsActive  *prometheus.GaugeVec
	connectDuration    *prometheus.HistogramVec
	eventsTotal        *prometheus.CounterVec
	decodeErrorsTotal  *prometheus.CounterVec
	heartbeatsTotal    *prometheus.CounterVec
	sendsTotal         *prometheus.CounterVec
	repliesTotal       *prometheus.CounterVec
	reconnectLimitHits *prometheus.CounterVec
	sinkPanicsTotal    *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry, componentName string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		component: componentName,
		core:      registry.CoreMetrics(),

		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsfeed",
			Subsystem: "supervisor",
			Name:      "attempts_total",
			Help:      "Connection attempts started",
		}, []string{"component"}),

		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wsfeed",
			Subsystem: "supervisor",
			Name:      "connection_open",
			Help:      "Whether a connection is currently open (0 or 1)",
		}, []string{"component"}),

		connectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wsfeed",
			Subsystem: "supervisor",
			Name:      "connect_duration_seconds",
			Help:      "Time from attempt start to open, including credential resolution",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"component"}),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsfeed",
			Subsystem: "supervisor",
			Name:      "events_total",
			Help:      "Events emitted to the sink by kind",
		}, []string{"component", "kind"}),

		decodeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsfeed",
			Subsystem: "supervisor",
			Name:      "decode_errors_total",
			Help:      "Inbound frames that could not be decoded",
		}, []string{"component"}),

		heartbeatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsfeed",
			Subsystem: "supervisor",
			Name:      "heartbeats_total",
			Help:      "Heartbeat sends by status",
		}, []string{"component", "status"}),

		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsfeed",
			Subsystem: "supervisor",
			Name:      "sends_total",
			Help:      "Outbound sends by kind and status",
		}, []string{"component", "kind", "status"}),

		repliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsfeed",
			Subsystem: "supervisor",
			Name:      "replies_total",
			Help:      "Duplex reply fulfilments by result",
		}, []string{"component", "result"}),

		reconnectLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsfeed",
			Subsystem: "supervisor",
			Name:      "reconnect_limit_exceeded_total",
			Help:      "Runs that stopped because the reconnect limit was reached",
		}, []string{"component"}),

		sinkPanicsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsfeed",
			Subsystem: "supervisor",
			Name:      "sink_panics_total",
			Help:      "Panics recovered from the event sink",
		}, []string{"component"}),
	}

	// Several supervisors in one process share the collectors
	m.attemptsTotal = registerCounterVec(registry, componentName, "attempts_total", m.attemptsTotal)
	m.eventsTotal = registerCounterVec(registry, componentName, "events_total", m.eventsTotal)
	m.decodeErrorsTotal = registerCounterVec(registry, componentName, "decode_errors_total", m.decodeErrorsTotal)
	m.heartbeatsTotal = registerCounterVec(registry, componentName, "heartbeats_total", m.heartbeatsTotal)
	m.sendsTotal = registerCounterVec(registry, componentName, "sends_total", m.sendsTotal)
	m.repliesTotal = registerCounterVec(registry, componentName, "replies_total", m.repliesTotal)
	m.reconnectLimitHits = registerCounterVec(registry, componentName, "reconnect_limit_exceeded", m.reconnectLimitHits)
	m.sinkPanicsTotal = registerCounterVec(registry, componentName, "sink_panics_total", m.sinkPanicsTotal)

	if err := registry.RegisterGaugeVec(componentName, "connection_open", m.connectionsActive); err != nil {
		var are prometheus.AlreadyRegisteredError
		if stderrors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				m.connectionsActive = existing
			}
		}
	}
	if err := registry.RegisterHistogramVec(componentName, "connect_duration", m.connectDuration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if stderrors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				m.connectDuration = existing
			}
		}
	}

	return m
}

func registerCounterVec(registry *metric.MetricsRegistry, componentName, metricName string,
	vec *prometheus.CounterVec) *prometheus.CounterVec {
	err := registry.RegisterCounterVec(componentName, metricName, vec)
	if err == nil {
		return vec
	}
	var are prometheus.AlreadyRegisteredError
	if stderrors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
			return existing
		}
	}
	return vec
}

func (m *Metrics) recordAttempt() {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(m.component).Inc()
}

func (m *Metrics) recordOpen(took time.Duration) {
	if m == nil {
		return
	}
	m.connectionsActive.WithLabelValues(m.component).Set(1)
	m.connectDuration.WithLabelValues(m.component).Observe(took.Seconds())
}

func (m *Metrics) recordClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.WithLabelValues(m.component).Set(0)
}

func (m *Metrics) recordEvent(kind EventKind) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(m.component, string(kind)).Inc()
}

func (m *Metrics) recordDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrorsTotal.WithLabelValues(m.component).Inc()
}

func (m *Metrics) recordHeartbeat(err error) {
	if m == nil {
		return
	}
	m.heartbeatsTotal.WithLabelValues(m.component, statusLabel(err)).Inc()
}

func (m *Metrics) recordSend(kind string, err error) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(m.component, kind, statusLabel(err)).Inc()
}

func (m *Metrics) recordReply(result ReplyResult) {
	if m == nil {
		return
	}
	m.repliesTotal.WithLabelValues(m.component, result.String()).Inc()
}

func (m *Metrics) recordLimitExceeded() {
	if m == nil {
		return
	}
	m.reconnectLimitHits.WithLabelValues(m.component).Inc()
}

// recordError counts a connect or transport failure by error class
func (m *Metrics) recordError(err error) {
	if m == nil {
		return
	}
	m.core.RecordError(m.component, errors.Classify(err).String())
}

func (m *Metrics) recordSinkPanic() {
	if m == nil {
		return
	}
	m.sinkPanicsTotal.WithLabelValues(m.component).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
