package credential

import (
	stderrors "errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/c360/wsfeed/metric"
)

// loginMetrics is nil-safe; a nil value records nothing
type loginMetrics struct {
	loginsTotal   *prometheus.CounterVec
	loginDuration *prometheus.HistogramVec
	breakerState  *prometheus.GaugeVec
}

// newLoginMetrics registers under the profile name so several logins share collectors
func newLoginMetrics(registry *metric.MetricsRegistry, profile string) *loginMetrics {
	if registry == nil {
		return nil
	}

	m := &loginMetrics{
		loginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsfeed",
			Subsystem: "credential",
			Name:      "logins_total",
			Help:      "Credential lookups by profile and outcome",
		}, []string{"profile", "status"}),
		loginDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wsfeed",
			Subsystem: "credential",
			Name:      "login_duration_seconds",
			Help:      "Login exchange duration including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"profile"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wsfeed",
			Subsystem: "credential",
			Name:      "breaker_state",
			Help:      "Login circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"profile"}),
	}

	service := "credential-" + profile
	m.loginsTotal = reuse(registry.RegisterCounterVec(service, "logins_total", m.loginsTotal), m.loginsTotal)
	m.loginDuration = reuse(registry.RegisterHistogramVec(service, "login_duration", m.loginDuration), m.loginDuration)
	m.breakerState = reuse(registry.RegisterGaugeVec(service, "breaker_state", m.breakerState), m.breakerState)
	return m
}

// reuse returns the collector already registered under the same name, if any
func reuse[T prometheus.Collector](err error, fresh T) T {
	if err == nil {
		return fresh
	}
	var are prometheus.AlreadyRegisteredError
	if stderrors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	return fresh
}

func (m *loginMetrics) recordLogin(profile, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.loginsTotal.WithLabelValues(profile, status).Inc()
	if took > 0 {
		m.loginDuration.WithLabelValues(profile).Observe(took.Seconds())
	}
}

func (m *loginMetrics) recordBreaker(profile string, state gobreaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(profile).Set(float64(state))
}
