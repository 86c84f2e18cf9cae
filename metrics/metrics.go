// Package metrics provides Prometheus metrics for the session lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for session operations.
type Metrics struct {
	enabled bool

	// Login lifecycle
	loginsTotal    *prometheus.CounterVec
	callbacksTotal *prometheus.CounterVec
	logoutsTotal   prometheus.Counter

	// Renewal
	renewalsTotal   *prometheus.CounterVec
	renewalDuration prometheus.Histogram

	// API token fetches
	apiTokenFetchesTotal *prometheus.CounterVec

	// Session polling
	sessionPollErrorsTotal prometheus.Counter
	sessionState           prometheus.Gauge
}

// New creates and registers Prometheus metrics.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool) *Metrics {
	m := &Metrics{enabled: enabled}

	if !enabled {
		return m
	}

	m.loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profileauth_logins_total",
		Help: "Total login redirects initiated",
	}, []string{"result"})

	m.callbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profileauth_callbacks_total",
		Help: "Total sign-in callbacks processed",
	}, []string{"result"})

	m.logoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "profileauth_logouts_total",
		Help: "Total logout redirects initiated",
	})

	m.renewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profileauth_renewals_total",
		Help: "Total silent token renewals",
	}, []string{"result"})

	m.renewalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "profileauth_renewal_duration_seconds",
		Help:    "Silent renewal duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	m.apiTokenFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profileauth_api_token_fetches_total",
		Help: "Total API token fetches",
	}, []string{"result"})

	m.sessionPollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "profileauth_session_poll_errors_total",
		Help: "Total failed userinfo session probes",
	})

	m.sessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "profileauth_session_valid",
		Help: "Whether a valid session is present (0 or 1)",
	})

	return m
}

// RecordLogin records an initiated login redirect.
func (m *Metrics) RecordLogin(result string) {
	if !m.enabled {
		return
	}
	m.loginsTotal.WithLabelValues(result).Inc()
}

// RecordCallback records a processed sign-in callback.
func (m *Metrics) RecordCallback(result string) {
	if !m.enabled {
		return
	}
	m.callbacksTotal.WithLabelValues(result).Inc()
}

// RecordLogout records an initiated logout redirect.
func (m *Metrics) RecordLogout() {
	if !m.enabled {
		return
	}
	m.logoutsTotal.Inc()
}

// RecordRenewal records a silent renewal attempt.
func (m *Metrics) RecordRenewal(result string, durationSeconds float64) {
	if !m.enabled {
		return
	}
	m.renewalsTotal.WithLabelValues(result).Inc()
	m.renewalDuration.Observe(durationSeconds)
}

// RecordAPITokenFetch records an API token fetch.
func (m *Metrics) RecordAPITokenFetch(result string) {
	if !m.enabled {
		return
	}
	m.apiTokenFetchesTotal.WithLabelValues(result).Inc()
}

// RecordSessionPollError records a failed userinfo probe.
func (m *Metrics) RecordSessionPollError() {
	if !m.enabled {
		return
	}
	m.sessionPollErrorsTotal.Inc()
}

// SetSessionValid sets the session validity gauge.
func (m *Metrics) SetSessionValid(valid bool) {
	if !m.enabled {
		return
	}
	if valid {
		m.sessionState.Set(1)
	} else {
		m.sessionState.Set(0)
	}
}
