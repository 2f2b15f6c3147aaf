package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dispatchpipe"

// Metrics holds the dispatch collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	attempts    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
	retries     prometheus.Counter
	messages    *prometheus.CounterVec
	scheduled   *prometheus.CounterVec
	healthy     *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_attempts_total",
			Help:      "Adapter delivery attempts by platform and outcome.",
		}, []string{"platform", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_duration_seconds",
			Help:      "Adapter delivery latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Delivery attempts rejected by the rate limiter.",
		}, []string{"platform"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_retries_total",
			Help:      "Backoff waits scheduled before a retry.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Messages processed by final status.",
		}, []string{"status"}),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "scheduled_messages_total",
			Help:      "Scheduled message events (queued, processed, failed, cancelled).",
		}, []string{"event"}),
		healthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "platform_healthy",
			Help:      "1 if the last health probe for the platform succeeded.",
		}, []string{"platform"}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.latency, m.rateLimited, m.retries, m.messages, m.scheduled, m.healthy)
	}
	return m
}

func (m *Metrics) observeAttempt(platform string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.attempts.WithLabelValues(platform, outcome).Inc()
	m.latency.WithLabelValues(platform).Observe(elapsed.Seconds())
}

func (m *Metrics) rateLimitRejected(platform string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(platform).Inc()
}

func (m *Metrics) retryScheduled() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) messageCompleted(status string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(status).Inc()
}

func (m *Metrics) scheduledEvent(event string) {
	if m == nil {
		return
	}
	m.scheduled.WithLabelValues(event).Inc()
}

func (m *Metrics) setHealth(platform string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.healthy.WithLabelValues(platform).Set(v)
}
