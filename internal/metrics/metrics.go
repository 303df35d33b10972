package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Write results.
const (
	ResultOK         = "ok"
	ResultConflict   = "conflict"
	ResultValidation = "validation"
	ResultMigration  = "migration"
	ResultNotFound   = "not_found"
	ResultIO         = "io"
	ResultCanceled   = "canceled"
	ResultError      = "error"
)

// Notification outcomes.
const (
	NotifyDelivered = "delivered"
	NotifyRetried   = "retried"
	NotifyDropped   = "dropped"
	NotifyRejected  = "rejected"
)

// Metrics holds the service collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Writes counts coordinated writes.
	// Labels: op (patch|replace|delete|migrate), result
	Writes *prometheus.CounterVec

	// WriteDuration measures time from lock acquisition to commit, in seconds.
	// Labels: op
	WriteDuration *prometheus.HistogramVec

	// CASRetries counts store-level precondition failures retried by the coordinator.
	CASRetries prometheus.Counter

	// Notifications counts notifier outcomes.
	// Labels: outcome (delivered|retried|dropped|rejected), reason
	Notifications *prometheus.CounterVec

	// HTTPRequests counts API requests.
	// Labels: route, code
	HTTPRequests *prometheus.CounterVec

	registry *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Writes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildsync_writes_total",
				Help: "Coordinated writes by operation and result",
			},
			[]string{"op", "result"},
		),
		WriteDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guildsync_write_duration_seconds",
				Help:    "Time spent committing a write while holding the key slot",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"op"},
		),
		CASRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "guildsync_cas_retries_total",
			Help: "Writes retried after another process updated the document first",
		}),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildsync_notifications_total",
				Help: "Change notifications by outcome",
			},
			[]string{"outcome", "reason"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildsync_http_requests_total",
				Help: "API requests by route and status code",
			},
			[]string{"route", "code"},
		),
		registry: reg,
	}
}

// Registry exposes the private registry, for extra collectors and tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveWrite(op, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Writes.WithLabelValues(op, result).Inc()
	if result == ResultOK {
		m.WriteDuration.WithLabelValues(op).Observe(took.Seconds())
	}
}

func (m *Metrics) CASRetry() {
	if m == nil {
		return
	}
	m.CASRetries.Inc()
}

func (m *Metrics) Notification(outcome, reason string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// GaugeFunc registers a gauge sampled from fn at scrape time. Registering a name twice is an
// error and keeps the first gauge.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}
