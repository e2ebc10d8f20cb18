// Package metrics defines the monitor's Prometheus instruments.
//
// Instruments are registered on a private registry rather than the global
// default so several monitors can coexist in one process (and in tests).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jpalmerr/pingstream/check"
)

// Metrics holds the monitor's instruments.
type Metrics struct {
	registry *prometheus.Registry

	checkDuration      *prometheus.HistogramVec
	checksTotal        *prometheus.CounterVec
	ticksSkipped       prometheus.Counter
	targets            prometheus.Gauge
	subscribers        prometheus.Gauge
	subscribersEvicted prometheus.Counter
}

// New creates and registers the instruments, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pingstream_check_duration_seconds",
			Help:    "duration of reachability checks",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		checksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pingstream_checks_total",
			Help: "total number of reachability checks",
		}, []string{"outcome"}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pingstream_ticks_skipped_total",
			Help: "ticks skipped because the previous check was still running",
		}),
		targets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pingstream_targets",
			Help: "number of monitored targets",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pingstream_subscribers",
			Help: "number of live stream subscribers",
		}),
		subscribersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pingstream_subscribers_evicted_total",
			Help: "subscribers dropped because their buffer was full",
		}),
	}

	m.registry.MustRegister(
		m.checkDuration,
		m.checksTotal,
		m.ticksSkipped,
		m.targets,
		m.subscribers,
		m.subscribersEvicted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveResult records one completed check.
func (m *Metrics) ObserveResult(r check.Result) {
	outcome := r.Outcome.String()
	m.checksTotal.WithLabelValues(outcome).Inc()
	m.checkDuration.WithLabelValues(outcome).Observe(r.Latency.Seconds())
}

// TickSkipped records one skipped tick.
func (m *Metrics) TickSkipped() {
	m.ticksSkipped.Inc()
}

// SetTargets sets the monitored target gauge.
func (m *Metrics) SetTargets(n int) {
	m.targets.Set(float64(n))
}

// SetSubscribers sets the live subscriber gauge.
func (m *Metrics) SetSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

// SubscriberEvicted records one evicted subscriber.
func (m *Metrics) SubscriberEvicted() {
	m.subscribersEvicted.Inc()
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Timeout: 5 * time.Second,
	})
}
