// Package metrics exposes Prometheus instrumentation for the stream factory
// loop and the session dispatcher.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"diagport/internal/transport"
)

const namespace = "diagport"

// Collector implements streamfactory.Observer and records session outcomes.
type Collector struct {
	registry *prometheus.Registry

	pollPasses     prometheus.Counter
	pollTimeout    prometheus.Histogram
	polledHandles  prometheus.Gauge
	pollFailures   prometheus.Counter
	connectFailed  *prometheus.CounterVec
	hangUps        *prometheus.CounterVec
	claims         *prometheus.CounterVec
	sessions       *prometheus.CounterVec
	sessionSeconds prometheus.Histogram
	ports          prometheus.Gauge
}

// New registers every diagport metric on a private registry. When
// withRuntime is set the Go and process collectors are added as well.
func New(withRuntime bool) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		pollPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_passes_total",
			Help:      "Poll passes run by the stream factory.",
		}),
		pollTimeout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_timeout_seconds",
			Help:      "Finite poll timeouts chosen by the reconnect backoff.",
			Buckets:   []float64{0.01, 0.0125, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		polledHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "polled_handles",
			Help:      "Handles included in the most recent poll pass.",
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Poll calls that failed or reported an error event.",
		}),
		connectFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed attempts to reach a connect-mode port.",
		}, []string{"endpoint"}),
		hangUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hang_ups_total",
			Help:      "Peers that hung up on a cached stream.",
		}, []string{"endpoint"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Streams handed to the dispatcher.",
		}, []string{"endpoint", "mode"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Diagnostic sessions served, by command and outcome.",
		}, []string{"command", "outcome"}),
		sessionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time spent serving one diagnostic session.",
			Buckets:   prometheus.DefBuckets,
		}),
		ports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_ports",
			Help:      "Ports currently registered with the stream factory.",
		}),
	}
	c.registry.MustRegister(
		c.pollPasses, c.pollTimeout, c.polledHandles, c.pollFailures,
		c.connectFailed, c.hangUps, c.claims,
		c.sessions, c.sessionSeconds, c.ports,
	)
	if withRuntime {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) PollPass(timeout time.Duration, handles int) {
	c.pollPasses.Inc()
	c.polledHandles.Set(float64(handles))
	if timeout >= 0 {
		c.pollTimeout.Observe(timeout.Seconds())
	}
}

func (c *Collector) ConnectFailed(endpoint string) {
	c.connectFailed.WithLabelValues(endpoint).Inc()
}

func (c *Collector) HungUp(endpoint string) {
	c.hangUps.WithLabelValues(endpoint).Inc()
}

func (c *Collector) Claimed(endpoint string, mode transport.Mode) {
	c.claims.WithLabelValues(endpoint, mode.String()).Inc()
}

func (c *Collector) PollFailed() {
	c.pollFailures.Inc()
}

// SessionServed records one finished session.
func (c *Collector) SessionServed(command, outcome string, elapsed time.Duration) {
	if command == "" {
		command = "unknown"
	}
	c.sessions.WithLabelValues(command, outcome).Inc()
	c.sessionSeconds.Observe(elapsed.Seconds())
}

// SetPorts records the registry size.
func (c *Collector) SetPorts(n int) {
	c.ports.Set(float64(n))
}
