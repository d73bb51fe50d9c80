// Package metrics implements the Metrics Sink of §4.7: a process-wide
// instrument set constructed once at host startup and threaded through the
// Registry and every plugin Context by reference, never reached through a
// package global.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink is the Metrics Sink. Construct with New; each Sink owns its own
// prometheus.Registry so multiple Sinks (e.g. one per test) never collide
// on global collector registration.
type Sink struct {
	registry *prometheus.Registry

	lifecycleTotal   *prometheus.CounterVec   // labels: op, outcome
	lifecycleLatency *prometheus.HistogramVec // labels: plugin, op
	pluginErrors     *prometheus.CounterVec   // labels: plugin, op
	apiRequests      *prometheus.CounterVec   // labels: endpoint

	adhocMu      sync.Mutex
	adhocCounter map[string]*prometheus.CounterVec
	adhocHist    map[string]*prometheus.HistogramVec

	installs, starts, stops, unloads, errors int64
}

// New constructs a Sink with a fresh, private prometheus.Registry.
func New() *Sink {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Sink{
		registry: reg,
		lifecycleTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pluginhost_lifecycle_total",
			Help: "Total lifecycle operations by op and outcome.",
		}, []string{"op", "outcome"}),
		lifecycleLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pluginhost_lifecycle_duration_seconds",
			Help:    "Lifecycle operation latency by plugin and op.",
			Buckets: prometheus.DefBuckets,
		}, []string{"plugin", "op"}),
		pluginErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pluginhost_plugin_errors_total",
			Help: "Total plugin lifecycle errors by plugin and op.",
		}, []string{"plugin", "op"}),
		apiRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pluginhost_api_requests_total",
			Help: "Total requests served by endpoint.",
		}, []string{"endpoint"}),
		adhocCounter: make(map[string]*prometheus.CounterVec),
		adhocHist:    make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the Sink's private prometheus.Registry for a host to
// mount on an HTTP handler.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordInstall records an Install outcome and its duration.
func (s *Sink) RecordInstall(name string, d time.Duration, ok bool) {
	s.lifecycleTotal.WithLabelValues("install", outcome(ok)).Inc()
	s.lifecycleLatency.WithLabelValues(name, "install").Observe(d.Seconds())
	atomic.AddInt64(&s.installs, 1)
}

// RecordStart records a Start outcome and its duration.
func (s *Sink) RecordStart(name string, d time.Duration, ok bool) {
	s.lifecycleTotal.WithLabelValues("start", outcome(ok)).Inc()
	s.lifecycleLatency.WithLabelValues(name, "start").Observe(d.Seconds())
	atomic.AddInt64(&s.starts, 1)
}

// RecordStop records a Stop outcome and its duration.
func (s *Sink) RecordStop(name string, d time.Duration, ok bool) {
	s.lifecycleTotal.WithLabelValues("stop", outcome(ok)).Inc()
	s.lifecycleLatency.WithLabelValues(name, "stop").Observe(d.Seconds())
	atomic.AddInt64(&s.stops, 1)
}

// RecordUnload records an Unload outcome.
func (s *Sink) RecordUnload(name string, ok bool) {
	s.lifecycleTotal.WithLabelValues("unload", outcome(ok)).Inc()
	atomic.AddInt64(&s.unloads, 1)
}

// RecordError records a plugin lifecycle error for name during op.
func (s *Sink) RecordError(name, op string) {
	s.pluginErrors.WithLabelValues(name, op).Inc()
	atomic.AddInt64(&s.errors, 1)
}

// RecordAPIRequest increments the per-endpoint API counter.
func (s *Sink) RecordAPIRequest(endpoint string) {
	s.apiRequests.WithLabelValues(endpoint).Inc()
}

// IncCounter and ObserveDuration satisfy plugins.MetricsRecorder: ad hoc
// instrumentation a plugin records against its own metric names, distinct
// from the lifecycle counters the Registry records on the plugin's behalf.
// Each distinct name gets its own lazily-created vector with a single
// "labels" dimension, since the variadic labels arrive unnamed.
func (s *Sink) IncCounter(name string, labels ...string) {
	s.adhocMu.Lock()
	vec, ok := s.adhocCounter[name]
	if !ok {
		vec = promauto.With(s.registry).NewCounterVec(prometheus.CounterOpts{
			Name: "pluginhost_plugin_adhoc_" + name + "_total",
			Help: "Ad hoc plugin counter " + name + ".",
		}, []string{"labels"})
		s.adhocCounter[name] = vec
	}
	s.adhocMu.Unlock()
	vec.WithLabelValues(joinLabels(labels)).Inc()
}

func (s *Sink) ObserveDuration(name string, d time.Duration, labels ...string) {
	s.adhocMu.Lock()
	vec, ok := s.adhocHist[name]
	if !ok {
		vec = promauto.With(s.registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pluginhost_plugin_adhoc_" + name + "_seconds",
			Help:    "Ad hoc plugin duration " + name + ".",
			Buckets: prometheus.DefBuckets,
		}, []string{"labels"})
		s.adhocHist[name] = vec
	}
	s.adhocMu.Unlock()
	vec.WithLabelValues(joinLabels(labels)).Observe(d.Seconds())
}

func joinLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	out := labels[0]
	for _, l := range labels[1:] {
		out += "," + l
	}
	return out
}

// Snapshot is a read-only view of the Sink's cheap running totals, for a
// status endpoint or the State Observer.
type Snapshot struct {
	Installs, Starts, Stops, Unloads, Errors int64
}

// Snapshot returns the Sink's current running totals.
func (s *Sink) Snapshot() Snapshot {
	return Snapshot{
		Installs: atomic.LoadInt64(&s.installs),
		Starts:   atomic.LoadInt64(&s.starts),
		Stops:    atomic.LoadInt64(&s.stops),
		Unloads:  atomic.LoadInt64(&s.unloads),
		Errors:   atomic.LoadInt64(&s.errors),
	}
}
