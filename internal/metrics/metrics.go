// Package metrics exposes Prometheus counters, histograms, and gauges
// for the HTTP engine and the app manager. It has no framework
// dependency; router middleware and manager code call its Record*/Set*
// methods directly, and cmd/apphost mounts promhttp.Handler().
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	AppsActive    prometheus.Gauge
	AppsTotal     prometheus.Counter
	AppRestarts   *prometheus.CounterVec
	AppStateGauge *prometheus.GaugeVec

	SSEStreams prometheus.Gauge

	Uptime    prometheus.Gauge
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds a subset of current metric values for JSON API
// consumers that don't want to scrape the Prometheus text format.
type Snapshot struct {
	TotalRequests     int64
	TotalErrors       int64
	ActiveApps        int64
	ActiveConnections int64
	TotalDuration     float64
	RequestCount      int64
}

// New creates a metrics collector registered against the default
// Prometheus registerer, and starts its uptime updater.
func New() *Metrics { return NewWithRegisterer(prometheus.DefaultRegisterer) }

// NewWithRegisterer creates a metrics collector registered against reg.
// Tests pass a fresh prometheus.NewRegistry() so repeated calls within
// one test binary don't collide on the global default registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apphost_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apphost_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apphost_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apphost_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),

		AppsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "apphost_apps_active",
				Help: "Number of apps currently RUNNING",
			},
		),
		AppsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "apphost_apps_total",
				Help: "Total number of apps ever registered",
			},
		),
		AppRestarts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apphost_app_restarts_total",
				Help: "Total number of app restarts, by trigger",
			},
			[]string{"app", "trigger"},
		),
		AppStateGauge: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apphost_app_state",
				Help: "1 if the app is currently in the labeled state, 0 otherwise",
			},
			[]string{"app", "state"},
		),

		SSEStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "apphost_sse_streams",
				Help: "Number of active server-sent-event streams",
			},
		),

		Uptime: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "apphost_uptime_seconds",
				Help: "apphost process uptime in seconds",
			},
		),
	}

	go m.updateUptime()
	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records one completed HTTP request/response cycle.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.RequestCount++
	if len(status) > 0 && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// SetAppsActive sets the current count of RUNNING apps.
func (m *Metrics) SetAppsActive(count int) {
	m.AppsActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveApps = int64(count)
	m.mu.Unlock()
}

// IncAppsTotal increments the total-apps-registered counter.
func (m *Metrics) IncAppsTotal() { m.AppsTotal.Inc() }

// RecordAppRestart increments the restart counter for app, tagged by
// trigger ("manual", "health-check").
func (m *Metrics) RecordAppRestart(app, trigger string) {
	m.AppRestarts.WithLabelValues(app, trigger).Inc()
}

// SetAppState sets app's gauge to 1 for the current state and 0 for
// every other known state, so a Grafana panel can chart state
// transitions over time per app.
func (m *Metrics) SetAppState(app, current string, allStates []string) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1.0
		}
		m.AppStateGauge.WithLabelValues(app, s).Set(v)
	}
}

// IncSSEStreams increments the active SSE stream gauge.
func (m *Metrics) IncSSEStreams() { m.SSEStreams.Inc() }

// DecSSEStreams decrements the active SSE stream gauge.
func (m *Metrics) DecSSEStreams() { m.SSEStreams.Dec() }

// Snapshot returns a copy of the current lightweight counters, for a
// JSON-serving status endpoint that doesn't want to parse Prometheus
// text exposition format.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
