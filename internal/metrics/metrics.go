// Package metrics collects and exposes Prometheus metrics for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Recorder is the metrics surface used by the server.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	SetOnlineUsers(n int)
	RecordRequest(action, outcome string, d time.Duration)
	RecordRateLimited(class string)
	RecordAuthFailure(reason string)
	RecordPush(delivered bool)
	RecordUpload(size int64)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	connections prometheus.Gauge
	onlineUsers prometheus.Gauge
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
	authFail    *prometheus.CounterVec
	pushes      *prometheus.CounterVec
	uploadBytes prometheus.Counter
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_connections",
			Help: "Open WebSocket connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_online_users",
			Help: "Users bound to a live connection.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_requests_total",
			Help: "Dispatched requests by action and outcome.",
		}, []string{"action", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gochat_dispatch_latency_seconds",
			Help:    "Time spent handling a request.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_rate_limited_total",
			Help: "Requests denied by the rate limiter, by class.",
		}, []string{"class"}),
		authFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_auth_failures_total",
			Help: "Authentication failures by reason.",
		}, []string{"reason"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_pushes_total",
			Help: "Push events by result.",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gochat_upload_bytes_total",
			Help: "Bytes accepted through file uploads.",
		}),
	}

	reg.MustRegister(
		c.connections,
		c.onlineUsers,
		c.requests,
		c.latency,
		c.rateLimited,
		c.authFail,
		c.pushes,
		c.uploadBytes,
	)

	return c
}

// ConnectionOpened increments the open connection gauge.
func (c *Collector) ConnectionOpened() {
	c.connections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (c *Collector) ConnectionClosed() {
	c.connections.Dec()
}

// SetOnlineUsers sets the online user gauge.
func (c *Collector) SetOnlineUsers(n int) {
	c.onlineUsers.Set(float64(n))
}

// RecordRequest counts a dispatched request and observes its latency.
func (c *Collector) RecordRequest(action, outcome string, d time.Duration) {
	c.requests.WithLabelValues(action, outcome).Inc()
	c.latency.WithLabelValues(action).Observe(d.Seconds())
}

// RecordRateLimited counts a denial for class.
func (c *Collector) RecordRateLimited(class string) {
	c.rateLimited.WithLabelValues(class).Inc()
}

// RecordAuthFailure counts an authentication failure.
func (c *Collector) RecordAuthFailure(reason string) {
	c.authFail.WithLabelValues(reason).Inc()
}

// RecordPush counts a push as delivered or dropped.
func (c *Collector) RecordPush(delivered bool) {
	result := "delivered"
	if !delivered {
		result = "dropped"
	}
	c.pushes.WithLabelValues(result).Inc()
}

// RecordUpload adds size to the uploaded byte counter.
func (c *Collector) RecordUpload(size int64) {
	c.uploadBytes.Add(float64(size))
}

// Handler returns the Prometheus scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Noop discards everything.
type Noop struct{}

func (Noop) ConnectionOpened()                           {}
func (Noop) ConnectionClosed()                           {}
func (Noop) SetOnlineUsers(int)                          {}
func (Noop) RecordRequest(string, string, time.Duration) {}
func (Noop) RecordRateLimited(string)                    {}
func (Noop) RecordAuthFailure(string)                    {}
func (Noop) RecordPush(bool)                             {}
func (Noop) RecordUpload(int64)                          {}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Noop{}
)
