// Package metrics records endpoint traffic in Prometheus collectors.
//
// Every Collector owns its registry so several endpoints can live in one
// process (and in one test binary) without duplicate registration panics.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chanrpc"

// Drop reasons reported by the router.
const (
	DropStopped       = "stopped"
	DropProtocol      = "protocol"
	DropSelf          = "self"
	DropChannel       = "channel"
	DropFilter        = "filter"
	DropDuplicate     = "duplicate"
	DropStaleResponse = "stale_response"
	DropRelayLoop     = "relay_loop"
	DropRelayVeto     = "relay_veto"
)

type Collector struct {
	registry *prometheus.Registry

	requestsSent     *prometheus.CounterVec
	requestsReceived *prometheus.CounterVec
	responses        *prometheus.CounterVec
	drops            *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	pending          prometheus.Gauge
}

// New creates a collector labelled with the local endpoint id.
func New(node string) *Collector {
	constLabels := prometheus.Labels{"node": node}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "requests",
				Name:        "sent_total",
				Help:        "Remote requests sent.",
				ConstLabels: constLabels,
			},
			[]string{"method"},
		),
		requestsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "requests",
				Name:        "received_total",
				Help:        "Validated requests handed to dispatch.",
				ConstLabels: constLabels,
			},
			[]string{"method"},
		),
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "requests",
				Name:        "settled_total",
				Help:        "Outgoing requests settled, by terminal status.",
				ConstLabels: constLabels,
			},
			[]string{"status"},
		),
		drops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "router",
				Name:        "dropped_total",
				Help:        "Incoming envelopes dropped before dispatch.",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "dispatch",
				Name:        "duration_seconds",
				Help:        "Handler execution time in seconds.",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
			[]string{"method", "success"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "requests",
				Name:        "pending",
				Help:        "Outgoing requests awaiting a response.",
				ConstLabels: constLabels,
			},
		),
	}
	c.registry.MustRegister(c.requestsSent, c.requestsReceived, c.responses, c.drops, c.dispatchDuration, c.pending)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RequestSent(method string) {
	if c == nil {
		return
	}
	c.requestsSent.WithLabelValues(method).Inc()
}

func (c *Collector) RequestReceived(method string) {
	if c == nil {
		return
	}
	c.requestsReceived.WithLabelValues(method).Inc()
}

func (c *Collector) RequestSettled(status string) {
	if c == nil {
		return
	}
	c.responses.WithLabelValues(status).Inc()
}

func (c *Collector) Dropped(reason string) {
	if c == nil {
		return
	}
	c.drops.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveDispatch(method string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	success := "true"
	if err != nil {
		success = "false"
	}
	c.dispatchDuration.WithLabelValues(method, success).Observe(duration.Seconds())
}

func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.pending.Set(float64(n))
}
