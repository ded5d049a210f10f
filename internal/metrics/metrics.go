// Package metrics exposes dispatcher activity as prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wakulink/go-backend/internal/dispatch"
)

const namespace = "wakulink"

type Collector struct {
	registry       *prometheus.Registry
	inbound        *prometheus.CounterVec
	callbacks      *prometheus.CounterVec
	published      *prometheus.CounterVec
	resubscribes   *prometheus.CounterVec
	replayed       *prometheus.CounterVec
	subscriptionUp prometheus.Gauge
}

// New registers the dispatcher collectors on reg, or on a fresh registry when reg is nil.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: reg,
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "inbound_messages_total",
			Help:      "Inbound transport messages by routing outcome.",
		}, []string{"outcome"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "callbacks_total",
			Help:      "Handler invocations by message type and result.",
		}, []string{"type", "result"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "emit",
			Name:      "published_total",
			Help:      "Publish attempts by channel variant and result.",
		}, []string{"channel", "result"}),
		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "resubscribe_attempts_total",
			Help:      "Resubscribe cycles by result.",
		}, []string{"result"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "messages_total",
			Help:      "Messages fed through the router from history by source.",
		}, []string{"source"}),
		subscriptionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "connected",
			Help:      "1 while the live subscription is healthy.",
		}),
	}
	reg.MustRegister(c.inbound, c.callbacks, c.published, c.resubscribes, c.replayed, c.subscriptionUp)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) InboundMessage(outcome dispatch.Outcome) {
	c.inbound.WithLabelValues(string(outcome)).Inc()
}

func (c *Collector) CallbackResult(msgType string, err error) {
	c.callbacks.WithLabelValues(msgType, result(err == nil)).Inc()
}

func (c *Collector) Published(ephemeral bool, ok bool) {
	channel := "persistent"
	if ephemeral {
		channel = "ephemeral"
	}
	c.published.WithLabelValues(channel, result(ok)).Inc()
}

func (c *Collector) ResubscribeAttempt(ok bool) {
	c.resubscribes.WithLabelValues(result(ok)).Inc()
}

func (c *Collector) Replayed(source string, n int) {
	if n <= 0 {
		return
	}
	c.replayed.WithLabelValues(source).Add(float64(n))
}

func (c *Collector) SubscriptionConnected(connected bool) {
	if connected {
		c.subscriptionUp.Set(1)
		return
	}
	c.subscriptionUp.Set(0)
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
