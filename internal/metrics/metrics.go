package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	placements   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	webhooks     *prometheus.CounterVec
	published    *prometheus.CounterVec
	publishFails *prometheus.CounterVec
	dead         *prometheus.CounterVec
	batchSize    prometheus.Gauge
	consumed     *prometheus.CounterVec
}

func New(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_placements_total",
			Help: "Order placement attempts by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_transitions_total",
			Help: "Applied order status transitions by target status.",
		}, []string{"status"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_events_total",
			Help: "Provider callbacks by provider and outcome.",
		}, []string{"provider", "outcome"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_published_total",
			Help: "Outbox events delivered to the channel.",
		}, []string{"topic"}),
		publishFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_publish_failures_total",
			Help: "Failed outbox delivery attempts.",
		}, []string{"topic"}),
		dead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_dead_total",
			Help: "Outbox events flagged for operator attention after exhausting attempts.",
		}, []string{"topic"}),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outbox_last_batch_size",
			Help: "Number of events claimed by the last publisher cycle.",
		}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "consumer_events_total",
			Help: "Events handled by downstream consumers by outcome.",
		}, []string{"topic", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.placements, m.transitions, m.webhooks, m.published,
			m.publishFails, m.dead, m.batchSize, m.consumed)
	}
	return m
}

func (m *Metrics) Placement(outcome string) {
	if m == nil {
		return
	}
	m.placements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Webhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) Published(topic string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic).Inc()
}

func (m *Metrics) PublishFailed(topic string) {
	if m == nil {
		return
	}
	m.publishFails.WithLabelValues(topic).Inc()
}

func (m *Metrics) Dead(topic string) {
	if m == nil {
		return
	}
	m.dead.WithLabelValues(topic).Inc()
}

func (m *Metrics) BatchSize(n int) {
	if m == nil {
		return
	}
	m.batchSize.Set(float64(n))
}

func (m *Metrics) Consumed(topic, outcome string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(topic, outcome).Inc()
}
