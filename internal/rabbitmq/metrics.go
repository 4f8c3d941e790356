package rabbitmq

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rabbitkit"

// Metrics records client activity in Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connected         prometheus.Gauge
	connectAttempts   *prometheus.CounterVec
	connectionLosses  prometheus.Counter
	liveConsumers     prometheus.Gauge
	consumerAttach    *prometheus.CounterVec
	consumerCancelled prometheus.Counter
	published         *prometheus.CounterVec
	pulled            *prometheus.CounterVec
	requests          *prometheus.CounterVec
	rejected          *prometheus.CounterVec
}

// NewMetrics creates and registers the client metrics.
//
// Parameters:
//   - reg: Prometheus registerer (uses prometheus.DefaultRegisterer if nil)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "connection",
			Name:      "up",
			Help:      "1 while a broker connection is established.",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "connection",
			Name:      "attempts_total",
			Help:      "Connection attempts by result (success, failure).",
		}, []string{"result"}),
		connectionLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "connection",
			Name:      "losses_total",
			Help:      "Established connections that were lost.",
		}),
		liveConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "live",
			Help:      "Registered consumer definitions with an attached consumer.",
		}),
		consumerAttach: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "attach_total",
			Help:      "Consumer attach attempts by queue and result.",
		}, []string{"queue", "result"}),
		consumerCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "unexpected_cancellations_total",
			Help:      "Live consumers cancelled by the broker.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "publish",
			Name:      "messages_total",
			Help:      "Published messages by queue and result.",
		}, []string{"queue", "result"}),
		pulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pull",
			Name:      "messages_total",
			Help:      "Messages retrieved by batch pulls, by queue.",
		}, []string{"queue"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "request",
			Name:      "completed_total",
			Help:      "Request/response exchanges by queue and outcome.",
		}, []string{"queue", "outcome"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "subscription",
			Name:      "deliveries_returned_total",
			Help:      "Subscription deliveries settled by the consumer itself, by reason.",
		}, []string{"queue", "reason"}),
	}

	reg.MustRegister(
		m.connected,
		m.connectAttempts,
		m.connectionLosses,
		m.liveConsumers,
		m.consumerAttach,
		m.consumerCancelled,
		m.published,
		m.pulled,
		m.requests,
		m.rejected,
	)

	return m
}

func (m *Metrics) connectionUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) connectAttempt(err error) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) connectionLost() {
	if m == nil {
		return
	}
	m.connectionLosses.Inc()
}

func (m *Metrics) consumersLive(n int) {
	if m == nil {
		return
	}
	m.liveConsumers.Set(float64(n))
}

func (m *Metrics) consumerAttached(queue string, err error) {
	if m == nil {
		return
	}
	m.consumerAttach.WithLabelValues(queue, result(err)).Inc()
}

func (m *Metrics) consumerCancelledUnexpectedly() {
	if m == nil {
		return
	}
	m.consumerCancelled.Inc()
}

func (m *Metrics) messagePublished(queue string, err error) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(queue, result(err)).Inc()
}

func (m *Metrics) messagesPulled(queue string, n int) {
	if m == nil {
		return
	}
	m.pulled.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) requestCompleted(queue, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) deliveryReturned(queue, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(queue, reason).Inc()
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
