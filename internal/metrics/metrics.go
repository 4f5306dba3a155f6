// Package metrics holds the prometheus collectors for negotiation sessions
// and the relay.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"roomcall/internal/domain"
)

const namespace = "roomcall"

// Negotiation counts what a negotiation session does.
type Negotiation struct {
	signals *prometheus.CounterVec
	errors  *prometheus.CounterVec
	glare   prometheus.Counter
}

// NewNegotiation registers the negotiation collectors on reg.
func NewNegotiation(reg prometheus.Registerer) *Negotiation {
	m := &Negotiation{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "signals_total",
			Help:      "Signals handled by the negotiation session, by direction and kind.",
		}, []string{"direction", "kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "errors_total",
			Help:      "Errors observed by the negotiation session, by class.",
		}, []string{"class"}),
		glare: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "glare_total",
			Help:      "Offers received while a local offer was outstanding.",
		}),
	}
	reg.MustRegister(m.signals, m.errors, m.glare)
	return m
}

func (m *Negotiation) SignalReceived(kind domain.Kind) {
	m.signals.WithLabelValues("in", string(kind)).Inc()
}

func (m *Negotiation) SignalPublished(kind domain.Kind) {
	m.signals.WithLabelValues("out", string(kind)).Inc()
}

func (m *Negotiation) GlareDetected() {
	m.glare.Inc()
}

func (m *Negotiation) ErrorObserved(err error) {
	m.errors.WithLabelValues(ErrorClass(err)).Inc()
}

// ErrorClass maps a negotiation error onto a low-cardinality label.
func ErrorClass(err error) string {
	var (
		candidate *domain.CandidateError
		glare     *domain.GlareRecoveryFailure
		publish   *domain.ChannelPublishFailure
		rejection *domain.TransportRejection
	)
	switch {
	case errors.As(err, &glare):
		if glare.Recovered() {
			return "glare_recovered"
		}
		return "glare_failed"
	case errors.As(err, &candidate):
		return "candidate"
	case errors.As(err, &publish):
		return "publish"
	case errors.As(err, &rejection):
		return "transport"
	case errors.Is(err, domain.ErrInvalidSignal), errors.Is(err, domain.ErrWrongRoom):
		return "invalid_signal"
	default:
		return "other"
	}
}

// Relay counts traffic through the room relay.
type Relay struct {
	published   *prometheus.CounterVec
	delivered   prometheus.Counter
	subscribers prometheus.Gauge
	connections prometheus.Gauge
}

// NewRelay registers the relay collectors on reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Signals published to the relay, by kind.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "delivered_total",
			Help:      "Signals delivered to subscribers.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscribers",
			Help:      "Active room subscriptions.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "websocket_connections",
			Help:      "Open websocket connections.",
		}),
	}
	reg.MustRegister(m.published, m.delivered, m.subscribers, m.connections)
	return m
}

func (m *Relay) Published(kind domain.Kind) { m.published.WithLabelValues(string(kind)).Inc() }
func (m *Relay) Delivered()                 { m.delivered.Inc() }
func (m *Relay) Subscribed()                { m.subscribers.Inc() }
func (m *Relay) Unsubscribed()              { m.subscribers.Dec() }
func (m *Relay) ConnectionOpened()          { m.connections.Inc() }
func (m *Relay) ConnectionClosed()          { m.connections.Dec() }
