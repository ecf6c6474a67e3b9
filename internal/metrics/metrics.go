package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters for the booking, payment and queue flows.
type Metrics struct {
	bookings      *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	expirations   *prometheus.CounterVec
	tokensIssued  prometheus.Counter
	queueCalls    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "reservations_total",
			Help:      "Slot reservation attempts by outcome",
		}, []string{"outcome"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "payment_confirmations_total",
			Help:      "Payment confirmation attempts by outcome",
		}, []string{"outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "payment",
			Name:      "webhook_events_total",
			Help:      "Inbound provider webhook events by provider and outcome",
		}, []string{"provider", "outcome"}),
		expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "expired_appointments_total",
			Help:      "Appointments moved to expired, by the path that observed it",
		}, []string{"reason"}),
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "queue",
			Name:      "tokens_issued_total",
			Help:      "Queue tokens issued",
		}),
		queueCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "queue",
			Name:      "call_next_total",
			Help:      "Call-next commands by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookings, m.confirmations, m.webhooks, m.expirations, m.tokensIssued, m.queueCalls)
	return m
}

func (m *Metrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveConfirmation(outcome string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveExpiry(reason string) {
	if m == nil {
		return
	}
	m.expirations.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveTokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

func (m *Metrics) ObserveCallNext(outcome string) {
	if m == nil {
		return
	}
	m.queueCalls.WithLabelValues(outcome).Inc()
}
