package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the order collectors. A nil *Metrics records nothing.
type Metrics struct {
	ordersCreated     *prometheus.CounterVec
	commitFailures    *prometheus.CounterVec
	paymentAttempts   *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
	notifyDropped     prometheus.Counter
	commitDuration    prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_created_total", Help: "Committed orders by payment method.",
		}, []string{"payment_method"}),
		commitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_commit_failures_total", Help: "Rolled back order commits by reason.",
		}, []string{"reason"}),
		paymentAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_attempts_total", Help: "Payment capture attempts.",
		}, []string{"method", "outcome"}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_status_transitions_total", Help: "Applied order status transitions.",
		}, []string{"from", "to"}),
		notifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_dropped_total", Help: "Events dropped because the notification queue was full.",
		}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_commit_duration_seconds",
			Help:    "Duration of the atomic order commit.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ordersCreated, m.commitFailures, m.paymentAttempts,
			m.statusTransitions, m.notifyDropped, m.commitDuration)
	}
	return m
}

func (m *Metrics) OrderCreated(method string) {
	if m == nil {
		return
	}
	m.ordersCreated.WithLabelValues(method).Inc()
}

func (m *Metrics) CommitFailed(reason string) {
	if m == nil {
		return
	}
	m.commitFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) PaymentAttempt(method, outcome string) {
	if m == nil {
		return
	}
	m.paymentAttempts.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) StatusTransition(from, to string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notifyDropped.Inc()
}

func (m *Metrics) ObserveCommit(d time.Duration) {
	if m == nil {
		return
	}
	m.commitDuration.Observe(d.Seconds())
}
