// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
)

const namespace = "facility"

// Metrics groups the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	bookingOps      *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	swept           prometheus.Counter
	feedEvents      *prometheus.CounterVec
	reg             prometheus.Registerer
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bookingOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_operations_total",
			Help:      "Booking lifecycle operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_tokens_total",
			Help:      "Tokens moved through the ledger by direction.",
		}, []string{"direction"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_refreshes_total",
			Help:      "Snapshot refreshes by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_refresh_seconds",
			Help:      "Time spent pulling a full snapshot from the store.",
			Buckets:   prometheus.DefBuckets,
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_completed_total",
			Help:      "Bookings completed by the sweeper.",
		}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changefeed_events_total",
			Help:      "Change events by collection and direction.",
		}, []string{"collection", "direction"}),
		reg: reg,
	}
	reg.MustRegister(m.bookingOps, m.tokens, m.refreshes, m.refreshDuration, m.swept, m.feedEvents)
	return m
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the given registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Outcome labels err by its kind, or "ok".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperror.KindOf(err))
}

func (m *Metrics) BookingOp(operation string, err error) {
	if m == nil {
		return
	}
	m.bookingOps.WithLabelValues(operation, Outcome(err)).Inc()
}

func (m *Metrics) Tokens(direction string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.tokens.WithLabelValues(direction).Add(float64(amount))
}

func (m *Metrics) Refresh(trigger string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(trigger, Outcome(err)).Inc()
	m.refreshDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) Swept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

func (m *Metrics) FeedEvent(collection, direction string) {
	if m == nil {
		return
	}
	m.feedEvents.WithLabelValues(collection, direction).Inc()
}

// ObserveStreams exports count as the number of open event streams.
func (m *Metrics) ObserveStreams(count func() int) {
	if m == nil || count == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_streams",
		Help:      "Open sync event streams on this instance.",
	}, func() float64 { return float64(count()) }))
}
