// Package metrics owns the process prometheus registry. There are no
// package-level collectors: every component gets the *Metrics built at
// startup.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "hydra"

// Outcome labels for order_total.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type Metrics struct {
	reg *prometheus.Registry

	orderLatency prometheus.Summary
	orders       *prometheus.CounterVec
	trades       *prometheus.CounterVec
	fragments    *prometheus.CounterVec
	settlements  *prometheus.CounterVec
	attempts     prometheus.Histogram

	orderRate *Rate
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		orderLatency: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  namespace,
			Name:       "order_latency_seconds",
			Help:       "Submit-to-report latency of orders.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			MaxAge:     time.Minute,
		}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_total",
			Help:      "Orders processed by pair and outcome.",
		}, []string{"pair", "outcome"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_total",
			Help:      "Trades executed on the book.",
		}, []string{"pair"}),
		fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_fragment_total",
			Help:      "Execution fragments by venue.",
		}, []string{"venue"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "job_total",
			Help:      "Settlement jobs reaching a terminal status.",
		}, []string{"status"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "attempts",
			Help:      "Submission attempts per finished settlement job.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		orderRate: NewRate(10),
	}
	m.reg.MustRegister(
		m.orderLatency, m.orders, m.trades, m.fragments, m.settlements, m.attempts,
		collectors.NewGoCollector(),
	)
	return m
}

// ---- recording ----

func (m *Metrics) ObserveOrder(pair, outcome string, started time.Time) {
	m.orderLatency.Observe(time.Since(started).Seconds())
	m.orders.WithLabelValues(pair, outcome).Inc()
	m.orderRate.Add(1)
}

func (m *Metrics) AddTrades(pair string, n int) {
	if n > 0 {
		m.trades.WithLabelValues(pair).Add(float64(n))
	}
}

func (m *Metrics) AddFragment(venue string) {
	m.fragments.WithLabelValues(venue).Inc()
}

func (m *Metrics) ObserveSettlement(status string, attempts int) {
	m.settlements.WithLabelValues(status).Inc()
	m.attempts.Observe(float64(attempts))
}

// Gauge registers a gauge sampled from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
	if err := m.reg.Register(g); err != nil {
		return fmt.Errorf("metrics: register %s: %w", name, err)
	}
	return nil
}

// ---- reading ----

// Latency returns the p50, p90 and p99 order latencies over the summary
// window. Zero values mean no observations yet.
func (m *Metrics) Latency() (p50, p90, p99 time.Duration) {
	var out dto.Metric
	if err := m.orderLatency.Write(&out); err != nil || out.Summary == nil {
		return 0, 0, 0
	}
	for _, q := range out.Summary.GetQuantile() {
		d := seconds(q.GetValue())
		switch q.GetQuantile() {
		case 0.5:
			p50 = d
		case 0.9:
			p90 = d
		case 0.99:
			p99 = d
		}
	}
	return p50, p90, p99
}

// TPS is the orders-per-second rate over the rolling window.
func (m *Metrics) TPS() float64 {
	return m.orderRate.PerSecond()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func seconds(v float64) time.Duration {
	if v != v { // NaN when the window is empty
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
