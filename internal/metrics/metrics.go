// Package metrics owns the fabric's Prometheus collectors. A Metrics
// value carries its own registry so independent services (and tests)
// never fight over global collector names.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	PaymentsDecided     *prometheus.CounterVec
	FraudRiskScore      prometheus.Histogram
	FraudSignals        *prometheus.CounterVec
	RoutesComputed      *prometheus.CounterVec
	RouteCostUSD        prometheus.Histogram
	SwarmTasks          *prometheus.CounterVec
	SwarmQueueDepth     prometheus.Gauge
	ConsensusRounds     *prometheus.CounterVec
	YieldRebalances     prometheus.Counter
	PricingAdjustments  *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PaymentsDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_decided_total",
			Help: "Payment decisions by terminal outcome.",
		}, []string{"outcome"}),
		FraudRiskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_risk_score",
			Help:    "Distribution of fraud analysis risk scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		FraudSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_signals_total",
			Help: "Fraud signals emitted, by kind.",
		}, []string{"kind"}),
		RoutesComputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routes_computed_total",
			Help: "Routes computed, by objective.",
		}, []string{"objective"}),
		RouteCostUSD: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "route_cost_usd",
			Help:    "Total cost of selected routes in USD.",
			Buckets: prometheus.ExponentialBuckets(1, 2.5, 10),
		}),
		SwarmTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_tasks_total",
			Help: "Swarm tasks reaching a terminal status.",
		}, []string{"status"}),
		SwarmQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_queue_depth",
			Help: "Tasks currently pending in the swarm queue.",
		}),
		ConsensusRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_rounds_total",
			Help: "Consensus rounds, by whether consensus was reached.",
		}, []string{"reached"}),
		YieldRebalances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yield_rebalances_total",
			Help: "Rebalances executed by the yield allocator.",
		}),
		PricingAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricing_adjustments_total",
			Help: "Price recommendations served, by A/B variant.",
		}, []string{"variant"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}

	m.registry.MustRegister(
		m.PaymentsDecided,
		m.FraudRiskScore,
		m.FraudSignals,
		m.RoutesComputed,
		m.RouteCostUSD,
		m.SwarmTasks,
		m.SwarmQueueDepth,
		m.ConsensusRounds,
		m.YieldRebalances,
		m.PricingAdjustments,
		m.HTTPRequestDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
