package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the signal service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Payment gate metrics
	GateOutcomes       *prometheus.CounterVec
	SettlementDuration prometheus.Histogram

	// Ledger metrics
	ReceiptsStored *prometheus.CounterVec

	// Reputation metrics
	ReputationUpdates *prometheus.CounterVec
	AgentScore        *prometheus.GaugeVec

	// Issuance metrics
	SignalsIssued  *prometheus.CounterVec
	UpstreamErrors *prometheus.CounterVec

	// HTTP metrics
	RequestDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		GateOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_gate_outcomes_total",
				Help: "Payment gate decisions by outcome",
			},
			[]string{"outcome"}, // admitted, challenged, rejected, replayed, settlement_failed, unavailable
		),

		SettlementDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "payment_settlement_duration_seconds",
				Help:    "Time spent verifying and settling a payment with the facilitator",
				Buckets: prometheus.DefBuckets,
			},
		),

		ReceiptsStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_receipts_stored_total",
				Help: "Receipt writes by result",
			},
			[]string{"result"}, // stored, failed
		),

		ReputationUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reputation_updates_total",
				Help: "Reputation outcomes recorded per agent",
			},
			[]string{"agent_id", "outcome"}, // success, failure
		),

		AgentScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reputation_agent_score",
				Help: "Current reputation score for each agent",
			},
			[]string{"agent_id"},
		),

		SignalsIssued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signals_issued_total",
				Help: "Signals delivered to paying clients",
			},
			[]string{"agent_id", "symbol", "signal"},
		),

		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_errors_total",
				Help: "Failed calls to external collaborators",
			},
			[]string{"upstream"}, // facilitator, price, engine, market_context
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency by route and status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
}

func (m *Metrics) GateOutcome(outcome string) {
	if m == nil {
		return
	}
	m.GateOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSettlement(d time.Duration) {
	if m == nil {
		return
	}
	m.SettlementDuration.Observe(d.Seconds())
}

func (m *Metrics) ReceiptStored(result string) {
	if m == nil {
		return
	}
	m.ReceiptsStored.WithLabelValues(result).Inc()
}

// ReputationRecorded counts the outcome and publishes the agent's new score.
func (m *Metrics) ReputationRecorded(agentID string, success bool, score float64) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.ReputationUpdates.WithLabelValues(agentID, outcome).Inc()
	m.AgentScore.WithLabelValues(agentID).Set(score)
}

func (m *Metrics) SignalIssued(agentID, symbol, signal string) {
	if m == nil {
		return
	}
	m.SignalsIssued.WithLabelValues(agentID, symbol, signal).Inc()
}

func (m *Metrics) UpstreamError(upstream string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(upstream).Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, route, statusLabel(status)).Observe(d.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
