package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the hedge engine.
type Metrics struct {
	// --- Oracle ingest ---
	OracleMessagesIngested *prometheus.CounterVec
	OracleMessagesRejected *prometheus.CounterVec
	OracleSequenceGaps     *prometheus.CounterVec
	OracleLatestPrice      *prometheus.GaugeVec
	OracleFetchDuration    prometheus.Histogram

	// --- Funding ---
	FundingProposalsSubmitted *prometheus.CounterVec
	FundingCompleted          prometheus.Counter
	FundingValidationFailures *prometheus.CounterVec

	// --- Settlement ---
	SettlementChecks   *prometheus.CounterVec
	SettlementAttached *prometheus.CounterVec
	SettlementRetries  prometheus.Counter

	// --- Treasury short proposals ---
	ShortProposalPhases *prometheus.CounterVec
	ShortProposalSweeps prometheus.Counter
	ShortProposalCached prometheus.Gauge

	// --- Redemption queue ---
	RedemptionProcessed  *prometheus.CounterVec
	RedemptionQueueDepth prometheus.Gauge
	RedemptionRecoveries *prometheus.CounterVec

	// --- Boundaries ---
	ChainRequests        *prometheus.CounterVec
	ChainRequestDuration *prometheus.HistogramVec
	LPRequests           *prometheus.CounterVec

	// --- Notifications ---
	NotificationsPublished *prometheus.CounterVec
	NotificationsDropped   prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	externalBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	return &Metrics{
		OracleMessagesIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_oracle_messages_ingested_total",
			Help: "Verified price messages persisted",
		}, []string{"oracle"}),

		OracleMessagesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_oracle_messages_rejected_total",
			Help: "Relay messages rejected (bad signature, parse, stale)",
		}, []string{"oracle", "reason"}),

		OracleSequenceGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_oracle_sequence_gaps_total",
			Help: "Message sequence gaps observed per oracle",
		}, []string{"oracle"}),

		OracleLatestPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hedge_oracle_latest_price",
			Help: "Most recent verified price per oracle",
		}, []string{"oracle"}),

		OracleFetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hedge_oracle_fetch_duration_seconds",
			Help:    "Relay range fetch latency",
			Buckets: externalBuckets,
		}),

		FundingProposalsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_funding_proposals_submitted_total",
			Help: "Funding proposals accepted per contract side",
		}, []string{"side"}),

		FundingCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_funding_completed_total",
			Help: "Contracts whose combined funding tx was recorded",
		}),

		FundingValidationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_funding_validation_failures_total",
			Help: "Funding tx validations that found no matching output",
		}, []string{"reason"}),

		SettlementChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_settlement_checks_total",
			Help: "Settlement condition checks by outcome",
		}, []string{"outcome"}),

		SettlementAttached: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_settlements_attached_total",
			Help: "Terminal settlements upserted by type",
		}, []string{"type"}),

		SettlementRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_settlement_retries_total",
			Help: "Settlement attempts deferred to a later scanner tick",
		}),

		ShortProposalPhases: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_short_proposal_phases_total",
			Help: "Short proposal saga phase outcomes",
		}, []string{"phase", "outcome"}),

		ShortProposalSweeps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_short_proposal_sweeps_total",
			Help: "Compensating sweeps of the proxy funding wallet",
		}),

		ShortProposalCached: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_short_proposals_cached",
			Help: "Short proposals currently cached",
		}),

		RedemptionProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_redemption_tx_processed_total",
			Help: "Redemption contract transactions by type and result",
		}, []string{"type", "status"}),

		RedemptionQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_redemption_queue_depth",
			Help: "Pending redemption contract transactions",
		}),

		RedemptionRecoveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_redemption_recoveries_total",
			Help: "Self-healing recovery attempts by outcome",
		}, []string{"outcome"}),

		ChainRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_chain_requests_total",
			Help: "Chain node requests by method and outcome",
		}, []string{"method", "outcome"}),

		ChainRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hedge_chain_request_duration_seconds",
			Help:    "Chain node request latency",
			Buckets: externalBuckets,
		}, []string{"method"}),

		LPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_lp_requests_total",
			Help: "Liquidity provider requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),

		NotificationsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_notifications_published_total",
			Help: "Wallet notifications published by event type",
		}, []string{"event"}),

		NotificationsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_notifications_dropped_total",
			Help: "Notifications dropped (best-effort delivery)",
		}),
	}
}
