package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the liquidator.
type Metrics struct {
	// --- Cycle ---
	CyclesTotal     *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	SnapshotSlot    prometheus.Gauge
	SlotRegressions prometheus.Counter
	SlotLag         prometheus.Gauge

	// --- Scan ---
	AccountsScanned prometheus.Gauge
	ScanPages       prometheus.Counter
	ScanRetries     prometheus.Counter
	ScanDuration    prometheus.Histogram
	RPCErrors       *prometheus.CounterVec

	// --- Evaluation ---
	AccountsEvaluated  *prometheus.CounterVec
	EvaluationErrors   prometheus.Counter
	FundingSettlements *prometheus.CounterVec
	MinMarginRatio     prometheus.Gauge

	// --- Scheduling & submission ---
	QueueDepth          prometheus.Gauge
	SubmissionsInFlight prometheus.Gauge
	SubmitAttempts      *prometheus.CounterVec
	SubmitDuration      prometheus.Histogram
	Outcomes            *prometheus.CounterVec
	RecentOutcomeHits   prometheus.Counter
	RecentOutcomeSize   prometheus.Gauge
	ClaimsContended     prometheus.Counter

	// --- Sinks ---
	JournalWritten prometheus.Counter
	JournalErrors  *prometheus.CounterVec
	JournalRetry   prometheus.Counter
	PublishErrors  prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	cycleBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
	submitBuckets := []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

	return &Metrics{
		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_cycles_total",
			Help: "Scan/evaluate cycles by result",
		}, []string{"result"}),

		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "liq_cycle_duration_seconds",
			Help:    "Wall time of a full scan/evaluate/enqueue cycle",
			Buckets: cycleBuckets,
		}),

		SnapshotSlot: f.NewGauge(prometheus.GaugeOpts{
			Name: "liq_snapshot_slot",
			Help: "Slot of the most recent accepted snapshot",
		}),

		SlotRegressions: f.NewCounter(prometheus.CounterOpts{
			Name: "liq_slot_regressions_total",
			Help: "Snapshots discarded because their slot was older than one already processed",
		}),

		SlotLag: f.NewGauge(prometheus.GaugeOpts{
			Name: "liq_slot_lag",
			Help: "Network tip slot minus last snapshot slot",
		}),

		AccountsScanned: f.NewGauge(prometheus.GaugeOpts{
			Name: "liq_accounts_scanned",
			Help: "Accounts in the most recent snapshot",
		}),

		ScanPages: f.NewCounter(prometheus.CounterOpts{
			Name: "liq_scan_pages_total",
			Help: "Account pages fetched",
		}),

		ScanRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "liq_scan_retries_total",
			Help: "Page fetches retried after a transient error",
		}),

		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "liq_scan_duration_seconds",
			Help:    "Time to build a snapshot",
			Buckets: cycleBuckets,
		}),

		RPCErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_rpc_errors_total",
			Help: "Ledger errors by operation and kind",
		}, []string{"op", "kind"}),

		AccountsEvaluated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_accounts_evaluated_total",
			Help: "Accounts evaluated by verdict",
		}, []string{"verdict"}),

		EvaluationErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "liq_evaluation_errors_total",
			Help: "Accounts skipped because evaluation failed",
		}),

		FundingSettlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_funding_settlements_total",
			Help: "Funding settlements by mode and result",
		}, []string{"mode", "result"}),

		MinMarginRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "liq_min_margin_ratio",
			Help: "Lowest margin ratio evaluated in the last cycle, as a fraction",
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "liq_queue_depth",
			Help: "Candidates waiting for a submission slot",
		}),

		SubmissionsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "liq_submissions_in_flight",
			Help: "Liquidations between sign and terminal outcome",
		}),

		SubmitAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_submit_attempts_total",
			Help: "Submission attempts by result",
		}, []string{"result"}),

		SubmitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "liq_submit_duration_seconds",
			Help:    "Time from dequeue to terminal outcome",
			Buckets: submitBuckets,
		}),

		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_outcomes_total",
			Help: "Terminal candidate outcomes",
		}, []string{"state"}),

		RecentOutcomeHits: f.NewCounter(prometheus.CounterOpts{
			Name: "liq_recent_outcome_hits_total",
			Help: "Candidates skipped because the same account state was already resolved",
		}),

		RecentOutcomeSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "liq_recent_outcome_entries",
			Help: "Entries in the recent outcome cache",
		}),

		ClaimsContended: f.NewCounter(prometheus.CounterOpts{
			Name: "liq_claims_contended_total",
			Help: "Submissions skipped because another replica held the account claim",
		}),

		JournalWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "liq_journal_written_total",
			Help: "Outcome rows committed to Postgres",
		}),

		JournalErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_journal_errors_total",
			Help: "Outcome journal errors",
		}, []string{"type"}),

		JournalRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "liq_journal_retry_total",
			Help: "Outcome journal flush retries",
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "liq_publish_errors_total",
			Help: "Outcome events that failed to publish",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liq_query_requests_total",
			Help: "Status API requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "liq_query_duration_seconds",
			Help:    "Status API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
