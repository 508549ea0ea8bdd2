package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flywheel_engine_build_info",
			Help: "Build information of the flywheel engine",
		},
		[]string{"version", "commit", "date"},
	)

	CycleRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_engine_cycle_runs_total",
			Help: "Total number of scheduled cycle runs",
		},
		[]string{"cycle", "status"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flywheel_engine_cycle_duration_seconds",
			Help:    "Duration of scheduled cycle runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"cycle"},
	)

	HoldersScanned = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flywheel_engine_holders_scanned",
			Help: "Number of ranked holders stored by the last scan of a mint",
		},
		[]string{"mint"},
	)

	AirdropBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_engine_airdrop_batches_total",
			Help: "Total number of airdrop transfer batches",
		},
		[]string{"status"},
	)

	AirdropDistributedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flywheel_engine_airdrop_distributed_base_units_total",
			Help: "Total reward token base units distributed by landed transfers",
		},
	)

	FlywheelOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_engine_flywheel_outcomes_total",
			Help: "Total number of flywheel cycle outcomes",
		},
		[]string{"status"},
	)

	LamportsClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flywheel_engine_lamports_claimed_total",
			Help: "Total lamports claimed from fee accrual sources",
		},
	)

	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_engine_rpc_requests_total",
			Help: "Total number of ledger RPC requests",
		},
		[]string{"method"},
	)

	DatabaseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_engine_database_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"status"},
	)
)
