package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Subscriber
	EventsObserved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "airdrop",
		Subsystem: "subscriber",
		Name:      "events_observed_total",
		Help:      "Qualifying events handed to the coordinator",
	})

	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "airdrop",
		Subsystem: "subscriber",
		Name:      "events_duplicate_total",
		Help:      "Logs dropped by the transport dedup window",
	})

	LogsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "airdrop",
		Subsystem: "subscriber",
		Name:      "logs_removed_total",
		Help:      "Logs dropped because the chain reorganized them away",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "airdrop",
		Subsystem: "subscriber",
		Name:      "reconnects_total",
		Help:      "Subscription (re)connect attempts",
	})

	CheckpointBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "airdrop",
		Subsystem: "subscriber",
		Name:      "checkpoint_block",
		Help:      "Last block whose events were all acknowledged",
	})

	// Coordinator
	DistributionsReserved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "airdrop",
		Subsystem: "coordinator",
		Name:      "reserved_total",
		Help:      "Ledger reservations created",
	})

	DistributionsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airdrop",
		Subsystem: "coordinator",
		Name:      "skipped_total",
		Help:      "Events not paid, by reason",
	}, []string{"reason"})

	DistributionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airdrop",
		Subsystem: "coordinator",
		Name:      "outcomes_total",
		Help:      "Terminal distribution outcomes",
	}, []string{"status", "reason"})

	InflightTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "airdrop",
		Subsystem: "coordinator",
		Name:      "inflight",
		Help:      "Transfers broadcast and awaiting confirmation",
	})

	TransferRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airdrop",
		Subsystem: "coordinator",
		Name:      "transfer_retries_total",
		Help:      "Broadcast and resume attempts repeated after a transient node error",
	}, []string{"op"})

	// Submitter
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airdrop",
		Subsystem: "submitter",
		Name:      "broadcasts_total",
		Help:      "Signed transactions sent, by kind",
	}, []string{"kind"})

	FeeEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "airdrop",
		Subsystem: "submitter",
		Name:      "fee_escalations_total",
		Help:      "Replacement bids at a higher fee",
	})

	ConfirmationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "airdrop",
		Subsystem: "submitter",
		Name:      "confirmation_seconds",
		Help:      "Time from first broadcast to confirmation",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
	})

	NextNonce = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "airdrop",
		Subsystem: "submitter",
		Name:      "next_nonce",
		Help:      "Next sequence number of the sending account",
	})

	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airdrop",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Node RPC calls by method and status",
	}, []string{"method", "status"})

	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "airdrop",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "RPC calls delayed by the local rate limiter",
	})
)
