package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "latency_decomposition"

	// Metrics names.
	MetricNameBuildInfo        = Namespace + "_build_info"
	MetricNameErrors           = Namespace + "_errors_total"
	MetricNameSyncCycles       = Namespace + "_sync_cycles_total"
	MetricNameTransferAttempts = Namespace + "_transfer_attempts_total"
	MetricNamePingsSent        = Namespace + "_pings_sent_total"
	MetricNamePingsMatched     = Namespace + "_pings_matched_total"

	// Labels.
	LabelVersion   = "version"
	LabelCommit    = "commit"
	LabelDate      = "date"
	LabelErrorType = "error_type"
	LabelOutcome   = "outcome"

	// Error types.
	ErrorTypeSyncCycleFailed       = "sync_cycle_failed"
	ErrorTypeSyncMalformedReply    = "sync_malformed_reply"
	ErrorTypeTransferRunSetup      = "transfer_run_setup"
	ErrorTypeRecordSinkWrite       = "record_sink_write"
	ErrorTypeOffsetNeverStabilized = "offset_never_stabilized"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information of the latency decomposition binaries",
		},
		[]string{LabelVersion, LabelCommit, LabelDate},
	)

	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameErrors,
			Help: "Number of errors encountered",
		},
		[]string{LabelErrorType},
	)

	SyncCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameSyncCycles,
			Help: "Number of completed clock sync probe cycles",
		},
	)

	TransferAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameTransferAttempts,
			Help: "Number of transfer attempts by terminal outcome",
		},
		[]string{LabelOutcome},
	)

	PingsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNamePingsSent,
			Help: "Number of pings sent",
		},
	)

	PingsMatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNamePingsMatched,
			Help: "Number of pongs matched to an outstanding ping",
		},
	)
)
