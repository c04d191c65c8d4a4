// Package decompose turns terminal transfer attempts into latency records by
// splitting the end-to-end latency into a one-way transmission delay and a
// transfer duration, using the clock offset snapshot taken when the attempt's
// header arrived.
package decompose

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/predictable-edge/5G-measurement/pkg/clocksync"
	"github.com/predictable-edge/5G-measurement/pkg/transfer"
)

// SignConvention states which side's clock the estimator observed as ahead,
// which decides whether the offset is subtracted from or added to the remote
// origin timestamp when converting it into the local timeline.
type SignConvention int

const (
	// SignAheadRemote: the offset measures how far the remote clock runs
	// ahead of ours. Corrected origin = origin - offset.
	SignAheadRemote SignConvention = iota
	// SignAheadLocal: the offset measures how far our clock runs ahead of
	// the remote. Corrected origin = origin + offset.
	SignAheadLocal
)

func (s SignConvention) String() string {
	switch s {
	case SignAheadRemote:
		return "ahead-remote"
	case SignAheadLocal:
		return "ahead-local"
	default:
		return "unknown"
	}
}

// ParseSignConvention maps the flag spelling to a SignConvention.
func ParseSignConvention(s string) (SignConvention, error) {
	switch s {
	case "ahead-remote":
		return SignAheadRemote, nil
	case "ahead-local":
		return SignAheadLocal, nil
	default:
		return 0, fmt.Errorf("unknown sign convention %q", s)
	}
}

// Record is one decomposed measurement. Durations are zero for attempts whose
// corresponding phase never happened (a skipped attempt has neither, a
// zero-segment attempt has no transfer duration).
type Record struct {
	Index        uint64
	RequestID    uint32
	DeclaredSize uint32

	TransmissionDelay time.Duration
	TransferDuration  time.Duration
	TotalLatency      time.Duration
	SyncRTT           time.Duration

	Outcome     transfer.State
	OffsetStale bool
}

type Config struct {
	Sign SignConvention
}

// Decomposer converts attempts into records, assigning a monotonic index. Not
// safe for concurrent use; the session feeds it from a single goroutine.
type Decomposer struct {
	log  *slog.Logger
	cfg  Config
	next uint64
}

func New(log *slog.Logger, cfg Config) *Decomposer {
	return &Decomposer{log: log, cfg: cfg}
}

// Decompose builds the record for one terminal attempt against the offset that
// was current when the attempt's header arrived.
func (d *Decomposer) Decompose(attempt transfer.Attempt, offset clocksync.Offset, stale bool) Record {
	d.next++
	rec := Record{
		Index:        d.next,
		RequestID:    attempt.RequestID,
		DeclaredSize: attempt.DeclaredSize,
		SyncRTT:      offset.SampleRTT,
		Outcome:      attempt.State,
		OffsetStale:  stale,
	}

	if attempt.State == transfer.StateSkipped || attempt.HeaderReceivedAt.IsZero() {
		return rec
	}

	corrected := d.correctedOrigin(attempt.OriginTimestamp, offset)
	rec.TransmissionDelay = attempt.HeaderReceivedAt.Sub(corrected)
	if !attempt.LastSegmentAt.IsZero() {
		rec.TransferDuration = attempt.LastSegmentAt.Sub(attempt.HeaderReceivedAt)
	}
	rec.TotalLatency = rec.TransmissionDelay + rec.TransferDuration

	if attempt.State == transfer.StateSizeMismatch {
		d.log.Warn("decompose: size mismatch, decomposing received bytes anyway",
			"request_id", attempt.RequestID,
			"declared", attempt.DeclaredSize,
			"received", attempt.BytesReceived)
	}
	return rec
}

func (d *Decomposer) correctedOrigin(originSeconds float64, offset clocksync.Offset) time.Time {
	sec, frac := math.Modf(originSeconds)
	origin := time.Unix(int64(sec), int64(frac*float64(time.Second)))
	if d.cfg.Sign == SignAheadLocal {
		return origin.Add(offset.Offset)
	}
	return offset.Apply(origin)
}
