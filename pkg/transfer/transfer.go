// Package transfer implements the segmented request/response exchange over an
// unreliable datagram channel: a requester triggers timestamped multi-segment
// responses and classifies each attempt by what actually arrived, a responder
// serves the segments. Loss is tolerated and reported, never retried.
package transfer

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrRunSetup is returned when the control/ack exchange at run start
	// fails. It is fatal to that run only.
	ErrRunSetup = errors.New("run setup failed")
)

// State classifies one request attempt.
type State int

const (
	// StatePending is the transient state while segments accumulate.
	StatePending State = iota
	// StateComplete: all declared segments arrived and the byte count
	// matches the declared size.
	StateComplete
	// StateSizeMismatch: all declared segments arrived but the byte count
	// does not match the declared size.
	StateSizeMismatch
	// StateTimeout: reception stalled past the per-attempt timeout.
	StateTimeout
	// StateSkipped: the responder sent the zero-timestamp skip sentinel.
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateComplete:
		return "complete"
	case StateSizeMismatch:
		return "size_mismatch"
	case StateTimeout:
		return "timeout"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends an attempt.
func (s State) Terminal() bool {
	return s != StatePending
}

// Attempt is the outcome of one request: the pending-request accounting frozen
// at its terminal state. Attempts are immutable once emitted.
type Attempt struct {
	RequestID        uint32
	OriginTimestamp  float64 // responder wall clock at header send, seconds since epoch
	DeclaredSize     uint32
	TotalSegments    uint32
	SegmentsReceived uint32
	BytesReceived    uint32
	Peer             *net.UDPAddr

	TriggerSentAt    time.Time
	HeaderReceivedAt time.Time
	FirstSegmentAt   time.Time
	LastSegmentAt    time.Time

	State State
}

// RunResult summarizes one transfer run. Attempted counts every trigger sent,
// including skipped and failed requests; Completed counts StateComplete only.
type RunResult struct {
	Attempted int
	Completed int
	Attempts  []Attempt
}

// sleepOrDone waits for d on the given clock or returns false early when ctx
// is done.
func sleepOrDone(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
