// Package clocksync estimates the clock offset between two endpoints over a
// reliable channel, using a symmetric-delay round-trip exchange: the initiator
// sends a one-byte probe, the responder answers with its wall clock, and the
// initiator attributes half the round trip to each direction.
package clocksync

import (
	"errors"
	"time"
)

var (
	// ErrMalformedReply is returned when a sync reply is not exactly 8 bytes.
	// The cycle is discarded; the previously published offset is untouched.
	ErrMalformedReply = errors.New("malformed sync reply")
)

// Offset is one published clock-offset sample. Offset is how far the remote
// clock runs ahead of the local clock (negative when it runs behind);
// SampleRTT is the round trip of the exchange that produced it.
type Offset struct {
	Offset    time.Duration
	SampleRTT time.Duration
	SampledAt time.Time
}

// Apply expresses a remote wall-clock timestamp in the local clock's frame.
func (o Offset) Apply(remote time.Time) time.Time {
	return remote.Add(-o.Offset)
}
