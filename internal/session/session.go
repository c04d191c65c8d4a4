// Package session wires the measurement components into the two deployable
// roles: the Agent initiates sync, pings and a transfer run and decomposes the
// results, the Target answers all three.
package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/predictable-edge/5G-measurement/pkg/decompose"
	"github.com/predictable-edge/5G-measurement/pkg/pingpong"
)

// RunReport summarizes one completed agent run.
type RunReport struct {
	Attempted int
	Completed int
	Records   []decompose.Record
	PingStats pingpong.Stats
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
