package clocksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/predictable-edge/5G-measurement/internal/metrics"
	"github.com/predictable-edge/5G-measurement/pkg/wire"
)

const (
	DefaultSyncInterval      = 1 * time.Second
	DefaultReconnectInterval = 5 * time.Second

	// staleFactor flags an offset as stale after this many missed intervals.
	staleFactor = 2
)

type EstimatorConfig struct {
	Clock   clockwork.Clock
	Address string // remote time reference, "host:port"

	Interval          time.Duration // delay between sync cycles; 0 -> default
	Timeout           time.Duration // per-cycle I/O deadline; 0 -> Interval
	ReconnectInterval time.Duration // backoff between reconnect attempts; 0 -> default
}

func (cfg *EstimatorConfig) Validate() error {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Address == "" {
		return errors.New("address is required")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultSyncInterval
	}
	if cfg.Interval < 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Timeout < 0 {
		return errors.New("timeout must be greater than 0")
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.ReconnectInterval < 0 {
		return errors.New("reconnect interval must be greater than 0")
	}
	return nil
}

// Estimator maintains a clock-offset sample against a remote time reference.
// Run drives the continuous sync exchange; Current serves the latest sample to
// concurrent readers. A connection loss never drops the published sample: the
// estimator keeps serving the last-known offset while it reconnects, and
// readers see it flagged stale once it ages past two intervals.
type Estimator struct {
	log *slog.Logger
	cfg EstimatorConfig

	mu         sync.Mutex
	sample     Offset
	haveSample bool
}

func NewEstimator(log *slog.Logger, cfg EstimatorConfig) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Estimator{log: log, cfg: cfg}, nil
}

// Current returns a copy of the latest offset sample and whether it is stale.
// Before the first successful cycle it returns a zero sample flagged stale.
func (e *Estimator) Current() (Offset, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.haveSample {
		return Offset{}, true
	}
	stale := e.cfg.Clock.Since(e.sample.SampledAt) > staleFactor*e.cfg.Interval
	return e.sample, stale
}

// Run connects to the remote time reference and performs sync cycles until
// ctx is done. Connection failures retry with a constant backoff; they are
// never fatal.
func (e *Estimator) Run(ctx context.Context) error {
	e.log.Info("clocksync: starting estimator", "address", e.cfg.Address, "interval", e.cfg.Interval)

	for {
		conn, err := e.connect(ctx)
		if err != nil {
			// Only context cancellation ends the retry loop.
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to connect to time reference: %w", err)
		}

		e.cycleLoop(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		e.log.Warn("clocksync: connection lost, reconnecting", "address", e.cfg.Address)
	}
}

func (e *Estimator) connect(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	op := func() error {
		dialer := net.Dialer{Timeout: e.cfg.Timeout}
		c, err := dialer.DialContext(ctx, "tcp", e.cfg.Address)
		if err != nil {
			e.log.Debug("clocksync: dial failed, will retry", "address", e.cfg.Address, "error", err)
			return err
		}
		conn = c
		return nil
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(e.cfg.ReconnectInterval), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return conn, nil
}

// cycleLoop performs sync cycles over an established connection until ctx is
// done or the connection errors out.
func (e *Estimator) cycleLoop(ctx context.Context, conn net.Conn) {
	ticker := e.cfg.Clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := e.cycle(conn); err != nil {
			if errors.Is(err, ErrMalformedReply) {
				// Discard the cycle, keep the connection and the
				// previously published offset.
				metrics.Errors.WithLabelValues(metrics.ErrorTypeSyncMalformedReply).Inc()
				e.log.Debug("clocksync: discarding cycle", "error", err)
			} else {
				metrics.Errors.WithLabelValues(metrics.ErrorTypeSyncCycleFailed).Inc()
				e.log.Debug("clocksync: cycle failed", "error", err)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (e *Estimator) cycle(conn net.Conn) error {
	deadline := time.Now().Add(e.cfg.Timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	sendTime := e.cfg.Clock.Now()
	if _, err := conn.Write([]byte{0}); err != nil {
		return fmt.Errorf("failed to send probe: %w", err)
	}

	buf := make([]byte, wire.SyncReplySize)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("failed to read reply: %w", err)
	}
	receiveTime := e.cfg.Clock.Now()

	serverSeconds, err := wire.DecodeSyncReply(buf[:n])
	if err != nil {
		return fmt.Errorf("%w: got %d bytes", ErrMalformedReply, n)
	}

	rtt := receiveTime.Sub(sendTime)
	if rtt < 0 {
		rtt = 0
	}
	oneWay := rtt / 2
	serverTime := time.Unix(0, int64(serverSeconds*float64(time.Second)))
	offset := serverTime.Sub(sendTime.Add(oneWay))

	e.mu.Lock()
	e.sample = Offset{Offset: offset, SampleRTT: rtt, SampledAt: e.cfg.Clock.Now()}
	e.haveSample = true
	e.mu.Unlock()

	metrics.SyncCycles.Inc()
	e.log.Debug("clocksync: cycle complete", "offset", offset, "rtt", rtt)
	return nil
}
