package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/predictable-edge/5G-measurement/internal/metrics"
	"github.com/predictable-edge/5G-measurement/pkg/clocksync"
	"github.com/predictable-edge/5G-measurement/pkg/decompose"
	"github.com/predictable-edge/5G-measurement/pkg/pingpong"
	"github.com/predictable-edge/5G-measurement/pkg/transfer"
	"github.com/predictable-edge/5G-measurement/pkg/wire"
)

const (
	DefaultOffsetWait     = 10 * time.Second
	defaultRecordCapacity = 4096
	offsetPollInterval    = 100 * time.Millisecond
)

type AgentConfig struct {
	Clock clockwork.Clock

	// SyncAddr is the remote time reference to dial. Leave empty and set
	// SyncListenAddr instead for reversed-sync deployments, where the agent
	// hosts the reference clock and the target embeds pre-corrected origin
	// timestamps.
	SyncAddr       string
	SyncListenAddr string

	TransferAddr *net.UDPAddr
	PingAddr     *net.UDPAddr // nil disables the RTT sampler

	Requests     int
	RequestSize  uint32
	ResponseSize uint32

	SyncInterval    time.Duration
	RequestInterval time.Duration
	AttemptTimeout  time.Duration
	PingInterval    time.Duration

	// OffsetWait bounds the wait for a first fresh offset before measuring.
	// On expiry the run proceeds with whatever the estimator has; records
	// carry the stale flag.
	OffsetWait time.Duration

	Sign           decompose.SignConvention
	RecordCapacity int

	// Sinks receive each record in addition to the report buffer.
	Sinks []decompose.Sink
}

func (cfg *AgentConfig) Validate() error {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TransferAddr == nil {
		return errors.New("transfer address is required")
	}
	if (cfg.SyncAddr == "") == (cfg.SyncListenAddr == "") {
		return errors.New("exactly one of sync address and sync listen address is required")
	}
	if cfg.Requests <= 0 {
		return errors.New("requests must be greater than 0")
	}
	if cfg.OffsetWait == 0 {
		cfg.OffsetWait = DefaultOffsetWait
	}
	if cfg.RecordCapacity == 0 {
		cfg.RecordCapacity = defaultRecordCapacity
	}
	if cfg.OffsetWait < 0 || cfg.RecordCapacity < 0 {
		return errors.New("offset wait and record capacity must be greater than 0")
	}
	return nil
}

// Agent runs the initiator side of a measurement session: clock sync, the
// ping sampler, one transfer run, and the decomposition of every terminal
// attempt into a record.
type Agent struct {
	log *slog.Logger
	cfg AgentConfig

	estimator     *clocksync.Estimator // nil in reversed-sync mode
	syncResponder *clocksync.Responder // nil in normal mode
	requester     *transfer.Requester
	pinger        *pingpong.Sender

	decomposer *decompose.Decomposer
	records    *decompose.BufferSink
	sink       decompose.Sink

	// Offset snapshot taken at header receipt, consumed by the attempt
	// callback. Both run on the transfer run goroutine.
	headerOffset clocksync.Offset
	headerStale  bool
	headerSeen   bool

	mu     sync.Mutex
	report *RunReport
}

func NewAgent(log *slog.Logger, cfg AgentConfig) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Agent{
		log:        log,
		cfg:        cfg,
		decomposer: decompose.New(log, decompose.Config{Sign: cfg.Sign}),
		records:    decompose.NewBufferSink(cfg.RecordCapacity),
	}
	sinks := append(decompose.MultiSink{a.records}, cfg.Sinks...)
	a.sink = sinks

	var err error
	if cfg.SyncAddr != "" {
		a.estimator, err = clocksync.NewEstimator(log, clocksync.EstimatorConfig{
			Clock:    cfg.Clock,
			Address:  cfg.SyncAddr,
			Interval: cfg.SyncInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create offset estimator: %w", err)
		}
	} else {
		a.syncResponder, err = clocksync.NewResponder(log, clocksync.ResponderConfig{
			Clock:      cfg.Clock,
			ListenAddr: cfg.SyncListenAddr,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sync responder: %w", err)
		}
	}

	a.requester, err = transfer.NewRequester(log, transfer.RequesterConfig{
		Clock:          cfg.Clock,
		RemoteAddr:     cfg.TransferAddr,
		Requests:       cfg.Requests,
		RequestSize:    cfg.RequestSize,
		ResponseSize:   cfg.ResponseSize,
		Interval:       cfg.RequestInterval,
		AttemptTimeout: cfg.AttemptTimeout,
		OnHeader:       a.onHeader,
		OnAttempt:      a.onAttempt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create requester: %w", err)
	}

	if cfg.PingAddr != nil {
		a.pinger, err = pingpong.NewSender(log, pingpong.SenderConfig{
			Clock:      cfg.Clock,
			RemoteAddr: cfg.PingAddr,
			Interval:   cfg.PingInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ping sender: %w", err)
		}
	}

	return a, nil
}

// SyncListenAddr returns the bound reference-clock address in reversed-sync
// mode, nil otherwise.
func (a *Agent) SyncListenAddr() net.Addr {
	if a.syncResponder == nil {
		return nil
	}
	return a.syncResponder.LocalAddr()
}

// LatestReport returns a copy of the most recent completed run report, or nil
// when no run has completed yet.
func (a *Agent) LatestReport() *RunReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.report == nil {
		return nil
	}
	report := *a.report
	report.Records = append([]decompose.Record(nil), a.report.Records...)
	return &report
}

// Run executes one measurement session and blocks until it finishes or ctx is
// done. The background components stop once the transfer run completes.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("session: starting agent",
		"transferAddr", a.cfg.TransferAddr,
		"requests", a.cfg.Requests,
		"responseSize", a.cfg.ResponseSize,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 4)
	var wg sync.WaitGroup

	if a.estimator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.estimator.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("failed to run offset estimator: %w", err)
			}
		}()
		a.waitForOffset(runCtx)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.syncResponder.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("failed to run sync responder: %w", err)
			}
		}()
	}

	if a.pinger != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.pinger.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("failed to run ping sender: %w", err)
			}
		}()
	}

	var runErr error
	if runCtx.Err() == nil {
		var result *transfer.RunResult
		result, runErr = a.requester.Run(runCtx)
		if result != nil {
			report := &RunReport{
				Attempted: result.Attempted,
				Completed: result.Completed,
				Records:   a.records.Records(),
			}
			if a.pinger != nil {
				report.PingStats = a.pinger.Stats()
			}
			a.mu.Lock()
			a.report = report
			a.mu.Unlock()
		}
	}

	cancel()
	wg.Wait()

	if cerr := a.Close(); cerr != nil {
		a.log.Warn("session: failed to close agent", "error", cerr)
	}

	if runErr != nil {
		return fmt.Errorf("transfer run: %w", runErr)
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (a *Agent) Close() error {
	err := a.requester.Close()
	if a.pinger != nil {
		if perr := a.pinger.Close(); err == nil {
			err = perr
		}
	}
	if a.syncResponder != nil {
		if rerr := a.syncResponder.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// waitForOffset blocks until the estimator serves a fresh offset, the wait
// bound expires, or ctx is done. Expiry is not fatal; the records just carry
// the stale flag.
func (a *Agent) waitForOffset(ctx context.Context) {
	deadline := a.cfg.Clock.Now().Add(a.cfg.OffsetWait)
	for {
		if _, stale := a.estimator.Current(); !stale {
			a.log.Debug("session: offset stabilized")
			return
		}
		if a.cfg.Clock.Now().After(deadline) {
			metrics.Errors.WithLabelValues(metrics.ErrorTypeOffsetNeverStabilized).Inc()
			a.log.Warn("session: offset did not stabilize, measuring anyway", "waited", a.cfg.OffsetWait)
			return
		}
		if !sleepOrDone(ctx, a.cfg.Clock, offsetPollInterval) {
			return
		}
	}
}

// onHeader snapshots the clock offset the moment an attempt's header arrives.
// Called from the transfer run goroutine.
func (a *Agent) onHeader(_ wire.Header, _ time.Time) {
	a.headerOffset, a.headerStale = a.currentOffset()
	a.headerSeen = true
}

// onAttempt decomposes one terminal attempt against the offset snapshot taken
// at its header receipt. Called from the transfer run goroutine.
func (a *Agent) onAttempt(attempt transfer.Attempt) {
	offset, stale := a.headerOffset, a.headerStale
	if !a.headerSeen {
		// Skipped or timed-out before the header; no snapshot was taken.
		offset, stale = a.currentOffset()
	}
	a.headerSeen = false

	rec := a.decomposer.Decompose(attempt, offset, stale)
	if err := a.sink.Write(rec); err != nil {
		metrics.Errors.WithLabelValues(metrics.ErrorTypeRecordSinkWrite).Inc()
		a.log.Warn("session: failed to write record", "index", rec.Index, "error", err)
	}
}

// currentOffset returns the live offset. In reversed-sync mode the target
// embeds pre-corrected timestamps, so the agent applies a zero offset.
func (a *Agent) currentOffset() (clocksync.Offset, bool) {
	if a.estimator == nil {
		return clocksync.Offset{}, false
	}
	return a.estimator.Current()
}
