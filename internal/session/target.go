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

	"github.com/predictable-edge/5G-measurement/pkg/clocksync"
	"github.com/predictable-edge/5G-measurement/pkg/pingpong"
	"github.com/predictable-edge/5G-measurement/pkg/transfer"
)

type TargetConfig struct {
	Clock clockwork.Clock

	// SyncListenAddr hosts the reference clock for agents that dial in. In
	// reversed-sync deployments leave it empty and set SyncPeerAddr: the
	// target then estimates its own offset against the agent and embeds
	// pre-corrected origin timestamps.
	SyncListenAddr string
	SyncPeerAddr   string

	TransferListenAddr string
	PingListenAddr     *net.UDPAddr // nil disables the echoer

	MaxSegmentPayload uint32
	SegmentPacing     time.Duration
	SyncInterval      time.Duration
}

func (cfg *TargetConfig) Validate() error {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TransferListenAddr == "" {
		return errors.New("transfer listen address is required")
	}
	if (cfg.SyncListenAddr == "") == (cfg.SyncPeerAddr == "") {
		return errors.New("exactly one of sync listen address and sync peer address is required")
	}
	return nil
}

// Target runs the responder side of a measurement session: the reference
// clock, the transfer responder and the ping echoer, each on its own
// goroutine, until ctx is done.
type Target struct {
	log *slog.Logger
	cfg TargetConfig

	syncResponder *clocksync.Responder // nil in reversed-sync mode
	estimator     *clocksync.Estimator // nil in normal mode
	responder     *transfer.Responder
	echoer        *pingpong.Echoer
}

func NewTarget(log *slog.Logger, cfg TargetConfig) (*Target, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	t := &Target{log: log, cfg: cfg}

	var err error
	if cfg.SyncListenAddr != "" {
		t.syncResponder, err = clocksync.NewResponder(log, clocksync.ResponderConfig{
			Clock:      cfg.Clock,
			ListenAddr: cfg.SyncListenAddr,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sync responder: %w", err)
		}
	} else {
		t.estimator, err = clocksync.NewEstimator(log, clocksync.EstimatorConfig{
			Clock:    cfg.Clock,
			Address:  cfg.SyncPeerAddr,
			Interval: cfg.SyncInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create offset estimator: %w", err)
		}
	}

	responderCfg := transfer.ResponderConfig{
		Clock:             cfg.Clock,
		ListenAddr:        cfg.TransferListenAddr,
		MaxSegmentPayload: cfg.MaxSegmentPayload,
		SegmentPacing:     cfg.SegmentPacing,
	}
	if t.estimator != nil {
		// Reversed sync: translate the local clock into the agent's
		// timeline before embedding it.
		clock := cfg.Clock
		estimator := t.estimator
		responderCfg.Timestamp = func() float64 {
			offset, _ := estimator.Current()
			corrected := clock.Now().Add(offset.Offset)
			return float64(corrected.UnixNano()) / float64(time.Second)
		}
	}
	t.responder, err = transfer.NewResponder(log, responderCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer responder: %w", err)
	}

	if cfg.PingListenAddr != nil {
		t.echoer, err = pingpong.NewEchoer(log, pingpong.EchoerConfig{
			ListenAddr: cfg.PingListenAddr,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ping echoer: %w", err)
		}
	}

	return t, nil
}

// SyncListenAddr returns the bound reference-clock address, nil in
// reversed-sync mode.
func (t *Target) SyncListenAddr() net.Addr {
	if t.syncResponder == nil {
		return nil
	}
	return t.syncResponder.LocalAddr()
}

func (t *Target) TransferAddr() *net.UDPAddr {
	return t.responder.LocalAddr()
}

// PingListenAddr returns the bound echoer address, nil when disabled.
func (t *Target) PingListenAddr() net.Addr {
	if t.echoer == nil {
		return nil
	}
	return t.echoer.LocalAddr()
}

// Run launches all responder components and blocks until ctx is done or one
// of them fails; the first failure cancels the rest.
func (t *Target) Run(ctx context.Context) error {
	t.log.Info("session: starting target", "transferAddr", t.responder.LocalAddr())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 4)
	var wg sync.WaitGroup

	if t.syncResponder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.syncResponder.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("failed to run sync responder: %w", err)
			}
		}()
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.estimator.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("failed to run offset estimator: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := t.responder.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("failed to run transfer responder: %w", err)
		}
	}()

	if t.echoer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.echoer.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("failed to run ping echoer: %w", err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case e := <-errCh:
		t.log.Error("session: target shutting down due to error", "error", e)
		err = e
		cancel()
	}

	wg.Wait()

	if cerr := t.Close(); cerr != nil {
		t.log.Warn("session: failed to close target", "error", cerr)
	}
	return err
}

func (t *Target) Close() error {
	err := t.responder.Close()
	if t.syncResponder != nil {
		if rerr := t.syncResponder.Close(); err == nil {
			err = rerr
		}
	}
	if t.echoer != nil {
		if eerr := t.echoer.Close(); err == nil {
			err = eerr
		}
	}
	return err
}
