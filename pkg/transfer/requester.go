package transfer

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
	"github.com/predictable-edge/5G-measurement/pkg/wire"
)

const (
	DefaultAttemptTimeout = 1 * time.Second
	DefaultSetupTimeout   = 5 * time.Second
	DefaultDrainWindow    = 100 * time.Millisecond
	DefaultInterval       = 1 * time.Second

	maxDatagramSize = 65535
)

type RequesterConfig struct {
	Clock      clockwork.Clock
	RemoteAddr *net.UDPAddr // responder address

	Requests     int    // number of triggers to send
	RequestSize  uint32 // declared request size, carried in the control message
	ResponseSize uint32 // declared response size the responder should serve

	Interval       time.Duration // delay between attempts; 0 -> default
	AttemptTimeout time.Duration // per-receive stall bound within an attempt; 0 -> default
	SetupTimeout   time.Duration // control/ack deadline; 0 -> default
	DrainWindow    time.Duration // socket drain after a failed attempt; 0 -> default

	// OnHeader, when set, is called from the run goroutine the moment a
	// header is accepted, before any segment is read. Latency decomposition
	// snapshots the clock offset here.
	OnHeader func(h wire.Header, receivedAt time.Time)

	// OnAttempt, when set, is called from the run goroutine for every
	// terminal attempt, in order.
	OnAttempt func(a Attempt)
}

func (cfg *RequesterConfig) Validate() error {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RemoteAddr == nil {
		return errors.New("remote address is required")
	}
	if cfg.Requests <= 0 {
		return errors.New("requests must be greater than 0")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.SetupTimeout == 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.DrainWindow == 0 {
		cfg.DrainWindow = DefaultDrainWindow
	}
	if cfg.Interval < 0 || cfg.AttemptTimeout < 0 || cfg.SetupTimeout < 0 || cfg.DrainWindow < 0 {
		return errors.New("intervals and timeouts must be greater than 0")
	}
	return nil
}

// Requester drives transfer runs from the initiator side. Each Run performs
// the control/ack exchange, then triggers the configured number of requests
// and classifies every attempt. A Requester owns one UDP socket; the pending
// request table is owned by the Run goroutine and never shared.
type Requester struct {
	log  *slog.Logger
	cfg  RequesterConfig
	conn *net.UDPConn
	once sync.Once
}

func NewRequester(log *slog.Logger, cfg RequesterConfig) (*Requester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}
	return &Requester{log: log, cfg: cfg, conn: conn}, nil
}

func (r *Requester) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

func (r *Requester) Close() error {
	var err error
	r.once.Do(func() {
		err = r.conn.Close()
	})
	return err
}

// Run executes one transfer run. Individual attempt failures are classified
// and counted, never fatal; a failed control/ack exchange returns ErrRunSetup.
func (r *Requester) Run(ctx context.Context) (*RunResult, error) {
	if err := r.setup(ctx); err != nil {
		metrics.Errors.WithLabelValues(metrics.ErrorTypeTransferRunSetup).Inc()
		return nil, err
	}

	result := &RunResult{Attempts: make([]Attempt, 0, r.cfg.Requests)}
	for i := 0; i < r.cfg.Requests; i++ {
		if ctx.Err() != nil {
			break
		}

		attempt := r.attempt(ctx)
		metrics.TransferAttempts.WithLabelValues(attempt.State.String()).Inc()
		result.Attempted++
		if attempt.State == StateComplete {
			result.Completed++
		}
		result.Attempts = append(result.Attempts, attempt)
		if r.cfg.OnAttempt != nil {
			r.cfg.OnAttempt(attempt)
		}

		if i < r.cfg.Requests-1 {
			if !sleepOrDone(ctx, r.cfg.Clock, r.cfg.Interval) {
				break
			}
		}
	}

	r.log.Info("transfer: run finished", "completed", result.Completed, "attempted", result.Attempted)
	return result, nil
}

// setup performs the control/ack exchange that starts a run.
func (r *Requester) setup(ctx context.Context) error {
	control := wire.Control{RequestSize: r.cfg.RequestSize, ResponseSize: r.cfg.ResponseSize}
	buf, err := control.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRunSetup, err)
	}
	if _, err := r.conn.WriteToUDP(buf, r.cfg.RemoteAddr); err != nil {
		return fmt.Errorf("%w: failed to send control: %v", ErrRunSetup, err)
	}

	deadline := time.Now().Add(r.cfg.SetupTimeout)
	for {
		payload, _, err := r.readFromPeer(ctx, deadline)
		if err != nil {
			return fmt.Errorf("%w: no ack: %v", ErrRunSetup, err)
		}
		if wire.IsControlAck(payload) {
			r.log.Debug("transfer: control acknowledged",
				"requestSize", r.cfg.RequestSize, "responseSize", r.cfg.ResponseSize)
			return nil
		}
		if wire.IsErrReply(payload) {
			return fmt.Errorf("%w: responder rejected control", ErrRunSetup)
		}
		// Anything else is residue from an earlier run; keep waiting.
	}
}

// attempt performs one trigger/header/segments exchange and classifies it.
func (r *Requester) attempt(ctx context.Context) Attempt {
	attempt := Attempt{Peer: r.cfg.RemoteAddr, State: StatePending}

	attempt.TriggerSentAt = time.Now()
	if _, err := r.conn.WriteToUDP(wire.TriggerToken, r.cfg.RemoteAddr); err != nil {
		r.log.Debug("transfer: trigger send failed", "error", err)
		attempt.State = StateTimeout
		return attempt
	}

	header, receivedAt, ok := r.readHeader(ctx)
	if !ok {
		attempt.State = StateTimeout
		r.drain(ctx)
		return attempt
	}

	attempt.RequestID = header.RequestID
	attempt.OriginTimestamp = header.Timestamp
	attempt.DeclaredSize = header.Size
	attempt.TotalSegments = header.TotalSegments
	attempt.HeaderReceivedAt = receivedAt

	if header.Skip() {
		r.log.Debug("transfer: skip sentinel received", "requestID", header.RequestID)
		attempt.State = StateSkipped
		r.drain(ctx)
		return attempt
	}

	if r.cfg.OnHeader != nil {
		r.cfg.OnHeader(header, receivedAt)
	}

	r.receiveSegments(ctx, &attempt)

	switch {
	case attempt.SegmentsReceived == attempt.TotalSegments && attempt.BytesReceived == attempt.DeclaredSize:
		attempt.State = StateComplete
	case attempt.SegmentsReceived == attempt.TotalSegments:
		attempt.State = StateSizeMismatch
	default:
		attempt.State = StateTimeout
	}

	if attempt.State != StateComplete {
		r.log.Debug("transfer: attempt failed",
			"requestID", attempt.RequestID,
			"state", attempt.State,
			"segments", attempt.SegmentsReceived,
			"totalSegments", attempt.TotalSegments,
			"bytes", attempt.BytesReceived,
			"declaredSize", attempt.DeclaredSize)
		// A late segment from this attempt must not bleed into the next
		// request's accounting.
		r.drain(ctx)
	}
	return attempt
}

// readHeader waits for the 20-byte header datagram, ignoring datagrams from
// foreign senders and stale segments of other shapes.
func (r *Requester) readHeader(ctx context.Context) (wire.Header, time.Time, bool) {
	deadline := time.Now().Add(r.cfg.AttemptTimeout)
	for {
		payload, receivedAt, err := r.readFromPeer(ctx, deadline)
		if err != nil {
			return wire.Header{}, time.Time{}, false
		}
		header, err := wire.UnmarshalHeader(payload)
		if err != nil {
			// Residue from a prior request; not a header.
			continue
		}
		return header, receivedAt, true
	}
}

// receiveSegments accumulates segment payloads by byte-concatenation in
// arrival order until all declared segments arrived or reception stalls.
// Segments bearing a foreign request id are dropped silently.
func (r *Requester) receiveSegments(ctx context.Context, attempt *Attempt) {
	for attempt.SegmentsReceived < attempt.TotalSegments {
		deadline := time.Now().Add(r.cfg.AttemptTimeout)
		payload, receivedAt, err := r.readFromPeer(ctx, deadline)
		if err != nil {
			return
		}

		id, data, err := wire.DecodeSegment(payload)
		if err != nil {
			continue
		}
		if id != attempt.RequestID {
			r.log.Debug("transfer: dropping foreign segment", "got", id, "want", attempt.RequestID)
			continue
		}

		if attempt.SegmentsReceived == 0 {
			attempt.FirstSegmentAt = receivedAt
		}
		attempt.LastSegmentAt = receivedAt
		attempt.SegmentsReceived++
		attempt.BytesReceived += uint32(len(data))
	}
}

// drain reads and discards whatever is already queued on the socket for the
// configured grace window. Required after any failed or skipped attempt so a
// late segment cannot corrupt the next request's accounting.
func (r *Requester) drain(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	deadline := time.Now().Add(r.cfg.DrainWindow)
	buf := make([]byte, maxDatagramSize)
	flushed := 0
	for {
		if err := r.conn.SetReadDeadline(deadline); err != nil {
			return
		}
		if _, _, err := r.conn.ReadFromUDP(buf); err != nil {
			break
		}
		flushed++
	}
	if flushed > 0 {
		r.log.Debug("transfer: drained stale datagrams", "count", flushed)
	}
}

// readFromPeer reads one datagram from the configured responder, dropping
// datagrams from any other sender. The returned payload is a copy.
func (r *Requester) readFromPeer(ctx context.Context, deadline time.Time) ([]byte, time.Time, error) {
	buf := make([]byte, maxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, time.Time{}, err
		}
		if err := r.conn.SetReadDeadline(deadline); err != nil {
			return nil, time.Time{}, err
		}
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, time.Time{}, err
		}
		receivedAt := time.Now()
		if !addr.IP.Equal(r.cfg.RemoteAddr.IP) || addr.Port != r.cfg.RemoteAddr.Port {
			r.log.Debug("transfer: dropping datagram from foreign sender", "addr", addr)
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		return payload, receivedAt, nil
	}
}
