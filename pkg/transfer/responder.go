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

	"github.com/predictable-edge/5G-measurement/pkg/wire"
)

const (
	defaultResponderReadTimeout = 1 * time.Second
	defaultSegmentPacing        = 100 * time.Microsecond
)

type ResponderConfig struct {
	Clock      clockwork.Clock
	ListenAddr string // "host:port"; port 0 picks an ephemeral port

	MaxSegmentPayload uint32        // per-segment payload bound; 0 -> default
	SegmentPacing     time.Duration // delay between segment sends; 0 -> default
	ReadTimeout       time.Duration // per-iteration read bound; 0 -> default

	// Timestamp, when set, supplies the origin timestamp embedded in each
	// header, in seconds since epoch. Reversed-sync deployments use it to
	// embed a pre-corrected timestamp. Defaults to the configured clock.
	Timestamp func() float64
}

func (cfg *ResponderConfig) Validate() error {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxSegmentPayload == 0 {
		cfg.MaxSegmentPayload = wire.DefaultMaxSegmentPayload
	}
	if cfg.SegmentPacing == 0 {
		cfg.SegmentPacing = defaultSegmentPacing
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultResponderReadTimeout
	}
	if cfg.SegmentPacing < 0 || cfg.ReadTimeout < 0 {
		return errors.New("pacing and read timeout must be greater than 0")
	}
	if cfg.Timestamp == nil {
		clock := cfg.Clock
		cfg.Timestamp = func() float64 {
			return float64(clock.Now().UnixNano()) / float64(time.Second)
		}
	}
	return nil
}

// runState is the per-run responder state, reset by every accepted control
// message. Request ids restart at 1 for each run; id reuse across runs is
// fine because no pending state survives a control reset.
type runState struct {
	client        *net.UDPAddr
	responseSize  uint32
	nextRequestID uint32
}

// Responder serves transfer runs: it acknowledges control messages and
// answers each trigger with a timestamped header followed by the declared
// number of segments.
type Responder struct {
	log  *slog.Logger
	cfg  ResponderConfig
	conn *net.UDPConn
	once sync.Once
}

func NewResponder(log *slog.Logger, cfg ResponderConfig) (*Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return &Responder{log: log, cfg: cfg, conn: conn}, nil
}

func (r *Responder) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

func (r *Responder) Close() error {
	var err error
	r.once.Do(func() {
		err = r.conn.Close()
	})
	return err
}

// Run serves control and trigger messages until ctx is done.
func (r *Responder) Run(ctx context.Context) error {
	r.log.Info("transfer: responder listening",
		"addr", r.conn.LocalAddr(),
		"maxSegmentPayload", r.cfg.MaxSegmentPayload)

	go func() {
		<-ctx.Done()
		_ = r.conn.SetReadDeadline(time.Now().Add(-time.Hour))
	}()

	var run runState
	buf := make([]byte, maxDatagramSize)
	for {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read failed: %w", err)
		}

		r.dispatch(&run, addr, buf[:n])
	}
}

func (r *Responder) dispatch(run *runState, addr *net.UDPAddr, payload []byte) {
	switch {
	case wire.IsTrigger(payload):
		if run.client == nil || !sameUDPAddr(run.client, addr) {
			r.log.Debug("transfer: trigger without a run, ignoring", "addr", addr)
			return
		}
		r.serveRequest(run)

	case len(payload) > 0 && payload[0] == wire.MsgTypeControl:
		control, err := wire.UnmarshalControl(payload)
		if err != nil {
			r.log.Debug("transfer: malformed control", "addr", addr, "len", len(payload))
			_, _ = r.conn.WriteToUDP(wire.ErrReply, addr)
			return
		}
		// A control message resets all residual per-run state.
		*run = runState{client: addr, responseSize: control.ResponseSize}
		r.log.Info("transfer: run accepted",
			"client", addr,
			"requestSize", control.RequestSize,
			"responseSize", control.ResponseSize)
		_, _ = r.conn.WriteToUDP(wire.ControlAck(), addr)

	default:
		r.log.Debug("transfer: unrecognized datagram, ignoring", "addr", addr, "len", len(payload))
	}
}

// serveRequest answers one trigger: header first, then the declared segments,
// each prefixed with the request id. A zero response size sends the header
// only.
func (r *Responder) serveRequest(run *runState) {
	run.nextRequestID++
	id := run.nextRequestID

	totalSegments := wire.SegmentCount(run.responseSize, r.cfg.MaxSegmentPayload)
	header := wire.Header{
		RequestID:     id,
		Timestamp:     r.cfg.Timestamp(),
		Size:          run.responseSize,
		TotalSegments: totalSegments,
	}
	buf, err := header.MarshalBinary()
	if err != nil {
		r.log.Error("transfer: failed to marshal header", "error", err)
		return
	}
	if _, err := r.conn.WriteToUDP(buf, run.client); err != nil {
		r.log.Debug("transfer: header send failed", "client", run.client, "error", err)
		return
	}

	remaining := run.responseSize
	payload := make([]byte, r.cfg.MaxSegmentPayload)
	for seg := uint32(0); seg < totalSegments; seg++ {
		size := r.cfg.MaxSegmentPayload
		if remaining < size {
			size = remaining
		}
		if _, err := r.conn.WriteToUDP(wire.EncodeSegment(id, payload[:size]), run.client); err != nil {
			r.log.Debug("transfer: segment send failed", "client", run.client, "segment", seg, "error", err)
			return
		}
		remaining -= size
		// Pace segment sends so a burst does not overrun the path.
		time.Sleep(r.cfg.SegmentPacing)
	}

	r.log.Debug("transfer: request served", "requestID", id, "bytes", run.responseSize, "segments", totalSegments)
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
