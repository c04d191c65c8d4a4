package clocksync

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

const defaultResponderTimeout = 1 * time.Second

type ResponderConfig struct {
	Clock      clockwork.Clock
	ListenAddr string        // "host:port"; port 0 picks an ephemeral port
	Timeout    time.Duration // per-read deadline on each connection; 0 -> default
}

func (cfg *ResponderConfig) Validate() error {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultResponderTimeout
	}
	if cfg.Timeout < 0 {
		return errors.New("timeout must be greater than 0")
	}
	return nil
}

// Responder serves the time reference side of the sync exchange: for every
// probe received on an accepted connection it replies with its current wall
// clock as an 8-byte big-endian double. Deployments that reverse the sync
// direction run this on the node holding the reference clock; the exchange is
// otherwise identical.
type Responder struct {
	log  *slog.Logger
	cfg  ResponderConfig
	ln   net.Listener
	once sync.Once
}

func NewResponder(log *slog.Logger, cfg ResponderConfig) (*Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return &Responder{log: log, cfg: cfg, ln: ln}, nil
}

func (r *Responder) LocalAddr() net.Addr {
	return r.ln.Addr()
}

func (r *Responder) Close() error {
	var err error
	r.once.Do(func() {
		err = r.ln.Close()
	})
	return err
}

// Run accepts connections and answers probes until ctx is done.
func (r *Responder) Run(ctx context.Context) error {
	r.log.Info("clocksync: responder listening", "addr", r.ln.Addr())

	go func() {
		<-ctx.Done()
		_ = r.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.serve(ctx, conn)
		}()
	}
}

// serve answers probes on one connection until it errors out or ctx is done.
// A read timeout alone does not drop the connection; the initiator controls
// the probing cadence.
func (r *Responder) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r.log.Debug("clocksync: connection accepted", "remote", conn.RemoteAddr())

	// Interrupt a blocking read immediately on ctx cancellation.
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now().Add(-time.Hour))
	}()

	buf := make([]byte, 64)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(r.cfg.Timeout)); err != nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			r.log.Debug("clocksync: connection closed", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		if n == 0 {
			continue
		}

		seconds := float64(r.cfg.Clock.Now().UnixNano()) / float64(time.Second)
		if err := conn.SetWriteDeadline(time.Now().Add(r.cfg.Timeout)); err != nil {
			return
		}
		if _, err := conn.Write(wire.EncodeSyncReply(seconds)); err != nil {
			r.log.Debug("clocksync: reply failed", "remote", conn.RemoteAddr(), "error", err)
			return
		}
	}
}
