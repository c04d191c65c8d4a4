package pingpong

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/predictable-edge/5G-measurement/pkg/wire"
)

type EchoerConfig struct {
	ListenAddr *net.UDPAddr
}

func (cfg *EchoerConfig) Validate() error {
	if cfg.ListenAddr == nil {
		return errors.New("listen address is required")
	}
	return nil
}

// Echoer answers pings with the matching pong. It has no per-peer state, so a
// single echoer serves any number of senders.
type Echoer struct {
	log  *slog.Logger
	conn *net.UDPConn
	once sync.Once
}

func NewEchoer(log *slog.Logger, cfg EchoerConfig) (*Echoer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	conn, err := net.ListenUDP("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}
	return &Echoer{log: log, conn: conn}, nil
}

func (e *Echoer) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

func (e *Echoer) Close() error {
	var err error
	e.once.Do(func() {
		err = e.conn.Close()
	})
	return err
}

func (e *Echoer) Run(ctx context.Context) error {
	e.log.Info("pingpong: starting echoer", "listen", e.conn.LocalAddr())

	go func() {
		<-ctx.Done()
		_ = e.conn.SetReadDeadline(time.Now().Add(-time.Hour))
	}()

	buf := make([]byte, maxEchoSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := e.conn.SetReadDeadline(time.Now().Add(readPollTimeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read failed: %w", err)
		}

		seq, err := wire.ParsePing(buf[:n])
		if err != nil {
			e.log.Debug("pingpong: ignoring malformed datagram", "from", addr, "len", n)
			continue
		}
		if _, err := e.conn.WriteToUDP(wire.FormatPong(seq), addr); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.log.Warn("pingpong: failed to send pong", "to", addr, "error", err)
		}
	}
}
