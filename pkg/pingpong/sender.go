// Package pingpong implements the lightweight periodic echo measurement used
// as a cross-check signal next to the decomposed latency: a sender emits
// "PING:<seq>" datagrams on a fixed cadence and folds matching "PONG:<seq>"
// replies into running RTT statistics, an echoer answers them.
package pingpong

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/predictable-edge/5G-measurement/internal/metrics"
	"github.com/predictable-edge/5G-measurement/pkg/wire"
)

const (
	DefaultInterval  = 20 * time.Millisecond
	DefaultSampleTTL = 5 * time.Second

	defaultSummaryEvery = 100
	maxEchoSize         = 512
	readPollTimeout     = 1 * time.Second
)

// Stats is a snapshot of the running RTT statistics.
type Stats struct {
	Sent    uint64
	Matched uint64
	Min     time.Duration
	Max     time.Duration
	Avg     time.Duration
	Last    time.Duration
}

// Loss is the fraction of pings without a matched pong so far.
func (s Stats) Loss() float64 {
	if s.Sent == 0 {
		return 0
	}
	return 1 - float64(s.Matched)/float64(s.Sent)
}

type SenderConfig struct {
	Clock      clockwork.Clock
	RemoteAddr *net.UDPAddr

	Interval     time.Duration // ping cadence; 0 -> default
	SampleTTL    time.Duration // grace window before an unmatched ping is dropped; 0 -> default
	SummaryEvery int           // log a stats summary every N matched pongs; 0 -> default
}

func (cfg *SenderConfig) Validate() error {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RemoteAddr == nil {
		return errors.New("remote address is required")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SampleTTL == 0 {
		cfg.SampleTTL = DefaultSampleTTL
	}
	if cfg.SummaryEvery == 0 {
		cfg.SummaryEvery = defaultSummaryEvery
	}
	if cfg.Interval < 0 || cfg.SampleTTL < 0 || cfg.SummaryEvery < 0 {
		return errors.New("interval, sample TTL and summary count must be greater than 0")
	}
	return nil
}

// Sender produces the independent RTT time series. Pending pings live in a
// TTL cache so sequences that never see a pong are garbage-collected instead
// of accumulating.
type Sender struct {
	log  *slog.Logger
	cfg  SenderConfig
	conn *net.UDPConn
	once sync.Once

	pending *ttlcache.Cache[uint64, time.Time]

	mu      sync.Mutex
	sent    uint64
	matched uint64
	min     time.Duration
	max     time.Duration
	total   time.Duration
	last    time.Duration
}

func NewSender(log *slog.Logger, cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}
	pending := ttlcache.New(
		ttlcache.WithTTL[uint64, time.Time](cfg.SampleTTL),
		ttlcache.WithDisableTouchOnHit[uint64, time.Time](),
	)
	return &Sender{log: log, cfg: cfg, conn: conn, pending: pending}, nil
}

func (s *Sender) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Sender) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Stats returns a copy of the running statistics.
func (s *Sender) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{
		Sent:    s.sent,
		Matched: s.matched,
		Min:     s.min,
		Max:     s.max,
		Last:    s.last,
	}
	if s.matched > 0 {
		stats.Avg = s.total / time.Duration(s.matched)
	}
	return stats
}

// Run drives the send and receive loops until ctx is done.
func (s *Sender) Run(ctx context.Context) error {
	s.log.Info("pingpong: starting sender", "remote", s.cfg.RemoteAddr, "interval", s.cfg.Interval)

	go s.pending.Start()
	defer s.pending.Stop()

	go func() {
		<-ctx.Done()
		_ = s.conn.SetReadDeadline(time.Now().Add(-time.Hour))
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.sendLoop(ctx); err != nil {
			errCh <- fmt.Errorf("ping send loop: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.receiveLoop(ctx); err != nil {
			errCh <- fmt.Errorf("pong receive loop: %w", err)
		}
	}()

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Sender) sendLoop(ctx context.Context) error {
	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	seq := uint64(0)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}

		seq++
		s.pending.Set(seq, time.Now(), ttlcache.DefaultTTL)
		if _, err := s.conn.WriteToUDP(wire.FormatPing(seq), s.cfg.RemoteAddr); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to send ping %d: %w", seq, err)
		}
		metrics.PingsSent.Inc()
		s.mu.Lock()
		s.sent++
		s.mu.Unlock()
	}
}

func (s *Sender) receiveLoop(ctx context.Context) error {
	buf := make([]byte, maxEchoSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(readPollTimeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read failed: %w", err)
		}
		now := time.Now()

		if !addr.IP.Equal(s.cfg.RemoteAddr.IP) || addr.Port != s.cfg.RemoteAddr.Port {
			continue
		}
		seq, err := wire.ParsePong(buf[:n])
		if err != nil {
			s.log.Debug("pingpong: discarding malformed datagram", "len", n)
			continue
		}

		item := s.pending.Get(seq)
		if item == nil {
			// Expired past the grace window, or a duplicate pong.
			s.log.Debug("pingpong: unmatched pong", "seq", seq)
			continue
		}
		s.pending.Delete(seq)

		s.observe(now.Sub(item.Value()))
	}
}

func (s *Sender) observe(rtt time.Duration) {
	if rtt < 0 {
		rtt = 0
	}

	metrics.PingsMatched.Inc()
	s.mu.Lock()
	s.matched++
	s.total += rtt
	s.last = rtt
	if s.min == 0 || rtt < s.min {
		s.min = rtt
	}
	if rtt > s.max {
		s.max = rtt
	}
	matched := s.matched
	s.mu.Unlock()

	if int(matched)%s.cfg.SummaryEvery == 0 {
		stats := s.Stats()
		s.log.Info("pingpong: stats",
			"matched", stats.Matched,
			"min", stats.Min,
			"avg", stats.Avg,
			"max", stats.Max,
			"loss", fmt.Sprintf("%.1f%%", stats.Loss()*100))
	}
}
