package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/predictable-edge/5G-measurement/internal/metrics"
	"github.com/predictable-edge/5G-measurement/internal/session"
	"github.com/predictable-edge/5G-measurement/pkg/wire"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultSyncListenAddr     = ":9876"
	defaultTransferListenAddr = ":9877"
	defaultPingListenAddr     = ":9878"
	defaultSegmentPacing      = 100 * time.Microsecond
	defaultSyncInterval       = 1 * time.Second
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")

	syncListenFlag := flag.String("sync-listen", defaultSyncListenAddr, "listen address for the time reference")
	syncPeerFlag := flag.String("sync-peer", "", "estimate the offset against this agent instead (reversed sync)")
	transferListenFlag := flag.String("transfer-listen", defaultTransferListenAddr, "listen address for the transfer responder")
	pingListenFlag := flag.String("ping-listen", defaultPingListenAddr, "listen address for the ping echoer (empty disables)")

	maxSegmentPayloadFlag := flag.Uint32("max-segment-payload", wire.DefaultMaxSegmentPayload, "per-segment payload size in bytes")
	segmentPacingFlag := flag.Duration("segment-pacing", defaultSegmentPacing, "delay between segment sends")
	syncIntervalFlag := flag.Duration("sync-interval", defaultSyncInterval, "interval between clock sync cycles (reversed sync)")

	metricsAddrFlag := flag.String("metrics-addr", "", "address to listen on for prometheus metrics (empty disables)")

	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verboseFlag)

	syncListen := *syncListenFlag
	if *syncPeerFlag != "" {
		syncListen = ""
	}
	var pingListen *net.UDPAddr
	if *pingListenFlag != "" {
		addr, err := net.ResolveUDPAddr("udp", *pingListenFlag)
		if err != nil {
			log.Error("failed to resolve ping listen address", "error", err)
			return err
		}
		pingListen = addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serveMetrics(log, *metricsAddrFlag)

	target, err := session.NewTarget(log, session.TargetConfig{
		SyncListenAddr:     syncListen,
		SyncPeerAddr:       *syncPeerFlag,
		TransferListenAddr: *transferListenFlag,
		PingListenAddr:     pingListen,
		MaxSegmentPayload:  *maxSegmentPayloadFlag,
		SegmentPacing:      *segmentPacingFlag,
		SyncInterval:       *syncIntervalFlag,
	})
	if err != nil {
		log.Error("failed to create target", "error", err)
		return err
	}

	if err := target.Run(ctx); err != nil {
		log.Error("target run failed", "error", err)
		return err
	}
	return nil
}

func serveMetrics(log *slog.Logger, addr string) {
	if addr == "" {
		return
	}
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	go func() {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("Failed to start prometheus metrics server listener", "error", err)
			os.Exit(1)
		}
		log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
		http.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(listener, nil); err != nil {
			log.Error("Failed to start prometheus metrics server", "error", err)
			os.Exit(1)
		}
	}()
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.RFC3339,
	}))
}
