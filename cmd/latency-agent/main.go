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
	"github.com/predictable-edge/5G-measurement/pkg/decompose"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultRequests        = 100
	defaultResponseSize    = 4096
	defaultSyncInterval    = 1 * time.Second
	defaultRequestInterval = 1 * time.Second
	defaultAttemptTimeout  = 1 * time.Second
	defaultPingInterval    = 20 * time.Millisecond
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")

	syncAddrFlag := flag.String("sync-addr", "", "address of the remote time reference (host:port)")
	syncListenFlag := flag.String("sync-listen", "", "host the time reference here instead (reversed sync)")
	transferAddrFlag := flag.String("transfer-addr", "", "address of the transfer responder (host:port, required)")
	pingAddrFlag := flag.String("ping-addr", "", "address of the ping echoer (host:port, empty disables pings)")

	requestsFlag := flag.Int("requests", defaultRequests, "number of requests in the run")
	requestSizeFlag := flag.Uint32("request-size", 0, "declared request size in bytes")
	responseSizeFlag := flag.Uint32("response-size", defaultResponseSize, "response size the target should serve, in bytes")

	syncIntervalFlag := flag.Duration("sync-interval", defaultSyncInterval, "interval between clock sync cycles")
	requestIntervalFlag := flag.Duration("request-interval", defaultRequestInterval, "interval between requests")
	attemptTimeoutFlag := flag.Duration("attempt-timeout", defaultAttemptTimeout, "per-attempt reception stall bound")
	pingIntervalFlag := flag.Duration("ping-interval", defaultPingInterval, "interval between pings")
	offsetWaitFlag := flag.Duration("offset-wait", session.DefaultOffsetWait, "bound on waiting for the clock offset to stabilize")

	signFlag := flag.String("sign", "ahead-remote", "offset sign convention (ahead-remote or ahead-local)")
	outputFlag := flag.String("output", "", "write the result table to this file instead of stdout")
	metricsAddrFlag := flag.String("metrics-addr", "", "address to listen on for prometheus metrics (empty disables)")

	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verboseFlag)

	if *transferAddrFlag == "" {
		log.Error("--transfer-addr is required")
		return fmt.Errorf("--transfer-addr is required")
	}
	transferAddr, err := net.ResolveUDPAddr("udp", *transferAddrFlag)
	if err != nil {
		log.Error("failed to resolve transfer address", "error", err)
		return err
	}
	var pingAddr *net.UDPAddr
	if *pingAddrFlag != "" {
		pingAddr, err = net.ResolveUDPAddr("udp", *pingAddrFlag)
		if err != nil {
			log.Error("failed to resolve ping address", "error", err)
			return err
		}
	}
	sign, err := decompose.ParseSignConvention(*signFlag)
	if err != nil {
		log.Error("failed to parse sign convention", "error", err)
		return err
	}

	out := os.Stdout
	if *outputFlag != "" {
		f, err := os.Create(*outputFlag)
		if err != nil {
			log.Error("failed to create output file", "error", err)
			return err
		}
		defer f.Close()
		out = f
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serveMetrics(log, *metricsAddrFlag)

	agent, err := session.NewAgent(log, session.AgentConfig{
		SyncAddr:        *syncAddrFlag,
		SyncListenAddr:  *syncListenFlag,
		TransferAddr:    transferAddr,
		PingAddr:        pingAddr,
		Requests:        *requestsFlag,
		RequestSize:     *requestSizeFlag,
		ResponseSize:    *responseSizeFlag,
		SyncInterval:    *syncIntervalFlag,
		RequestInterval: *requestIntervalFlag,
		AttemptTimeout:  *attemptTimeoutFlag,
		PingInterval:    *pingIntervalFlag,
		OffsetWait:      *offsetWaitFlag,
		Sign:            sign,
		Sinks:           []decompose.Sink{decompose.NewTableWriter(out)},
	})
	if err != nil {
		log.Error("failed to create agent", "error", err)
		return err
	}

	if err := agent.Run(ctx); err != nil {
		log.Error("agent run failed", "error", err)
		return err
	}

	if report := agent.LatestReport(); report != nil {
		log.Info("run finished",
			"completed", report.Completed,
			"attempted", report.Attempted,
			"pingsMatched", report.PingStats.Matched,
			"pingAvg", report.PingStats.Avg,
		)
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
