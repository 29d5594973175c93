package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quietfind/go-engine/internal/engine"
	"quietfind/go-engine/internal/engineconfig"
	"quietfind/go-engine/internal/keysource"
	"quietfind/go-engine/internal/platform/privacylog"
	"quietfind/go-engine/internal/platform/ratelimiter"
	"quietfind/go-engine/internal/wire"
	"quietfind/go-engine/pkg/models"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to engine.yaml (optional)")
	keysPath := flag.String("keys", "", "Path to the encrypted key store (optional)")
	reportsPath := flag.String("reports", "-", "Report frame feed: hex lines, one frame per line; - for stdin")
	pollInterval := flag.Duration("poll", 0, "Re-read the feed at this interval (0 = single pass)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("locate-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := engineconfig.LoadFromPath(*configPath)
	logger := newLogger(cfg.LogLevel)

	provider := keysource.NewMemoryProvider()
	store := keysource.NewFileStore(*keysPath, os.Getenv("QF_KEYS_PASSPHRASE"))
	if err := store.Load(provider); err != nil {
		log.Fatalf("locate-daemon failed to open key store: %v", err)
	}

	limiter := ratelimiter.New(cfg.ReportRatePerDevice, cfg.ReportBurstPerDevice, 10*time.Minute)
	registry := prometheus.NewRegistry()
	eng, err := engine.New(cfg.FuseConfig(), engine.Options{
		Logger:     logger,
		Registerer: registry,
		Limiter:    limiter,
	})
	if err != nil {
		// The self-test failing means the crypto stack is unusable;
		// degrade nothing, die loudly.
		log.Fatalf("locate-daemon failed to initialize: %v", err)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, registry, logger)
	}

	logger.Info("locate-daemon starting",
		slog.Int("devices", len(provider.DeviceIDs())),
		slog.String("contributor_mode", cfg.ContributorMode),
	)

	out := json.NewEncoder(os.Stdout)
	for {
		if err := runOnce(ctx, eng, provider, *reportsPath, out, logger); err != nil {
			logger.Error("feed pass failed", slog.String("error", err.Error()))
		}
		if *pollInterval <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			logger.Info("locate-daemon stopped")
			return
		case <-time.After(*pollInterval):
		}
	}
	logger.Info("locate-daemon stopped")
}

func runOnce(ctx context.Context, eng *engine.Engine, provider *keysource.MemoryProvider, reportsPath string, out *json.Encoder, logger *slog.Logger) error {
	reports, err := readFrames(reportsPath)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return nil
	}

	decisions := eng.EvaluateBatch(ctx, provider, provider.DeviceIDs(), reports)
	accepted := 0
	for _, decision := range decisions {
		if decision.Accepted {
			accepted++
		}
		if err := out.Encode(decision); err != nil {
			return err
		}
	}
	logger.Info("batch evaluated",
		slog.Int("reports", len(reports)),
		slog.Int("accepted", accepted),
	)
	return nil
}

func readFrames(path string) ([]models.EncryptedLocationReport, error) {
	var in *os.File
	if path == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		in = f
	}

	var reports []models.EncryptedLocationReport
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		frame, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("bad frame hex: %w", err)
		}
		report, err := wire.DecodeReport(frame)
		if err != nil {
			return nil, fmt.Errorf("bad frame: %w", err)
		}
		reports = append(reports, report)
	}
	return reports, scanner.Err()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.Wrap(handler))
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", slog.String("error", err.Error()))
	}
}
