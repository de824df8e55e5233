// Command streamwatch is the chat gateway entrypoint. It:
//   - Loads configuration and initializes structured logging.
//   - Starts channel discovery, the connection orchestrator with its worker
//     pool, and the viewer presence tracker.
//   - Exposes a minimal HTTP server with /healthz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/streamwatch/config"
	"github.com/onnwee/streamwatch/discover"
	"github.com/onnwee/streamwatch/firehose"
	"github.com/onnwee/streamwatch/orchestrator"
	"github.com/onnwee/streamwatch/platform"
	"github.com/onnwee/streamwatch/presence"
	"github.com/onnwee/streamwatch/server"
	"github.com/onnwee/streamwatch/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateBotReady(); err != nil {
		slog.Error("bot credentials missing", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamwatch", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := &platform.Client{
		BaseURL:    cfg.APIBase,
		ClientID:   cfg.ClientID,
		OAuthToken: cfg.BotOAuth,
	}

	orch := orchestrator.New(api, orchestrator.Options{
		BotUserID:      cfg.BotUserID,
		Threshold:      cfg.ViewerThreshold,
		Workers:        cfg.ConnectWorkers,
		SweepInterval:  cfg.SweepInterval,
		StaleAfter:     cfg.ChannelStaleAfter,
		MinSendSpacing: cfg.MinSendSpacing,
		AuthIdleWindow: cfg.AuthIdleWindow,
		Overrides:      cfg.ChannelOverrides,
	})
	hub := firehose.NewHub(orch)
	orch.SetHub(hub)

	tracker := presence.New(api, hub)
	orch.Presence = tracker

	poller := discover.New(api, cfg.DiscoverInterval, cfg.ViewerThreshold)
	poller.Overrides = cfg.ChannelOverrides
	poller.OnSnapshot = orch.Ingest

	go orch.Run(ctx)
	go tracker.Run(ctx)
	go poller.Run(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics)
	go func() {
		if err := server.Start(ctx, orch, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
