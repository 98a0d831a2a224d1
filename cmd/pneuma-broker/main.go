// Command pneuma-broker runs the broker service loop and its ops HTTP
// surface: it launches a primary browser engine, serves the client
// request/reply queue, and exits cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/nyigoro/pneuma/adapters/httpattach"
	"github.com/nyigoro/pneuma/adapters/rodengine"
	"github.com/nyigoro/pneuma/broker"
	"github.com/nyigoro/pneuma/config"
	"github.com/nyigoro/pneuma/engine"
	"github.com/nyigoro/pneuma/engine/affinity"
	"github.com/nyigoro/pneuma/engine/procpool"
	"github.com/nyigoro/pneuma/confidence"
	"github.com/nyigoro/pneuma/opsapi"
	"github.com/nyigoro/pneuma/ratelimit"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("pneuma-broker starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
	)

	// ── 3. Launch the primary engine ────────────────────────────────
	primaryBrowser, err := launchBrowser(cfg.Engine)
	if err != nil {
		slog.Error("failed to launch primary browser", "error", err)
		os.Exit(1)
	}
	primary, err := rodengine.New(primaryBrowser, false)
	if err != nil {
		slog.Error("failed to initialise primary engine", "error", err)
		os.Exit(1)
	}

	// ── 4. Wire the escalation factory ──────────────────────────────
	aff := affinity.New(cfg.Affinity.TTL)
	defer aff.Stop()

	limiter := ratelimit.New(cfg.RateLimit.SpawnsPerSecond, cfg.RateLimit.Burst)

	var attach engine.AcquireFunc
	if cfg.Engine.SecondaryEndpoint != "" {
		attacher := httpattach.New(cfg.Engine.SecondaryEndpoint)
		attach = func(ctx context.Context) (engine.Engine, error) {
			browser, err := attacher.Probe(ctx)
			if err != nil {
				return nil, err
			}
			return rodengine.New(browser, false)
		}
	}

	spawn := func(ctx context.Context) (engine.Engine, error) {
		browser, err := launchBrowser(cfg.Engine)
		if err != nil {
			return nil, fmt.Errorf("pneuma-broker: spawn secondary: %w", err)
		}
		return rodengine.New(browser, true)
	}

	poolCfg := procpool.Config{
		MinWarm:      cfg.ProcPool.MinWarm,
		HardMax:      cfg.ProcPool.HardMax,
		MemThreshold: cfg.ProcPool.MemThreshold,
		ScaleStep:    cfg.ProcPool.ScaleStep,
	}
	factory, err := engine.NewFactory(context.Background(), attach, spawn, poolCfg, limiter, aff)
	if err != nil {
		slog.Error("failed to initialise engine factory", "error", err)
		os.Exit(1)
	}
	defer factory.Stop(context.Background())

	// ── 5. Start the service loop ────────────────────────────────────
	state := broker.NewState(cfg.Broker.ActiveFailureBudget, cfg.Broker.EscalationBackoffAfterRollback)
	scorerConfig := confidence.Config{EscalationThreshold: cfg.Broker.EscalationThreshold}
	svc := broker.NewService(primary, factory, state, scorerConfig, cfg.Broker.EscalationTimeout, 64)

	serviceCtx, cancelService := context.WithCancel(context.Background())
	go svc.Run(serviceCtx)

	// ── 6. Setup the ops router ──────────────────────────────────────
	startTime := time.Now()
	router := opsapi.NewRouter(svc.Handle(), svc.Metrics(), cfg, startTime)

	// ── 7. Start HTTP server ─────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		slog.Info("ops HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 8. Graceful shutdown ─────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops HTTP server forced shutdown", "error", err)
	}

	if err := svc.Handle().Shutdown(shutdownCtx); err != nil {
		slog.Warn("broker service shutdown reported an error", "error", err)
	}
	cancelService()

	slog.Info("pneuma-broker stopped")
}

// launchBrowser starts a local Chromium process per cfg and connects a
// rod.Browser to it. The caller owns the browser's lifetime.
func launchBrowser(cfg config.EngineConfig) (*rod.Browser, error) {
	l := launcher.New().Headless(cfg.Headless).NoSandbox(cfg.NoSandbox)
	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	return browser, nil
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
