// Command pneuma-mcp exposes the broker's page operations as MCP tools
// over stdio.
//
// Unlike the teacher's purify-mcp, which proxied tool calls over HTTP to
// an already-running API server, the broker's client surface is an
// in-process request/reply queue rather than HTTP (spec §6's wire shapes
// are a protocol description, not necessarily a network one). This
// binary therefore boots its own primary engine and service loop exactly
// as cmd/pneuma-broker does and drives it directly; it does not expect a
// pneuma-broker process to already be running. Operators who want MCP
// and ops-HTTP access to the same browser session should front both with
// a reverse proxy in terms of the wire protocol's Navigate/Evaluate
// shapes, a deployment concern this binary does not solve.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nyigoro/pneuma/adapters/httpattach"
	"github.com/nyigoro/pneuma/adapters/rodengine"
	"github.com/nyigoro/pneuma/broker"
	"github.com/nyigoro/pneuma/config"
	"github.com/nyigoro/pneuma/confidence"
	"github.com/nyigoro/pneuma/engine"
	"github.com/nyigoro/pneuma/engine/affinity"
	"github.com/nyigoro/pneuma/engine/procpool"
	"github.com/nyigoro/pneuma/ratelimit"
)

func main() {
	cfg := config.Load()
	initLogger(cfg.Log)

	primaryBrowser, err := launchBrowser(cfg.Engine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to launch primary browser: %v\n", err)
		os.Exit(1)
	}
	primary, err := rodengine.New(primaryBrowser, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise primary engine: %v\n", err)
		os.Exit(1)
	}

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
			return nil, fmt.Errorf("pneuma-mcp: spawn secondary: %w", err)
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
		fmt.Fprintf(os.Stderr, "failed to initialise engine factory: %v\n", err)
		os.Exit(1)
	}
	defer factory.Stop(context.Background())

	state := broker.NewState(cfg.Broker.ActiveFailureBudget, cfg.Broker.EscalationBackoffAfterRollback)
	scorerConfig := confidence.Config{EscalationThreshold: cfg.Broker.EscalationThreshold}
	svc := broker.NewService(primary, factory, state, scorerConfig, cfg.Broker.EscalationTimeout, 64)

	serviceCtx, cancelService := context.WithCancel(context.Background())
	defer cancelService()
	go svc.Run(serviceCtx)

	h := svc.Handle()

	s := server.NewMCPServer(
		"pneuma",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.AddTool(mcp.NewTool("create_page",
		mcp.WithDescription("Allocate a new page id against the broker's active engine."),
	), handleCreatePage(h))

	s.AddTool(mcp.NewTool("navigate",
		mcp.WithDescription("Navigate the active engine to a URL, escalating to a secondary engine automatically if the page fails to render with confidence."),
		mcp.WithString("page_id", mcp.Required(), mcp.Description("Page id returned by create_page")),
		mcp.WithString("url", mcp.Required(), mcp.Description("The URL to navigate to")),
		mcp.WithString("opts_json", mcp.Description("Navigate options as a JSON object, forwarded verbatim to the engine")),
	), handleNavigate(h))

	s.AddTool(mcp.NewTool("evaluate",
		mcp.WithDescription("Run a JavaScript expression in the active engine's current page and return its serialized value."),
		mcp.WithString("page_id", mcp.Required(), mcp.Description("Page id returned by create_page")),
		mcp.WithString("script", mcp.Required(), mcp.Description("JavaScript to evaluate")),
	), handleEvaluate(h))

	s.AddTool(mcp.NewTool("screenshot",
		mcp.WithDescription("Capture the active engine's current page as a base64-encoded PNG."),
		mcp.WithString("page_id", mcp.Required(), mcp.Description("Page id returned by create_page")),
	), handleScreenshot(h))

	s.AddTool(mcp.NewTool("close_browser",
		mcp.WithDescription("Close the active engine and any standby, without stopping the broker."),
	), handleCloseBrowser(h))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func handleCreatePage(h *broker.Handle) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := h.CreatePage(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%d", id)), nil
	}
}

func handleNavigate(h *broker.Handle) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pageIDStr, err := request.RequireString("page_id")
		if err != nil {
			return mcp.NewToolResultError("page_id is required"), nil
		}
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}
		optsJSON := request.GetString("opts_json", "{}")

		pageID, err := parsePageID(pageIDStr)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		metadata, err := h.Navigate(ctx, pageID, url, optsJSON)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(metadata), nil
	}
}

func handleEvaluate(h *broker.Handle) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pageIDStr, err := request.RequireString("page_id")
		if err != nil {
			return mcp.NewToolResultError("page_id is required"), nil
		}
		script, err := request.RequireString("script")
		if err != nil {
			return mcp.NewToolResultError("script is required"), nil
		}
		pageID, err := parsePageID(pageIDStr)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, err := h.Evaluate(ctx, pageID, script)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(result), nil
	}
}

func handleScreenshot(h *broker.Handle) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pageIDStr, err := request.RequireString("page_id")
		if err != nil {
			return mcp.NewToolResultError("page_id is required"), nil
		}
		pageID, err := parsePageID(pageIDStr)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		png, err := h.Screenshot(ctx, pageID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

func handleCloseBrowser(h *broker.Handle) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := h.CloseBrowser(ctx); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("closed"), nil
	}
}

func parsePageID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid page_id %q: %w", s, err)
	}
	return uint32(id), nil
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
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
