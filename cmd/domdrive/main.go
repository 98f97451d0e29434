// Command domdrive is the relay-driven browser automation agent.
//
// Usage:
//
//	domdrive -config domdrive.yaml
//	domdrive -relay wss://relay.example.com/ws -id agent-7
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-rod/rod"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domdrive/agent"
	"github.com/hazyhaar/domdrive/journal"
	"github.com/hazyhaar/domdrive/surface"
)

func main() {
	configPath := flag.String("config", "", "path to domdrive.yaml config file")
	relayURLs := flag.String("relay", "", "comma-separated relay WebSocket URLs (overrides config)")
	agentID := flag.String("id", "", "agent id (overrides config)")
	token := flag.String("token", "", "relay auth token (overrides config)")
	statusAddr := flag.String("status", "", "status endpoint address, e.g. 127.0.0.1:7333")
	mcpStdio := flag.Bool("mcp", false, "serve the agent's MCP tools on stdio")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *relayURLs, *agentID, *token, *statusAddr, *mcpStdio); err != nil {
		logger.Error("domdrive: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, relayURLs, agentID, token, statusAddr string, mcpStdio bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if relayURLs != "" {
		cfg.Relay.URLs = splitList(relayURLs)
	}
	if agentID != "" {
		cfg.Agent.ID = agentID
	}
	if token != "" {
		cfg.Relay.Token = token
	}
	if statusAddr != "" {
		cfg.Status.Addr = statusAddr
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	db, err := journal.OpenDB(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	mgr := surface.NewManager(surface.Config{
		RemoteURL:       cfg.Browser.Remote,
		Headful:         cfg.Browser.Headful,
		XvfbDisplay:     cfg.Browser.XvfbDisplay,
		MemoryLimit:     cfg.Browser.MemoryLimit,
		RecycleInterval: cfg.Browser.RecycleInterval,
		Logger:          logger,
	})
	if _, err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer mgr.Close()

	handle, err := surface.NewHandle(ctx, mgr, logger)
	if err != nil {
		return fmt.Errorf("attach page: %w", err)
	}
	mgr.SetRecycleCallback(&surface.RecycleCallback{
		BeforeRecycle: handle.Drop,
		AfterRecycle: func(_ *rod.Browser) {
			if err := handle.Reattach(ctx); err != nil {
				logger.Warn("domdrive: reattach after recycle failed", "error", err)
			}
		},
	})

	a, err := agent.New(cfg, agent.Deps{
		Browser: handle,
		DB:      db,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}

	if mcpStdio {
		srv := mcp.NewServer(&mcp.Implementation{
			Name:    "domdrive",
			Version: cfg.Agent.Version,
		}, nil)
		a.RegisterMCP(srv)
		go func() {
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("domdrive: mcp stdio", "error", err)
			}
		}()
		logger.Info("domdrive: mcp tools on stdio")
	}

	logger.Info("domdrive: agent running",
		"agent_id", cfg.Agent.ID, "relays", len(cfg.Relay.URLs))

	<-ctx.Done()
	logger.Info("domdrive: shutting down")
	return nil
}

func loadConfig(path string) (*agent.Config, error) {
	if path != "" {
		return agent.LoadFile(path)
	}
	cfg := &agent.Config{}
	if v := os.Getenv("DOMDRIVE_RELAY_URLS"); v != "" {
		cfg.Relay.URLs = splitList(v)
	}
	if v := os.Getenv("DOMDRIVE_AGENT_ID"); v != "" {
		cfg.Agent.ID = v
	}
	if v := os.Getenv("DOMDRIVE_TOKEN"); v != "" {
		cfg.Relay.Token = v
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
