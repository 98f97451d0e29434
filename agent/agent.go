package agent

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/domdrive/drive"
	"github.com/hazyhaar/domdrive/idgen"
	"github.com/hazyhaar/domdrive/journal"
	"github.com/hazyhaar/domdrive/pageinfo"
	"github.com/hazyhaar/domdrive/relay"
	"github.com/hazyhaar/domdrive/resolve"
)

// activeSettingKey is the persisted activation flag.
const activeSettingKey = "active"

// Browser is everything the agent needs from the tab it drives. The
// surface package provides the production implementation; tests fake it.
type Browser interface {
	drive.Surface
	pageinfo.Page
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
}

// Deps are the externally constructed pieces the agent wires together.
type Deps struct {
	Browser    Browser
	DB         *sql.DB
	Dialer     relay.Dialer // nil = gorilla websocket
	Translator Translator   // nil = language commands report not-configured
	Logger     *slog.Logger
}

// Agent is one relay-driven automation agent.
type Agent struct {
	cfg    *Config
	logger *slog.Logger

	sup        *relay.Supervisor
	dispatcher *relay.Dispatcher
	registry   *drive.Registry
	store      *drive.MemoryStore
	engine     *drive.Engine
	browser    Browser
	provider   *pageinfo.Provider
	journal    *journal.Journal
	settings   *journal.Settings
	presets    *journal.Presets
	translator Translator

	newRunID     idgen.Generator
	newCommandID idgen.Generator

	statusSrv *http.Server
}

// New assembles an Agent from configuration and dependencies.
func New(cfg *Config, deps Deps) (*Agent, error) {
	if deps.Browser == nil {
		return nil, fmt.Errorf("agent: browser is required")
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("agent: journal db is required")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := deps.Dialer
	if dialer == nil {
		dialer = &relay.WebsocketDialer{}
	}

	sup := relay.NewSupervisor(relay.Config{
		Candidates:        cfg.Relay.URLs,
		AgentID:           cfg.Agent.ID,
		Token:             cfg.Relay.Token,
		Version:           cfg.Agent.Version,
		Capabilities:      capabilities(),
		ConnectTimeout:    cfg.Relay.ConnectTimeout,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		BackoffBase:       cfg.Relay.BackoffBase,
		BackoffMax:        cfg.Relay.BackoffMax,
		Logger:            logger,
	}, dialer)

	registry := drive.NewRegistry()
	store := drive.NewMemoryStore()

	engine := drive.NewEngine(registry, store, &resolve.Resolver{Logger: logger}, logger)
	engine.Policy = drive.Policy{
		AllowScripts:            cfg.Engine.AllowScripts,
		ScriptMaxLen:            cfg.Engine.ScriptMaxLen,
		ScriptTimeout:           cfg.Engine.ScriptTimeout,
		AllowSensitiveFill:      cfg.Engine.AllowSensitiveFill,
		AllowSensitiveOverwrite: cfg.Engine.AllowSensitiveOverwrite,
	}
	engine.Pacing = drive.Pacing{
		Base:   cfg.Engine.DelayBase,
		Jitter: cfg.Engine.DelayJitter,
	}

	jnl := journal.New(deps.DB, logger)

	a := &Agent{
		cfg:          cfg,
		logger:       logger,
		sup:          sup,
		registry:     registry,
		store:        store,
		engine:       engine,
		browser:      deps.Browser,
		provider:     pageinfo.NewProvider(deps.Browser, logger),
		journal:      jnl,
		settings:     journal.NewSettings(deps.DB),
		presets:      journal.NewPresets(deps.DB),
		translator:   deps.Translator,
		newRunID:     idgen.Prefixed("run", idgen.Default),
		newCommandID: idgen.Prefixed("cmd", idgen.Default),
	}

	a.dispatcher = relay.NewDispatcher(relay.DispatcherConfig{
		AgentID:   cfg.Agent.ID,
		Codec:     sup.Codec(),
		Sender:    sup,
		ActiveFn:  sup.Active,
		BusyFn:    registry.Active,
		OnOutcome: a.recordOutcome,
		Logger:    logger,
	})
	sup.SetReceiver(a.dispatcher.Receive)
	a.registerHandlers()

	return a, nil
}

func capabilities() []string {
	return []string{
		relay.CmdExecuteActions, relay.CmdCancelActions, relay.CmdCaptureScreen,
		relay.CmdApplyPresets, relay.CmdTrainingProbe, relay.CmdNaturalCommand,
		relay.CmdSelfImprove, relay.CmdActivate, relay.CmdDeactivate,
	}
}

// Start restores the persisted activation state, connects to the relay,
// and brings up the status endpoint.
func (a *Agent) Start(ctx context.Context) error {
	a.dispatcher.SetContext(ctx)

	active, err := a.settings.GetBool(ctx, activeSettingKey, *a.cfg.Agent.Active)
	if err != nil {
		a.logger.Warn("agent: read activation setting failed", "error", err)
		active = *a.cfg.Agent.Active
	}

	if !active {
		a.logger.Info("agent: starting deactivated")
		a.sup.Deactivate()
	} else if err := a.sup.Connect(ctx); err != nil {
		// Reconnect is already scheduled; the agent still starts.
		a.logger.Warn("agent: initial connect failed", "error", err)
	}

	if a.cfg.Status.Addr != "" {
		a.startStatusServer()
	}
	return nil
}

// Close shuts the agent down.
func (a *Agent) Close() error {
	if a.statusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		a.statusSrv.Shutdown(ctx)
	}
	a.sup.Close()
	return nil
}

// Dispatcher exposes the command pipeline for local transports (MCP).
func (a *Agent) Dispatcher() *relay.Dispatcher { return a.dispatcher }

func (a *Agent) recordOutcome(cmd *relay.Command, success bool, detail string) {
	a.logger.Info("agent: command finished",
		"type", cmd.Type,
		"run_id", cmd.Trace.RunID,
		"command_id", cmd.Trace.CommandID,
		"success", success,
		"detail", detail)
}
