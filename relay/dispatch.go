package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Handler executes one canonical command and returns its result payload.
type Handler func(ctx context.Context, cmd *Command) (any, error)

// Sender writes outbound frames. Satisfied by *Supervisor.
type Sender interface {
	Send(data []byte) error
}

// mutatingCommands require the active gate to be open.
var mutatingCommands = map[string]bool{
	CmdExecuteActions: true,
	CmdTrainingProbe:  true,
	CmdNaturalCommand: true,
}

// Dispatcher owns the command→handler table and enforces cross-cutting
// policy: agent-id routing, the active gate, the busy gate, and the
// ack/terminal frame protocol.
//
// Every non-JSON-RPC command receives exactly one ack (sent before the
// handler runs) and exactly one terminal result or error. JSON-RPC
// commands receive only the terminal JSON-RPC response.
type Dispatcher struct {
	agentID    string
	codec      *Codec
	sender     Sender
	normalizer *Normalizer
	logger     *slog.Logger

	// activeFn gates state-mutating commands.
	activeFn func() bool
	// busyFn reports the currently executing run, if any.
	busyFn func() (runID string, busy bool)

	// onOutcome observes terminal outcomes (journal hook). May be nil.
	onOutcome func(cmd *Command, success bool, detail string)

	rootCtx context.Context

	mu       sync.RWMutex
	handlers map[string]Handler
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	AgentID    string
	Codec      *Codec
	Sender     Sender
	Normalizer *Normalizer
	ActiveFn   func() bool
	BusyFn     func() (string, bool)
	OnOutcome  func(cmd *Command, success bool, detail string)
	Logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher with an empty handler table.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = &Normalizer{}
	}
	if cfg.ActiveFn == nil {
		cfg.ActiveFn = func() bool { return true }
	}
	if cfg.BusyFn == nil {
		cfg.BusyFn = func() (string, bool) { return "", false }
	}
	return &Dispatcher{
		agentID:    cfg.AgentID,
		codec:      cfg.Codec,
		sender:     cfg.Sender,
		normalizer: cfg.Normalizer,
		activeFn:   cfg.ActiveFn,
		busyFn:     cfg.BusyFn,
		onOutcome:  cfg.OnOutcome,
		logger:     cfg.Logger,
		rootCtx:    context.Background(),
		handlers:   make(map[string]Handler),
	}
}

// SetContext sets the root context handlers run under.
func (d *Dispatcher) SetContext(ctx context.Context) { d.rootCtx = ctx }

// RegisterHandler installs the handler for a canonical command type.
func (d *Dispatcher) RegisterHandler(commandType string, h Handler) {
	d.mu.Lock()
	d.handlers[commandType] = h
	d.mu.Unlock()
}

// Receive is the supervisor-facing entry point: raw frame in, zero or more
// outbound frames out. Malformed and unrecognized frames are dropped
// silently; the channel may carry unrelated traffic.
func (d *Dispatcher) Receive(raw []byte) {
	cmd, ok := d.normalizer.Normalize(raw)
	if !ok {
		return
	}
	d.Dispatch(d.rootCtx, cmd)
}

// Dispatch applies routing and gating policy, then invokes the handler and
// sends the terminal frame.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *Command) {
	log := d.logger

	// Routing filter: commands addressed to a different agent are ignored,
	// not failed. The relay is a shared channel.
	if cmd.AgentID != "" && cmd.AgentID != d.agentID {
		log.Debug("relay: command for other agent ignored",
			"target", cmd.AgentID, "type", cmd.Type)
		d.ack(cmd)
		d.result(cmd, map[string]any{"ok": true, "ignored": true})
		return
	}

	d.ack(cmd)

	d.mu.RLock()
	handler := d.handlers[cmd.Type]
	d.mu.RUnlock()

	if handler == nil {
		d.fail(cmd, &ErrUnsupportedCommand{Type: cmd.Type}, false)
		return
	}

	if mutatingCommands[cmd.Type] && !d.activeFn() {
		d.fail(cmd, &ErrActiveGateClosed{Command: cmd.Type}, false)
		return
	}

	if cmd.Type == CmdExecuteActions {
		if runID, busy := d.busyFn(); busy {
			log.Info("relay: busy, rejecting run request",
				"active_run", runID, "command_id", cmd.Trace.CommandID)
			d.fail(cmd, &ErrBusy{ActiveRunID: runID}, true)
			return
		}
	}

	res, err := handler(ctx, cmd)
	if err != nil {
		var busyErr *ErrBusy
		d.fail(cmd, err, errors.As(err, &busyErr))
		return
	}
	d.result(cmd, res)
}

// ack sends the receipt frame for non-JSON-RPC commands.
func (d *Dispatcher) ack(cmd *Command) {
	if cmd.IsJSONRPC {
		return
	}
	frame, err := d.codec.Ack(cmd.Trace, cmd.Type)
	if err != nil {
		return
	}
	if err := d.sender.Send(frame); err != nil {
		d.logger.Debug("relay: ack send failed", "error", err,
			"command_id", cmd.Trace.CommandID)
	}
}

// result sends the successful terminal frame.
func (d *Dispatcher) result(cmd *Command, res any) {
	var frame []byte
	var err error
	if cmd.IsJSONRPC {
		frame, err = d.codec.RPCResult(cmd.RPCID, res)
	} else {
		frame, err = d.codec.Result(cmd.Trace, cmd.Type, res)
	}
	if err != nil {
		d.logger.Warn("relay: encode result failed", "error", err)
		return
	}
	if err := d.sender.Send(frame); err != nil {
		d.logger.Warn("relay: result send failed", "error", err,
			"command_id", cmd.Trace.CommandID)
	}
	if d.onOutcome != nil {
		d.onOutcome(cmd, true, "")
	}
}

// fail sends the failing terminal frame.
func (d *Dispatcher) fail(cmd *Command, cause error, retriable bool) {
	var frame []byte
	var err error
	if cmd.IsJSONRPC {
		code := rpcCodeInternal
		var unsupported *ErrUnsupportedCommand
		if errors.As(cause, &unsupported) {
			code = rpcCodeMethodNotFound
		}
		frame, err = d.codec.RPCError(cmd.RPCID, code, cause.Error())
	} else {
		frame, err = d.codec.Error(cmd.Trace, cmd.Type, cause.Error(), retriable)
	}
	if err != nil {
		d.logger.Warn("relay: encode error frame failed", "error", err)
		return
	}
	if err := d.sender.Send(frame); err != nil {
		d.logger.Warn("relay: error send failed", "error", err,
			"command_id", cmd.Trace.CommandID)
	}
	if d.onOutcome != nil {
		d.onOutcome(cmd, false, cause.Error())
	}
}
