package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/domdrive/drive"
	"github.com/hazyhaar/domdrive/kit"
	"github.com/hazyhaar/domdrive/relay"
)

func (a *Agent) registerHandlers() {
	a.dispatcher.RegisterHandler(relay.CmdExecuteActions, a.handleExecuteActions)
	a.dispatcher.RegisterHandler(relay.CmdCancelActions, a.handleCancelActions)
	a.dispatcher.RegisterHandler(relay.CmdCaptureScreen, a.handleCaptureScreen)
	a.dispatcher.RegisterHandler(relay.CmdApplyPresets, a.handleApplyPresets)
	a.dispatcher.RegisterHandler(relay.CmdTrainingProbe, a.handleTrainingProbe)
	a.dispatcher.RegisterHandler(relay.CmdNaturalCommand, a.handleNaturalCommand)
	a.dispatcher.RegisterHandler(relay.CmdSelfImprove, a.handleSelfImprove)
	a.dispatcher.RegisterHandler(relay.CmdActivate, a.handleActivate)
	a.dispatcher.RegisterHandler(relay.CmdDeactivate, a.handleDeactivate)
}

func (a *Agent) handleExecuteActions(ctx context.Context, cmd *relay.Command) (any, error) {
	actions, err := drive.ParseActions(cmd.Payload["actions"])
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("agent: empty action batch")
	}
	if url := payloadString(cmd.Payload, "url"); url != "" {
		if err := a.browser.Navigate(ctx, url); err != nil {
			return nil, err
		}
	}
	return a.runBatch(ctx, cmd.Type, cmd.Trace.RunID, actions)
}

// runBatch executes a batch under its run id with progress mirrored to
// the journal by a poller.
func (a *Agent) runBatch(ctx context.Context, commandType, runID string, actions []drive.Action) (any, error) {
	ctx = kit.WithRunID(ctx, runID)
	a.journal.RecordStart(ctx, runID, commandType, len(actions))

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	poller := &drive.Poller{
		Store:  a.store,
		Logger: a.logger,
		OnUpdate: func(st drive.RunState) {
			a.journal.RecordUpdate(pollCtx, st)
		},
	}
	go poller.Watch(pollCtx, runID)

	res := a.engine.Execute(ctx, runID, a.browser, actions)
	a.journal.RecordEnd(ctx, res)

	if !res.OK && !res.Cancelled && res.Error != "" {
		// A race past the busy gate lands here: the slot belongs to
		// another run. Surface it as retriable busy, same as the gate.
		if id, busy := a.registry.Active(); busy && id != runID {
			return nil, &relay.ErrBusy{ActiveRunID: id}
		}
	}
	return res, nil
}

func (a *Agent) handleCancelActions(ctx context.Context, cmd *relay.Command) (any, error) {
	runID := payloadString(cmd.Payload, "run_id")
	if runID == "" {
		runID = payloadString(cmd.Payload, "runId")
	}
	if runID == "" {
		// No id targets whatever run is active.
		id, busy := a.registry.Active()
		if !busy {
			return map[string]any{"ok": true, "cancelled": false, "reason": "no active run"}, nil
		}
		runID = id
	}
	cancelled := a.engine.CancelRun(runID)
	out := map[string]any{"ok": true, "run_id": runID, "cancelled": cancelled}
	if !cancelled {
		out["reason"] = "run not active"
	}
	return out, nil
}

func (a *Agent) handleCaptureScreen(ctx context.Context, cmd *relay.Command) (any, error) {
	fullPage := payloadBool(cmd.Payload, "full_page")
	data, err := a.browser.Screenshot(ctx, fullPage)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":     true,
		"format": "png",
		"data":   base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (a *Agent) handleApplyPresets(ctx context.Context, cmd *relay.Command) (any, error) {
	name := payloadString(cmd.Payload, "preset")
	if name == "" {
		name = payloadString(cmd.Payload, "name")
	}

	switch payloadString(cmd.Payload, "op") {
	case "save":
		actions, err := drive.ParseActions(cmd.Payload["actions"])
		if err != nil {
			return nil, err
		}
		if err := a.presets.Save(ctx, name, actions); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "preset": name, "steps": len(actions)}, nil

	case "delete":
		if err := a.presets.Delete(ctx, name); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "preset": name}, nil

	case "list":
		names, err := a.presets.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "presets": names}, nil

	default: // apply
		actions, err := a.presets.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		if url := payloadString(cmd.Payload, "url"); url != "" {
			if err := a.browser.Navigate(ctx, url); err != nil {
				return nil, err
			}
		}
		return a.runBatch(ctx, cmd.Type, cmd.Trace.RunID, actions)
	}
}

func (a *Agent) handleTrainingProbe(ctx context.Context, cmd *relay.Command) (any, error) {
	if sel := payloadString(cmd.Payload, "selector"); sel != "" {
		return a.provider.Explore(ctx, sel)
	}
	if payloadBool(cmd.Payload, "ping") {
		return a.provider.Ping(ctx)
	}
	return a.provider.Snapshot(ctx)
}

func (a *Agent) handleNaturalCommand(ctx context.Context, cmd *relay.Command) (any, error) {
	return a.translated(ctx, cmd, payloadString(cmd.Payload, "text"))
}

func (a *Agent) handleSelfImprove(ctx context.Context, cmd *relay.Command) (any, error) {
	text := payloadString(cmd.Payload, "feedback")
	if text == "" {
		text = payloadString(cmd.Payload, "text")
	}
	return a.translated(ctx, cmd, text)
}

func (a *Agent) translated(ctx context.Context, cmd *relay.Command, text string) (any, error) {
	if a.translator == nil {
		return nil, ErrNoTranslator
	}
	if text == "" {
		return nil, fmt.Errorf("agent: text is required")
	}
	actions, err := a.translator.Translate(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("agent: translate: %w", err)
	}
	if len(actions) == 0 {
		return map[string]any{"ok": true, "steps": 0, "note": "nothing to do"}, nil
	}
	return a.runBatch(ctx, cmd.Type, cmd.Trace.RunID, actions)
}

func (a *Agent) handleActivate(ctx context.Context, cmd *relay.Command) (any, error) {
	if err := a.settings.SetBool(ctx, activeSettingKey, true); err != nil {
		a.logger.Warn("agent: persist activation failed", "error", err)
	}
	a.sup.Activate()
	return map[string]any{"ok": true, "active": true}, nil
}

func (a *Agent) handleDeactivate(ctx context.Context, cmd *relay.Command) (any, error) {
	if err := a.settings.SetBool(ctx, activeSettingKey, false); err != nil {
		a.logger.Warn("agent: persist deactivation failed", "error", err)
	}
	// Delay the disconnect so the terminal frame flushes first.
	time.AfterFunc(200*time.Millisecond, a.sup.Deactivate)
	return map[string]any{"ok": true, "active": false}, nil
}

// IsNotConfigured reports whether err is the missing-translator error, so
// callers can render it as a structured outcome instead of a fault.
func IsNotConfigured(err error) bool {
	return errors.Is(err, ErrNoTranslator)
}

func payloadString(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

func payloadBool(p map[string]any, key string) bool {
	if p == nil {
		return false
	}
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	default:
		return false
	}
}
