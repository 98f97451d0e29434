package relay

import (
	"encoding/json"
	"strings"

	"github.com/hazyhaar/domdrive/idgen"
)

// Canonical command types after normalization.
const (
	CmdCaptureScreen  = "CAPTURE_SCREEN"
	CmdExecuteActions = "EXECUTE_ACTIONS"
	CmdCancelActions  = "CANCEL_ACTIONS"
	CmdApplyPresets   = "APPLY_PRESETS"
	CmdTrainingProbe  = "TRAINING_PROBE"
	CmdNaturalCommand = "NATURAL_COMMAND"
	CmdSelfImprove    = "SELF_IMPROVE"
	CmdActivate       = "ACTIVATE"
	CmdDeactivate     = "DEACTIVATE"
)

// maxTraceIDLen caps externally supplied run/command ids before they are
// echoed into frames or logs.
const maxTraceIDLen = 64

// aliasTypes maps historical and third-party spellings onto canonical
// command types. Keys are post-collapse (uppercase, punctuation folded to _).
var aliasTypes = map[string]string{
	"SCREENSHOT":         CmdCaptureScreen,
	"TAKE_SCREENSHOT":    CmdCaptureScreen,
	"CAPTURE_SCREENSHOT": CmdCaptureScreen,
	"RUN_ACTIONS":        CmdExecuteActions,
	"EXECUTE_BATCH":      CmdExecuteActions,
	"FILL_FORM":          CmdExecuteActions,
	"CANCEL":             CmdCancelActions,
	"CANCEL_RUN":         CmdCancelActions,
	"STOP_ACTIONS":       CmdCancelActions,
	"APPLY_PRESET":       CmdApplyPresets,
	"TRAINING":           CmdTrainingProbe,
	"PROBE_FIELDS":       CmdTrainingProbe,
	"NATURAL_LANGUAGE":   CmdNaturalCommand,
	"NL_COMMAND":         CmdNaturalCommand,
	"IMPROVE":            CmdSelfImprove,
	"ENABLE":             CmdActivate,
	"DISABLE":            CmdDeactivate,
}

// canonicalTypes is the closed set of commands the dispatcher understands.
var canonicalTypes = map[string]bool{
	CmdCaptureScreen:  true,
	CmdExecuteActions: true,
	CmdCancelActions:  true,
	CmdApplyPresets:   true,
	CmdTrainingProbe:  true,
	CmdNaturalCommand: true,
	CmdSelfImprove:    true,
	CmdActivate:       true,
	CmdDeactivate:     true,
}

// Command is the canonical, immutable form of one inbound frame. Produced
// by the Normalizer, consumed exactly once by the Dispatcher.
type Command struct {
	Type      string
	Payload   map[string]any
	Trace     TraceMeta
	AgentID   string // target agent id from the frame; empty = any agent
	IsJSONRPC bool
	RPCID     json.RawMessage
}

// inboundFrame is the superset envelope all three tolerated shapes fit in:
// plain {type, payload}, JSON-RPC 2.0 {jsonrpc, method, params, id}, and
// the tools/call convention {method: "tools/call", params: {name, arguments}}.
type inboundFrame struct {
	Type      string          `json:"type"`
	Method    string          `json:"method"`
	JSONRPC   string          `json:"jsonrpc"`
	ID        json.RawMessage `json:"id"`
	Payload   map[string]any  `json:"payload"`
	Params    json.RawMessage `json:"params"`
	AgentID   string          `json:"agent_id"`
	RunID     string          `json:"run_id"`
	CommandID string          `json:"command_id"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Normalizer converts raw inbound bytes into canonical Commands.
type Normalizer struct {
	// NewRunID and NewCommandID fill missing trace ids. Default: prefixed
	// idgen generators.
	NewRunID     idgen.Generator
	NewCommandID idgen.Generator
}

func (n *Normalizer) runID() string {
	if n.NewRunID != nil {
		return n.NewRunID()
	}
	return "run_" + idgen.New()
}

func (n *Normalizer) commandID() string {
	if n.NewCommandID != nil {
		return n.NewCommandID()
	}
	return "cmd_" + idgen.New()
}

// IsPing reports whether raw is a PING-family frame. These bypass command
// normalization entirely and are answered with a heartbeat frame.
func IsPing(raw []byte) bool {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return false
	}
	t := CollapseType(first(f.Type, f.Method))
	return t == "PING" || t == "AGENT_PING" || t == "PONG"
}

// Normalize maps one raw inbound frame to a canonical Command.
//
// Malformed frames and unrecognized types yield (nil, false) rather than an
// error: the channel is shared and may carry unrelated traffic.
func (n *Normalizer) Normalize(raw []byte) (*Command, bool) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false
	}

	rawType := first(f.Type, f.Method)
	if rawType == "" {
		return nil, false
	}

	cmd := &Command{
		AgentID:   f.AgentID,
		IsJSONRPC: f.JSONRPC == "2.0",
		RPCID:     f.ID,
		Payload:   f.Payload,
	}

	// tools/call convention: the real command name and payload live in params.
	if strings.EqualFold(rawType, "tools/call") {
		var tc toolCallParams
		if err := json.Unmarshal(f.Params, &tc); err != nil || tc.Name == "" {
			return nil, false
		}
		rawType = tc.Name
		cmd.Payload = tc.Arguments
	} else if cmd.Payload == nil && len(f.Params) > 0 {
		// JSON-RPC: params carry the payload.
		var p map[string]any
		if err := json.Unmarshal(f.Params, &p); err == nil {
			cmd.Payload = p
		}
	}

	t := CollapseType(rawType)
	if alias, ok := aliasTypes[t]; ok {
		t = alias
	}
	if !canonicalTypes[t] {
		return nil, false
	}
	cmd.Type = t

	cmd.Trace = n.extractTrace(&f, cmd.Payload)
	return cmd, true
}

// CollapseType uppercases a raw type string and folds punctuation runs
// into single underscores ("run-actions" and "run.actions" both become
// "RUN_ACTIONS").
func CollapseType(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pending := false
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		alnum := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !alnum {
			pending = b.Len() > 0
			continue
		}
		if pending {
			b.WriteByte('_')
			pending = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// extractTrace pulls run/command ids from the payload or the frame
// envelope, generating ids where absent and capping lengths.
func (n *Normalizer) extractTrace(f *inboundFrame, payload map[string]any) TraceMeta {
	runID := first(payloadString(payload, "run_id", "runId"), f.RunID)
	if runID == "" {
		runID = n.runID()
	}
	commandID := first(payloadString(payload, "command_id", "commandId"), f.CommandID)
	if commandID == "" {
		commandID = n.commandID()
	}
	return TraceMeta{
		RunID:     idgen.Cap(runID, maxTraceIDLen),
		CommandID: idgen.Cap(commandID, maxTraceIDLen),
	}
}

func payloadString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
