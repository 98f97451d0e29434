// Package drive runs ordered batches of automation actions against a
// target surface: per-step element resolution and sanitization,
// cooperative cancellation, humanized pacing, and cross-context progress
// publication through a shared state store.
package drive

import (
	"encoding/json"
	"fmt"
)

// ActionType enumerates the supported step kinds.
type ActionType string

const (
	ActionFill   ActionType = "fill"
	ActionTypeIn ActionType = "type"
	ActionClick  ActionType = "click"
	ActionScroll ActionType = "scroll"
	ActionWait   ActionType = "wait"
	ActionScript ActionType = "script"
)

// Action is one immutable step in a batch, supplied by the caller.
type Action struct {
	Type        ActionType    `json:"type"`
	Selectors   []string      `json:"selectors,omitempty"`
	Value       string        `json:"value,omitempty"`
	Field       string        `json:"field,omitempty"`
	Name        string        `json:"name,omitempty"`
	Label       string        `json:"label,omitempty"`
	Placeholder string        `json:"placeholder,omitempty"`
	Options     ActionOptions `json:"options,omitempty"`
}

// ActionOptions carry per-step policy and parameters.
type ActionOptions struct {
	Overwrite               bool   `json:"overwrite,omitempty"`
	AllowSensitiveFill      bool   `json:"allow_sensitive_fill,omitempty"`
	AllowSensitiveOverwrite bool   `json:"allow_sensitive_overwrite,omitempty"`
	WaitMs                  int    `json:"wait_ms,omitempty"`
	Script                  string `json:"script,omitempty"`
}

// ParseActions decodes a batch from a command payload's actions entry.
func ParseActions(v any) ([]Action, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("drive: encode actions: %w", err)
	}
	var actions []Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, fmt.Errorf("drive: decode actions: %w", err)
	}
	return actions, nil
}

// StepResult is the outcome of one step.
type StepResult struct {
	Index     int        `json:"index"`
	Type      ActionType `json:"type"`
	Executed  bool       `json:"executed"`
	Skipped   bool       `json:"skipped,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	MatchedBy string     `json:"matched_by,omitempty"`
}

// Result is the terminal outcome of a batch run.
type Result struct {
	OK            bool         `json:"ok"`
	RunID         string       `json:"run_id"`
	TotalSteps    int          `json:"total_steps"`
	ExecutedSteps int          `json:"executed_steps"`
	Cancelled     bool         `json:"cancelled,omitempty"`
	Error         string       `json:"error,omitempty"`
	Steps         []StepResult `json:"steps,omitempty"`
}
