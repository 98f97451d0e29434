package drive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hazyhaar/domdrive/resolve"
	"github.com/hazyhaar/domdrive/sanitize"
)

// Surface is what the engine needs from the page being driven. The
// browser adapter implements it; tests use a fake.
type Surface interface {
	resolve.Page

	// Describe reports the element's tag, type attribute, hint text and
	// current value for kind inference and sanitization.
	Describe(ctx context.Context, ref any) (sanitize.Field, error)
	// SetValue writes a sanitized value in one step (fill).
	SetValue(ctx context.Context, ref any, value string) error
	// TypeValue writes a value with keystroke events (type).
	TypeValue(ctx context.Context, ref any, value string) error
	// SetChecked toggles a checkbox or radio.
	SetChecked(ctx context.Context, ref any, checked bool) error
	Click(ctx context.Context, ref any) error
	ScrollIntoView(ctx context.Context, ref any) error
	// NearbyNoMiddleCheckbox finds a "no middle name" checkbox near the
	// given field, if the page has one.
	NearbyNoMiddleCheckbox(ctx context.Context, ref any) (any, bool, error)
	// RunScript evaluates a script on the page and returns its textual
	// result.
	RunScript(ctx context.Context, script string) (string, error)
}

// Policy gates the engine's riskier capabilities.
type Policy struct {
	AllowScripts            bool
	ScriptMaxLen            int           // default 8192
	ScriptTimeout           time.Duration // default 10s
	AllowSensitiveFill      bool
	AllowSensitiveOverwrite bool
}

func (p *Policy) defaults() {
	if p.ScriptMaxLen <= 0 {
		p.ScriptMaxLen = 8192
	}
	if p.ScriptTimeout <= 0 {
		p.ScriptTimeout = 10 * time.Second
	}
}

// Pacing sets the humanized inter-step delay: Base plus a uniform random
// slice of Jitter. The delay runs between steps, never after the last.
type Pacing struct {
	Base   time.Duration // default 250ms
	Jitter time.Duration // default 400ms
}

func (p *Pacing) defaults() {
	if p.Base <= 0 {
		p.Base = 250 * time.Millisecond
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	} else if p.Jitter == 0 {
		p.Jitter = 400 * time.Millisecond
	}
}

// Engine executes action batches one run at a time.
type Engine struct {
	Registry *Registry
	Store    StateStore
	Resolver *resolve.Resolver
	Policy   Policy
	Pacing   Pacing
	Logger   *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration)
}

func NewEngine(reg *Registry, store StateStore, res *resolve.Resolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Registry: reg,
		Store:    store,
		Resolver: res,
		Logger:   logger,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// CancelRun flags runID for cooperative stop and publishes the
// transitional cancelling state so observers see it immediately.
func (e *Engine) CancelRun(runID string) bool {
	if !e.Registry.Cancel(runID) {
		return false
	}
	e.Store.Publish(runID, func(st *RunState) {
		st.Status = StatusCancelling
		st.Cancelled = true
	})
	// The run may have finished between the flag and the publish. Its
	// cleanup already ran, so drop the record we just re-created.
	if id, busy := e.Registry.Active(); !busy || id != runID {
		e.Store.Clear(runID)
		return false
	}
	return true
}

// Execute runs the batch. It claims the single run slot, publishes
// progress after every step, and always releases the slot and clears
// the shared record on return.
func (e *Engine) Execute(ctx context.Context, runID string, surface Surface, actions []Action) Result {
	e.Policy.defaults()
	e.Pacing.defaults()
	if e.sleep == nil {
		e.sleep = sleepCtx
	}

	res := Result{RunID: runID, TotalSteps: len(actions)}

	if err := e.Registry.Begin(runID); err != nil {
		res.Error = err.Error()
		return res
	}
	defer func() {
		e.Registry.End(runID)
		e.Store.Clear(runID)
	}()

	e.Store.Publish(runID, func(st *RunState) {
		st.Status = StatusStarting
		st.TotalSteps = len(actions)
	})
	e.Store.Publish(runID, func(st *RunState) {
		st.Status = StatusRunning
	})

	for i, action := range actions {
		if e.cancelledOrDone(ctx, runID) {
			res.Cancelled = true
			e.publishTerminal(runID, StatusCancelled, res.ExecutedSteps, "cancelled")
			return res
		}

		step := e.executeStep(ctx, surface, i, action)
		res.Steps = append(res.Steps, step)
		if step.Executed {
			res.ExecutedSteps++
		}

		e.Store.Publish(runID, func(st *RunState) {
			st.ExecutedSteps = res.ExecutedSteps
			st.LastLog = stepLog(step)
		})

		if i < len(actions)-1 {
			e.sleep(ctx, e.stepDelay())
		}
	}

	if e.cancelledOrDone(ctx, runID) {
		res.Cancelled = true
		e.publishTerminal(runID, StatusCancelled, res.ExecutedSteps, "cancelled")
		return res
	}

	res.OK = true
	e.publishTerminal(runID, StatusDone, res.ExecutedSteps, "done")
	return res
}

func (e *Engine) cancelledOrDone(ctx context.Context, runID string) bool {
	return ctx.Err() != nil || e.Registry.Cancelled(runID)
}

func (e *Engine) publishTerminal(runID string, status RunStatus, executed int, log string) {
	e.Store.Publish(runID, func(st *RunState) {
		st.Status = status
		st.ExecutedSteps = executed
		st.Cancelled = status == StatusCancelled
		st.LastLog = log
	})
}

func (e *Engine) stepDelay() time.Duration {
	d := e.Pacing.Base
	if e.Pacing.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(e.Pacing.Jitter)))
	}
	return d
}

func stepLog(s StepResult) string {
	switch {
	case s.Skipped:
		return fmt.Sprintf("step %d %s skipped: %s", s.Index, s.Type, s.Reason)
	case !s.Executed:
		return fmt.Sprintf("step %d %s failed: %s", s.Index, s.Type, s.Reason)
	default:
		return fmt.Sprintf("step %d %s ok", s.Index, s.Type)
	}
}

// executeStep runs one action. A resolution failure or sanitizer skip is
// non-fatal: the step is recorded as skipped and the batch continues. A
// script error leaves the step not executed.
func (e *Engine) executeStep(ctx context.Context, surface Surface, i int, a Action) StepResult {
	step := StepResult{Index: i, Type: a.Type}

	switch a.Type {
	case ActionWait:
		e.sleep(ctx, waitDuration(a))
		step.Executed = true
		return step

	case ActionScript:
		return e.runScript(ctx, surface, step, a)

	case ActionFill, ActionTypeIn:
		return e.writeField(ctx, surface, step, a)

	case ActionClick, ActionScroll:
		m, err := e.resolveStep(ctx, surface, a)
		if err != nil {
			return skipStep(step, err)
		}
		step.MatchedBy = m.MatchedBy
		if err := surface.ScrollIntoView(ctx, m.Ref); err != nil {
			step.Reason = err.Error()
			return step
		}
		if a.Type == ActionClick {
			if err := surface.Click(ctx, m.Ref); err != nil {
				step.Reason = err.Error()
				return step
			}
		}
		step.Executed = true
		return step

	default:
		step.Skipped = true
		step.Executed = true
		step.Reason = fmt.Sprintf("unsupported step type %q", a.Type)
		e.Logger.Warn("drive: unsupported step type", "type", a.Type, "index", i)
		return step
	}
}

func (e *Engine) runScript(ctx context.Context, surface Surface, step StepResult, a Action) StepResult {
	script := a.Options.Script
	if script == "" {
		script = a.Value
	}
	if !e.Policy.AllowScripts {
		step.Skipped = true
		step.Executed = true
		step.Reason = "scripts disabled"
		return step
	}
	if len(script) > e.Policy.ScriptMaxLen {
		step.Skipped = true
		step.Executed = true
		step.Reason = fmt.Sprintf("script exceeds %d bytes", e.Policy.ScriptMaxLen)
		return step
	}
	sctx, cancel := context.WithTimeout(ctx, e.Policy.ScriptTimeout)
	defer cancel()
	if _, err := surface.RunScript(sctx, script); err != nil {
		step.Reason = err.Error()
		e.Logger.Warn("drive: script failed", "index", step.Index, "error", err)
		return step
	}
	step.Executed = true
	return step
}

func (e *Engine) writeField(ctx context.Context, surface Surface, step StepResult, a Action) StepResult {
	m, err := e.resolveStep(ctx, surface, a)
	if err != nil {
		return skipStep(step, err)
	}
	step.MatchedBy = m.MatchedBy

	field, err := surface.Describe(ctx, m.Ref)
	if err != nil {
		step.Reason = err.Error()
		return step
	}

	// A middle-name field given an empty marker checks the nearby
	// "no middle name" box instead of writing text.
	if sanitize.IsMiddleNameField(field.HintText) && sanitize.IsNoValueMarker(a.Value) {
		if box, ok, err := surface.NearbyNoMiddleCheckbox(ctx, m.Ref); err == nil && ok {
			if err := surface.SetChecked(ctx, box, true); err != nil {
				step.Reason = err.Error()
				return step
			}
			step.Executed = true
			step.Reason = "checked no-middle-name box"
			return step
		}
		step.Skipped = true
		step.Executed = true
		step.Reason = "empty middle name, no checkbox found"
		return step
	}

	out, err := sanitize.Sanitize(field, a.Value, sanitize.Options{
		Overwrite:               a.Options.Overwrite,
		AllowSensitiveFill:      a.Options.AllowSensitiveFill && e.Policy.AllowSensitiveFill,
		AllowSensitiveOverwrite: a.Options.AllowSensitiveOverwrite && e.Policy.AllowSensitiveOverwrite,
	})
	if err != nil {
		step.Reason = err.Error()
		return step
	}
	if out.Skipped {
		step.Skipped = true
		step.Executed = true
		step.Reason = out.Reason
		return step
	}

	if err := surface.ScrollIntoView(ctx, m.Ref); err != nil {
		step.Reason = err.Error()
		return step
	}

	switch out.Kind {
	case sanitize.KindCheckbox, sanitize.KindRadio:
		err = surface.SetChecked(ctx, m.Ref, out.Checked)
	default:
		if a.Type == ActionTypeIn {
			err = surface.TypeValue(ctx, m.Ref, out.Value)
		} else {
			err = surface.SetValue(ctx, m.Ref, out.Value)
		}
	}
	if err != nil {
		step.Reason = err.Error()
		return step
	}
	step.Executed = true
	return step
}

func (e *Engine) resolveStep(ctx context.Context, surface Surface, a Action) (*resolve.Match, error) {
	return e.Resolver.ResolveWithScroll(ctx, surface, resolve.Hints{
		ActionType:  string(a.Type),
		Selectors:   a.Selectors,
		Field:       a.Field,
		Name:        a.Name,
		Label:       a.Label,
		Placeholder: a.Placeholder,
	})
}

func skipStep(step StepResult, err error) StepResult {
	var noMatch *resolve.ErrNoMatch
	if errors.As(err, &noMatch) {
		step.Skipped = true
		step.Executed = true
		step.Reason = err.Error()
		return step
	}
	step.Reason = err.Error()
	return step
}

func waitDuration(a Action) time.Duration {
	if a.Options.WaitMs > 0 {
		return time.Duration(a.Options.WaitMs) * time.Millisecond
	}
	if d, err := time.ParseDuration(a.Value); err == nil && d > 0 {
		return d
	}
	return 0
}
