package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Page is the narrow surface the resolver needs from the target document.
type Page interface {
	// QuerySelector returns the element handle for the first structural
	// match, or ok=false when nothing matches. A malformed selector is an
	// error; "no match" is not.
	QuerySelector(ctx context.Context, selector string) (ref any, ok bool, err error)
	// Candidates lists the page's interactive elements for heuristic
	// scoring.
	Candidates(ctx context.Context) ([]Candidate, error)
	// ScrollBy scrolls the viewport vertically by dy pixels.
	ScrollBy(ctx context.Context, dy int) error
	// ScrollTop resets the viewport to the top.
	ScrollTop(ctx context.Context) error
}

// Hints describe what the caller knows about the wanted element.
type Hints struct {
	ActionType  string // fill, type, click, scroll, ...
	Selectors   []string
	Field       string // semantic field name ("first_name")
	Name        string
	Label       string
	Placeholder string
}

// Match is a successful resolution.
type Match struct {
	Ref            any
	MatchedBy      string // "selector:<s>" or "heuristic:<tokens>"
	SelectorsTried []string
}

// ErrNoMatch is the structured resolution failure. Non-fatal to a batch:
// the step is skipped and the attempted selectors are logged.
type ErrNoMatch struct {
	SelectorsTried []string
}

func (e *ErrNoMatch) Error() string {
	return fmt.Sprintf("resolve: no element matched (selectors tried: %s)",
		strings.Join(e.SelectorsTried, ", "))
}

// heuristicActions are the action types allowed to fall back to token
// scoring when no selector matches.
var heuristicActions = map[string]bool{
	"fill": true, "type": true, "click": true, "scroll": true,
}

// Resolver finds elements selector-first with heuristic and scroll-probe
// fallbacks.
type Resolver struct {
	// ScrollStep is the probe increment in pixels. Default: 600.
	ScrollStep int
	// MaxScrollProbes bounds the probe retries. Default: 4.
	MaxScrollProbes int
	Logger          *slog.Logger
}

func (r *Resolver) defaults() {
	if r.ScrollStep <= 0 {
		r.ScrollStep = 600
	}
	if r.MaxScrollProbes <= 0 {
		r.MaxScrollProbes = 4
	}
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
}

// Resolve runs one resolution pass: selectors in order, then heuristic
// scoring if the action type allows it.
func (r *Resolver) Resolve(ctx context.Context, page Page, h Hints) (*Match, error) {
	r.defaults()

	for _, sel := range h.Selectors {
		ref, ok, err := page.QuerySelector(ctx, sel)
		if err != nil {
			r.Logger.Debug("resolve: selector error", "selector", sel, "error", err)
			continue
		}
		if ok {
			return &Match{
				Ref:            ref,
				MatchedBy:      "selector:" + sel,
				SelectorsTried: h.Selectors,
			}, nil
		}
	}

	if !heuristicActions[h.ActionType] {
		return nil, &ErrNoMatch{SelectorsTried: h.Selectors}
	}

	tokens, phrase, tagHints := r.hintTokens(h)
	if len(tokens) == 0 {
		// Empty selector list and no hint tokens: documented contract is
		// resolution failure, not an error in the pipeline.
		return nil, &ErrNoMatch{SelectorsTried: h.Selectors}
	}

	candidates, err := page.Candidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve: candidates: %w", err)
	}

	if best, score, ok := Best(candidates, tokens, phrase, tagHints); ok {
		r.Logger.Debug("resolve: heuristic match",
			"score", score, "tokens", strings.Join(tokens, " "))
		return &Match{
			Ref:            best.Ref,
			MatchedBy:      "heuristic:" + strings.Join(tokens, ","),
			SelectorsTried: h.Selectors,
		}, nil
	}
	return nil, &ErrNoMatch{SelectorsTried: h.Selectors}
}

// ResolveWithScroll retries Resolve at fixed scroll increments, then once
// more after resetting to the top of the page.
func (r *Resolver) ResolveWithScroll(ctx context.Context, page Page, h Hints) (*Match, error) {
	r.defaults()

	m, err := r.Resolve(ctx, page, h)
	if err == nil {
		return m, nil
	}

	for i := 0; i < r.MaxScrollProbes; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := page.ScrollBy(ctx, r.ScrollStep); err != nil {
			break
		}
		if m, err := r.Resolve(ctx, page, h); err == nil {
			return m, nil
		}
	}

	if err := page.ScrollTop(ctx); err == nil {
		if m, err := r.Resolve(ctx, page, h); err == nil {
			return m, nil
		}
	}
	return nil, &ErrNoMatch{SelectorsTried: h.Selectors}
}

// hintTokens assembles the scoring inputs from semantic hints and selector
// strings.
func (r *Resolver) hintTokens(h Hints) (tokens []string, phrase string, tagHints []string) {
	var raw []string
	for _, s := range []string{h.Field, h.Name, h.Label, h.Placeholder} {
		raw = append(raw, Tokenize(s)...)
	}
	phrase = strings.Join(raw, " ")

	for _, sel := range h.Selectors {
		raw = append(raw, SelectorTokens(sel)...)
		if tag := SelectorTagHint(sel); tag != "" {
			tagHints = append(tagHints, tag)
		}
	}
	return ExpandSynonyms(raw), phrase, tagHints
}
