// Package pageinfo reports what the current page looks like: identity,
// form structure for training, and selector exploration. It annotates
// extracted fields with their inferred data kind and sensitivity so the
// controller can build batches without guessing.
package pageinfo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/domdrive/sanitize"
)

// Info identifies the page under the agent.
type Info struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	FieldCount int    `json:"field_count"`
}

// FieldDesc describes one form control as found in the document.
type FieldDesc struct {
	Selector    string   `json:"selector"`
	Tag         string   `json:"tag"`
	TypeAttr    string   `json:"type,omitempty"`
	Name        string   `json:"name,omitempty"`
	ID          string   `json:"id,omitempty"`
	Label       string   `json:"label,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Value       string   `json:"value,omitempty"`
	Checked     bool     `json:"checked,omitempty"`
	Options     []string `json:"options,omitempty"`
	Visible     bool     `json:"visible"`

	// Kind and Sensitive are filled in by the provider.
	Kind      string `json:"kind,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// HintText joins the field's descriptive attributes for classification.
func (f FieldDesc) HintText() string {
	return f.Name + " " + f.ID + " " + f.Label + " " + f.Placeholder
}

// Page is the document access the provider needs. The browser handle
// implements it.
type Page interface {
	Info(ctx context.Context) (Info, error)
	FormFields(ctx context.Context) ([]FieldDesc, error)
	// Exists counts matches for a selector and returns the outer HTML of
	// the first, truncated.
	Exists(ctx context.Context, selector string) (count int, sample string, err error)
	Alive(ctx context.Context) error
	// Reattach re-acquires the underlying page after a lost handle.
	Reattach(ctx context.Context) error
}

// Report is a full page snapshot for training.
type Report struct {
	Info   Info        `json:"info"`
	Fields []FieldDesc `json:"fields"`
}

// ExploreResult is the outcome of probing one selector.
type ExploreResult struct {
	Selector string `json:"selector"`
	Count    int    `json:"count"`
	Sample   string `json:"sample,omitempty"`
}

// Provider answers page questions over a Page, retrying once through a
// reattach when the handle has gone stale.
type Provider struct {
	Page   Page
	Logger *slog.Logger
}

func NewProvider(page Page, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{Page: page, Logger: logger}
}

// Snapshot extracts the page identity and every form field, classified.
func (p *Provider) Snapshot(ctx context.Context) (*Report, error) {
	info, err := p.Page.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("pageinfo: info: %w", err)
	}
	fields, err := p.Page.FormFields(ctx)
	if err != nil {
		return nil, fmt.Errorf("pageinfo: form fields: %w", err)
	}
	for i := range fields {
		fields[i] = Classify(fields[i])
	}
	info.FieldCount = len(fields)
	return &Report{Info: info, Fields: fields}, nil
}

// Explore probes a selector and reports match count plus a sample.
func (p *Provider) Explore(ctx context.Context, selector string) (*ExploreResult, error) {
	if selector == "" {
		return nil, fmt.Errorf("pageinfo: selector required")
	}
	count, sample, err := p.Page.Exists(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("pageinfo: explore %q: %w", selector, err)
	}
	return &ExploreResult{Selector: selector, Count: count, Sample: sample}, nil
}

// Ping verifies the page handle is live, reattaching once if it is not.
func (p *Provider) Ping(ctx context.Context) (*Info, error) {
	if err := p.Page.Alive(ctx); err != nil {
		p.Logger.Warn("pageinfo: handle stale, reattaching", "error", err)
		if rerr := p.Page.Reattach(ctx); rerr != nil {
			return nil, fmt.Errorf("pageinfo: reattach: %w", rerr)
		}
		if err := p.Page.Alive(ctx); err != nil {
			return nil, fmt.Errorf("pageinfo: page dead after reattach: %w", err)
		}
	}
	info, err := p.Page.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("pageinfo: info: %w", err)
	}
	return &info, nil
}

// Classify annotates a field with its inferred kind and sensitivity.
func Classify(f FieldDesc) FieldDesc {
	hint := f.HintText()
	kind := sanitize.InferKind(sanitize.Field{
		Tag:      f.Tag,
		TypeAttr: f.TypeAttr,
		HintText: hint,
	})
	f.Kind = string(kind)
	f.Sensitive = sanitize.IsSensitive(hint)
	return f
}
