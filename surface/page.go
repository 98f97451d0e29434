package surface

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/domdrive/kit"
	"github.com/hazyhaar/domdrive/resolve"
	"github.com/hazyhaar/domdrive/sanitize"
)

// Handle is the driveable view of the agent's current tab. It satisfies
// the resolver's page contract, the engine's action surface, and the
// pageinfo page contract.
type Handle struct {
	mgr    *Manager
	logger *slog.Logger

	mu   sync.Mutex
	page *rod.Page
}

// NewHandle attaches to the browser's current tab, opening a stealth tab
// when none exists.
func NewHandle(ctx context.Context, mgr *Manager, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handle{mgr: mgr, logger: logger}
	if err := h.Reattach(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// Reattach re-acquires the underlying page: the most recent open tab, or
// a fresh stealth tab when the browser has none.
func (h *Handle) Reattach(ctx context.Context) error {
	b := h.mgr.Browser()
	if b == nil {
		return fmt.Errorf("surface: no active browser")
	}

	pages, err := b.Pages()
	if err != nil {
		return fmt.Errorf("surface: list pages: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(pages) > 0 {
		h.page = pages[len(pages)-1].Context(ctx)
		return nil
	}
	page, err := stealth.Page(b)
	if err != nil {
		return fmt.Errorf("surface: open tab: %w", err)
	}
	h.page = page
	return nil
}

// Drop releases the page handle, typically before a browser recycle.
func (h *Handle) Drop() {
	h.mu.Lock()
	h.page = nil
	h.mu.Unlock()
}

func (h *Handle) current() (*rod.Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.page == nil {
		return nil, fmt.Errorf("surface: no attached page")
	}
	return h.page, nil
}

// Navigate loads url in the attached tab and waits for the load event.
func (h *Handle) Navigate(ctx context.Context, url string) error {
	page, err := h.current()
	if err != nil {
		return err
	}
	if err := page.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("surface: navigate %s: %w", url, err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		h.logger.Warn("surface: wait load timeout", "url", url, "error", err)
	}
	return nil
}

// QuerySelector returns the first structural match for selector.
// A selector with no match is ok=false, not an error.
func (h *Handle) QuerySelector(ctx context.Context, selector string) (any, bool, error) {
	page, err := h.current()
	if err != nil {
		return nil, false, err
	}
	els, err := page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, false, fmt.Errorf("surface: query %q: %w", selector, err)
	}
	if len(els) == 0 {
		return nil, false, nil
	}
	return els.First(), true, nil
}

const interactiveJS = `() => Array.from(document.querySelectorAll(
	'input, select, textarea, button, a, [role="button"], [onclick]'))`

const describeCandidateJS = `() => {
	const el = this;
	const rect = el.getBoundingClientRect();
	const style = window.getComputedStyle(el);
	const visible = rect.width > 0 && rect.height > 0 &&
		style.visibility !== 'hidden' && style.display !== 'none';
	let label = '';
	if (el.labels && el.labels.length) {
		label = Array.from(el.labels).map(l => l.textContent).join(' ');
	}
	const text = [
		el.tagName.toLowerCase(), el.type || '', el.id, el.name || '',
		el.placeholder || '', el.getAttribute('aria-label') || '',
		label, (el.textContent || '').slice(0, 120), el.className,
	].join(' ');
	return {
		tag: el.tagName.toLowerCase(),
		text: text,
		visible: visible,
		enabled: !el.disabled,
	};
}`

// Candidates lists the page's interactive elements for heuristic scoring.
func (h *Handle) Candidates(ctx context.Context) ([]resolve.Candidate, error) {
	page, err := h.current()
	if err != nil {
		return nil, err
	}
	els, err := page.Context(ctx).ElementsByJS(rod.Eval(interactiveJS))
	if err != nil {
		return nil, fmt.Errorf("surface: list interactive elements: %w", err)
	}

	out := make([]resolve.Candidate, 0, len(els))
	for _, el := range els {
		res, err := el.Eval(describeCandidateJS)
		if err != nil {
			h.logger.Debug("surface: describe candidate failed", "error", err)
			continue
		}
		out = append(out, resolve.Candidate{
			Ref:         el,
			Tag:         res.Value.Get("tag").Str(),
			SearchText:  res.Value.Get("text").Str(),
			Visible:     res.Value.Get("visible").Bool(),
			Enabled:     res.Value.Get("enabled").Bool(),
			Interactive: true,
		})
	}
	return out, nil
}

// ScrollBy scrolls the viewport vertically by dy pixels.
func (h *Handle) ScrollBy(ctx context.Context, dy int) error {
	page, err := h.current()
	if err != nil {
		return err
	}
	_, err = page.Context(ctx).Eval(`(dy) => window.scrollBy(0, dy)`, dy)
	return err
}

// ScrollTop resets the viewport to the top.
func (h *Handle) ScrollTop(ctx context.Context) error {
	page, err := h.current()
	if err != nil {
		return err
	}
	_, err = page.Context(ctx).Eval(`() => window.scrollTo(0, 0)`)
	return err
}

const describeFieldJS = `() => {
	const el = this;
	let label = '';
	if (el.labels && el.labels.length) {
		label = Array.from(el.labels).map(l => l.textContent.trim()).join(' ');
	}
	let value = el.value || '';
	if (el.type === 'checkbox' || el.type === 'radio') {
		value = el.checked ? 'true' : '';
	}
	return {
		tag: el.tagName.toLowerCase(),
		type: (el.getAttribute('type') || '').toLowerCase(),
		hint: [el.id, el.name || '', el.placeholder || '',
			el.getAttribute('aria-label') || '', label, el.className].join(' '),
		value: value,
	};
}`

// Describe reports the element's shape for kind inference.
func (h *Handle) Describe(ctx context.Context, ref any) (sanitize.Field, error) {
	el, err := element(ref)
	if err != nil {
		return sanitize.Field{}, err
	}
	res, err := el.Context(ctx).Eval(describeFieldJS)
	if err != nil {
		return sanitize.Field{}, fmt.Errorf("surface: describe element: %w", err)
	}
	return sanitize.Field{
		Tag:          res.Value.Get("tag").Str(),
		TypeAttr:     res.Value.Get("type").Str(),
		HintText:     res.Value.Get("hint").Str(),
		CurrentValue: res.Value.Get("value").Str(),
	}, nil
}

const setValueJS = `(value) => {
	const el = this;
	if (el.tagName === 'SELECT') {
		for (const opt of el.options) {
			if (opt.value === value || opt.textContent.trim() === value) {
				el.value = opt.value;
				el.dispatchEvent(new Event('change', { bubbles: true }));
				return;
			}
		}
		el.value = value;
	} else {
		const proto = el.tagName === 'TEXTAREA'
			? HTMLTextAreaElement.prototype
			: HTMLInputElement.prototype;
		const setter = Object.getOwnPropertyDescriptor(proto, 'value').set;
		setter.call(el, value);
	}
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
}`

// SetValue writes value through the native setter so framework-bound
// inputs observe the change.
func (h *Handle) SetValue(ctx context.Context, ref any, value string) error {
	el, err := element(ref)
	if err != nil {
		return err
	}
	h.highlight(el)
	if _, err := el.Context(ctx).Eval(setValueJS, value); err != nil {
		return fmt.Errorf("surface: set value: %w", err)
	}
	return nil
}

// TypeValue writes value with keystroke events.
func (h *Handle) TypeValue(ctx context.Context, ref any, value string) error {
	el, err := element(ref)
	if err != nil {
		return err
	}
	h.highlight(el)
	ectx := el.Context(ctx)
	if err := ectx.SelectAllText(); err != nil {
		h.logger.Debug("surface: select all failed", "error", err)
	}
	if err := ectx.Input(value); err != nil {
		return fmt.Errorf("surface: type value: %w", err)
	}
	return nil
}

// SetChecked clicks the control when its checked state differs from want.
func (h *Handle) SetChecked(ctx context.Context, ref any, checked bool) error {
	el, err := element(ref)
	if err != nil {
		return err
	}
	h.highlight(el)
	_, err = el.Context(ctx).Eval(
		`(want) => { if (this.checked !== want) this.click(); }`, checked)
	if err != nil {
		return fmt.Errorf("surface: set checked: %w", err)
	}
	return nil
}

// Click dispatches a real mouse click on the element.
func (h *Handle) Click(ctx context.Context, ref any) error {
	el, err := element(ref)
	if err != nil {
		return err
	}
	h.highlight(el)
	if err := el.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("surface: click: %w", err)
	}
	return nil
}

// ScrollIntoView brings the element into the viewport.
func (h *Handle) ScrollIntoView(ctx context.Context, ref any) error {
	el, err := element(ref)
	if err != nil {
		return err
	}
	return el.Context(ctx).ScrollIntoView()
}

const nearbyCheckboxesJS = `() => {
	const r = this.getBoundingClientRect();
	const boxes = Array.from(document.querySelectorAll('input[type="checkbox"]'));
	return boxes.map((b) => {
		const br = b.getBoundingClientRect();
		let label = '';
		if (b.labels && b.labels.length) {
			label = Array.from(b.labels).map(l => l.textContent).join(' ');
		}
		const near = b.parentElement ? b.parentElement.textContent : '';
		return {
			text: [b.id, b.name || '', b.getAttribute('aria-label') || '',
				label, near].join(' ').slice(0, 200),
			dist: Math.hypot(br.left - r.left, br.top - r.top),
		};
	});
}`

// NearbyNoMiddleCheckbox finds the best-scoring "no middle name" checkbox
// near the given field.
func (h *Handle) NearbyNoMiddleCheckbox(ctx context.Context, ref any) (any, bool, error) {
	el, err := element(ref)
	if err != nil {
		return nil, false, err
	}
	page, err := h.current()
	if err != nil {
		return nil, false, err
	}

	res, err := el.Context(ctx).Eval(nearbyCheckboxesJS)
	if err != nil {
		return nil, false, fmt.Errorf("surface: scan checkboxes: %w", err)
	}
	// Element handles come back in the same document order as the scan.
	boxes, err := page.Context(ctx).Elements(`input[type="checkbox"]`)
	if err != nil {
		return nil, false, fmt.Errorf("surface: checkbox handles: %w", err)
	}

	bestScore := 0.0
	bestIdx := -1
	for i, item := range res.Value.Arr() {
		if i >= len(boxes) {
			break
		}
		score := sanitize.ScoreNoMiddleCheckbox(item.Get("text").Str(), item.Get("dist").Num())
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return nil, false, nil
	}
	return boxes[bestIdx], true, nil
}

// RunScript evaluates a script string in the page and returns its result
// as JSON text.
func (h *Handle) RunScript(ctx context.Context, script string) (string, error) {
	page, err := h.current()
	if err != nil {
		return "", err
	}
	h.logger.Info("surface: running script",
		"run_id", kit.GetRunID(ctx), "bytes", len(script))
	res, err := page.Context(ctx).Eval(`(code) => eval(code)`, script)
	if err != nil {
		return "", fmt.Errorf("surface: run script: %w", err)
	}
	return res.Value.String(), nil
}

// Screenshot captures the page as PNG.
func (h *Handle) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	page, err := h.current()
	if err != nil {
		return nil, err
	}
	format := proto.PageCaptureScreenshotFormatPng
	data, err := page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: format,
	})
	if err != nil {
		return nil, fmt.Errorf("surface: screenshot: %w", err)
	}
	return data, nil
}

// highlight flashes an outline on the element so a watching operator can
// follow the run. Best-effort.
func (h *Handle) highlight(el *rod.Element) {
	_, err := el.Eval(`() => {
		const prev = this.style.outline;
		this.style.outline = '2px solid #2563eb';
		setTimeout(() => { this.style.outline = prev; }, 400);
	}`)
	if err != nil {
		h.logger.Debug("surface: highlight failed", "error", err)
	}
}

func element(ref any) (*rod.Element, error) {
	el, ok := ref.(*rod.Element)
	if !ok {
		return nil, fmt.Errorf("surface: ref is %T, want element", ref)
	}
	return el, nil
}
