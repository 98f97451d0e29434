package surface

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/domdrive/pageinfo"
)

// Info reports the attached page's identity.
func (h *Handle) Info(ctx context.Context) (pageinfo.Info, error) {
	page, err := h.current()
	if err != nil {
		return pageinfo.Info{}, err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return pageinfo.Info{}, fmt.Errorf("surface: page info: %w", err)
	}
	return pageinfo.Info{URL: info.URL, Title: info.Title}, nil
}

const formFieldsJS = `() => {
	const controls = Array.from(document.querySelectorAll('input, select, textarea'));
	return controls.map((el, i) => {
		const rect = el.getBoundingClientRect();
		const style = window.getComputedStyle(el);
		let label = '';
		if (el.labels && el.labels.length) {
			label = Array.from(el.labels).map(l => l.textContent.trim()).join(' ');
		}
		let selector;
		if (el.id) {
			selector = '#' + CSS.escape(el.id);
		} else if (el.name) {
			selector = el.tagName.toLowerCase() + '[name="' + CSS.escape(el.name) + '"]';
		} else {
			selector = el.tagName.toLowerCase() + ':nth-of-type(' + (i + 1) + ')';
		}
		let options = [];
		if (el.tagName === 'SELECT') {
			options = Array.from(el.options).map(o => o.textContent.trim()).slice(0, 50);
		}
		return {
			selector: selector,
			tag: el.tagName.toLowerCase(),
			type: (el.getAttribute('type') || '').toLowerCase(),
			name: el.name || '',
			id: el.id || '',
			label: label,
			placeholder: el.placeholder || '',
			value: (el.type === 'password') ? '' : (el.value || ''),
			checked: !!el.checked,
			options: options,
			visible: rect.width > 0 && rect.height > 0 &&
				style.visibility !== 'hidden' && style.display !== 'none',
		};
	});
}`

// FormFields extracts every form control on the page.
func (h *Handle) FormFields(ctx context.Context) ([]pageinfo.FieldDesc, error) {
	page, err := h.current()
	if err != nil {
		return nil, err
	}
	res, err := page.Context(ctx).Eval(formFieldsJS)
	if err != nil {
		return nil, fmt.Errorf("surface: form fields: %w", err)
	}

	items := res.Value.Arr()
	out := make([]pageinfo.FieldDesc, 0, len(items))
	for _, it := range items {
		fd := pageinfo.FieldDesc{
			Selector:    it.Get("selector").Str(),
			Tag:         it.Get("tag").Str(),
			TypeAttr:    it.Get("type").Str(),
			Name:        it.Get("name").Str(),
			ID:          it.Get("id").Str(),
			Label:       it.Get("label").Str(),
			Placeholder: it.Get("placeholder").Str(),
			Value:       it.Get("value").Str(),
			Checked:     it.Get("checked").Bool(),
			Visible:     it.Get("visible").Bool(),
		}
		for _, o := range it.Get("options").Arr() {
			fd.Options = append(fd.Options, o.Str())
		}
		out = append(out, fd)
	}
	return out, nil
}

const sampleHTMLMax = 500

// Exists counts matches for selector and samples the first match's HTML.
func (h *Handle) Exists(ctx context.Context, selector string) (int, string, error) {
	page, err := h.current()
	if err != nil {
		return 0, "", err
	}
	els, err := page.Context(ctx).Elements(selector)
	if err != nil {
		return 0, "", fmt.Errorf("surface: query %q: %w", selector, err)
	}
	if len(els) == 0 {
		return 0, "", nil
	}
	html, err := els.First().HTML()
	if err != nil {
		return len(els), "", nil
	}
	if len(html) > sampleHTMLMax {
		html = html[:sampleHTMLMax]
	}
	return len(els), html, nil
}

// Alive verifies the page still answers a trivial evaluation.
func (h *Handle) Alive(ctx context.Context) error {
	page, err := h.current()
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := page.Context(pctx).Eval(`() => document.readyState`); err != nil {
		return fmt.Errorf("surface: page not responding: %w", err)
	}
	return nil
}
