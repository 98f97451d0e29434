// Package sanitize classifies form fields into semantic kinds and
// validates/normalizes values before they are written. It is pure: callers
// describe the resolved element as a Field and get back a verdict; the
// actual write happens elsewhere.
package sanitize

import "strings"

// Kind is the semantic data type inferred for a form field. It selects the
// normalization and comparison rules.
type Kind string

const (
	KindText     Kind = "text"
	KindEmail    Kind = "email"
	KindPhone    Kind = "phone"
	KindZip      Kind = "zip"
	KindDate     Kind = "date"
	KindState    Kind = "state"
	KindCheckbox Kind = "checkbox"
	KindRadio    Kind = "radio"
	KindSelect   Kind = "select"
)

// Field describes a resolved target element from the sanitizer's point of
// view. HintText is the composed, lowercased search text (name, id, label,
// placeholder, aria-label, autocomplete) assembled by the surface.
type Field struct {
	Tag          string // "input", "select", "textarea"
	TypeAttr     string // the element's type attribute, lowercased
	HintText     string
	CurrentValue string
}

// InferKind classifies a field. Precedence: explicit type attribute, then
// hint keywords, then tag, then text.
func InferKind(f Field) Kind {
	switch f.TypeAttr {
	case "email":
		return KindEmail
	case "tel":
		return KindPhone
	case "date":
		return KindDate
	case "checkbox":
		return KindCheckbox
	case "radio":
		return KindRadio
	}

	hints := strings.ToLower(f.HintText)
	switch {
	case containsAny(hints, "zip", "postal"):
		return KindZip
	case containsAny(hints, "dob", "date"):
		return KindDate
	case containsAny(hints, "state"):
		return KindState
	}

	if strings.EqualFold(f.Tag, "select") {
		return KindSelect
	}
	return KindText
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
