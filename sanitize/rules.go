package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Options carry the caller's write policy for one action.
type Options struct {
	// Overwrite allows replacing a differing non-empty existing value.
	Overwrite bool
	// AllowSensitiveFill permits writing into an empty sensitive field.
	AllowSensitiveFill bool
	// AllowSensitiveOverwrite permits replacing a populated sensitive field.
	AllowSensitiveOverwrite bool
}

// Result is the sanitizer's verdict for one write.
type Result struct {
	Kind    Kind
	Value   string // normalized value to write (non-checkbox kinds)
	Checked bool   // target state for checkbox kinds
	Skipped bool
	Reason  string
}

var (
	emailRe    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	nonDigitRe = regexp.MustCompile(`\D`)
	nonAlphaRe = regexp.MustCompile(`[^a-zA-Z]`)
	mdyRe      = regexp.MustCompile(`^(\d{1,2})[/\-.](\d{1,2})[/\-.](\d{4})$`)
)

// Sanitize classifies the field, normalizes the candidate value, and
// applies the idempotence and sensitive-field guards. A skipped Result is
// never an error: the step is simply not performed.
func Sanitize(f Field, value string, opts Options) (Result, error) {
	kind := InferKind(f)

	norm, checked, err := normalizeValue(kind, f, value)
	if err != nil {
		return Result{Kind: kind, Skipped: true, Reason: err.Error()}, nil
	}

	// Idempotence guard: both sides reduced to the same comparable form
	// means the write is a no-op.
	current := strings.TrimSpace(f.CurrentValue)
	if current != "" && comparable(kind, f, current) == comparable(kind, f, norm) {
		return Result{Kind: kind, Skipped: true, Reason: "already set"}, nil
	}

	// Sensitive-field guard.
	if IsSensitive(f.HintText) {
		if current == "" && !opts.AllowSensitiveFill {
			return Result{Kind: kind, Skipped: true, Reason: "sensitive field"}, nil
		}
		if current != "" && !opts.AllowSensitiveOverwrite {
			return Result{Kind: kind, Skipped: true, Reason: "sensitive field populated"}, nil
		}
	}

	// Existing differing value is preserved unless overwrite was requested.
	if current != "" && !opts.Overwrite && kind != KindCheckbox && kind != KindRadio {
		return Result{Kind: kind, Skipped: true, Reason: "existing value preserved"}, nil
	}

	return Result{Kind: kind, Value: norm, Checked: checked}, nil
}

// normalizeValue validates and reformats a candidate value for its kind.
func normalizeValue(kind Kind, f Field, value string) (norm string, checked bool, err error) {
	v := strings.TrimSpace(value)

	switch kind {
	case KindEmail:
		if !emailRe.MatchString(v) {
			return "", false, fmt.Errorf("invalid email %q", v)
		}
		return v, false, nil

	case KindPhone:
		digits := nonDigitRe.ReplaceAllString(v, "")
		if len(digits) == 11 && digits[0] == '1' {
			digits = digits[1:]
		}
		if len(digits) < 10 {
			return "", false, fmt.Errorf("phone has %d digits, need 10", len(digits))
		}
		if len(digits) > 10 {
			return "", false, fmt.Errorf("phone has %d digits, too many", len(digits))
		}
		return digits[0:3] + "-" + digits[3:6] + "-" + digits[6:10], false, nil

	case KindZip:
		digits := nonDigitRe.ReplaceAllString(v, "")
		if len(digits) < 5 {
			return "", false, fmt.Errorf("zip has %d digits, need 5", len(digits))
		}
		return digits[:5], false, nil

	case KindState:
		letters := nonAlphaRe.ReplaceAllString(v, "")
		if len(letters) < 2 {
			return "", false, fmt.Errorf("state %q too short", v)
		}
		return strings.ToUpper(letters[:2]), false, nil

	case KindDate:
		t, perr := parseDate(v)
		if perr != nil {
			return "", false, perr
		}
		// Native date controls take ISO; text fields take month/day/year.
		if f.TypeAttr == "date" {
			return t.Format("2006-01-02"), false, nil
		}
		return t.Format("01/02/2006"), false, nil

	case KindCheckbox, KindRadio:
		return v, truthy(v), nil

	default: // text, select
		if v == "" {
			return "", false, fmt.Errorf("empty value")
		}
		return v, false, nil
	}
}

// comparable reduces a value to its kind-specific comparable form so that
// "(555) 123-4567" and "555-123-4567" count as the same phone number.
func comparable(kind Kind, f Field, value string) string {
	v := strings.TrimSpace(value)
	switch kind {
	case KindEmail:
		return strings.ToLower(v)
	case KindPhone:
		digits := nonDigitRe.ReplaceAllString(v, "")
		if len(digits) == 11 && digits[0] == '1' {
			digits = digits[1:]
		}
		return digits
	case KindZip:
		d := nonDigitRe.ReplaceAllString(v, "")
		if len(d) > 5 {
			d = d[:5]
		}
		return d
	case KindState:
		letters := strings.ToUpper(nonAlphaRe.ReplaceAllString(v, ""))
		if len(letters) > 2 {
			letters = letters[:2]
		}
		return letters
	case KindDate:
		if t, err := parseDate(v); err == nil {
			return t.Format("2006-01-02")
		}
		return v
	case KindCheckbox, KindRadio:
		if truthy(v) {
			return "true"
		}
		return "false"
	default:
		return strings.ToLower(v)
	}
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	if m := mdyRe.FindStringSubmatch(v); m != nil {
		t, err := time.Parse("1/2/2006", m[1]+"/"+m[2]+"/"+m[3])
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", v)
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "checked", "on":
		return true
	}
	return false
}
