// Package resolve locates target elements for automation actions: exact
// selector matching first, then heuristic token scoring over the page's
// interactive elements when selectors fail.
//
// Scoring is a pipeline of pure functions over a Candidate value, so the
// heuristics are testable without a browser.
package resolve

import (
	"regexp"
	"strings"
)

// synonyms expands common form-field vocabulary so that an action hinting
// "first name" can still find an input named "given-name".
var synonyms = map[string][]string{
	"first":  {"given"},
	"given":  {"first"},
	"last":   {"family", "surname"},
	"family": {"last"},
	"phone":  {"tel"},
	"tel":    {"phone"},
	"email":  {"mail"},
	"mail":   {"email"},
}

var (
	separatorRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)
	camelRe     = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	attrValueRe = regexp.MustCompile(`\[[^\]]*?=\s*["']?([^"'\]]+)["']?\]`)
	idClassRe   = regexpMustAll(`[#.]([a-zA-Z0-9_-]+)`)
	leadingTag  = regexp.MustCompile(`^([a-zA-Z]+)`)
)

func regexpMustAll(expr string) *regexp.Regexp { return regexp.MustCompile(expr) }

// Tokenize splits a string on case and separator boundaries and lowercases
// the parts. "firstName" and "first_name" both yield ["first", "name"].
func Tokenize(s string) []string {
	s = camelRe.ReplaceAllString(s, "$1 $2")
	parts := separatorRe.Split(s, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, strings.ToLower(p))
	}
	return out
}

// ExpandSynonyms appends known synonyms for each token, deduplicated,
// original order preserved.
func ExpandSynonyms(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range tokens {
		add(t)
	}
	for _, t := range tokens {
		for _, syn := range synonyms[t] {
			add(syn)
		}
	}
	return out
}

// SelectorTokens extracts hint tokens from a selector string: attribute
// values, id segments, and class segments.
func SelectorTokens(selector string) []string {
	var raw []string
	for _, m := range attrValueRe.FindAllStringSubmatch(selector, -1) {
		raw = append(raw, m[1])
	}
	for _, m := range idClassRe.FindAllStringSubmatch(selector, -1) {
		raw = append(raw, m[1])
	}
	var out []string
	for _, r := range raw {
		out = append(out, Tokenize(r)...)
	}
	return out
}

// SelectorTagHint extracts a leading tag name from a simple selector
// ("input.first" yields "input"). Empty when the selector starts with a
// combinator, id, class, or attribute.
func SelectorTagHint(selector string) string {
	m := leadingTag.FindStringSubmatch(strings.TrimSpace(selector))
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}
