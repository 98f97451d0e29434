package resolve

import "strings"

// Candidate is the abstract element shape the scorer works over. The
// surface fills it from the live DOM; tests construct it directly.
type Candidate struct {
	// Ref is the opaque element handle the surface can act on later.
	Ref any
	// Tag is the lowercased element tag name.
	Tag string
	// SearchText is the composed, lowercased text the element is findable
	// by: tag, name, id, placeholder, aria-label, autocomplete, title,
	// associated label text, role.
	SearchText string
	Visible    bool
	Enabled    bool
	// Interactive marks inputs, selects, textareas, buttons, links.
	Interactive bool
}

// Eligible reports whether a candidate may be scored at all.
func (c Candidate) Eligible() bool {
	return c.Visible && c.Enabled && c.Interactive
}

// Score rates one candidate against hint tokens. tokens should already be
// synonym-expanded; phrase is the space-joined original tokens; tagHints
// are tags extracted from the action's selectors.
//
// Weights: +2 per long (>=4 char) token present, +1 per short token,
// +3 when the full phrase appears verbatim, +1 when the tag matches a
// tag hint.
func Score(c Candidate, tokens []string, phrase string, tagHints []string) int {
	if !c.Eligible() {
		return 0
	}
	text := c.SearchText

	score := 0
	for _, tok := range tokens {
		if !strings.Contains(text, tok) {
			continue
		}
		if len(tok) >= 4 {
			score += 2
		} else {
			score++
		}
	}
	if phrase != "" && strings.Contains(text, phrase) {
		score += 3
	}
	for _, tag := range tagHints {
		if c.Tag == tag {
			score++
			break
		}
	}
	return score
}

// Best returns the highest-scoring eligible candidate with score > 0.
func Best(candidates []Candidate, tokens []string, phrase string, tagHints []string) (Candidate, int, bool) {
	var best Candidate
	bestScore := 0
	for _, c := range candidates {
		if s := Score(c, tokens, phrase, tagHints); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, bestScore, bestScore > 0
}
