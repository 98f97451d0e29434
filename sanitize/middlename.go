package sanitize

import (
	"regexp"
	"strings"
)

// The "no middle name" rule: an empty or NA-like value aimed at a
// middle-name field usually means the person has no middle name, and the
// form expresses that with a nearby checkbox rather than an empty input.

var (
	middleNameRe = regexp.MustCompile(`(?i)\bmiddle.?(name|initial)\b|\bmname\b|\bm\.?i\.?\b`)
	noMiddleRe   = regexp.MustCompile(`(?i)no.?middle.?(name|initial)|do(es)?.?n[o']t.?have.?a?.?middle`)
)

// IsMiddleNameField reports whether the hint text describes a middle-name
// or middle-initial input.
func IsMiddleNameField(hintText string) bool {
	return middleNameRe.MatchString(hintText)
}

// IsNoValueMarker reports whether the value expresses "no middle name"
// intent rather than an actual value.
func IsNoValueMarker(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "n/a", "na", "none", "no middle name", "-", "--":
		return true
	}
	return false
}

// ScoreNoMiddleCheckbox rates a candidate checkbox for the no-middle-name
// toggle. labelText is the checkbox's own label; distance is the vertical
// pixel distance from the middle-name input. Higher is better; 0 means not
// a plausible candidate.
func ScoreNoMiddleCheckbox(labelText string, distance float64) float64 {
	label := strings.ToLower(labelText)
	var score float64
	switch {
	case noMiddleRe.MatchString(label):
		score = 10
	case strings.Contains(label, "middle"):
		score = 4
	default:
		return 0
	}

	// Proximity bonus: full at the same row, fading to nothing past 300px.
	if distance < 0 {
		distance = -distance
	}
	if distance < 300 {
		score += 3 * (1 - distance/300)
	}
	return score
}
