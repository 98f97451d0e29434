package sanitize

import "regexp"

// sensitiveRe matches hint text of fields holding regulated or high-risk
// personal data. Writes into these fields require explicit permission.
var sensitiveRe = regexp.MustCompile(`(?i)\b(ssn|social.?security|tax.?id|itin|ein|passport|driver'?s?.?licen[cs]e|licen[cs]e.?(no|num|number)|national.?id|government.?id|dob|date.?of.?birth|birth.?date)\b`)

// IsSensitive reports whether the field's hints classify it as holding
// regulated personal data.
func IsSensitive(hintText string) bool {
	return sensitiveRe.MatchString(hintText)
}
