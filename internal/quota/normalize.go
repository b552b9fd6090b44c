package quota

import "strings"

// NormalizeLabel standardizes model labels for pattern matching and nickname
// lookups. Provider-prefixed identifiers ("vendors/claude-x") collapse to the
// last path segment.
func NormalizeLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}
	if idx := strings.LastIndex(label, "/"); idx >= 0 {
		label = label[idx+1:]
	}
	return strings.ToLower(strings.TrimSpace(label))
}
