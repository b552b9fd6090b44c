package quota

import (
	"math"
	"strings"
)

// Aggregate computes the worst-case status of each group over records. Output
// order follows the group order exactly so display layouts stay deterministic.
// A group with no matching records reports Matched=false and no percentage.
// Among matches the minimum remaining fraction wins; on ties the first record
// encountered keeps the slot. Records without quota info count as 100%.
func Aggregate(records []ModelQuota, groups []Group) []GroupStatus {
	out := make([]GroupStatus, 0, len(groups))
	for _, group := range groups {
		status := GroupStatus{Name: group.Name}
		for _, record := range records {
			if !MatchesAny(record.Label, group.Patterns) {
				continue
			}
			percent := record.Percent()
			if !status.Matched || percent < status.WorstPercent {
				status.Matched = true
				status.WorstPercent = percent
				status.WorstLabel = record.Label
				status.ResetTime = record.ResetTime
			}
		}
		out = append(out, status)
	}
	return out
}

// MatchesAny reports whether the label contains any of the patterns as a
// case-insensitive substring. Empty patterns never match.
func MatchesAny(label string, patterns []string) bool {
	normalized := NormalizeLabel(label)
	if normalized == "" {
		return false
	}
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if strings.Contains(normalized, pattern) {
			return true
		}
	}
	return false
}

func fractionPercent(fraction float64) int {
	percent := int(math.Round(fraction * 100))
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
