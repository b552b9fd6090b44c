package config

import "quotawatch/internal/quota"

// DefaultGroups covers the Antigravity model catalog as shipped. Patterns
// match case-insensitively against the normalized record labels and accept
// both the spaced display spelling and the hyphenated model id spelling.
func DefaultGroups() []quota.Group {
	return []quota.Group{
		{Name: "Gemini 3 Pro", Patterns: []string{"gemini 3 pro", "gemini-3-pro"}},
		{Name: "Gemini 3 Flash", Patterns: []string{"gemini 3 flash", "gemini-3-flash"}},
		{Name: "Gemini 2.5", Patterns: []string{"gemini 2.5", "gemini-2.5"}},
		{Name: "Claude", Patterns: []string{"claude"}},
		{Name: "GPT", Patterns: []string{"gpt"}},
	}
}

// DefaultNicknames maps normalized record labels to the short names used on
// display surfaces. Lookups go through quota.NormalizeLabel, so keys are
// lowercase.
func DefaultNicknames() map[string]string {
	return map[string]string{
		"gemini 3 pro (high)":          "G3 Pro High",
		"gemini-3-pro-high":            "G3 Pro High",
		"gemini 3 pro (low)":           "G3 Pro Low",
		"gemini-3-pro-low":             "G3 Pro Low",
		"gemini 3 flash":               "G3 Flash",
		"gemini-3-flash":               "G3 Flash",
		"gemini 3 pro image":           "G3 Image",
		"gemini-3-pro-image":           "G3 Image",
		"gemini 2.5 flash":             "G2.5 Flash",
		"gemini-2.5-flash":             "G2.5 Flash",
		"gemini 2.5 flash lite":        "G2.5 Lite",
		"gemini-2.5-flash-lite":        "G2.5 Lite",
		"claude sonnet 4.5":            "Sonnet 4.5",
		"claude-sonnet-4-5":            "Sonnet 4.5",
		"claude sonnet 4.5 (thinking)": "Sonnet 4.5 Thinking",
		"claude-sonnet-4-5-thinking":   "Sonnet 4.5 Thinking",
		"claude opus 4.5 (thinking)":   "Opus 4.5 Thinking",
		"claude-opus-4-5-thinking":     "Opus 4.5 Thinking",
		"gpt-oss 120b (medium)":        "GPT-OSS 120B",
		"gpt-oss-120b-medium":          "GPT-OSS 120B",
	}
}
