// Package quota defines the model quota records fetched from the language
// server and the pure aggregation that folds them into display groups.
package quota

import "time"

// ModelQuota is one model's quota state as reported by the language server.
// HasQuota is false when the server omitted quota info for the model; every
// consumer treats such a record as fully available.
type ModelQuota struct {
	Label             string    `json:"label"`
	RemainingFraction float64   `json:"remainingFraction"`
	HasQuota          bool      `json:"hasQuota"`
	ResetTime         time.Time `json:"resetTime,omitempty"`
}

// Fraction returns the remaining fraction, defaulting to 1.0 when the server
// reported no quota info.
func (m ModelQuota) Fraction() float64 {
	if !m.HasQuota {
		return 1.0
	}
	return m.RemainingFraction
}

// Percent returns the remaining quota as a rounded integer percentage.
func (m ModelQuota) Percent() int {
	return fractionPercent(m.Fraction())
}

// Group names a set of label patterns that share one display slot.
type Group struct {
	Name     string   `json:"name" yaml:"name"`
	Patterns []string `json:"patterns" yaml:"patterns"`
}

// GroupStatus is the derived worst-case state of one group. It is recomputed
// from the underlying records on every aggregation call, never stored.
type GroupStatus struct {
	Name         string    `json:"name"`
	Matched      bool      `json:"matched"`
	WorstPercent int       `json:"worstPercent"`
	WorstLabel   string    `json:"worstLabel,omitempty"`
	ResetTime    time.Time `json:"resetTime,omitempty"`
}
