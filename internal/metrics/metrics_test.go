package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"quotawatch/internal/quota"
)

func TestObserveGroups_SetsAndDeletesSeries(t *testing.T) {
	ObserveGroups([]quota.GroupStatus{
		{Name: "Gemini", Matched: true, WorstPercent: 40},
		{Name: "Claude", Matched: false},
	})

	if got := testutil.ToFloat64(GroupWorstPercent.WithLabelValues("Gemini")); got != 40 {
		t.Errorf("Gemini gauge = %f, want 40", got)
	}
	if got := testutil.CollectAndCount(GroupWorstPercent); got != 1 {
		t.Errorf("expected 1 series, got %d", got)
	}

	// Gemini drops out of the configuration entirely; its series must go away.
	ObserveGroups([]quota.GroupStatus{
		{Name: "GPT", Matched: true, WorstPercent: 70},
	})

	if got := testutil.ToFloat64(GroupWorstPercent.WithLabelValues("GPT")); got != 70 {
		t.Errorf("GPT gauge = %f, want 70", got)
	}
	if got := testutil.CollectAndCount(GroupWorstPercent); got != 1 {
		t.Errorf("expected stale series to be deleted, got %d series", got)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	Register()
	Register()
}
