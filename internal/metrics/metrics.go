// Package metrics exposes the Prometheus collectors for the poll loop and
// the status server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"quotawatch/internal/quota"
)

var (
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quotawatch",
			Name:      "refresh_total",
			Help:      "Total refresh attempts by result",
		},
		[]string{"result"}, // "success" / "discovery_error" / "fetch_error"
	)

	RefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "quotawatch",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of a locate plus fetch refresh cycle",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	DiscoveredCandidates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "quotawatch",
			Name:      "discovered_candidates",
			Help:      "Candidate ports found by the last discovery pass",
		},
	)

	CachedRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "quotawatch",
			Name:      "cached_records",
			Help:      "Model quota records currently cached",
		},
	)

	GroupWorstPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "quotawatch",
			Name:      "group_worst_percent",
			Help:      "Worst-case remaining quota percent per display group",
		},
		[]string{"group"},
	)

	LowQuotaNotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quotawatch",
			Name:      "low_quota_notifications_total",
			Help:      "Low quota warnings emitted after debouncing",
		},
	)

	WebsocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "quotawatch",
			Name:      "websocket_clients",
			Help:      "Connected websocket status consumers",
		},
	)
)

var registered bool

// Register registers all collectors. Must be called once from main.
func Register() {
	if registered {
		return
	}
	prometheus.MustRegister(RefreshTotal)
	prometheus.MustRegister(RefreshDuration)
	prometheus.MustRegister(DiscoveredCandidates)
	prometheus.MustRegister(CachedRecords)
	prometheus.MustRegister(GroupWorstPercent)
	prometheus.MustRegister(LowQuotaNotificationsTotal)
	prometheus.MustRegister(WebsocketClients)
	registered = true
}

var (
	groupGaugeMu   sync.Mutex
	groupGaugeSeen = make(map[string]struct{})
)

// ObserveGroups updates the per-group worst-percent gauges. Groups that
// stopped matching or disappeared from the configuration have their label
// series deleted so stale values never linger on the scrape surface.
func ObserveGroups(statuses []quota.GroupStatus) {
	groupGaugeMu.Lock()
	defer groupGaugeMu.Unlock()
	current := make(map[string]struct{}, len(statuses))
	for _, status := range statuses {
		if status.Matched {
			current[status.Name] = struct{}{}
			GroupWorstPercent.WithLabelValues(status.Name).Set(float64(status.WorstPercent))
		} else {
			GroupWorstPercent.DeleteLabelValues(status.Name)
		}
	}
	for name := range groupGaugeSeen {
		if _, ok := current[name]; !ok {
			GroupWorstPercent.DeleteLabelValues(name)
		}
	}
	groupGaugeSeen = current
}
