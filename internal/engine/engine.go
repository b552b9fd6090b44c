// Package engine owns the quota poll loop: the fetch schedule, the record
// cache, error state, group aggregation and low-quota notification
// debouncing. All state lives in a single Engine instance; consumers read
// snapshots and subscribe to update events.
package engine

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"quotawatch/internal/locator"
	"quotawatch/internal/metrics"
	"quotawatch/internal/quota"
)

const (
	tickInterval    = time.Second
	defaultInterval = 30 * time.Second
	// Failed refreshes reschedule on their own delay, currently the same
	// value as the success interval.
	failureRetryDelay = 30 * time.Second
	defaultThreshold  = 20
)

// DiscoveryNotFoundMessage is the error text recorded when no language
// server process could be discovered.
const DiscoveryNotFoundMessage = "language server process not found"

// Fetcher issues the status call against discovered candidates.
type Fetcher interface {
	Fetch(ctx context.Context, candidates []locator.Candidate) ([]quota.ModelQuota, error)
}

// UpdateKind distinguishes countdown ticks from refresh completions.
type UpdateKind string

const (
	UpdateTick    UpdateKind = "tick"
	UpdateRefresh UpdateKind = "refresh"
)

// Update is delivered to listeners after every poll tick and after every
// refresh, successful or not.
type Update struct {
	Kind     UpdateKind
	Snapshot Snapshot
}

// Snapshot is a point-in-time copy of the engine state for display
// consumers. Groups are aggregated fresh on every snapshot.
type Snapshot struct {
	Records     []quota.ModelQuota  `json:"records"`
	Groups      []quota.GroupStatus `json:"groups"`
	LastError   string              `json:"lastError,omitempty"`
	Refreshing  bool                `json:"refreshing"`
	FetchedAt   time.Time           `json:"fetchedAt"`
	NextRefresh time.Time           `json:"nextRefresh"`
}

// Options configures a new engine. Zero fields fall back to defaults.
type Options struct {
	Groups    []quota.Group
	Threshold int
	Interval  time.Duration
	Clock     Clock
	Notifier  Notifier
}

// Engine polls the language server for quota records on a fixed schedule.
type Engine struct {
	locator  locator.Locator
	fetcher  Fetcher
	clock    Clock
	notifier Notifier

	mu         sync.Mutex
	groups     []quota.Group
	threshold  int
	interval   time.Duration
	records    []quota.ModelQuota
	lastErr    string
	refreshing bool
	deadline   time.Time
	fetchedAt  time.Time
	notified   map[string]struct{}
	listeners  []func(Update)
}

// New constructs the engine. The zero deadline makes the first poll fetch
// immediately.
func New(loc locator.Locator, fetcher Fetcher, opts Options) *Engine {
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Engine{
		locator:   loc,
		fetcher:   fetcher,
		clock:     opts.Clock,
		notifier:  opts.Notifier,
		groups:    opts.Groups,
		threshold: opts.Threshold,
		interval:  opts.Interval,
		notified:  make(map[string]struct{}),
	}
}

// OnUpdate registers a listener for update events. Listeners should be
// registered before Run; they are invoked from the engine's goroutines and
// must not block for long.
func (e *Engine) OnUpdate(fn func(Update)) {
	if e == nil || fn == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Run drives the poll loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	interval, threshold := e.interval, e.threshold
	e.mu.Unlock()
	log.Infof("engine: poll loop started (interval=%s threshold=%d%%)", interval, threshold)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infof("engine: poll loop stopped")
			return
		case <-ticker.C:
			e.Poll(ctx)
		}
	}
}

// Poll checks the schedule once. A due deadline starts a refresh in the
// background so ticks keep firing while a slow fetch is in flight; every
// call emits a tick update for countdown display.
func (e *Engine) Poll(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	due := !e.refreshing && !e.clock.Now().Before(e.deadline)
	e.mu.Unlock()
	if due {
		go e.Refresh(ctx)
	}
	e.emit(UpdateTick)
}

// Refresh performs one locate+fetch cycle. It is a no-op when a refresh is
// already in flight. On success the record cache is replaced wholesale; on
// failure it is cleared rather than left stale and the next attempt is
// scheduled with the retry delay. The refreshing flag is always released and
// a refresh update always emitted, whatever the outcome.
func (e *Engine) Refresh(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.refreshing {
		e.mu.Unlock()
		return
	}
	e.refreshing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.refreshing = false
		e.mu.Unlock()
		e.checkLowQuota()
		e.emit(UpdateRefresh)
	}()

	started := time.Now()
	candidates := e.locator.Locate(ctx)
	metrics.DiscoveredCandidates.Set(float64(len(candidates)))
	if len(candidates) == 0 {
		e.finishFailure(DiscoveryNotFoundMessage)
		metrics.RefreshTotal.WithLabelValues("discovery_error").Inc()
		metrics.RefreshDuration.Observe(time.Since(started).Seconds())
		log.Warnf("engine: %s", DiscoveryNotFoundMessage)
		return
	}

	records, errFetch := e.fetcher.Fetch(ctx, candidates)
	metrics.RefreshDuration.Observe(time.Since(started).Seconds())
	if errFetch != nil {
		e.finishFailure(errFetch.Error())
		metrics.RefreshTotal.WithLabelValues("fetch_error").Inc()
		log.WithError(errFetch).Warnf("engine: refresh failed")
		return
	}

	now := e.clock.Now()
	e.mu.Lock()
	e.records = records
	e.lastErr = ""
	e.fetchedAt = now
	interval := e.interval
	e.deadline = now.Add(interval)
	e.mu.Unlock()
	metrics.RefreshTotal.WithLabelValues("success").Inc()
	metrics.CachedRecords.Set(float64(len(records)))
	log.Debugf("engine: refreshed %d records, next refresh in %s", len(records), interval)
}

// RefreshNow forces the schedule forward and refreshes immediately,
// bypassing the remaining countdown.
func (e *Engine) RefreshNow(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.deadline = e.clock.Now()
	e.mu.Unlock()
	e.Refresh(ctx)
}

func (e *Engine) finishFailure(message string) {
	now := e.clock.Now()
	e.mu.Lock()
	e.records = nil
	e.lastErr = message
	e.fetchedAt = time.Time{}
	e.deadline = now.Add(failureRetryDelay)
	e.mu.Unlock()
	metrics.CachedRecords.Set(0)
}

// checkLowQuota runs after every refresh outcome. A matched group at or
// below the threshold fires one warning and is remembered until it recovers
// above the threshold; unmatched groups neither raise nor clear warnings.
func (e *Engine) checkLowQuota() {
	e.mu.Lock()
	statuses := quota.Aggregate(e.records, e.groups)
	threshold := e.threshold
	var fired []quota.GroupStatus
	for _, status := range statuses {
		if !status.Matched {
			continue
		}
		if status.WorstPercent <= threshold {
			if _, seen := e.notified[status.Name]; !seen {
				e.notified[status.Name] = struct{}{}
				fired = append(fired, status)
			}
			continue
		}
		delete(e.notified, status.Name)
	}
	notifier := e.notifier
	e.mu.Unlock()

	metrics.ObserveGroups(statuses)
	for _, status := range fired {
		log.Warnf("engine: group %q low on quota: %d%% left (%s)", status.Name, status.WorstPercent, status.WorstLabel)
		metrics.LowQuotaNotificationsTotal.Inc()
		if notifier != nil {
			notifier.NotifyLowQuota(status)
		}
	}
}

// Snapshot returns a copy of the current state with group statuses freshly
// aggregated from the cached records.
func (e *Engine) Snapshot() Snapshot {
	if e == nil {
		return Snapshot{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	records := make([]quota.ModelQuota, len(e.records))
	copy(records, e.records)
	return Snapshot{
		Records:     records,
		Groups:      quota.Aggregate(records, e.groups),
		LastError:   e.lastErr,
		Refreshing:  e.refreshing,
		FetchedAt:   e.fetchedAt,
		NextRefresh: e.deadline,
	}
}

// ApplySettings swaps the group configuration, threshold and refresh
// interval at runtime. Notified names whose group disappeared are pruned so
// a renamed group starts with a clean debounce state.
func (e *Engine) ApplySettings(groups []quota.Group, threshold int, interval time.Duration) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if threshold > 0 {
		e.threshold = threshold
	}
	if interval > 0 {
		e.interval = interval
	}
	e.groups = groups
	known := make(map[string]struct{}, len(groups))
	for _, group := range groups {
		known[group.Name] = struct{}{}
	}
	for name := range e.notified {
		if _, ok := known[name]; !ok {
			delete(e.notified, name)
		}
	}
	log.Infof("engine: settings applied (groups=%d threshold=%d%% interval=%s)", len(groups), e.threshold, e.interval)
}

func (e *Engine) emit(kind UpdateKind) {
	snapshot := e.Snapshot()
	e.mu.Lock()
	listeners := make([]func(Update), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()
	update := Update{Kind: kind, Snapshot: snapshot}
	for _, fn := range listeners {
		fn(update)
	}
}
