package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"quotawatch/internal/langserver"
	"quotawatch/internal/locator"
	"quotawatch/internal/quota"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubLocator struct {
	mu         sync.Mutex
	candidates []locator.Candidate
	calls      int
}

func (l *stubLocator) Locate(context.Context) []locator.Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.candidates
}

func (l *stubLocator) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type stubFetcher struct {
	mu      sync.Mutex
	records []quota.ModelQuota
	err     error
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (f *stubFetcher) Fetch(context.Context, []locator.Candidate) ([]quota.ModelQuota, error) {
	f.mu.Lock()
	f.calls++
	records, err := f.records, f.err
	entered, release := f.entered, f.release
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return records, err
}

func (f *stubFetcher) set(records []quota.ModelQuota, err error) {
	f.mu.Lock()
	f.records = records
	f.err = err
	f.mu.Unlock()
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubNotifier struct {
	mu    sync.Mutex
	fired []quota.GroupStatus
}

func (n *stubNotifier) NotifyLowQuota(status quota.GroupStatus) {
	n.mu.Lock()
	n.fired = append(n.fired, status)
	n.mu.Unlock()
}

func (n *stubNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.fired)
}

func geminiGroups() []quota.Group {
	return []quota.Group{{Name: "Gemini", Patterns: []string{"gemini"}}}
}

func geminiRecords(fraction float64) []quota.ModelQuota {
	return []quota.ModelQuota{{Label: "gemini-3-pro", RemainingFraction: fraction, HasQuota: true}}
}

func newTestEngine(loc *stubLocator, fetcher *stubFetcher, notifier Notifier) (*Engine, *manualClock) {
	clock := newManualClock()
	eng := New(loc, fetcher, Options{
		Groups:    geminiGroups(),
		Threshold: 20,
		Interval:  30 * time.Second,
		Clock:     clock,
		Notifier:  notifier,
	})
	return eng, clock
}

func TestRefreshSuccessReplacesCache(t *testing.T) {
	loc := &stubLocator{candidates: []locator.Candidate{{Port: "42100", CSRFToken: "tok"}}}
	fetcher := &stubFetcher{records: geminiRecords(0.8)}
	eng, clock := newTestEngine(loc, fetcher, nil)

	var refreshUpdates int
	eng.OnUpdate(func(u Update) {
		if u.Kind == UpdateRefresh {
			refreshUpdates++
		}
	})

	eng.Refresh(context.Background())

	snap := eng.Snapshot()
	if len(snap.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(snap.Records))
	}
	if snap.LastError != "" {
		t.Errorf("lastError = %q, want empty", snap.LastError)
	}
	if snap.Refreshing {
		t.Error("refreshing flag still set after refresh")
	}
	wantDeadline := clock.Now().Add(30 * time.Second)
	if !snap.NextRefresh.Equal(wantDeadline) {
		t.Errorf("next refresh = %v, want %v", snap.NextRefresh, wantDeadline)
	}
	if len(snap.Groups) != 1 || !snap.Groups[0].Matched || snap.Groups[0].WorstPercent != 80 {
		t.Errorf("groups = %+v, want Gemini matched at 80", snap.Groups)
	}
	if refreshUpdates != 1 {
		t.Errorf("refresh updates = %d, want exactly 1", refreshUpdates)
	}
}

func TestRefreshDiscoveryFailure(t *testing.T) {
	loc := &stubLocator{}
	fetcher := &stubFetcher{records: geminiRecords(0.8)}
	eng, _ := newTestEngine(loc, fetcher, nil)

	eng.Refresh(context.Background())

	snap := eng.Snapshot()
	if snap.LastError != DiscoveryNotFoundMessage {
		t.Errorf("lastError = %q, want %q", snap.LastError, DiscoveryNotFoundMessage)
	}
	if len(snap.Records) != 0 {
		t.Errorf("records = %d, want 0", len(snap.Records))
	}
	if fetcher.callCount() != 0 {
		t.Error("fetch must not run without candidates")
	}
	if loc.callCount() != 1 {
		t.Errorf("locate calls = %d, want 1", loc.callCount())
	}
}

func TestRefreshFailureClearsPreviousRecords(t *testing.T) {
	loc := &stubLocator{candidates: []locator.Candidate{{Port: "42100"}}}
	fetcher := &stubFetcher{records: geminiRecords(0.8)}
	eng, _ := newTestEngine(loc, fetcher, nil)

	eng.Refresh(context.Background())
	if snap := eng.Snapshot(); len(snap.Records) != 1 {
		t.Fatalf("expected one cached record, got %d", len(snap.Records))
	}

	// A failed fetch deliberately drops the previous records instead of
	// serving them stale.
	fetcher.set(nil, errors.New("connection reset"))
	eng.Refresh(context.Background())

	snap := eng.Snapshot()
	if len(snap.Records) != 0 {
		t.Fatalf("records = %d, want 0 after failure", len(snap.Records))
	}
	if !strings.Contains(snap.LastError, "connection reset") {
		t.Errorf("lastError = %q, want fetch error text", snap.LastError)
	}
}

func TestRefreshWhileRefreshingIsNoop(t *testing.T) {
	loc := &stubLocator{candidates: []locator.Candidate{{Port: "42100"}}}
	fetcher := &stubFetcher{
		records: geminiRecords(0.8),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	eng, _ := newTestEngine(loc, fetcher, nil)

	done := make(chan struct{})
	go func() {
		eng.Refresh(context.Background())
		close(done)
	}()
	<-fetcher.entered

	if !eng.Snapshot().Refreshing {
		t.Error("expected refreshing flag during in-flight fetch")
	}
	eng.Refresh(context.Background())
	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("re-entrant refresh issued a second fetch (calls=%d)", got)
	}

	close(fetcher.release)
	<-done
	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}
	if eng.Snapshot().Refreshing {
		t.Error("refreshing flag not released")
	}
}

func TestPollFetchesOnlyWhenDue(t *testing.T) {
	loc := &stubLocator{candidates: []locator.Candidate{{Port: "42100"}}}
	fetcher := &stubFetcher{records: geminiRecords(0.9)}
	eng, clock := newTestEngine(loc, fetcher, nil)

	refreshed := make(chan struct{}, 8)
	ticks := make(chan struct{}, 8)
	eng.OnUpdate(func(u Update) {
		switch u.Kind {
		case UpdateRefresh:
			refreshed <- struct{}{}
		case UpdateTick:
			ticks <- struct{}{}
		}
	})

	eng.Refresh(context.Background())
	<-refreshed
	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}

	eng.Poll(context.Background())
	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("poll before the deadline fetched (calls=%d)", got)
	}
	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("poll did not emit a tick update")
	}

	clock.Advance(31 * time.Second)
	eng.Poll(context.Background())
	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the due poll to refresh")
	}
	if got := fetcher.callCount(); got != 2 {
		t.Fatalf("fetch calls = %d, want 2", got)
	}
}

func TestRefreshNowBypassesCountdown(t *testing.T) {
	loc := &stubLocator{candidates: []locator.Candidate{{Port: "42100"}}}
	fetcher := &stubFetcher{records: geminiRecords(0.9)}
	eng, _ := newTestEngine(loc, fetcher, nil)

	eng.Refresh(context.Background())
	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}

	// The deadline is 30s out; a manual refresh must not wait for it.
	eng.RefreshNow(context.Background())
	if got := fetcher.callCount(); got != 2 {
		t.Fatalf("fetch calls = %d, want 2 after manual refresh", got)
	}
}

func TestLowQuotaNotificationDebounce(t *testing.T) {
	loc := &stubLocator{candidates: []locator.Candidate{{Port: "42100"}}}
	fetcher := &stubFetcher{records: geminiRecords(0.15)}
	notifier := &stubNotifier{}
	eng, _ := newTestEngine(loc, fetcher, notifier)

	eng.Refresh(context.Background())
	if got := notifier.count(); got != 1 {
		t.Fatalf("notifications = %d, want 1 after first drop", got)
	}

	fetcher.set(geminiRecords(0.10), nil)
	eng.Refresh(context.Background())
	if got := notifier.count(); got != 1 {
		t.Fatalf("notifications = %d, want still 1 while below threshold", got)
	}

	fetcher.set(geminiRecords(0.80), nil)
	eng.Refresh(context.Background())
	if got := notifier.count(); got != 1 {
		t.Fatalf("notifications = %d, recovery must not notify", got)
	}

	fetcher.set(geminiRecords(0.05), nil)
	eng.Refresh(context.Background())
	if got := notifier.count(); got != 2 {
		t.Fatalf("notifications = %d, want 2 after recovery and second drop", got)
	}
}

func TestLowQuotaAbsenceKeepsNotifiedState(t *testing.T) {
	loc := &stubLocator{candidates: []locator.Candidate{{Port: "42100"}}}
	fetcher := &stubFetcher{records: geminiRecords(0.15)}
	notifier := &stubNotifier{}
	eng, _ := newTestEngine(loc, fetcher, notifier)

	eng.Refresh(context.Background())
	if got := notifier.count(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}

	// The group disappearing from the records is not a recovery; only an
	// explicit rise above the threshold clears the notified name.
	fetcher.set(nil, nil)
	eng.Refresh(context.Background())
	fetcher.set(geminiRecords(0.15), nil)
	eng.Refresh(context.Background())
	if got := notifier.count(); got != 1 {
		t.Fatalf("notifications = %d, want 1 after unmatched interlude", got)
	}
}

func TestApplySettingsPrunesNotifiedNames(t *testing.T) {
	loc := &stubLocator{candidates: []locator.Candidate{{Port: "42100"}}}
	fetcher := &stubFetcher{records: geminiRecords(0.15)}
	notifier := &stubNotifier{}
	eng, _ := newTestEngine(loc, fetcher, notifier)

	eng.Refresh(context.Background())
	if got := notifier.count(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}

	eng.ApplySettings([]quota.Group{{Name: "Claude", Patterns: []string{"claude"}}}, 20, 30*time.Second)
	eng.ApplySettings(geminiGroups(), 20, 30*time.Second)

	eng.Refresh(context.Background())
	if got := notifier.count(); got != 2 {
		t.Fatalf("notifications = %d, want 2 after the group was recreated", got)
	}
}

func TestSnapshotGroupsFollowConfigOrder(t *testing.T) {
	loc := &stubLocator{candidates: []locator.Candidate{{Port: "42100"}}}
	fetcher := &stubFetcher{records: []quota.ModelQuota{
		{Label: "claude-sonnet-4-5", RemainingFraction: 0.5, HasQuota: true},
		{Label: "gemini-3-pro", RemainingFraction: 0.7, HasQuota: true},
	}}
	clock := newManualClock()
	eng := New(loc, fetcher, Options{
		Groups: []quota.Group{
			{Name: "Gemini", Patterns: []string{"gemini"}},
			{Name: "Claude", Patterns: []string{"claude"}},
		},
		Clock: clock,
	})

	eng.Refresh(context.Background())
	snap := eng.Snapshot()
	if len(snap.Groups) != 2 || snap.Groups[0].Name != "Gemini" || snap.Groups[1].Name != "Claude" {
		t.Fatalf("group order = %+v, want configuration order", snap.Groups)
	}
}

func serverPort(t *testing.T, rawURL string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	return parsed.Port()
}

func TestEndToEndCandidateFallback(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"userStatus":{"cascadeModelConfigData":{"clientModelConfigs":[
			{"label":"Gemini 3 Pro","quotaInfo":{"remainingFraction":0.05}}
		]}}}`)
	}))
	defer healthy.Close()

	loc := &stubLocator{candidates: []locator.Candidate{
		{Port: serverPort(t, failing.URL), CSRFToken: "tok"},
		{Port: serverPort(t, healthy.URL), CSRFToken: "tok"},
	}}
	eng := New(loc, langserver.NewClient(2*time.Second), Options{
		Groups: geminiGroups(),
		Clock:  newManualClock(),
	})

	eng.Refresh(context.Background())

	snap := eng.Snapshot()
	if snap.LastError != "" {
		t.Fatalf("lastError = %q, want empty", snap.LastError)
	}
	if len(snap.Records) != 1 || snap.Records[0].Label != "Gemini 3 Pro" {
		t.Fatalf("records = %+v, want the single model from the healthy candidate", snap.Records)
	}
	if snap.Records[0].RemainingFraction != 0.05 {
		t.Errorf("fraction = %v, want 0.05", snap.Records[0].RemainingFraction)
	}
	if len(snap.Groups) != 1 || snap.Groups[0].WorstPercent != 5 {
		t.Errorf("groups = %+v, want Gemini at 5%%", snap.Groups)
	}
}
