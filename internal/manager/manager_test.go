package manager

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labwall/labwall/internal/alert"
	"github.com/labwall/labwall/internal/backend"
	"github.com/labwall/labwall/internal/banner"
	"github.com/labwall/labwall/internal/store"
	"github.com/rs/zerolog"
)

type fakeFetcher struct {
	mu      sync.Mutex
	records []alert.Record
	err     error
	calls   int
}

func (f *fakeFetcher) set(records ...alert.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
	f.err = nil
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) FetchAlerts(context.Context) ([]alert.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]alert.Record(nil), f.records...), nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, r alert.Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, r.ID())
	return n.err
}

type fakeTab struct {
	id        string
	mu        sync.Mutex
	closed    bool
	failMount bool
	banner    *banner.Banner
	views     []banner.View
}

func (t *fakeTab) ID() string { return t.id }

func (t *fakeTab) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTab) HasBanner() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.banner != nil
}

func (t *fakeTab) Render(v banner.View) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.views = append(t.views, v)
}

func (t *fakeTab) Mount(b *banner.Banner) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failMount {
		return errors.New("header region unavailable")
	}
	if t.closed || t.banner != nil {
		return errors.New("tab cannot take a banner")
	}
	t.banner = b
	return nil
}

func (t *fakeTab) Unmount(b *banner.Banner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.banner == b {
		t.banner = nil
	}
}

func (t *fakeTab) current() *banner.Banner {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.banner
}

type fakeShell struct {
	tabs []*fakeTab
}

func (s *fakeShell) Tabs() []Tab {
	out := make([]Tab, len(s.tabs))
	for i, t := range s.tabs {
		out[i] = t
	}
	return out
}

// countingStore counts saves and can be switched into failure.
type countingStore struct {
	store.Store
	mu        sync.Mutex
	saves     int
	failFetch bool
	failSave  bool
}

func (s *countingStore) Fetch(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	fail := s.failFetch
	s.mu.Unlock()
	if fail {
		return nil, false, errors.New("store offline")
	}
	return s.Store.Fetch(ctx, key)
}

func (s *countingStore) Save(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.saves++
	fail := s.failSave
	s.mu.Unlock()
	if fail {
		return errors.New("quota exceeded")
	}
	return s.Store.Save(ctx, key, value)
}

type harness struct {
	mgr      *Manager
	fetcher  *fakeFetcher
	store    *countingStore
	notifier *fakeNotifier
	shell    *fakeShell
	logs     *bytes.Buffer
	added    []string
	removed  []string
}

func newHarness(t *testing.T, tabs ...*fakeTab) *harness {
	t.Helper()
	h := &harness{
		fetcher:  &fakeFetcher{},
		store:    &countingStore{Store: store.NewMemory()},
		notifier: &fakeNotifier{},
		shell:    &fakeShell{tabs: tabs},
		logs:     &bytes.Buffer{},
	}
	h.mgr = New(h.fetcher, h.store, h.shell, h.notifier, zerolog.New(h.logs), Options{
		BaseInterval: 20 * time.Millisecond,
		LockBackoff:  time.Millisecond,
	})
	h.mgr.OnAdded(func(r alert.Record) { h.added = append(h.added, r.ID()) })
	h.mgr.OnRemoved(func(r alert.Record) { h.removed = append(h.removed, r.ID()) })
	return h
}

func (h *harness) reset() {
	h.added = nil
	h.removed = nil
}

func (h *harness) persisted(t *testing.T, key string) alert.Set {
	t.Helper()
	set, err := store.LoadSet(context.Background(), h.store.Store, key)
	if err != nil {
		t.Fatalf("LoadSet failed: %v", err)
	}
	return set
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func recA() alert.Record { return alert.New("a", "M", 1, t0) }

func TestNewAlertIsAddedPersistedAndNotified(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(recA())

	h.mgr.Reconcile(context.Background())

	if len(h.added) != 1 || h.added[0] != "a_2024-01-01T00:00:00.000Z" {
		t.Fatalf("expected one addition for a, got %v", h.added)
	}
	active := h.persisted(t, h.mgr.keys.Active)
	if len(active) != 1 {
		t.Fatalf("expected one active entry, got %d", len(active))
	}
	if w := active["a_2024-01-01T00:00:00.000Z"]; w.Message != "M" || w.Start != "2024-01-01T00:00:00.000Z" {
		t.Fatalf("unexpected persisted entry %+v", w)
	}
	if len(h.notifier.sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(h.notifier.sent))
	}
}

func TestExpiredAlertIsRemoved(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(recA())
	h.mgr.Reconcile(context.Background())
	h.reset()

	h.fetcher.set()
	h.mgr.Reconcile(context.Background())

	if len(h.removed) != 1 || h.removed[0] != recA().ID() {
		t.Fatalf("expected one removal for a, got %v", h.removed)
	}
	if len(h.added) != 0 {
		t.Fatalf("expected no additions, got %v", h.added)
	}
	if active := h.persisted(t, h.mgr.keys.Active); len(active) != 0 {
		t.Fatalf("expected active set persisted empty, got %d", len(active))
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(recA(), alert.New("b", "N", 2, t0))
	h.mgr.Reconcile(context.Background())
	h.reset()

	h.mgr.Reconcile(context.Background())
	if len(h.added) != 0 || len(h.removed) != 0 {
		t.Fatalf("expected no events on unchanged response, got added=%v removed=%v", h.added, h.removed)
	}
	if len(h.notifier.sent) != 2 {
		t.Fatalf("expected notifications only from the first pass, got %d", len(h.notifier.sent))
	}
}

func TestEmptyPassTouchesNothing(t *testing.T) {
	h := newHarness(t)
	h.mgr.Reconcile(context.Background())
	if h.store.saves != 0 {
		t.Fatalf("expected no saves when nothing is known, got %d", h.store.saves)
	}
	if n, last := h.mgr.Passes(); n != 1 || last.IsZero() {
		t.Fatalf("expected pass to be counted, got %d %v", n, last)
	}
}

func TestDismissedAlertIsNotRedelivered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.set(recA())
	h.mgr.Reconcile(ctx)

	h.mgr.Dismiss(ctx, recA())
	if len(h.removed) != 1 {
		t.Fatalf("expected dismissal to broadcast removal, got %v", h.removed)
	}
	if _, ok := h.persisted(t, h.mgr.keys.Dismissed)[recA().ID()]; !ok {
		t.Fatalf("expected dismissal to be persisted")
	}
	h.reset()

	for i := 0; i < 3; i++ {
		h.mgr.Reconcile(ctx)
	}
	if len(h.added) != 0 || len(h.removed) != 0 {
		t.Fatalf("expected dismissed alert to stay quiet, got added=%v removed=%v", h.added, h.removed)
	}

	// server stops reporting it: dismissal is pruned, no removal because it
	// was dismissed
	h.fetcher.set()
	h.mgr.Reconcile(ctx)
	if len(h.removed) != 0 {
		t.Fatalf("expected no removal for dismissed alert, got %v", h.removed)
	}
	if len(h.persisted(t, h.mgr.keys.Dismissed)) != 0 {
		t.Fatalf("expected dismissed set to be pruned")
	}

	next := alert.New("a", "M", 1, t0.Add(time.Hour))
	h.fetcher.set(next)
	h.mgr.Reconcile(ctx)
	if len(h.added) != 1 || h.added[0] != next.ID() {
		t.Fatalf("expected new occurrence to be added, got %v", h.added)
	}
}

func TestBackfillMountsOnlyWhereNeeded(t *testing.T) {
	empty := &fakeTab{id: "empty"}
	closed := &fakeTab{id: "closed", closed: true}
	broken := &fakeTab{id: "broken", failMount: true}
	later := &fakeTab{id: "later"}
	h := newHarness(t, empty, closed, broken, later)
	h.fetcher.set(recA())

	h.mgr.Reconcile(context.Background())

	if empty.current() == nil || later.current() == nil {
		t.Fatalf("expected banners in open tabs")
	}
	if closed.current() != nil {
		t.Fatalf("closed tab must be skipped")
	}
	if broken.current() != nil {
		t.Fatalf("failed mount must not leave a banner")
	}
	if h.mgr.AttachedCount() != 2 {
		t.Fatalf("expected 2 attached banners, got %d", h.mgr.AttachedCount())
	}
	if !strings.Contains(h.logs.String(), "Failed to add alert banner to tab") {
		t.Fatalf("expected mount failure to be logged")
	}

	first := empty.current()
	h.mgr.Backfill(context.Background())
	if empty.current() != first {
		t.Fatalf("tab with a banner must keep it")
	}
}

func TestBackfillSkipsDismissed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	b := alert.New("b", "N", 2, t0)
	h.fetcher.set(recA(), b)
	h.mgr.Reconcile(ctx)
	h.mgr.Dismiss(ctx, recA())

	tab := &fakeTab{id: "new"}
	h.shell.tabs = append(h.shell.tabs, tab)
	h.mgr.HandleAction(ctx, "notebook:create-new")

	got := tab.current()
	if got == nil {
		t.Fatalf("expected backfill to mount a banner")
	}
	alerts := got.Alerts()
	if len(alerts) != 1 || alerts[0].ID() != b.ID() {
		t.Fatalf("expected only b in backfilled banner, got %d alerts", len(alerts))
	}
}

func TestHandleActionIgnoresUnknownActions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.set(recA())
	h.mgr.Reconcile(ctx)

	tab := &fakeTab{id: "t"}
	h.shell.tabs = append(h.shell.tabs, tab)
	h.mgr.HandleAction(ctx, "settings:open")
	if tab.current() != nil {
		t.Fatalf("expected non-trigger action to be ignored")
	}

	h.mgr.SetTriggers([]string{"settings:open"})
	h.mgr.HandleAction(ctx, "settings:open")
	if tab.current() == nil {
		t.Fatalf("expected configured trigger to backfill")
	}
}

func TestDismissFromBannerConvergesAllTabs(t *testing.T) {
	ctx := context.Background()
	one := &fakeTab{id: "one"}
	two := &fakeTab{id: "two"}
	h := newHarness(t, one, two)
	b := alert.New("b", "N", 2, t0)
	h.fetcher.set(recA(), b)
	h.mgr.Reconcile(ctx)

	one.current().Dismiss()

	for _, tab := range []*fakeTab{one, two} {
		alerts := tab.current().Alerts()
		if len(alerts) != 1 || alerts[0].ID() != b.ID() {
			t.Fatalf("tab %s: expected only b left, got %d alerts", tab.id, len(alerts))
		}
	}

	one.current().Dismiss()
	if one.current() != nil || two.current() != nil {
		t.Fatalf("expected banners to tear down after last dismissal")
	}
	if h.mgr.AttachedCount() != 0 {
		t.Fatalf("expected all banners detached, got %d", h.mgr.AttachedCount())
	}
	if len(h.persisted(t, h.mgr.keys.Dismissed)) != 2 {
		t.Fatalf("expected both dismissals persisted")
	}
}

func TestExpiryTearsDownBanners(t *testing.T) {
	ctx := context.Background()
	tab := &fakeTab{id: "t"}
	h := newHarness(t, tab)
	h.fetcher.set(recA())
	h.mgr.Reconcile(ctx)
	b := tab.current()

	h.fetcher.set()
	h.mgr.Reconcile(ctx)
	if tab.current() != nil || !b.Disposed() {
		t.Fatalf("expected banner torn down when alert expires")
	}
}

func TestFetchFailureDegradesToEmpty(t *testing.T) {
	h := newHarness(t)
	h.fetcher.fail(&backend.ResponseError{StatusCode: 500, Message: "request failed"})

	h.mgr.Reconcile(context.Background())
	if len(h.added) != 0 || len(h.removed) != 0 || h.store.saves != 0 {
		t.Fatalf("expected failed fetch with empty state to be a no-op")
	}
	logs := h.logs.String()
	if !strings.Contains(logs, `"kind":"response"`) {
		t.Fatalf("expected failure kind in logs, got %s", logs)
	}
}

func TestFetchFailureExpiresKnownAlerts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.set(recA())
	h.mgr.Reconcile(ctx)
	h.reset()

	h.fetcher.fail(&backend.ConnectivityError{URL: "http://x", Err: errors.New("refused")})
	h.mgr.Reconcile(ctx)
	if len(h.removed) != 1 {
		t.Fatalf("expected failed fetch to read as empty, got removed=%v", h.removed)
	}
}

func TestStoreFailuresNeverEscape(t *testing.T) {
	ctx := context.Background()
	tab := &fakeTab{id: "t"}
	h := newHarness(t, tab)
	h.fetcher.set(recA())
	h.store.failSave = true

	h.mgr.Reconcile(ctx)
	if len(h.added) != 1 {
		t.Fatalf("expected addition even when save fails, got %v", h.added)
	}
	if !strings.Contains(h.logs.String(), `"kind":"store"`) {
		t.Fatalf("expected store failure in logs")
	}

	h.store.failSave = false
	h.store.failFetch = true
	h.reset()
	h.mgr.Reconcile(ctx)
	h.mgr.Backfill(ctx)
	h.mgr.Dismiss(ctx, recA())
	if len(h.removed) != 1 {
		t.Fatalf("expected dismissal broadcast despite store failure, got %v", h.removed)
	}
}

func TestNotificationFailureIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("no notification service")
	h.fetcher.set(recA())
	h.mgr.Reconcile(context.Background())
	if len(h.added) != 1 {
		t.Fatalf("expected pass to complete despite notifier failure")
	}
	if !strings.Contains(h.logs.String(), "Failed to send alert notification") {
		t.Fatalf("expected notifier failure to be logged")
	}
}

func TestAttachDetachAreIdempotent(t *testing.T) {
	h := newHarness(t)
	b, err := banner.New([]alert.Record{recA()}, h.mgr)
	if err != nil {
		t.Fatalf("banner.New failed: %v", err)
	}
	h.mgr.Attach(b)
	if h.mgr.AttachedCount() != 1 {
		t.Fatalf("expected one attachment, got %d", h.mgr.AttachedCount())
	}
	h.mgr.Detach(b)
	h.mgr.Detach(b)
	if h.mgr.AttachedCount() != 0 {
		t.Fatalf("expected no attachments, got %d", h.mgr.AttachedCount())
	}
	b.Dismiss()
	if len(h.removed) != 0 {
		t.Fatalf("detached banner must not reach the manager")
	}
}

func TestPollIntervalIncludesJitter(t *testing.T) {
	for i := 0; i < 20; i++ {
		m := New(&fakeFetcher{}, store.NewMemory(), nil, nil, zerolog.Nop(), Options{Jitter: DefaultJitter})
		got := m.PollInterval()
		if got < DefaultBaseInterval || got > DefaultBaseInterval+DefaultJitter {
			t.Fatalf("interval %s outside [5s, 6s]", got)
		}
	}
}

func TestStartWatchingPollsUntilCancelled(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(recA())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.mgr.StartWatching(ctx); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}
	if n, _ := h.mgr.Passes(); n < 1 {
		t.Fatalf("expected an immediate pass")
	}
	if err := h.mgr.StartWatching(ctx); !errors.Is(err, ErrAlreadyWatching) {
		t.Fatalf("expected ErrAlreadyWatching, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := h.mgr.Passes(); n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected ticks to keep polling")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for h.mgr.Watching() {
		if time.Now().After(deadline) {
			t.Fatalf("expected watching to stop after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOverlappingPassesKeepDismissal(t *testing.T) {
	ctx := context.Background()
	one := &fakeTab{id: "one"}
	two := &fakeTab{id: "two"}
	fetcher := &fakeFetcher{}
	st := store.NewMemory()
	mgr := New(fetcher, st, &fakeShell{tabs: []*fakeTab{one, two}}, &fakeNotifier{}, zerolog.Nop(), Options{
		LockBackoff: time.Millisecond,
	})
	b := alert.New("b", "N", 2, t0)
	fetcher.set(recA(), b)

	burst := func() {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					mgr.Reconcile(ctx)
				} else {
					mgr.HandleAction(ctx, "notebook:create-new")
				}
			}(i)
		}
		wg.Wait()
	}

	burst()
	mgr.Dismiss(ctx, recA())
	burst()

	dismissed, err := store.LoadSet(ctx, st, mgr.keys.Dismissed)
	if err != nil {
		t.Fatalf("LoadSet failed: %v", err)
	}
	if _, ok := dismissed[recA().ID()]; !ok || len(dismissed) != 1 {
		t.Fatalf("expected only a to stay dismissed, got %v", dismissed)
	}
	active, err := store.LoadSet(ctx, st, mgr.keys.Active)
	if err != nil {
		t.Fatalf("LoadSet failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected both alerts active, got %d", len(active))
	}
	for _, tab := range []*fakeTab{one, two} {
		cur := tab.current()
		if cur == nil {
			t.Fatalf("tab %s: expected a banner", tab.id)
		}
		alerts := cur.Alerts()
		if len(alerts) != 1 || alerts[0].ID() != b.ID() {
			t.Fatalf("tab %s: expected only b shown, got %d alerts", tab.id, len(alerts))
		}
	}
}
