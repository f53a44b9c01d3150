// Package manager reconciles server alerts against persisted state and fans
// the result out to tab banners.
package manager

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labwall/labwall/internal/alert"
	"github.com/labwall/labwall/internal/backend"
	"github.com/labwall/labwall/internal/banner"
	"github.com/labwall/labwall/internal/event"
	"github.com/labwall/labwall/internal/statelock"
	"github.com/labwall/labwall/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Fetcher returns the alerts the server currently reports as active.
type Fetcher interface {
	FetchAlerts(ctx context.Context) ([]alert.Record, error)
}

// Notifier delivers a user-facing notification for a new alert.
type Notifier interface {
	Notify(ctx context.Context, r alert.Record) error
}

// Tab is one open document tab with a single header region.
type Tab interface {
	ID() string
	Closed() bool
	HasBanner() bool
	// Render draws a view if it belongs to the banner mounted on the tab.
	Render(v banner.View)
	// Mount claims the header region for b and draws its current view.
	Mount(b *banner.Banner) error
	// Unmount frees the header region if b holds it.
	Unmount(b *banner.Banner)
}

// Shell is the host application: it knows the open tabs.
type Shell interface {
	Tabs() []Tab
}

const (
	DefaultBaseInterval = 5000 * time.Millisecond
	DefaultJitter       = 1000 * time.Millisecond
)

// DefaultTriggers are the host actions that create document tabs.
var DefaultTriggers = []string{
	"code-viewer:open",
	"console:open",
	"console:create",
	"docmanager:clone",
	"docmanager:new-untitled",
	"docmanager:open",
	"fileeditor:create-new",
	"fileeditor:create-new-markdown-file",
	"launcher:create",
	"notebook:create-new",
	"terminal:create-new",
}

// Options tune a Manager. Zero values take the defaults.
type Options struct {
	BaseInterval time.Duration
	Jitter       time.Duration
	Keys         store.Keys
	Triggers     []string
	LockBackoff  time.Duration
}

// Manager owns the poll loop and the persisted alert sets.
type Manager struct {
	fetcher  Fetcher
	store    store.Store
	shell    Shell
	notifier Notifier
	keys     store.Keys
	lock     *statelock.Mutex
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.RWMutex
	triggers map[string]struct{}
	attached map[*banner.Banner]func()
	cron     *cron.Cron

	added   event.Stream[alert.Record]
	removed event.Stream[alert.Record]

	passes   atomic.Uint64
	lastPass atomic.Int64
}

// New creates a manager. notifier may be nil.
func New(fetcher Fetcher, st store.Store, shell Shell, notifier Notifier, logger zerolog.Logger, opts Options) *Manager {
	base := opts.BaseInterval
	if base <= 0 {
		base = DefaultBaseInterval
	}
	jitter := opts.Jitter
	if jitter < 0 {
		jitter = 0
	}
	interval := base
	if jitter > 0 {
		interval += time.Duration(rand.Int63n(int64(jitter) + 1))
	}
	keys := opts.Keys
	if keys.Active == "" || keys.Dismissed == "" {
		keys = store.KeysFor("")
	}
	triggers := opts.Triggers
	if triggers == nil {
		triggers = DefaultTriggers
	}

	m := &Manager{
		fetcher:  fetcher,
		store:    st,
		shell:    shell,
		notifier: notifier,
		keys:     keys,
		lock:     statelock.New(opts.LockBackoff),
		interval: interval,
		logger:   logger.With().Str("component", "manager").Logger(),
		attached: make(map[*banner.Banner]func()),
	}
	m.SetTriggers(triggers)
	return m
}

// PollInterval is the fixed delay between passes, jitter included.
func (m *Manager) PollInterval() time.Duration { return m.interval }

// SetTriggers replaces the allow-list of tab-creating actions.
func (m *Manager) SetTriggers(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	m.mu.Lock()
	m.triggers = set
	m.mu.Unlock()
}

// Triggers returns the allow-list, sorted.
func (m *Manager) Triggers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.triggers))
	for id := range m.triggers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OnAdded subscribes fn to alerts that became visible.
func (m *Manager) OnAdded(fn func(alert.Record)) func() { return m.added.Subscribe(fn) }

// OnRemoved subscribes fn to alerts that expired or were dismissed.
func (m *Manager) OnRemoved(fn func(alert.Record)) func() { return m.removed.Subscribe(fn) }

// Attach starts listening for dismissals from b. Attaching twice is a no-op.
func (m *Manager) Attach(b *banner.Banner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attached[b]; ok {
		return
	}
	m.attached[b] = b.Dismissed().Subscribe(m.handleDismiss)
	m.logger.Debug().
		Str("banner_id", b.ID()).
		Int("attached", len(m.attached)).
		Msg("Banner attached")
}

// Detach stops listening to b. Detaching an unknown banner is a no-op.
func (m *Manager) Detach(b *banner.Banner) {
	m.mu.Lock()
	unsub, ok := m.attached[b]
	delete(m.attached, b)
	m.mu.Unlock()
	if ok {
		unsub()
		m.logger.Debug().
			Str("banner_id", b.ID()).
			Msg("Banner detached")
	}
}

// AttachedCount reports how many banners are attached.
func (m *Manager) AttachedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.attached)
}

// HandleAction runs a backfill when actionID is a tab-creating action.
func (m *Manager) HandleAction(ctx context.Context, actionID string) {
	m.mu.RLock()
	_, ok := m.triggers[actionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.logger.Debug().
		Str("action", actionID).
		Msg("Tab-creating action completed, backfilling")
	m.Backfill(ctx)
}

// Reconcile runs one poll-compare-persist-emit pass. Failures are logged
// and treated as empty results; nothing escapes the pass.
func (m *Manager) Reconcile(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Msg("Reconciliation pass panicked")
		}
	}()
	defer func() {
		m.passes.Add(1)
		m.lastPass.Store(time.Now().UnixNano())
	}()

	service := m.fetchService(ctx)
	prevSet := m.loadSet(ctx, m.keys.Active)
	if len(service) == 0 && len(prevSet) == 0 {
		return
	}
	dismissed := m.loadSet(ctx, m.keys.Dismissed)
	serviceIdx := alert.Index(service)

	for _, p := range m.decode(prevSet, m.keys.Active) {
		_, live := serviceIdx[p.ID()]
		_, gone := dismissed[p.ID()]
		if !live && !gone {
			m.logger.Info().
				Str("alert_id", p.ID()).
				Msg("Alert expired")
			m.removed.Emit(p)
		}
	}

	kept := m.pruneDismissed(ctx, dismissed, serviceIdx)

	var fresh []alert.Record
	for _, s := range service {
		if _, ok := kept[s.ID()]; ok {
			continue
		}
		if _, ok := prevSet[s.ID()]; ok {
			continue
		}
		fresh = append(fresh, s)
	}

	m.saveSet(ctx, "replace active", m.keys.Active, alert.NewSet(service))

	for _, r := range fresh {
		m.logger.Info().
			Str("alert_id", r.ID()).
			Str("kind", r.Kind()).
			Int("priority", r.Priority()).
			Msg("Alert added")
		m.added.Emit(r)
		m.Backfill(ctx)
		m.notify(ctx, r)
	}
}

// pruneDismissed drops dismissals the server no longer reports. The set is
// re-read under the lock so a dismissal that lands mid-pass survives.
func (m *Manager) pruneDismissed(ctx context.Context, dismissed alert.Set, live map[string]alert.Record) alert.Set {
	kept := onlyLive(dismissed, live)
	err := m.lock.Do(ctx, func() error {
		current, err := store.LoadSet(ctx, m.store, m.keys.Dismissed)
		if err != nil {
			return err
		}
		kept = onlyLive(current, live)
		return store.SaveSet(ctx, m.store, m.keys.Dismissed, kept)
	})
	if err != nil {
		m.logFailure(err, "prune dismissed")
	}
	return kept
}

func onlyLive(set alert.Set, live map[string]alert.Record) alert.Set {
	out := alert.Set{}
	for id, w := range set {
		if _, ok := live[id]; ok {
			out[id] = w
		}
	}
	return out
}

// Backfill gives every open tab without a banner one seeded with the
// active, undismissed alerts.
func (m *Manager) Backfill(ctx context.Context) {
	active := m.loadSet(ctx, m.keys.Active)
	if len(active) == 0 {
		return
	}
	dismissed := m.loadSet(ctx, m.keys.Dismissed)
	var remainder []alert.Record
	for _, r := range m.decode(active, m.keys.Active) {
		if _, ok := dismissed[r.ID()]; !ok {
			remainder = append(remainder, r)
		}
	}
	if len(remainder) == 0 || m.shell == nil {
		return
	}

	for _, tab := range m.shell.Tabs() {
		if tab.Closed() || tab.HasBanner() {
			continue
		}
		if err := m.mountBanner(tab, remainder); err != nil {
			m.logger.Warn().
				Err(err).
				Str("tab_id", tab.ID()).
				Msg("Failed to add alert banner to tab")
		}
	}
}

func (m *Manager) mountBanner(tab Tab, alerts []alert.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("tab panicked while mounting banner")
		}
	}()

	var b *banner.Banner
	b, err = banner.New(alerts, m,
		banner.WithLogger(m.logger.With().Str("tab_id", tab.ID()).Logger()),
		banner.WithRenderer(tab.Render),
		banner.OnClose(func() { tab.Unmount(b) }),
	)
	if err != nil {
		return err
	}
	if err := tab.Mount(b); err != nil {
		b.Dispose()
		return err
	}
	m.logger.Debug().
		Str("tab_id", tab.ID()).
		Str("banner_id", b.ID()).
		Int("alerts", len(alerts)).
		Msg("Banner added to tab")
	return nil
}

// Dismiss records r as dismissed and removes it from every banner.
func (m *Manager) Dismiss(ctx context.Context, r alert.Record) {
	err := m.lock.Do(ctx, func() error {
		dismissed, err := store.LoadSet(ctx, m.store, m.keys.Dismissed)
		if err != nil {
			return err
		}
		dismissed[r.ID()] = r.Wire()
		return store.SaveSet(ctx, m.store, m.keys.Dismissed, dismissed)
	})
	if err != nil {
		m.logFailure(err, "persist dismissal")
	}
	m.logger.Info().
		Str("alert_id", r.ID()).
		Msg("Alert dismissed")
	m.removed.Emit(r)
}

func (m *Manager) handleDismiss(r alert.Record) {
	m.Dismiss(context.Background(), r)
}

// Snapshot returns the persisted active and dismissed sets.
func (m *Manager) Snapshot(ctx context.Context) (active, dismissed alert.Set, err error) {
	active, err = store.LoadSet(ctx, m.store, m.keys.Active)
	if err != nil {
		return nil, nil, err
	}
	dismissed, err = store.LoadSet(ctx, m.store, m.keys.Dismissed)
	if err != nil {
		return nil, nil, err
	}
	return active, dismissed, nil
}

// Passes reports how many passes have run and when the last one ended.
func (m *Manager) Passes() (uint64, time.Time) {
	last := m.lastPass.Load()
	if last == 0 {
		return m.passes.Load(), time.Time{}
	}
	return m.passes.Load(), time.Unix(0, last)
}

func (m *Manager) fetchService(ctx context.Context) []alert.Record {
	records, err := m.fetcher.FetchAlerts(ctx)
	if err != nil {
		m.logger.Error().
			Err(err).
			Str("kind", backend.Kind(err)).
			Msg("Failed to fetch alerts from server")
		return nil
	}
	return records
}

func (m *Manager) loadSet(ctx context.Context, key string) alert.Set {
	set, err := store.LoadSet(ctx, m.store, key)
	if err != nil {
		m.logFailure(err, "fetch "+key)
		return alert.Set{}
	}
	return set
}

func (m *Manager) saveSet(ctx context.Context, op, key string, set alert.Set) {
	err := m.lock.Do(ctx, func() error {
		return store.SaveSet(ctx, m.store, key, set)
	})
	if err != nil {
		m.logFailure(err, op)
	}
}

func (m *Manager) decode(set alert.Set, key string) []alert.Record {
	records, err := set.Records()
	if err != nil {
		m.logger.Warn().
			Err(err).
			Str("key", key).
			Msg("Ignoring undecodable persisted alerts")
	}
	return records
}

func (m *Manager) notify(ctx context.Context, r alert.Record) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, r); err != nil {
		m.logger.Warn().
			Err(err).
			Str("alert_id", r.ID()).
			Msg("Failed to send alert notification")
	}
}

func (m *Manager) logFailure(err error, op string) {
	kind := "store"
	if !errors.Is(err, store.ErrStore) {
		kind = "lock"
	}
	m.logger.Error().
		Err(err).
		Str("kind", kind).
		Str("op", op).
		Msg("Alert state operation failed")
}
