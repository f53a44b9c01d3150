// Package banner holds the per-tab alert banner state machine.
package banner

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/labwall/labwall/internal/alert"
	"github.com/labwall/labwall/internal/event"
	"github.com/rs/zerolog"
)

// Manager is the side of the alert manager a banner talks to.
type Manager interface {
	Attach(b *Banner)
	Detach(b *Banner)
	OnAdded(fn func(alert.Record)) (unsubscribe func())
	OnRemoved(fn func(alert.Record)) (unsubscribe func())
}

// View is everything a tab needs to draw the banner.
type View struct {
	BannerID     string `json:"banner_id"`
	AlertID      string `json:"alert_id"`
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	Title        string `json:"title"`
	DismissLabel string `json:"dismiss_label"`
	SwitchLabel  string `json:"switch_label"`
	SwitchHidden bool   `json:"switch_hidden"`
	CountLabel   string `json:"count_label"`
	// Replay increases whenever the shown alert changes so the tab can
	// restart its entry animation even when the text is identical.
	Replay int `json:"replay"`
}

// Banner shows the alerts of one tab and cycles through them by hand.
type Banner struct {
	id     string
	mgr    Manager
	logger zerolog.Logger
	render func(View)

	mu       sync.Mutex
	alerts   []alert.Record
	active   int
	next     int
	replay   int
	view     View
	disposed bool

	unsubAdded   func()
	unsubRemoved func()
	onClose      []func()

	dismissed event.Stream[alert.Record]
}

// Option configures a Banner.
type Option func(*Banner)

// WithRenderer sets the function called with every new view. It runs while
// the banner is locked and must not call back into the banner.
func WithRenderer(fn func(View)) Option {
	return func(b *Banner) { b.render = fn }
}

// WithLogger sets the banner's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Banner) { b.logger = logger }
}

// OnClose registers fn to run once when the banner is disposed.
func OnClose(fn func()) Option {
	return func(b *Banner) { b.onClose = append(b.onClose, fn) }
}

// ErrNoAlerts is returned when a banner would start empty.
var ErrNoAlerts = errors.New("banner needs at least one alert")

// New creates a banner for alerts, registers it with mgr and shows the
// highest priority alert.
func New(alerts []alert.Record, mgr Manager, opts ...Option) (*Banner, error) {
	if len(alerts) == 0 {
		return nil, ErrNoAlerts
	}
	if mgr == nil {
		return nil, errors.New("banner needs a manager")
	}

	b := &Banner{
		id:     uuid.NewString(),
		mgr:    mgr,
		logger: zerolog.Nop(),
		render: func(View) {},
		alerts: append([]alert.Record(nil), alerts...),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With().Str("banner_id", b.id).Logger()
	alert.SortByPriority(b.alerts)

	mgr.Attach(b)
	b.unsubAdded = mgr.OnAdded(b.Add)
	b.unsubRemoved = mgr.OnRemoved(b.Remove)

	b.mu.Lock()
	b.showLocked(0)
	b.mu.Unlock()
	return b, nil
}

// ID returns the banner's random identifier.
func (b *Banner) ID() string { return b.id }

// Dismissed is the stream of alerts the user dismissed from this banner.
func (b *Banner) Dismissed() *event.Stream[alert.Record] { return &b.dismissed }

// Alerts returns a copy of the alerts in display order.
func (b *Banner) Alerts() []alert.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]alert.Record(nil), b.alerts...)
}

// ActiveIndex returns the index of the alert on display.
func (b *Banner) ActiveIndex() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// NextIndex returns the index Next will show.
func (b *Banner) NextIndex() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// View returns the most recent view.
func (b *Banner) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view
}

// Disposed reports whether the banner has been torn down.
func (b *Banner) Disposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

// Show displays the alert at index i. An out-of-range index is logged and
// ignored.
func (b *Banner) Show(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.showLocked(i)
}

// Next shows the alert after the active one, wrapping to the first.
func (b *Banner) Next() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.showLocked(b.next)
}

// Add inserts r unless an alert with the same identity is already shown.
func (b *Banner) Add(r alert.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	if b.indexOf(r.ID()) >= 0 {
		b.logger.Warn().
			Str("alert_id", r.ID()).
			Msg("Ignoring duplicate alert")
		return
	}
	b.alerts = append(b.alerts, r)
	alert.SortByPriority(b.alerts)
	b.showLocked(0)
}

// Remove deletes r. Removing the last alert disposes the banner.
func (b *Banner) Remove(r alert.Record) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	if len(b.alerts) == 0 {
		b.mu.Unlock()
		b.logger.Warn().
			Str("alert_id", r.ID()).
			Msg("Cannot remove alert from an empty banner")
		return
	}
	i := b.indexOf(r.ID())
	if i < 0 {
		b.mu.Unlock()
		b.logger.Debug().
			Str("alert_id", r.ID()).
			Msg("Alert not found for removal")
		return
	}
	b.alerts = append(b.alerts[:i], b.alerts[i+1:]...)
	if len(b.alerts) > 0 {
		b.showLocked(0)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.Dispose()
}

// Dismiss reports the active alert as dismissed. The alert stays on the
// banner until the manager broadcasts its removal.
func (b *Banner) Dismiss() {
	b.mu.Lock()
	if b.disposed || len(b.alerts) == 0 {
		b.mu.Unlock()
		return
	}
	current := b.alerts[b.active]
	b.mu.Unlock()

	b.logger.Info().
		Str("alert_id", current.ID()).
		Msg("Alert dismissed")
	b.dismissed.Emit(current)
}

// Dispose unsubscribes from the manager and releases the tab. Calling it
// more than once has no further effect.
func (b *Banner) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	unsubAdded, unsubRemoved := b.unsubAdded, b.unsubRemoved
	closers := b.onClose
	b.onClose = nil
	b.mu.Unlock()

	if unsubAdded != nil {
		unsubAdded()
	}
	if unsubRemoved != nil {
		unsubRemoved()
	}
	b.mgr.Detach(b)
	for _, fn := range closers {
		fn()
	}
	b.logger.Debug().Msg("Banner disposed")
}

func (b *Banner) showLocked(i int) {
	if i < 0 || i >= len(b.alerts) {
		b.logger.Warn().
			Int("index", i).
			Int("count", len(b.alerts)).
			Msg("Banner index out of range")
		return
	}
	last := b.active
	b.active = i
	b.next = (i + 1) % len(b.alerts)

	current := b.alerts[b.active]
	view := View{
		BannerID:     b.id,
		AlertID:      current.ID(),
		Kind:         current.Kind(),
		Message:      fmt.Sprintf("%s - %s", current.Text(), current.Start()),
		Title:        current.Text(),
		DismissLabel: "Dismiss " + current.Kind(),
	}
	if len(b.alerts) > 1 {
		if last != b.active {
			b.replay++
		}
		view.SwitchLabel = "View " + b.alerts[b.next].Kind()
		view.CountLabel = fmt.Sprintf("%d alerts", len(b.alerts))
	} else {
		view.SwitchHidden = true
		view.CountLabel = "1 alert"
	}
	view.Replay = b.replay
	b.view = view
	b.render(view)
}

func (b *Banner) indexOf(id string) int {
	for i := len(b.alerts) - 1; i >= 0; i-- {
		if b.alerts[i].ID() == id {
			return i
		}
	}
	return -1
}
