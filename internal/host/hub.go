// Package host connects browser tabs to the alert manager over websockets.
// Each connection is one document tab with a single banner slot.
package host

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labwall/labwall/internal/banner"
	"github.com/labwall/labwall/internal/manager"
	"github.com/rs/zerolog"
)

// Frame types exchanged with a tab.
const (
	FrameHello        = "hello"
	FrameAction       = "action"
	FrameDismiss      = "dismiss"
	FrameNext         = "next"
	FrameBanner       = "banner"
	FrameBannerClosed = "banner_closed"
	FrameToast        = "toast"
)

// Frame is one JSON message on a tab connection.
type Frame struct {
	Type string       `json:"type"`
	ID   string       `json:"id,omitempty"`
	View *banner.View `json:"view,omitempty"`
	Text string       `json:"text,omitempty"`
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 4096
	sendBuffer   = 32
)

var (
	errTabClosed   = errors.New("tab is closed")
	errBannerTaken = errors.New("tab already shows a banner")
)

// ActionFunc receives completed host actions reported by tabs.
type ActionFunc func(ctx context.Context, actionID string)

// Hub tracks connected tabs.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.RWMutex
	tabs      map[string]*Tab
	onAction  ActionFunc
	onConnect func(ctx context.Context)
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger: logger.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// tabs are served from the notebook server's own origin, which
			// differs from the agent's listen address
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		tabs:   make(map[string]*Tab),
	}
}

// OnAction sets the handler for action frames.
func (h *Hub) OnAction(fn ActionFunc) {
	h.mu.Lock()
	h.onAction = fn
	h.mu.Unlock()
}

// OnConnect sets a handler run once a new tab is registered. A connecting
// tab is a freshly opened document, so this is where it gets backfilled.
func (h *Hub) OnConnect(fn func(ctx context.Context)) {
	h.mu.Lock()
	h.onConnect = fn
	h.mu.Unlock()
}

// Tabs returns the open tabs ordered by connection time.
func (h *Hub) Tabs() []manager.Tab {
	h.mu.RLock()
	list := make([]*Tab, 0, len(h.tabs))
	for _, t := range h.tabs {
		list = append(list, t)
	}
	h.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].opened.Equal(list[j].opened) {
			return list[i].id < list[j].id
		}
		return list[i].opened.Before(list[j].opened)
	})
	out := make([]manager.Tab, len(list))
	for i, t := range list {
		out[i] = t
	}
	return out
}

// Count reports the number of open tabs.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tabs)
}

// Toast sends a notification to every open tab.
func (h *Hub) Toast(text string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, t := range h.tabs {
		t.enqueue(Frame{Type: FrameToast, Text: text})
	}
}

// ServeWS upgrades the request and serves the tab until it disconnects.
// The tab id comes from the "tab" query parameter or is generated.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("tab")
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().
			Err(err).
			Str("tab_id", id).
			Msg("WebSocket upgrade failed")
		return
	}

	t := &Tab{
		id:     id,
		hub:    h,
		conn:   conn,
		send:   make(chan Frame, sendBuffer),
		done:   make(chan struct{}),
		opened: time.Now(),
		logger: h.logger.With().Str("tab_id", id).Logger(),
	}

	h.mu.Lock()
	previous := h.tabs[id]
	h.tabs[id] = t
	total := len(h.tabs)
	h.mu.Unlock()
	if previous != nil {
		previous.close()
	}

	h.logger.Info().
		Str("tab_id", id).
		Int("total", total).
		Msg("Tab connected")

	t.enqueue(Frame{Type: FrameHello, ID: id})
	go t.writePump()
	h.connected()
	t.readPump()
}

// Close disconnects every tab.
func (h *Hub) Close() {
	h.cancel()
	h.mu.RLock()
	list := make([]*Tab, 0, len(h.tabs))
	for _, t := range h.tabs {
		list = append(list, t)
	}
	h.mu.RUnlock()
	for _, t := range list {
		t.close()
	}
}

func (h *Hub) remove(t *Tab) {
	h.mu.Lock()
	if h.tabs[t.id] == t {
		delete(h.tabs, t.id)
	}
	total := len(h.tabs)
	h.mu.Unlock()
	h.logger.Info().
		Str("tab_id", t.id).
		Int("total", total).
		Msg("Tab disconnected")
}

func (h *Hub) connected() {
	h.mu.RLock()
	fn := h.onConnect
	h.mu.RUnlock()
	if fn != nil {
		fn(h.ctx)
	}
}

func (h *Hub) action(id string) {
	h.mu.RLock()
	fn := h.onAction
	h.mu.RUnlock()
	if fn != nil {
		fn(h.ctx, id)
	}
}
