package host

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labwall/labwall/internal/banner"
	"github.com/rs/zerolog"
)

// Tab is one connected browser tab.
type Tab struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan Frame
	done   chan struct{}
	opened time.Time
	logger zerolog.Logger

	mu        sync.Mutex
	closed    bool
	banner    *banner.Banner
	closeOnce sync.Once
}

func (t *Tab) ID() string { return t.id }

func (t *Tab) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Tab) HasBanner() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.banner != nil
}

// Render forwards v if it belongs to the mounted banner.
func (t *Tab) Render(v banner.View) {
	t.mu.Lock()
	mounted := t.banner != nil && t.banner.ID() == v.BannerID
	t.mu.Unlock()
	if mounted {
		t.enqueue(Frame{Type: FrameBanner, View: &v})
	}
}

// Mount claims the header region for b and sends its current view.
func (t *Tab) Mount(b *banner.Banner) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTabClosed
	}
	if t.banner != nil {
		t.mu.Unlock()
		return errBannerTaken
	}
	t.banner = b
	t.mu.Unlock()

	v := b.View()
	t.enqueue(Frame{Type: FrameBanner, View: &v})
	return nil
}

// Unmount frees the header region if b holds it.
func (t *Tab) Unmount(b *banner.Banner) {
	t.mu.Lock()
	if t.banner != b {
		t.mu.Unlock()
		return
	}
	t.banner = nil
	t.mu.Unlock()
	t.enqueue(Frame{Type: FrameBannerClosed, ID: b.ID()})
}

func (t *Tab) current() *banner.Banner {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.banner
}

// enqueue never blocks; a tab that cannot keep up loses frames.
func (t *Tab) enqueue(f Frame) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.send <- f:
	default:
		t.logger.Warn().
			Str("frame", f.Type).
			Msg("Tab send buffer full, dropping frame")
	}
}

func (t *Tab) readPump() {
	defer t.close()

	t.conn.SetReadLimit(maxFrameSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := t.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn().Err(err).Msg("Tab connection lost")
			}
			return
		}
		t.handle(f)
	}
}

func (t *Tab) handle(f Frame) {
	switch f.Type {
	case FrameAction:
		t.hub.action(f.ID)
	case FrameDismiss:
		if b := t.current(); b != nil {
			b.Dismiss()
		}
	case FrameNext:
		if b := t.current(); b != nil {
			b.Next()
		}
	default:
		t.logger.Debug().
			Str("frame", f.Type).
			Msg("Ignoring unknown frame")
	}
}

func (t *Tab) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case f := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteJSON(f); err != nil {
				t.logger.Warn().Err(err).Msg("Failed to write to tab")
				t.close()
				return
			}
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				t.close()
				return
			}
		}
	}
}

// close marks the tab closed, disposes its banner and drops the connection.
func (t *Tab) close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		b := t.banner
		t.mu.Unlock()

		close(t.done)
		if b != nil {
			b.Dispose()
		}
		t.hub.remove(t)
		// give the write pump a moment to send the close frame
		time.AfterFunc(100*time.Millisecond, func() { _ = t.conn.Close() })
	})
}
