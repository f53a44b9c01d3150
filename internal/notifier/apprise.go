package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labwall/labwall/internal/alert"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrThrottled is returned when a notification is dropped by the limiter.
var ErrThrottled = errors.New("notification rate limit exceeded")

// Toaster shows a short message to every connected user.
type Toaster interface {
	Toast(text string)
}

// Config controls delivery.
type Config struct {
	RatePerSec float64
	Burst      int
	// AppriseURL is an Apprise API notify endpoint, e.g.
	// http://apprise:8000/notify/labwall. Empty disables forwarding.
	AppriseURL string
	// AppriseURLs is sent as the stateless "urls" field when set.
	AppriseURLs string
}

// Notifier sends user-facing alert notifications: a toast in every tab and
// an optional Apprise forward.
type Notifier struct {
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	toaster Toaster
	cfg     Config
}

// NewNotifier creates a notifier. toaster may be nil.
func NewNotifier(toaster Toaster, cfg Config, logger zerolog.Logger) *Notifier {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	return &Notifier{
		logger:  logger.With().Str("component", "notifier").Logger(),
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		toaster: toaster,
		cfg:     cfg,
	}
}

// FormatMessage renders the notification text for an alert.
func FormatMessage(r alert.Record) string {
	return fmt.Sprintf("Alert - %s     %s", r.Text(), r.Start())
}

// Notify delivers a notification for r. Delivery is best effort: the toast
// is always attempted and a forwarding failure is returned for logging.
func (n *Notifier) Notify(ctx context.Context, r alert.Record) error {
	if !n.limiter.Allow() {
		return ErrThrottled
	}
	message := FormatMessage(r)

	if n.toaster != nil {
		n.toaster.Toast(message)
	}

	if n.cfg.AppriseURL == "" {
		n.logger.Debug().
			Str("alert_id", r.ID()).
			Msg("Apprise not configured, toast only")
		return nil
	}
	if err := n.sendToApprise(ctx, message); err != nil {
		return err
	}
	n.logger.Info().
		Str("alert_id", r.ID()).
		Msg("Notification forwarded")
	return nil
}

// sendToApprise posts a message to the Apprise API.
func (n *Notifier) sendToApprise(ctx context.Context, message string) error {
	payload := map[string]string{
		"title":  "Notebook alert",
		"body":   message,
		"type":   "warning",
		"format": "text",
	}
	if urls := strings.TrimSpace(n.cfg.AppriseURLs); urls != "" {
		payload["urls"] = urls
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.AppriseURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("apprise API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
