// Package backend polls the notebook server's alert endpoint.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labwall/labwall/internal/alert"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrConnectivity matches failures to reach the backend at all.
	ErrConnectivity = errors.New("backend unreachable")
	// ErrResponse matches non-success responses.
	ErrResponse = errors.New("backend request failed")
	// ErrInvalidPayload matches responses that do not have the alert shape.
	ErrInvalidPayload = errors.New("invalid alert payload")
)

// DefaultNamespace is the URL segment the server extension registers under.
const DefaultNamespace = "jupyterlab_wall"

const genericFailure = "request failed"

// ConnectivityError reports a request that never produced a response.
type ConnectivityError struct {
	URL string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("backend unreachable at %s: %v", e.URL, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

func (e *ConnectivityError) Is(target error) bool { return target == ErrConnectivity }

// ResponseError reports a non-success status. Message carries the server's
// own message when the body had one.
type ResponseError struct {
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *ResponseError) Is(target error) bool { return target == ErrResponse }

const schemaURL = "https://labwall.local/schemas/should_alert.json"

const shouldAlertSchema = `{
  "type": ["object", "null"],
  "properties": {
    "data": {
      "type": ["object", "null"],
      "additionalProperties": {
        "type": "object",
        "required": ["active"],
        "properties": {
          "active": {"type": "boolean"},
          "message": {"type": "string"},
          "priority": {"type": "number"},
          "start": {"type": "string"}
        }
      }
    }
  }
}`

// Client fetches alerts from the server extension.
type Client struct {
	baseURL    string
	namespace  string
	token      string
	httpClient *http.Client
	schema     *jsonschema.Schema
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends an authorization token with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithNamespace overrides the endpoint namespace.
func WithNamespace(ns string) Option {
	return func(c *Client) {
		if ns = strings.Trim(ns, "/ "); ns != "" {
			c.namespace = ns
		}
	}
}

// WithLogger sets the logger used for per-entry warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend base URL is required")
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling alert schema: %w", err)
	}

	c := &Client{
		baseURL:    baseURL,
		namespace:  DefaultNamespace,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		schema:     schema,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(shouldAlertSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(schemaURL)
}

type entry struct {
	Active   bool    `json:"active"`
	Message  string  `json:"message"`
	Priority float64 `json:"priority"`
	Start    string  `json:"start"`
}

type shouldAlertResponse struct {
	Data map[string]entry `json:"data"`
}

// FetchAlerts returns the alerts the server currently reports as active,
// ordered by kind. Inactive entries are dropped. An empty or null body is an
// empty result.
func (c *Client) FetchAlerts(ctx context.Context) ([]alert.Record, error) {
	body, err := c.get(ctx, "should_alert")
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := c.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var resp shouldAlertResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	kinds := make([]string, 0, len(resp.Data))
	for kind := range resp.Data {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	records := make([]alert.Record, 0, len(kinds))
	for _, kind := range kinds {
		e := resp.Data[kind]
		if !e.Active {
			continue
		}
		r, err := alert.FromWire(alert.Wire{
			Type:     kind,
			Message:  e.Message,
			Priority: int(math.Round(e.Priority)),
			Start:    e.Start,
		})
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("kind", kind).
				Msg("Skipping malformed alert entry")
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// Probe calls the extension's example endpoint to check it is installed.
func (c *Client) Probe(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "get_example")
	if err != nil {
		return "", err
	}
	var resp struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return resp.Data, nil
}

// URL returns the full address of an endpoint.
func (c *Client) URL(endpoint string) string {
	return c.baseURL + "/" + c.namespace + "/" + strings.TrimLeft(endpoint, "/")
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	url := c.URL(endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectivityError{URL: url, Err: err}
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &ConnectivityError{URL: url, Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ResponseError{StatusCode: resp.StatusCode, Message: serverMessage(body)}
	}
	return body, nil
}

func serverMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && strings.TrimSpace(payload.Message) != "" {
		return payload.Message
	}
	return genericFailure
}

// Kind classifies a fetch error for logging.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnectivity):
		return "connectivity"
	case errors.Is(err, ErrResponse):
		return "response"
	case errors.Is(err, ErrInvalidPayload):
		return "schema"
	default:
		return "unknown"
	}
}
