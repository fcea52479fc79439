package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	httpTimeout     = 10 * time.Second
	httpMaxBody     = 4 << 20
	httpMaxPending  = 1000
	missedPath      = "/api/notifications/missed"
	syncPath        = "/api/notifications/sync"
	defaultAttempts = 3
)

// TokenSource supplies the bearer credential for API calls.
type TokenSource interface {
	Token() string
}

// HTTPConfig configures an HTTP store.
type HTTPConfig struct {
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Credentials TokenSource
	BaseURL     string
	MaxDelay    time.Duration
	Attempts    uint
}

// HTTP talks to the relay's notification API. Records added locally are queued
// and pushed on Sync.
type HTTP struct {
	client  *http.Client
	logger  *slog.Logger
	creds   TokenSource
	marks   map[string]time.Time
	base    string
	pending []Record
	delay   time.Duration
	tries   uint
	mu      sync.Mutex
}

// NewHTTP validates cfg and returns an HTTP store.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", u.Scheme)
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credentials are required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: httpTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	return &HTTP{
		client: cfg.HTTPClient,
		logger: cfg.Logger,
		creds:  cfg.Credentials,
		marks:  make(map[string]time.Time),
		base:   strings.TrimSuffix(cfg.BaseURL, "/"),
		delay:  cfg.MaxDelay,
		tries:  cfg.Attempts,
	}, nil
}

// Add queues r for the next Sync. The oldest queued record is dropped when the queue is full.
func (h *HTTP) Add(_ context.Context, r Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) >= httpMaxPending {
		h.logger.Warn("sync queue full, dropping oldest record", "dropped_id", h.pending[0].ID)
		h.pending = h.pending[1:]
	}
	h.pending = append(h.pending, r)
	return nil
}

// Pending returns the number of queued records.
func (h *HTTP) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// FetchMissed fetches records newer than the last fetch for tenantID.
func (h *HTTP) FetchMissed(ctx context.Context, tenantID string) ([]Record, error) {
	if tenantID == "" {
		return nil, ErrNoTenant
	}

	h.mu.Lock()
	since := h.marks[tenantID]
	h.mu.Unlock()

	q := url.Values{}
	q.Set("restaurant_id", tenantID)
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	endpoint := h.base + missedPath + "?" + q.Encode()

	var records []Record
	err := h.do(ctx, http.MethodGet, endpoint, nil, func(body []byte) error {
		if err := json.Unmarshal(body, &records); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decode missed notifications: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	for _, r := range records {
		if r.CreatedAt.After(h.marks[tenantID]) {
			h.marks[tenantID] = r.CreatedAt
		}
	}
	h.mu.Unlock()

	h.logger.Debug("fetched missed notifications", "restaurant_id", tenantID, "count", len(records))
	return records, nil
}

// Sync posts queued records. On failure the queue is kept for the next attempt.
func (h *HTTP) Sync(ctx context.Context) error {
	h.mu.Lock()
	batch := make([]Record, len(h.pending))
	copy(batch, h.pending)
	h.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode sync batch: %w", err)
	}
	if err := h.do(ctx, http.MethodPost, h.base+syncPath, payload, nil); err != nil {
		return err
	}

	h.mu.Lock()
	// Records queued while the request was in flight stay pending.
	if len(h.pending) >= len(batch) {
		h.pending = h.pending[len(batch):]
	} else {
		h.pending = nil
	}
	h.mu.Unlock()

	h.logger.Debug("synced notifications", "count", len(batch))
	return nil
}

// do runs one request with retries. handle receives the body of a 2xx response.
func (h *HTTP) do(ctx context.Context, method, endpoint string, payload []byte, handle func([]byte) error) error {
	return retry.Do(
		func() error {
			var body io.Reader = http.NoBody
			if payload != nil {
				body = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			if token := h.creds.Token(); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			req.Header.Set("Accept", "application/json")
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := h.client.Do(req)
			if err != nil {
				h.logger.Warn("notification API request failed (will retry)", "method", method, "error", err)
				return fmt.Errorf("request: %w", err)
			}
			defer func() {
				if err := resp.Body.Close(); err != nil {
					h.logger.Warn("failed to close response body", "error", err)
				}
			}()

			data, err := io.ReadAll(io.LimitReader(resp.Body, httpMaxBody))
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}

			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				if handle == nil {
					return nil
				}
				return handle(data)
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				h.logger.Warn("notification API server error (will retry)", "status", resp.StatusCode)
				return fmt.Errorf("server error: %d", resp.StatusCode)
			default:
				return retry.Unrecoverable(fmt.Errorf("unexpected status: %d", resp.StatusCode))
			}
		},
		retry.Attempts(h.tries),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(h.delay),
		retry.Context(ctx),
	)
}
