// Package contact talks to the utility API that maps phone numbers to
// visitor sessions and serves per-business app context.
package contact

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
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrNotConfigured is returned when no base URL is set.
var ErrNotConfigured = errors.New("contact API not configured")

// ErrRejected is returned when the API answers with success=false.
var ErrRejected = errors.New("contact API rejected request")

// Session identifies the visitor session created for a caller.
type Session struct {
	SessionID string `json:"session_id"`
	SMBID     string `json:"smb_id"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

// Client calls the utility API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client for baseURL. Requests are traced with otelhttp.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "contact " + r.Method + " " + r.URL.Path
				}),
			),
		},
		logger: logger,
	}
}

// CreateSession creates (or reuses) the visitor session for a phone call
// from visitorContact to the business line smbContact.
func (c *Client) CreateSession(ctx context.Context, visitorContact, smbContact string) (Session, error) {
	body, err := json.Marshal(map[string]string{
		"visitor_contact": visitorContact,
		"smb_contact":     smbContact,
	})
	if err != nil {
		return Session{}, fmt.Errorf("encode contact session request: %w", err)
	}

	var s Session
	if err := c.do(ctx, http.MethodPost, "/contact-sessions", nil, body, &s); err != nil {
		return Session{}, err
	}
	if s.SessionID == "" {
		return Session{}, fmt.Errorf("%w: empty session_id", ErrRejected)
	}
	return s, nil
}

// LoadAppContext fetches the app context for a visitor session.
func (c *Client) LoadAppContext(ctx context.Context, sessionID, smbID string) (map[string]any, error) {
	q := url.Values{}
	q.Set("visitor_session", sessionID)
	q.Set("smb_id", smbID)

	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/app-context", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	if c == nil || c.baseURL == "" {
		return ErrNotConfigured
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if !env.Success {
		c.logger.Warn("contact API returned failure", "path", path, "error", env.Error)
		return fmt.Errorf("%w: %s", ErrRejected, env.Error)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}
