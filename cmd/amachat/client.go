package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/ama-gateway/internal/domain"
	"github.com/ashureev/ama-gateway/internal/identity"
	"github.com/ashureev/ama-gateway/internal/ui"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// chatClient talks to the UI endpoints of the gateway.
type chatClient struct {
	cfg  clientConfig
	http *http.Client
}

func newChatClient(cfg clientConfig) *chatClient {
	return &chatClient{
		cfg:  cfg,
		http: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (c *chatClient) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(identity.SessionHeaderName, c.cfg.SessionKey)
	req.Header.Set(identity.SMBHeaderName, c.cfg.SMBKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// History returns the recent turns of the session.
func (c *chatClient) History(ctx context.Context) ([]domain.Turn, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/ui/history", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get history: status %d", resp.StatusCode)
	}
	var out struct {
		Data []domain.Turn `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return out.Data, nil
}

// Send posts message and calls onTurn for every streamed turn. It returns
// the closing done event.
func (c *chatClient) Send(ctx context.Context, message string, onTurn func(domain.Turn)) (ui.DoneEvent, error) {
	body, err := json.Marshal(ui.ChatRequest{Message: message})
	if err != nil {
		return ui.DoneEvent{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/ui/chat", body)
	if err != nil {
		return ui.DoneEvent{}, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return ui.DoneEvent{}, fmt.Errorf("post chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ui.DoneEvent{}, fmt.Errorf("post chat: status %d", resp.StatusCode)
	}

	var done ui.DoneEvent
	err = readSSE(resp.Body, func(event, data string) error {
		switch event {
		case ui.EventTurn:
			var turn domain.Turn
			if err := json.Unmarshal([]byte(data), &turn); err != nil {
				return fmt.Errorf("decode turn: %w", err)
			}
			onTurn(turn)
		case ui.EventDone:
			if err := json.Unmarshal([]byte(data), &done); err != nil {
				return fmt.Errorf("decode done: %w", err)
			}
		}
		return nil
	})
	return done, err
}

func readSSE(r io.Reader, fn func(event, data string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var event string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event != "" || len(data) > 0 {
				if err := fn(event, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}

// voiceURL converts the server base URL into the voice socket URL.
func voiceURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/voice"
	return u.String(), nil
}
