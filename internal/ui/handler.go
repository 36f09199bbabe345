// Package ui serves the interactive chat front door over Server-Sent Events.
package ui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ashureev/ama-gateway/internal/api"
	"github.com/ashureev/ama-gateway/internal/conversation"
	"github.com/ashureev/ama-gateway/internal/domain"
	"github.com/ashureev/ama-gateway/internal/identity"
	"github.com/go-chi/chi/v5"
)

// SSE event names.
const (
	EventTurn = "turn"
	EventDone = "done"
)

// ChatRequest is the body of POST /ui/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// DoneEvent closes a chat stream.
type DoneEvent struct {
	Content string `json:"content"`
	Outcome string `json:"outcome"`
}

// Handler serves the UI routes.
type Handler struct {
	svc     *conversation.Service
	profile conversation.Profile
	device  string
	page    http.Handler
	logger  *slog.Logger
}

// NewHandler creates a UI Handler.
func NewHandler(svc *conversation.Service, profile conversation.Profile, device string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, profile: profile, device: device, logger: logger}
}

// WithPage serves page under /ui/ without requiring identity.
func (h *Handler) WithPage(page http.Handler) *Handler {
	h.page = page
	return h
}

// RegisterRoutes registers the UI routes under /ui.
func (h *Handler) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/ui", func(r chi.Router) {
		if h.page != nil {
			r.Handle("/*", http.StripPrefix("/ui", h.page))
		}
		r.Group(func(r chi.Router) {
			r.Use(identity.Require)
			r.Get("/history", h.History)
			r.With(mw...).Post("/chat", h.Chat)
		})
	})
}

// History returns the recent turns of the caller's session.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	caller := identity.CallerFromContext(r.Context())
	sess := h.svc.Open(r.Context(), conversation.OpenRequest{
		SessionID: caller.SessionID,
		SMBID:     caller.SMBID,
		Device:    h.device,
	})

	turns := h.svc.History(r.Context(), sess, h.profile.HistoryLimit)
	if turns == nil {
		turns = []domain.Turn{}
	}
	api.JSON(w, http.StatusOK, map[string]any{"data": turns})
}

// Chat runs one turn and streams every turn as it is persisted.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		api.Error(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	caller := identity.CallerFromContext(r.Context())
	sess := h.svc.Open(r.Context(), conversation.OpenRequest{
		SessionID: caller.SessionID,
		SMBID:     caller.SMBID,
		Device:    h.device,
	})
	defer h.svc.Touch(r.Context(), sess)

	stream := &eventStream{w: w, flusher: flusher}
	res, err := h.svc.Converse(r.Context(), sess, req.Message, h.profile, func(_ context.Context, turn domain.Turn) {
		if err := stream.send(EventTurn, turn); err != nil {
			h.logger.Debug("failed to write SSE turn", "session_id", caller.SessionID, "error", err)
		}
	})
	if err != nil && !errors.Is(err, conversation.ErrEmptyInput) {
		h.logger.Error("UI chat failed", "session_id", caller.SessionID, "error", err)
	}

	if err := stream.send(EventDone, DoneEvent{Content: res.Content, Outcome: string(res.Outcome)}); err != nil {
		h.logger.Debug("failed to write SSE done event", "session_id", caller.SessionID, "error", err)
	}
}

// eventStream serializes SSE writes. Turns arrive from the persistence
// goroutine while the handler writes the surrounding events.
type eventStream struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	failed  bool
}

func (s *eventStream) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return io.ErrClosedPipe
	}
	if err := writeSSE(s.w, event, string(data)); err != nil {
		s.failed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
