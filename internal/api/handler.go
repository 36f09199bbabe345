// Package api provides the HTTP chat-completion front door.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/ama-gateway/internal/conversation"
	"github.com/ashureev/ama-gateway/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Response messages.
const (
	WelcomeMessage = "Welcome to the Assistant API"
	FailedMessage  = "Failed to process the request."
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ChatRequest is the body of POST /chat-completion.
type ChatRequest struct {
	Q string `json:"q"`
}

// ChatResponse is the body returned by POST /chat-completion.
type ChatResponse struct {
	Data      *string           `json:"data"`
	Error     *string           `json:"error"`
	DebugInfo []json.RawMessage `json:"debug_info,omitempty"`
}

// Handler serves the chat-completion API.
type Handler struct {
	svc     *conversation.Service
	profile conversation.Profile
	device  string
	logger  *slog.Logger
}

// NewHandler creates a Handler. device tags sessions opened through the API.
func NewHandler(svc *conversation.Service, profile conversation.Profile, device string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, profile: profile, device: device, logger: logger}
}

// RegisterRoutes registers the API routes. mw wraps the chat endpoint after
// identity has been established.
func (h *Handler) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Get("/", h.Welcome)
	r.Group(func(r chi.Router) {
		r.Use(identity.Require)
		r.Use(mw...)
		r.Post("/chat-completion", h.ChatCompletion)
	})
}

// Welcome answers GET /.
func (h *Handler) Welcome(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"data": WelcomeMessage})
}

// ChatCompletion runs one conversation turn and returns the final content.
func (h *Handler) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		Error(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	caller := identity.CallerFromContext(r.Context())
	h.logger.Info("Chat completion request",
		"session_id", caller.SessionID,
		"smb_id", caller.SMBID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Q),
	)

	sess := h.svc.Open(r.Context(), conversation.OpenRequest{
		SessionID: caller.SessionID,
		SMBID:     caller.SMBID,
		Device:    h.device,
	})
	defer h.svc.Touch(r.Context(), sess)

	res, err := h.svc.Converse(r.Context(), sess, req.Q, h.profile, nil)
	if err != nil && !errors.Is(err, conversation.ErrEmptyInput) {
		h.logger.Error("Chat completion failed", "session_id", caller.SessionID, "error", err)
	}
	if err != nil || res.Content == "" {
		msg := FailedMessage
		JSON(w, http.StatusOK, ChatResponse{Error: &msg})
		return
	}

	content := res.Content
	JSON(w, http.StatusOK, ChatResponse{Data: &content, DebugInfo: res.Emissions})
}
