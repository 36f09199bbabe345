package voice

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/ama-gateway/internal/contact"
	"github.com/ashureev/ama-gateway/internal/conversation"
	"github.com/ashureev/ama-gateway/internal/domain"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ContactResolver maps a caller's phone numbers to a session.
// Implemented by contact.Client.
type ContactResolver interface {
	CreateSession(ctx context.Context, visitorContact, smbContact string) (contact.Session, error)
}

// TurnPublisher mirrors a turn's side-channel items to a participant.
// Implemented by delivery.Publisher.
type TurnPublisher interface {
	PublishTurn(destination string, turn domain.Turn) int
}

// Config configures the voice handler.
type Config struct {
	Profile       conversation.Profile
	DefaultDevice string
	VoIPDevice    string
	Greeting      string

	// LocalAttributes, when set, replace the attributes sent by every
	// participant.
	LocalAttributes map[string]string

	AllowedOrigin string
	IsDev         bool
	JoinTimeout   time.Duration
}

// Handler serves /ws/voice.
type Handler struct {
	svc       *conversation.Service
	registry  *Registry
	publisher TurnPublisher
	resolver  ContactResolver
	cfg       Config
	logger    *slog.Logger
}

// NewHandler creates a voice Handler. resolver may be nil when no contact
// API is configured.
func NewHandler(svc *conversation.Service, registry *Registry, publisher TurnPublisher, resolver ContactResolver, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	return &Handler{
		svc:       svc,
		registry:  registry,
		publisher: publisher,
		resolver:  resolver,
		cfg:       cfg,
		logger:    logger,
	}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Voice connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "call ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx := r.Context()

	join, err := h.readJoin(ctx, ws)
	if err != nil {
		h.logger.Warn("Invalid join frame", "error", err)
		h.writeError(ctx, ws, ErrCodeJoin)
		return
	}

	sess, ok := h.openSession(ctx, join)
	if !ok {
		h.logger.Error("No session was created. Cannot proceed with voice assistant.", "identity", join.Identity)
		h.writeError(ctx, ws, ErrCodeSession)
		return
	}
	req := sess.Info

	h.registry.Register(join.Identity, ws)
	defer h.registry.Unregister(join.Identity, ws)

	defer h.svc.Touch(context.WithoutCancel(ctx), sess)

	h.logger.Info("Voice session started",
		"identity", join.Identity,
		"session_id", req.SessionID,
		"smb_id", req.SMBID,
		"device", req.Device,
	)

	h.greet(ctx, join.Identity, sess)
	h.inputLoop(ctx, ws, join.Identity, sess)

	h.logger.Info("Voice session ended", "identity", join.Identity, "session_id", req.SessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (h *Handler) readJoin(ctx context.Context, ws *websocket.Conn) (Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.JoinTimeout)
	defer cancel()

	var join Frame
	if err := wsjson.Read(ctx, ws, &join); err != nil {
		return Frame{}, err
	}
	if join.Type != FrameJoin {
		return Frame{}, errors.New("first frame must be join, got " + join.Type)
	}
	join.Identity = strings.TrimSpace(join.Identity)
	if join.Identity == "" {
		return Frame{}, errors.New("join frame has no identity")
	}
	return join, nil
}

// openSession opens the session named by the participant attributes.
// Explicit ids open it first; phone attributes rebind it to the contact
// session once the lookup succeeds.
func (h *Handler) openSession(ctx context.Context, join Frame) (*conversation.Session, bool) {
	attrs := join.Attributes
	if h.cfg.LocalAttributes != nil {
		attrs = h.cfg.LocalAttributes
	}
	h.logger.Info("Participant attributes", "identity", join.Identity, "attributes", attrs)

	var sess *conversation.Session
	sid, hasSID := attrs[AttrSessionID]
	smb, hasSMB := attrs[AttrSMBID]
	if hasSID && hasSMB && sid != "" {
		sess = h.svc.Open(ctx, conversation.OpenRequest{SessionID: sid, SMBID: smb, Device: h.cfg.DefaultDevice})
	}

	req, ok := h.lookupPhone(ctx, attrs)
	if !ok {
		return sess, sess != nil
	}
	if sess == nil {
		return h.svc.Open(ctx, req), true
	}
	h.logger.Info("Rebinding voice session to contact", "from", sess.Info.SessionID, "to", req.SessionID)
	h.svc.Rebind(ctx, sess, req)
	return sess, true
}

func (h *Handler) lookupPhone(ctx context.Context, attrs map[string]string) (conversation.OpenRequest, bool) {
	phone, hasPhone := attrs[AttrSIPPhone]
	trunk, hasTrunk := attrs[AttrSIPTrunk]
	if !hasPhone || !hasTrunk {
		return conversation.OpenRequest{}, false
	}
	if h.resolver == nil {
		h.logger.Error("Failed to create contact session.", "error", contact.ErrNotConfigured)
		return conversation.OpenRequest{}, false
	}
	cs, err := h.resolver.CreateSession(ctx, phone, trunk)
	if err != nil || cs.SessionID == "" {
		h.logger.Error("Failed to create contact session.", "error", err)
		return conversation.OpenRequest{}, false
	}
	return conversation.OpenRequest{SessionID: cs.SessionID, SMBID: cs.SMBID, Device: h.cfg.VoIPDevice}, true
}

func (h *Handler) greet(ctx context.Context, identity string, sess *conversation.Session) {
	if h.cfg.Greeting == "" || len(h.svc.History(ctx, sess, 1)) > 0 {
		return
	}
	turn := h.svc.Say(ctx, sess, h.cfg.Greeting)
	if err := h.registry.Send(ctx, identity, Frame{Type: FrameSay, Role: string(turn.Role), Text: turn.Content}); err != nil {
		h.logger.Warn("Failed to send greeting", "identity", identity, "error", err)
	}
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, identity string, sess *conversation.Session) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by participant", "identity", identity)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "identity", identity)
			}
			return
		}

		switch frame.Type {
		case FrameTranscript:
			h.converse(ctx, identity, sess, frame.Text)
		default:
			h.logger.Debug("Ignoring voice frame", "identity", identity, "type", frame.Type)
		}
	}
}

func (h *Handler) converse(ctx context.Context, identity string, sess *conversation.Session, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	res, err := h.svc.Converse(ctx, sess, text, h.cfg.Profile, func(ctx context.Context, turn domain.Turn) {
		if turn.Role == domain.RoleUser {
			return
		}
		if turn.Content != "" {
			if err := h.registry.Send(ctx, identity, Frame{Type: FrameReply, Role: string(turn.Role), Text: turn.Content}); err != nil {
				h.logger.Warn("Failed to send reply", "identity", identity, "error", err)
			}
		}
		if h.publisher != nil {
			h.publisher.PublishTurn(identity, turn)
		}
	})
	if err != nil {
		h.logger.Debug("Transcript not processed", "identity", identity, "error", err)
		return
	}
	h.logger.Debug("Transcript processed",
		"identity", identity,
		"outcome", res.Outcome,
		"turns", len(res.Turns),
	)
}

func (h *Handler) writeError(ctx context.Context, ws *websocket.Conn, code string) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, Frame{Type: FrameError, Error: code}); err != nil {
		h.logger.Debug("Failed to send error frame", "code", code, "error", err)
	}
}
