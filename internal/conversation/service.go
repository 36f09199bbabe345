// Package conversation holds the session bootstrap and turn handling shared
// by the API, UI and voice front doors.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/ama-gateway/internal/aggregator"
	"github.com/ashureev/ama-gateway/internal/agent"
	"github.com/ashureev/ama-gateway/internal/config"
	"github.com/ashureev/ama-gateway/internal/domain"
	"github.com/ashureev/ama-gateway/internal/store"
)

// ErrEmptyInput is returned by Converse for blank input.
var ErrEmptyInput = errors.New("input is empty")

// AppContextLoader supplies the app context cached on first contact.
// Implemented by contact.Client.
type AppContextLoader interface {
	LoadAppContext(ctx context.Context, sessionID, smbID string) (map[string]any, error)
}

// StaticAppContext builds a minimal app context from the caller identity.
type StaticAppContext struct{}

// LoadAppContext returns the visitor session and business id.
func (StaticAppContext) LoadAppContext(_ context.Context, sessionID, smbID string) (map[string]any, error) {
	return map[string]any{"visitor_session": sessionID, "smb_id": smbID}, nil
}

// Profile bounds the runs of one front door.
type Profile struct {
	Name           string
	Deadline       time.Duration
	RecursionLimit int
	// HistoryLimit caps how many past turns seed the engine. Zero means all.
	HistoryLimit int
	Debug        bool
}

// NewProfile builds a Profile from configuration.
func NewProfile(name string, p config.ProfileConfig, debug bool) Profile {
	return Profile{
		Name:           name,
		Deadline:       p.Timeout,
		RecursionLimit: p.RecursionLimit,
		HistoryLimit:   p.HistoryLimit,
		Debug:          debug,
	}
}

// OpenRequest identifies the caller of a session.
type OpenRequest struct {
	SessionID string
	SMBID     string
	Device    string
}

// Session is an opened conversation.
type Session struct {
	Scope      *store.Scope
	Info       domain.SessionInfo
	AppContext map[string]any
}

// Service wires the session log to the aggregator.
type Service struct {
	log        store.SessionLog
	aggregator *aggregator.Aggregator
	appContext AppContextLoader
	logger     *slog.Logger
}

// NewService creates a Service. A nil loader falls back to StaticAppContext.
func NewService(log store.SessionLog, agg *aggregator.Aggregator, loader AppContextLoader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if loader == nil {
		loader = StaticAppContext{}
	}
	return &Service{log: log, aggregator: agg, appContext: loader, logger: logger}
}

// Open binds a scope to the caller and initialises session metadata.
// Store failures are logged and the session continues with defaults.
func (s *Service) Open(ctx context.Context, req OpenRequest) *Session {
	sess := &Session{Scope: store.NewScope(s.log, req.SessionID, s.logger)}
	s.initialise(ctx, sess, req)
	return sess
}

// Rebind moves an open session to another caller identity.
func (s *Service) Rebind(ctx context.Context, sess *Session, req OpenRequest) {
	sess.Scope.SetSessionID(req.SessionID)
	sess.AppContext = nil
	s.initialise(ctx, sess, req)
}

func (s *Service) initialise(ctx context.Context, sess *Session, req OpenRequest) {
	info := domain.SessionInfo{SessionID: req.SessionID, SMBID: req.SMBID, Device: req.Device}

	var stored domain.SessionInfo
	if err := sess.Scope.GetJSON(ctx, domain.KeySession, &stored); err != nil && !store.IsNotFound(err) {
		s.logger.Error("Failed to get session metadata", "session_id", req.SessionID, "error", err)
	}
	sess.Info = info.Merge(stored)

	if err := sess.Scope.Set(ctx, domain.KeySession, sess.Info); err != nil {
		s.logger.Error("Failed to set session metadata", "session_id", req.SessionID, "error", err)
	}
	if req.SMBID != "" {
		if err := sess.Scope.Set(ctx, domain.KeySMBID, req.SMBID); err != nil {
			s.logger.Error("Failed to set smb_id", "session_id", req.SessionID, "error", err)
		}
	}

	sess.AppContext = s.loadAppContext(ctx, sess)
}

func (s *Service) loadAppContext(ctx context.Context, sess *Session) map[string]any {
	var cached map[string]any
	err := sess.Scope.GetJSON(ctx, domain.KeyAppContext, &cached)
	if err == nil && cached != nil {
		return cached
	}
	if err != nil && !store.IsNotFound(err) {
		s.logger.Error("Failed to get app_context", "session_id", sess.Info.SessionID, "error", err)
	}

	fresh, err := s.appContext.LoadAppContext(ctx, sess.Info.SessionID, sess.Info.SMBID)
	if err != nil {
		s.logger.Warn("Failed to load app context, using defaults", "session_id", sess.Info.SessionID, "error", err)
		fresh, _ = StaticAppContext{}.LoadAppContext(ctx, sess.Info.SessionID, sess.Info.SMBID)
	}
	if err := sess.Scope.Set(ctx, domain.KeyAppContext, fresh); err != nil {
		s.logger.Error("Failed to set app_context", "session_id", sess.Info.SessionID, "error", err)
	}
	return fresh
}

// History returns the last limit turns, or nil if the store fails.
func (s *Service) History(ctx context.Context, sess *Session, limit int) []domain.Turn {
	turns, err := sess.Scope.Turns(ctx, limit)
	if err != nil {
		s.logger.Error("Failed to get messages from session", "session_id", sess.Info.SessionID, "error", err)
		return nil
	}
	return turns
}

// Converse records the user input and runs the engine over the history.
// onTurn sees the recorded user turn first, then each produced turn.
// The returned error is only ErrEmptyInput; engine failures are reported
// through the result's outcome.
func (s *Service) Converse(ctx context.Context, sess *Session, input string, p Profile, onTurn aggregator.TurnObserver) (aggregator.Result, error) {
	if strings.TrimSpace(input) == "" {
		return aggregator.Result{}, ErrEmptyInput
	}

	userTurn := domain.NewUserTurn(input)
	if err := sess.Scope.PushTurn(ctx, userTurn); err != nil {
		s.logger.Error("Failed to push user message", "session_id", sess.Info.SessionID, "error", err)
	}
	if onTurn != nil {
		onTurn(ctx, userTurn)
	}

	history := s.History(ctx, sess, p.HistoryLimit)
	s.logger.Debug("Running conversation turn",
		"session_id", sess.Info.SessionID,
		"profile", p.Name,
		"history_len", len(history),
	)

	return s.aggregator.Run(ctx, aggregator.Request{
		Session:        sess.Scope,
		Input:          input,
		History:        history,
		State:          s.initialState(sess),
		Deadline:       p.Deadline,
		RecursionLimit: p.RecursionLimit,
		Debug:          p.Debug,
		OnTurn:         onTurn,
	}), nil
}

func (s *Service) initialState(sess *Session) agent.State {
	fields := map[string]any{
		"session_id": sess.Info.SessionID,
		"smb_id":     sess.Info.SMBID,
	}
	if sess.AppContext != nil {
		fields["app_context"] = sess.AppContext
	}
	return agent.State{Device: sess.Info.Device, Fields: fields}
}

// Say records an assistant turn that did not come from the engine, such as
// a call greeting.
func (s *Service) Say(ctx context.Context, sess *Session, text string) domain.Turn {
	turn := domain.NewAssistantTurn(text, nil, "")
	if err := sess.Scope.PushTurn(ctx, turn); err != nil {
		s.logger.Error("Failed to push message to session", "session_id", sess.Info.SessionID, "error", err)
	}
	return turn
}

// Touch records the last access time.
func (s *Service) Touch(ctx context.Context, sess *Session) {
	if err := sess.Scope.Set(ctx, domain.KeyLastAccess, time.Now().Format(time.RFC3339)); err != nil {
		s.logger.Error("Failed to update session on exit", "session_id", sess.Info.SessionID, "error", err)
	}
}
