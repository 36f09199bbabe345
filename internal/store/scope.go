package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/ama-gateway/internal/domain"
	"github.com/ashureev/ama-gateway/internal/shared"
)

const (
	pushMaxRetries = 3
	pushBaseDelay  = 100 * time.Millisecond
)

// Scope is a SessionLog handle bound to one session id.
//
// The bound id can be replaced with SetSessionID, for example once a voice
// call resolves its contact session. Scope is safe for concurrent use.
type Scope struct {
	log    SessionLog
	logger *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewScope binds log to sessionID.
func NewScope(log SessionLog, sessionID string, logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{log: log, sessionID: sessionID, logger: logger}
}

// SessionID returns the currently bound session id.
func (s *Scope) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// SetSessionID rebinds the scope to another session.
func (s *Scope) SetSessionID(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
}

// Get returns the raw value at key.
func (s *Scope) Get(ctx context.Context, key string) (json.RawMessage, error) {
	return s.log.Get(ctx, s.SessionID(), key)
}

// GetJSON decodes the value at key into v.
func (s *Scope) GetJSON(ctx context.Context, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Set encodes v and stores it at key.
func (s *Scope) Set(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.log.Set(ctx, s.SessionID(), key, b)
}

// Push encodes v and appends it to the list at key.
// Errors that guarantee nothing was written are retried with exponential
// backoff. Anything else, timeouts included, is returned as is so an item
// the backend may already hold is never appended twice.
func (s *Scope) Push(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s item: %w", key, err)
	}

	sessionID := s.SessionID()
	for i := 0; i < pushMaxRetries; i++ {
		err = s.log.Push(ctx, sessionID, key, b)
		if err == nil {
			return nil
		}
		if !shared.IsUnwrittenStoreError(err) || i == pushMaxRetries-1 {
			break
		}

		delay := pushBaseDelay * time.Duration(1<<i)
		s.logger.Debug("Push rejected before write, retrying",
			"session_id", sessionID,
			"key", key,
			"attempt", i+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("push %s: %w", key, ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}

// List returns the last limit raw items at key.
func (s *Scope) List(ctx context.Context, key string, limit int) ([]json.RawMessage, error) {
	return s.log.List(ctx, s.SessionID(), key, limit)
}

// PushTurn appends a turn to the message history.
func (s *Scope) PushTurn(ctx context.Context, turn domain.Turn) error {
	return s.Push(ctx, domain.KeyMessages, turn)
}

// Turns returns the last limit turns of the message history.
// Items that cannot be decoded are skipped and logged.
func (s *Scope) Turns(ctx context.Context, limit int) ([]domain.Turn, error) {
	items, err := s.List(ctx, domain.KeyMessages, limit)
	if err != nil {
		return nil, err
	}

	turns := make([]domain.Turn, 0, len(items))
	for _, item := range items {
		var t domain.Turn
		if err := json.Unmarshal(item, &t); err != nil {
			s.logger.Warn("skipping malformed history item", "session_id", s.SessionID(), "error", err)
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
