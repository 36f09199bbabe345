package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ErrParticipantNotConnected is returned when no connection is registered for
// an identity.
var ErrParticipantNotConnected = errors.New("participant not connected")

const writeTimeout = 5 * time.Second

// Registry tracks the live connection of each participant identity.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*websocket.Conn)}
}

// Register binds conn to identity, closing any connection it replaces.
func (m *Registry) Register(identity string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.active[identity]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "participant replaced")
	}
	m.active[identity] = conn
	slog.Info("Voice participant registered", "identity", identity)
}

// Unregister removes conn if it is still the one bound to identity.
func (m *Registry) Unregister(identity string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.active[identity]; exists && current == conn {
		delete(m.active, identity)
		slog.Info("Voice participant unregistered", "identity", identity)
	}
}

// Send writes frame to the participant.
func (m *Registry) Send(ctx context.Context, identity string, frame Frame) error {
	m.mu.RLock()
	conn, ok := m.active[identity]
	m.mu.RUnlock()
	if !ok {
		return ErrParticipantNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}

// CloseAll closes every registered connection.
func (m *Registry) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for identity, conn := range m.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(m.active, identity)
	}
}
