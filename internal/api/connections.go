package api

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// closer is the part of a websocket connection the registry needs.
type closer interface {
	Close(code websocket.StatusCode, reason string) error
}

// ConnRegistry tracks the browser connection attached to each live session.
// A session has at most one; a newer connection replaces the older one.
type ConnRegistry struct {
	mu     sync.RWMutex
	active map[string]closer
	logger *slog.Logger
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry(logger *slog.Logger) *ConnRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnRegistry{active: make(map[string]closer), logger: logger}
}

// Active returns the connection attached to sessionID, or nil.
func (m *ConnRegistry) Active(sessionID string) closer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[sessionID]
}

// Register attaches conn to sessionID, closing any previous connection.
func (m *ConnRegistry) Register(sessionID string, conn closer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "session opened elsewhere")
	}
	m.active[sessionID] = conn
	m.logger.Info("Live connection registered", "session_id", sessionID)
}

// Unregister detaches conn if it is still the current one.
func (m *ConnRegistry) Unregister(sessionID string, conn closer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[sessionID]; ok && current == conn {
		delete(m.active, sessionID)
		m.logger.Info("Live connection unregistered", "session_id", sessionID)
	}
}

// CloseSession closes and detaches the connection of sessionID.
func (m *ConnRegistry) CloseSession(sessionID, reason string) {
	m.mu.Lock()
	conn, ok := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, reason)
		m.logger.Info("Live connection closed", "session_id", sessionID, "reason", reason)
	}
}

// Len returns the number of attached connections.
func (m *ConnRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
