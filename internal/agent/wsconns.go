package agent

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// connRegistry tracks the live websocket per session key. A reconnect for
// the same session replaces, and closes, the previous connection.
type connRegistry struct {
	mu     sync.Mutex
	active map[string]*websocket.Conn
}

func newConnRegistry() *connRegistry {
	return &connRegistry{active: make(map[string]*websocket.Conn)}
}

func (m *connRegistry) register(sessionKey string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[sessionKey]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[sessionKey] = conn
	slog.Debug("chat websocket registered", "session_id", sessionKey)
}

func (m *connRegistry) unregister(sessionKey string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[sessionKey]; ok && current == conn {
		delete(m.active, sessionKey)
	}
}

func (m *connRegistry) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *connRegistry) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, conn := range m.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(m.active, key)
	}
}
