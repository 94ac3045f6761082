package services

import (
	"sync"

	"github.com/litminer/backend/internal/infrastructure/logger"
)

// RFC 6455 text frame opcode, matching websocket.TextMessage.
const textMessageType = 1

// Conn is the slice of a websocket connection the registry needs.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ConnectionRegistry tracks duplex-socket clients by client ID. At most one
// active connection exists per client: registering a second one closes and
// replaces the first. Map mutations happen under the lock; payload sends do
// not, so a slow send never blocks other registrations.
type ConnectionRegistry struct {
	mu    sync.Mutex
	conns map[string]Conn
	log   *logger.Logger
}

func NewConnectionRegistry(log *logger.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]Conn),
		log:   log,
	}
}

// Register stores the connection, closing any previous connection held under
// the same client ID.
func (r *ConnectionRegistry) Register(clientID string, conn Conn) {
	r.mu.Lock()
	old, exists := r.conns[clientID]
	r.conns[clientID] = conn
	r.mu.Unlock()

	if exists {
		r.log.Warnw("ws_connection_replaced", "client_id", clientID)
		_ = old.Close()
	}
	r.log.Infow("ws_client_connected", "client_id", clientID)
}

// Unregister removes and best-effort closes the client's connection.
func (r *ConnectionRegistry) Unregister(clientID string) {
	r.mu.Lock()
	conn, exists := r.conns[clientID]
	delete(r.conns, clientID)
	r.mu.Unlock()

	if exists {
		_ = conn.Close()
		r.log.Infow("ws_client_disconnected", "client_id", clientID)
	}
}

// Send writes data to one client. Returns false, deregistering the client,
// when it is unknown or the write fails.
func (r *ConnectionRegistry) Send(clientID string, data []byte) bool {
	r.mu.Lock()
	conn, exists := r.conns[clientID]
	r.mu.Unlock()

	if !exists {
		r.log.Warnw("ws_send_unknown_client", "client_id", clientID)
		return false
	}

	if err := conn.WriteMessage(textMessageType, data); err != nil {
		r.log.Warnw("ws_send_failed", "client_id", clientID, "error", err)
		r.Unregister(clientID)
		return false
	}
	return true
}

// Broadcast sends data to every connected client. Snapshot first, then send
// independently: one failing client never stops delivery to the rest.
func (r *ConnectionRegistry) Broadcast(data []byte) {
	r.mu.Lock()
	clientIDs := make([]string, 0, len(r.conns))
	for id := range r.conns {
		clientIDs = append(clientIDs, id)
	}
	r.mu.Unlock()

	for _, id := range clientIDs {
		r.Send(id, data)
	}
}

// Count returns the number of active connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
