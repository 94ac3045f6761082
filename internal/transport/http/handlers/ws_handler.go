package handlers

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/litminer/backend/internal/core/services"
	"github.com/litminer/backend/internal/infrastructure/logger"
)

// WSHandler accepts duplex-socket clients and keeps them registered for the
// lifetime of the connection. Inbound messages are read and discarded; the
// socket exists for server-push delivery only.
type WSHandler struct {
	registry *services.ConnectionRegistry
	logger   *logger.Logger
}

func NewWSHandler(registry *services.ConnectionRegistry, logger *logger.Logger) *WSHandler {
	return &WSHandler{registry: registry, logger: logger}
}

func (h *WSHandler) Handle(c *websocket.Conn) {
	clientID := c.Params("client_id")
	if clientID == "" {
		h.logger.Warnw("ws_missing_client_id")
		c.Close()
		return
	}

	h.registry.Register(clientID, c)
	defer h.registry.Unregister(clientID)

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
}
