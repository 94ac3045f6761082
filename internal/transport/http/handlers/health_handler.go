package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/litminer/backend/internal/core/services"
	"github.com/litminer/backend/internal/infrastructure/broker"
)

// HealthHandler reports broker connectivity and the active duplex-socket
// connection count.
type HealthHandler struct {
	bus      *broker.EventBus
	registry *services.ConnectionRegistry
}

func NewHealthHandler(bus *broker.EventBus, registry *services.ConnectionRegistry) *HealthHandler {
	return &HealthHandler{bus: bus, registry: registry}
}

func (h *HealthHandler) Check(c *fiber.Ctx) error {
	brokerStatus := "connected"
	status := "ok"
	if err := h.bus.Ping(c.UserContext()); err != nil {
		brokerStatus = "disconnected"
		status = "degraded"
	}

	return c.JSON(fiber.Map{
		"status":             status,
		"broker":             brokerStatus,
		"active_connections": h.registry.Count(),
	})
}
