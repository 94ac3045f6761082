package http

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/litminer/backend/internal/config"
	"github.com/litminer/backend/internal/core/ports"
	"github.com/litminer/backend/internal/core/services"
	"github.com/litminer/backend/internal/infrastructure/broker"
	"github.com/litminer/backend/internal/infrastructure/db"
	"github.com/litminer/backend/internal/infrastructure/logger"
	"github.com/litminer/backend/internal/infrastructure/queue"
	"github.com/litminer/backend/internal/transport/http/handlers"
	httpmw "github.com/litminer/backend/internal/transport/http/middleware"
	"gorm.io/gorm"
)

type RouterConfig struct {
	DB     *gorm.DB
	Bus    *broker.EventBus
	Queue  *queue.TaskQueue
	Logger *logger.Logger
	Config *config.Config
}

// SetupRoutes wires repositories, services and handlers onto the app and
// returns the connection registry so the caller can drive the websocket
// forwarder.
func SetupRoutes(app *fiber.App, cfg RouterConfig) *services.ConnectionRegistry {
	// Repositories
	taskRepo := db.NewTaskRepository(cfg.DB, cfg.Logger)

	// Services
	taskService := services.NewTaskService(cfg.Queue, taskRepo, cfg.Bus, cfg.Logger)
	registry := services.NewConnectionRegistry(cfg.Logger)

	subscribe := func() ports.EventSubscription { return cfg.Bus.NewSubscription() }
	stream := services.NewStreamDelivery(
		subscribe,
		cfg.Bus.Channels(),
		cfg.Config.Events.KeepaliveInterval,
		cfg.Logger,
	)

	// Handlers
	taskHandler := handlers.NewTaskHandler(taskService, cfg.Logger)
	eventsHandler := handlers.NewEventsHandler(stream, cfg.Logger)
	wsHandler := handlers.NewWSHandler(registry, cfg.Logger)
	healthHandler := handlers.NewHealthHandler(cfg.Bus, registry)

	app.Get("/health", healthHandler.Check)

	// Duplex-socket route
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws/:client_id", websocket.New(wsHandler.Handle))

	// API v1 routes
	api := app.Group("/api/v1")

	api.Post("/datasets/generate", httpmw.AdminAuth(cfg.Config), taskHandler.Generate)

	tasks := api.Group("/tasks")
	tasks.Get("/:id", taskHandler.GetStatus)
	tasks.Delete("/:id", httpmw.AdminAuth(cfg.Config), taskHandler.Revoke)

	// Server-push event streams
	api.Get("/events", eventsHandler.StreamAll)
	api.Get("/events/:id", eventsHandler.StreamTask)

	return registry
}
