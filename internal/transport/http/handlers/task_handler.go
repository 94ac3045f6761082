package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/litminer/backend/internal/core/ports"
	"github.com/litminer/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type TaskHandler struct {
	service ports.TaskService
	logger  *logger.Logger
}

func NewTaskHandler(service ports.TaskService, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{service: service, logger: logger}
}

type generateRequest struct {
	UserQuery        string `json:"user_query"`
	Rows             int    `json:"rows"`
	ModelName        string `json:"model_name"`
	FieldDefinitions string `json:"field_definitions"`
}

// Generate submits a dataset-generation task and returns its ID immediately.
func (h *TaskHandler) Generate(c *fiber.Ctx) error {
	var req generateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	taskID, err := h.service.SubmitGeneration(c.UserContext(), ports.SubmitGenerationInput{
		UserQuery:        req.UserQuery,
		Rows:             req.Rows,
		ModelName:        req.ModelName,
		FieldDefinitions: req.FieldDefinitions,
	})
	if err != nil {
		h.logger.Warnw("task_submit_rejected", "error", err)
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"task_id": taskID,
		"status":  "PENDING",
	})
}

// GetStatus polls the worker pool's result store.
func (h *TaskHandler) GetStatus(c *fiber.Ctx) error {
	record, err := h.service.GetTask(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "task not found")
		}
		return err
	}
	return c.JSON(record)
}

// Revoke cancels a queued task; with ?terminate=true it also cancels one
// already executing.
func (h *TaskHandler) Revoke(c *fiber.Ctx) error {
	terminate := c.QueryBool("terminate")
	if err := h.service.RevokeTask(c.UserContext(), c.Params("id"), terminate); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "task not found")
		}
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	return c.JSON(fiber.Map{"task_id": c.Params("id"), "revoked": true})
}
