package handlers

import (
	"bufio"
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/litminer/backend/internal/core/services"
	"github.com/litminer/backend/internal/infrastructure/logger"
	"github.com/valyala/fasthttp"
)

// EventsHandler serves the SSE stream of task status updates.
type EventsHandler struct {
	stream *services.StreamDelivery
	logger *logger.Logger
}

func NewEventsHandler(stream *services.StreamDelivery, logger *logger.Logger) *EventsHandler {
	return &EventsHandler{stream: stream, logger: logger}
}

// StreamAll serves GET /events: every task's updates.
func (h *EventsHandler) StreamAll(c *fiber.Ctx) error {
	return h.serve(c, "")
}

// StreamTask serves GET /events/:id: one task's updates, closing after the
// terminal frame.
func (h *EventsHandler) StreamTask(c *fiber.Ctx) error {
	return h.serve(c, c.Params("id"))
}

func (h *EventsHandler) serve(c *fiber.Ctx, taskID string) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	// Disable intermediary (nginx) buffering.
	c.Set("X-Accel-Buffering", "no")

	stream := h.stream
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		stream.Run(ctx, taskID, newSSESink(w))
	}))
	return nil
}

// sseSink writes frames as SSE blocks. The stream writer exposes no
// connection-level liveness signal, so a vanished client is only detected
// when a write or flush fails; on a quiet stream that is the next keepalive
// ping, bounding detection latency at the keepalive interval.
type sseSink struct {
	w      *bufio.Writer
	failed bool
}

func newSSESink(w *bufio.Writer) *sseSink {
	return &sseSink{w: w}
}

func (s *sseSink) Send(frame services.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := s.w.WriteString("data: " + string(payload) + "\n\n"); err != nil {
		s.failed = true
		return err
	}
	if err := s.w.Flush(); err != nil {
		s.failed = true
		return err
	}
	return nil
}

func (s *sseSink) Alive() bool {
	return !s.failed
}
