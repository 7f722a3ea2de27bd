package handler

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/service"
)

// SessionHandler handles conversation session lifecycle.
type SessionHandler struct {
	conv *service.ConversationManager
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(conv *service.ConversationManager) *SessionHandler {
	return &SessionHandler{conv: conv}
}

// Register sets up session routes.
func (h *SessionHandler) Register(router fiber.Router) {
	sessions := router.Group("/sessions")
	sessions.Post("/", h.Create)
	sessions.Get("/:id/history", h.History)
	sessions.Delete("/:id", h.Clear)
}

// Create mints a new session identifier. Sessions hold state lazily;
// nothing is stored until the first exchange completes.
func (h *SessionHandler) Create(c fiber.Ctx) error {
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"session_id": uuid.NewString(),
	})
}

// History returns the session's conversation window in order.
func (h *SessionHandler) History(c fiber.Ctx) error {
	turns, err := h.conv.History(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}

	out := make([]fiber.Map, len(turns))
	for i, t := range turns {
		out[i] = fiber.Map{
			"role":             t.Role,
			"content":          t.Content,
			"timestamp":        t.Timestamp.Format(time.RFC3339),
			"response_time_ms": t.ResponseTime.Milliseconds(),
		}
	}
	return c.JSON(fiber.Map{"turns": out, "count": len(out)})
}

// Clear drops the session's history.
func (h *SessionHandler) Clear(c fiber.Ctx) error {
	if err := h.conv.ClearSession(c.Context(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
