package handler

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
)

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, port.ErrDocumentNotIngested):
		return fiber.StatusNotFound
	case errors.Is(err, port.ErrProviderMismatch):
		return fiber.StatusConflict
	case errors.Is(err, port.ErrExtractionFailed):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, port.ErrInvalidConfig):
		return fiber.StatusBadRequest
	case errors.Is(err, port.ErrCacheCorrupt):
		return fiber.StatusInternalServerError
	case errors.Is(err, port.ErrGeneration), errors.Is(err, port.ErrStreamInterrupted):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// fail writes a JSON error response with the mapped status code.
func fail(c fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
}
