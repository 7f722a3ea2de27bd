package middleware

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
)

// AuditWriter defines how audit records are persisted.
type AuditWriter interface {
	WriteAudit(action, resource, details, ip string) error
}

// AuditMiddleware records every request for diagnostics.
func AuditMiddleware(writer AuditWriter) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()

		// Capture request data BEFORE handler execution (Fiber reuses context objects)
		method := c.Method()
		path := c.Path()
		ip := c.IP()

		err := c.Next()

		statusCode := c.Response().StatusCode()
		details := map[string]interface{}{
			"status":      statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		detailsJSON, _ := json.Marshal(details)

		// Write audit log asynchronously — all values are captured, safe to use in goroutine
		go func() {
			if writeErr := writer.WriteAudit(method, path, string(detailsJSON), ip); writeErr != nil {
				slog.Error("failed to write audit log", "error", writeErr)
			}
		}()

		return err
	}
}
