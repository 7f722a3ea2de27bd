package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/service"
)

// QueryHandler handles question answering over ingested documents.
type QueryHandler struct {
	retrieval *service.RetrievalService
	conv      *service.ConversationManager
	stream    *service.StreamService
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(retrieval *service.RetrievalService, conv *service.ConversationManager, stream *service.StreamService) *QueryHandler {
	return &QueryHandler{retrieval: retrieval, conv: conv, stream: stream}
}

// Register sets up query routes.
func (h *QueryHandler) Register(router fiber.Router) {
	router.Post("/query", h.Query)
	router.Post("/query/stream", h.QueryStream)
	router.Post("/summarize", h.Summarize)
}

type queryRequest struct {
	Fingerprint string `json:"fingerprint"`
	Question    string `json:"question"`
	SessionID   string `json:"session_id"`
	TopK        int    `json:"top_k"`
}

func (r *queryRequest) validate() error {
	if r.Fingerprint == "" {
		return fmt.Errorf("fingerprint is required")
	}
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("question is required")
	}
	return nil
}

// Query answers a question in one response.
func (h *QueryHandler) Query(c fiber.Ctx) error {
	var req queryRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := req.validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	chunks, err := h.retrieval.Query(c.Context(), req.Fingerprint, req.Question, req.TopK)
	if err != nil {
		return fail(c, err)
	}
	messages, err := h.conv.AssembleContext(c.Context(), req.SessionID, chunks, req.Question)
	if err != nil {
		return fail(c, err)
	}

	answer, elapsed, err := h.stream.Answer(c.Context(), req.SessionID, req.Question, messages)
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"answer":           answer,
		"sources":          sourcesJSON(chunks),
		"session_id":       req.SessionID,
		"response_time_ms": elapsed.Milliseconds(),
	})
}

// QueryStream answers a question as a Server-Sent Events token stream.
// Events: token (one generation unit), done (full answer and timing),
// error (stream failed; a partial answer may precede it).
func (h *QueryHandler) QueryStream(c fiber.Ctx) error {
	var req queryRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := req.validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	chunks, err := h.retrieval.Query(c.Context(), req.Fingerprint, req.Question, req.TopK)
	if err != nil {
		return fail(c, err)
	}
	messages, err := h.conv.AssembleContext(c.Context(), req.SessionID, chunks, req.Question)
	if err != nil {
		return fail(c, err)
	}

	ctx, cancel := context.WithCancel(c.Context())
	events, err := h.stream.StreamAnswer(ctx, req.SessionID, req.Question, messages)
	if err != nil {
		cancel()
		return fail(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	sources := sourcesJSON(chunks)
	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		writeSSE(w, "sources", fiber.Map{"sources": sources})
		if w.Flush() != nil {
			return
		}

		for ev := range events {
			switch {
			case ev.Done && ev.Err != nil:
				writeSSE(w, "error", fiber.Map{
					"error":      ev.Err.Error(),
					"partial":    ev.Answer,
					"incomplete": true,
				})
			case ev.Done:
				writeSSE(w, "done", fiber.Map{
					"answer":           ev.Answer,
					"session_id":       req.SessionID,
					"response_time_ms": ev.Elapsed.Milliseconds(),
				})
			default:
				writeSSE(w, "token", fiber.Map{"token": ev.Token})
			}
			if w.Flush() != nil {
				// Client gone; stop the generation.
				cancel()
				return
			}
		}
	})
}

// Summarize produces a one-paragraph summary of a whole document.
func (h *QueryHandler) Summarize(c fiber.Ctx) error {
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Fingerprint == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "fingerprint is required"})
	}

	entry, err := h.retrieval.Entry(c.Context(), req.Fingerprint)
	if err != nil {
		return fail(c, err)
	}
	summary, elapsed, err := h.stream.Summarize(c.Context(), entry)
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"summary":          summary,
		"fingerprint":      req.Fingerprint,
		"response_time_ms": elapsed.Milliseconds(),
	})
}

func writeSSE(w *bufio.Writer, event string, payload fiber.Map) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal SSE payload", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func sourcesJSON(chunks []domain.RetrievedChunk) []fiber.Map {
	out := make([]fiber.Map, len(chunks))
	for i, chunk := range chunks {
		out[i] = fiber.Map{
			"chunk_index": chunk.Index,
			"page":        chunk.Page,
			"content":     chunk.Text,
			"similarity":  chunk.Score,
		}
	}
	return out
}
