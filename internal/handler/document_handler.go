package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/service"
)

// DocumentHandler handles document upload, listing and lifecycle.
type DocumentHandler struct {
	retrieval  *service.RetrievalService
	extractors []port.TextExtractor
	maxBytes   int
}

// NewDocumentHandler creates a new document handler.
func NewDocumentHandler(retrieval *service.RetrievalService, extractors []port.TextExtractor, maxBytes int) *DocumentHandler {
	return &DocumentHandler{retrieval: retrieval, extractors: extractors, maxBytes: maxBytes}
}

// Register sets up document routes.
func (h *DocumentHandler) Register(router fiber.Router) {
	docs := router.Group("/documents")
	docs.Post("/", h.Upload)
	docs.Get("/", h.List)
	docs.Get("/:fingerprint", h.Stats)
	docs.Delete("/:fingerprint", h.Delete)
	docs.Post("/:fingerprint/regenerate", h.Regenerate)
}

// Upload ingests an uploaded file: fingerprint, extract, chunk, embed,
// index. Re-uploading identical content is served from the cache.
func (h *DocumentHandler) Upload(c fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing file field"})
	}
	if h.maxBytes > 0 && fileHeader.Size > int64(h.maxBytes) {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": fmt.Sprintf("file exceeds %d bytes", h.maxBytes),
		})
	}

	f, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unreadable file"})
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unreadable file"})
	}

	contentType := detectContentType(fileHeader.Header.Get("Content-Type"), fileHeader.Filename)
	extractor := h.extractorFor(contentType)
	if extractor == nil {
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
			"error": fmt.Sprintf("unsupported content type %q", contentType),
		})
	}

	extraction, err := extractor.Extract(c.Context(), data, contentType)
	if err != nil {
		return fail(c, err)
	}

	sum := sha256.Sum256(data)
	doc, cached, err := h.retrieval.Ingest(c.Context(), service.IngestRequest{
		Fingerprint: hex.EncodeToString(sum[:]),
		Filename:    fileHeader.Filename,
		FileType:    contentType,
		SourceBytes: fileHeader.Size,
		Extraction:  extraction,
	})
	if err != nil {
		return fail(c, err)
	}

	status := fiber.StatusCreated
	if cached {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"document": documentJSON(*doc),
		"cached":   cached,
	})
}

// List returns metadata for every ingested document, newest first.
func (h *DocumentHandler) List(c fiber.Ctx) error {
	docs, err := h.retrieval.ListDocuments()
	if err != nil {
		return fail(c, err)
	}
	out := make([]fiber.Map, len(docs))
	for i, d := range docs {
		out[i] = documentJSON(d)
	}
	return c.JSON(fiber.Map{"documents": out, "count": len(out)})
}

// Stats returns extraction statistics for one document.
func (h *DocumentHandler) Stats(c fiber.Ctx) error {
	entry, err := h.retrieval.Entry(c.Context(), c.Params("fingerprint"))
	if err != nil {
		return fail(c, err)
	}
	stats := documentJSON(entry.Document)
	stats["chunks"] = len(entry.Chunks)
	stats["provider"] = entry.Provider
	return c.JSON(stats)
}

// Delete removes a document from the cache and search backends.
func (h *DocumentHandler) Delete(c fiber.Ctx) error {
	if err := h.retrieval.Invalidate(c.Context(), c.Params("fingerprint")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Regenerate re-embeds a document with the active provider. This is
// the recovery path after an embedding model upgrade.
func (h *DocumentHandler) Regenerate(c fiber.Ctx) error {
	doc, err := h.retrieval.Regenerate(c.Context(), c.Params("fingerprint"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"document": documentJSON(*doc)})
}

func (h *DocumentHandler) extractorFor(contentType string) port.TextExtractor {
	for _, e := range h.extractors {
		if e.Supports(contentType) {
			return e
		}
	}
	return nil
}

func detectContentType(header, filename string) string {
	if header != "" && header != "application/octet-stream" {
		// strip parameters like charset
		if i := strings.Index(header, ";"); i >= 0 {
			header = header[:i]
		}
		return strings.TrimSpace(header)
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt":
		return "text/plain"
	case ".md", ".markdown":
		return "text/markdown"
	case ".pdf":
		return "application/pdf"
	}
	return "application/octet-stream"
}

func documentJSON(d domain.Document) fiber.Map {
	return fiber.Map{
		"fingerprint":   d.Fingerprint,
		"filename":      d.Filename,
		"file_type":     d.FileType,
		"source_bytes":  d.SourceBytes,
		"page_count":    d.PageCount,
		"word_count":    d.WordCount,
		"char_count":    d.CharCount,
		"ingested_at":   d.IngestedAt.Format(time.RFC3339),
		"processing_ms": d.Processing.Milliseconds(),
	}
}
