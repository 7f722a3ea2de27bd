// Package extract holds text-extraction adapters. PDF and OCR engines
// are external implementations of port.TextExtractor; the plaintext
// adapter here covers text uploads and keeps the boundary exercised.
package extract

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
)

// PlaintextExtractor extracts text/plain and markdown uploads.
// Form feeds (\f) delimit pages; without them the whole payload is one page.
type PlaintextExtractor struct{}

// NewPlaintextExtractor creates the plaintext extractor.
func NewPlaintextExtractor() *PlaintextExtractor {
	return &PlaintextExtractor{}
}

// Supports reports whether the content type is handled here.
func (e *PlaintextExtractor) Supports(contentType string) bool {
	switch normalizeContentType(contentType) {
	case "text/plain", "text/markdown", "":
		return true
	}
	return false
}

// Extract splits the payload into pages of text.
func (e *PlaintextExtractor) Extract(_ context.Context, data []byte, contentType string) (domain.Extraction, error) {
	if !e.Supports(contentType) {
		return domain.Extraction{}, fmt.Errorf("%w: unsupported content type %q", port.ErrExtractionFailed, contentType)
	}
	if !utf8.Valid(data) {
		return domain.Extraction{}, fmt.Errorf("%w: payload is not valid UTF-8 text", port.ErrExtractionFailed)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return domain.Extraction{}, fmt.Errorf("%w: empty document", port.ErrExtractionFailed)
	}

	var pages []domain.Page
	for i, part := range strings.Split(text, "\f") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pages = append(pages, domain.Page{Number: i + 1, Text: part})
	}
	if len(pages) == 0 {
		return domain.Extraction{}, fmt.Errorf("%w: no extractable text", port.ErrExtractionFailed)
	}
	return domain.Extraction{Pages: pages}, nil
}

func normalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
