package port

import (
	"context"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
)

// TextExtractor turns raw uploaded bytes into extracted page text.
// PDF and OCR engines live behind this boundary; the core never
// depends on a specific extraction implementation.
type TextExtractor interface {
	// Extract returns the page texts for the given payload. Failures
	// wrap ErrExtractionFailed.
	Extract(ctx context.Context, data []byte, contentType string) (domain.Extraction, error)

	// Supports reports whether the extractor handles the content type.
	Supports(contentType string) bool
}
