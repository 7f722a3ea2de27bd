package port

import "errors"

// Sentinel errors used across ports. Callers match with errors.Is;
// wrapping adds the fingerprint or session the failure belongs to.
var (
	// ErrExtractionFailed means upstream text extraction failed. The
	// ingest is aborted and nothing is written to the cache.
	ErrExtractionFailed = errors.New("text extraction failed")

	// ErrInvalidConfig means the chunking or window configuration is
	// invalid (e.g. overlap >= window). Fails fast, never silently
	// clamped.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrProviderMismatch means a persisted index was produced by a
	// different embedding provider or model version than the active one.
	// The entry stays in the cache; an explicit regenerate is required.
	ErrProviderMismatch = errors.New("embedding provider mismatch")

	// ErrDimensionMismatch means a vector of the wrong length was added
	// to or searched against an index.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrIndexEmpty means search was called before any vectors were added.
	ErrIndexEmpty = errors.New("vector index is empty")

	// ErrDocumentNotIngested means a query arrived for a fingerprint
	// with no cache entry and no in-flight ingest.
	ErrDocumentNotIngested = errors.New("document not ingested")

	// ErrCacheCorrupt means a cache entry failed checksum or shape
	// validation on load. Recovered by treating it as a miss.
	ErrCacheCorrupt = errors.New("cache entry corrupt")

	// ErrGeneration means the generation capability failed before any
	// output was produced.
	ErrGeneration = errors.New("answer generation failed")

	// ErrStreamInterrupted means generation failed mid-stream. The
	// partial output is preserved and returned tagged as incomplete.
	ErrStreamInterrupted = errors.New("answer stream interrupted")
)
