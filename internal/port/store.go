package port

import (
	"context"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
)

// SessionStore persists conversation turns keyed by session ID so chat
// history survives process restarts.
type SessionStore interface {
	AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error)
	// PruneTurns deletes the oldest turns beyond keep for the session.
	PruneTurns(ctx context.Context, sessionID string, keep int) error
	ClearSession(ctx context.Context, sessionID string) error
}

// ChunkSearcher is an optional external similarity-search backend
// (e.g. pgvector). When configured, ingest mirrors chunk vectors into
// it and queries search there instead of the in-process flat index.
type ChunkSearcher interface {
	IndexChunks(ctx context.Context, fingerprint, provider string, chunks []domain.Chunk, vectors [][]float32) error
	Search(ctx context.Context, fingerprint string, queryVector []float32, k int) ([]domain.RetrievedChunk, error)
	Remove(ctx context.Context, fingerprint string) error
}
