package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
)

// PgVectorSearcher implements port.ChunkSearcher on top of pgvector.
// Ingest mirrors each document's chunk vectors into the doc_chunks
// table; search runs cosine ranking in the database. Useful when
// several instances share one cache over a network filesystem and the
// in-process flat index would be rebuilt per instance.
type PgVectorSearcher struct {
	store     *PostgresStore
	dimension int
}

// NewPgVectorSearcher creates the searcher and ensures the doc_chunks
// table exists with the configured vector dimension.
func NewPgVectorSearcher(store *PostgresStore, dimension int) (*PgVectorSearcher, error) {
	schema := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS doc_chunks (
		    id BIGSERIAL PRIMARY KEY,
		    fingerprint TEXT NOT NULL,
		    provider TEXT NOT NULL,
		    chunk_index INT NOT NULL,
		    content TEXT NOT NULL,
		    start_word INT NOT NULL,
		    end_word INT NOT NULL,
		    page INT NOT NULL,
		    vector vector(%d) NOT NULL,
		    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_doc_chunks_fingerprint ON doc_chunks(fingerprint);`, dimension)

	if _, err := store.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensure doc_chunks schema: %w", err)
	}
	return &PgVectorSearcher{store: store, dimension: dimension}, nil
}

// IndexChunks replaces the stored vectors for a fingerprint with the
// given chunk set in one transaction.
func (v *PgVectorSearcher) IndexChunks(ctx context.Context, fingerprint, provider string, chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks/vectors length mismatch: %d vs %d", len(chunks), len(vectors))
	}

	tx, err := v.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_chunks WHERE fingerprint = $1`, fingerprint); err != nil {
		return fmt.Errorf("clear chunks for %s: %w", fingerprint, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO doc_chunks (fingerprint, provider, chunk_index, content, start_word, end_word, page, vector)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		if _, err := stmt.ExecContext(ctx,
			fingerprint, provider, c.Index, c.Text, c.StartWord, c.EndWord, c.Page, vectorToString(vectors[i]),
		); err != nil {
			return fmt.Errorf("insert chunk %d for %s: %w", c.Index, fingerprint, err)
		}
	}
	return tx.Commit()
}

// Search performs a cosine similarity search over one document's
// chunks. Equal scores rank by ascending chunk index.
func (v *PgVectorSearcher) Search(ctx context.Context, fingerprint string, queryVector []float32, k int) ([]domain.RetrievedChunk, error) {
	query := `SELECT chunk_index, content, start_word, end_word, page,
	                 1 - (vector <=> $1::vector) AS similarity
	          FROM doc_chunks
	          WHERE fingerprint = $2
	          ORDER BY vector <=> $1::vector ASC, chunk_index ASC
	          LIMIT $3`

	rows, err := v.store.db.QueryContext(ctx, query, vectorToString(queryVector), fingerprint, k)
	if err != nil {
		return nil, fmt.Errorf("search chunks for %s: %w", fingerprint, err)
	}
	defer rows.Close()

	var results []domain.RetrievedChunk
	for rows.Next() {
		rc := domain.RetrievedChunk{Chunk: domain.Chunk{DocFingerprint: fingerprint}}
		if err := rows.Scan(&rc.Index, &rc.Text, &rc.StartWord, &rc.EndWord, &rc.Page, &rc.Score); err != nil {
			return nil, fmt.Errorf("scan chunk for %s: %w", fingerprint, err)
		}
		results = append(results, rc)
	}
	return results, rows.Err()
}

// Remove deletes all stored chunks for a fingerprint.
func (v *PgVectorSearcher) Remove(ctx context.Context, fingerprint string) error {
	_, err := v.store.db.ExecContext(ctx, `DELETE FROM doc_chunks WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return fmt.Errorf("remove chunks for %s: %w", fingerprint, err)
	}
	return nil
}

// vectorToString converts a float32 slice to pgvector string format: [0.1,0.2,0.3].
func vectorToString(v []float32) string {
	parts := make([]string, len(v))
	for i, val := range v {
		parts[i] = fmt.Sprintf("%g", val)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
