package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/adapter/store"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/chunker"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/index"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
)

// RetrievalConfig carries the chunking and ranking knobs consumed by
// the retrieval service.
type RetrievalConfig struct {
	WindowWords  int
	OverlapWords int
	TopK         int
}

// IngestRequest is the input accepted from the upload boundary.
type IngestRequest struct {
	Fingerprint string
	Filename    string
	FileType    string
	SourceBytes int64
	Extraction  domain.Extraction
}

// RetrievalService orchestrates the ingestion-to-retrieval pipeline:
// chunk, embed, index and cache on ingest; embed, search and annotate
// on query. At most one ingest runs per fingerprint at a time; a
// concurrent request for the same fingerprint joins the in-flight work
// instead of duplicating it.
type RetrievalService struct {
	ai       port.AIProvider
	cache    *store.FSCache
	searcher port.ChunkSearcher // optional external search backend
	cfg      RetrievalConfig

	group singleflight.Group

	mu        sync.RWMutex
	published map[string]*publishedDoc
}

// publishedDoc is an immutable cache entry plus its loaded index.
// Once published, queries read it without locking.
type publishedDoc struct {
	entry *domain.CacheEntry
	idx   *index.Flat
}

// flightResult is what an ingest or load flight produces.
type flightResult struct {
	doc     *publishedDoc
	rebuilt bool
}

// NewRetrievalService creates the coordinator. searcher may be nil, in
// which case all queries rank against the in-process flat index.
func NewRetrievalService(ai port.AIProvider, cache *store.FSCache, searcher port.ChunkSearcher, cfg RetrievalConfig) (*RetrievalService, error) {
	if cfg.OverlapWords < 0 || cfg.OverlapWords >= cfg.WindowWords {
		return nil, fmt.Errorf("%w: window_words=%d overlap_words=%d",
			port.ErrInvalidConfig, cfg.WindowWords, cfg.OverlapWords)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	return &RetrievalService{
		ai:        ai,
		cache:     cache,
		searcher:  searcher,
		cfg:       cfg,
		published: make(map[string]*publishedDoc),
	}, nil
}

// Ingest makes a document queryable. A cache hit returns immediately
// without invoking the embedding provider; a miss runs the full
// chunk, embed, index, cache pipeline. The returned bool reports
// whether the cache served the request.
func (s *RetrievalService) Ingest(ctx context.Context, req IngestRequest) (*domain.Document, bool, error) {
	if p, ok := s.lookup(req.Fingerprint); ok {
		return &p.entry.Document, true, nil
	}

	for {
		ch := s.group.DoChan(req.Fingerprint, func() (interface{}, error) {
			return s.loadOrBuild(ctx, req)
		})

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// A concurrent query's load flight can win the key and
				// report the document as missing; retry so the build runs.
				if res.Shared && errors.Is(res.Err, port.ErrDocumentNotIngested) {
					continue
				}
				return nil, false, res.Err
			}
			fr := res.Val.(*flightResult)
			return &fr.doc.entry.Document, !fr.rebuilt, nil
		}
	}
}

// Query retrieves the topK most relevant chunks for a question. It
// fails with ErrDocumentNotIngested when no cache entry and no
// in-flight ingest exists for the fingerprint, and with
// ErrProviderMismatch when the persisted index was produced by a
// different embedding provider than the active one.
func (s *RetrievalService) Query(ctx context.Context, fingerprint, question string, topK int) ([]domain.RetrievedChunk, error) {
	p, err := s.ensure(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = s.cfg.TopK
	}

	queryVector, err := s.ai.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question for %s: %w", fingerprint, err)
	}

	if s.searcher != nil {
		results, err := s.searcher.Search(ctx, fingerprint, queryVector, topK)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", fingerprint, err)
		}
		return results, nil
	}
	results, err := p.idx.Search(queryVector, topK)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", fingerprint, err)
	}
	return results, nil
}

// Entry returns the cache entry for a fingerprint, for operations that
// need the stored text without vector ranking (summaries, stats).
func (s *RetrievalService) Entry(ctx context.Context, fingerprint string) (*domain.CacheEntry, error) {
	if p, ok := s.lookup(fingerprint); ok {
		return p.entry, nil
	}
	entry, err := s.cache.GetEntry(fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrCacheMiss) || errors.Is(err, port.ErrCacheCorrupt) {
			return nil, fmt.Errorf("%w: %s", port.ErrDocumentNotIngested, fingerprint)
		}
		return nil, err
	}
	return entry, nil
}

// ListDocuments returns metadata for every ingested document.
func (s *RetrievalService) ListDocuments() ([]domain.Document, error) {
	return s.cache.List()
}

// Invalidate removes a document from the cache and all search
// backends. This is the explicit regeneration path; nothing is ever
// auto-deleted on mismatch or corruption.
func (s *RetrievalService) Invalidate(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	delete(s.published, fingerprint)
	s.mu.Unlock()

	if s.searcher != nil {
		if err := s.searcher.Remove(ctx, fingerprint); err != nil {
			slog.Warn("remove from search backend failed", "fingerprint", fingerprint, "error", err)
		}
	}
	return s.cache.Invalidate(fingerprint)
}

// Regenerate re-ingests a document from its stored extraction,
// replacing chunks, vectors and index. Used after an embedding
// provider upgrade made the persisted index unusable.
func (s *RetrievalService) Regenerate(ctx context.Context, fingerprint string) (*domain.Document, error) {
	entry, err := s.cache.GetEntry(fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrCacheMiss) || errors.Is(err, port.ErrCacheCorrupt) {
			return nil, fmt.Errorf("%w: %s", port.ErrDocumentNotIngested, fingerprint)
		}
		return nil, err
	}
	if err := s.Invalidate(ctx, fingerprint); err != nil {
		return nil, err
	}
	doc, _, err := s.Ingest(ctx, IngestRequest{
		Fingerprint: fingerprint,
		Filename:    entry.Document.Filename,
		FileType:    entry.Document.FileType,
		SourceBytes: entry.Document.SourceBytes,
		Extraction:  domain.Extraction{Pages: entry.Pages},
	})
	return doc, err
}

// lookup returns the published document for a fingerprint, if any.
func (s *RetrievalService) lookup(fingerprint string) (*publishedDoc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.published[fingerprint]
	return p, ok
}

func (s *RetrievalService) publish(fingerprint string, p *publishedDoc) {
	s.mu.Lock()
	s.published[fingerprint] = p
	s.mu.Unlock()
}

// ensure returns the published document, loading it from the cache if
// needed. The load shares the singleflight key with ingest, so a query
// issued while an ingest is in flight waits for and reuses its result.
func (s *RetrievalService) ensure(ctx context.Context, fingerprint string) (*publishedDoc, error) {
	if p, ok := s.lookup(fingerprint); ok {
		return p, nil
	}

	ch := s.group.DoChan(fingerprint, func() (interface{}, error) {
		p, err := s.loadFromCache(fingerprint)
		if err != nil {
			return nil, err
		}
		return &flightResult{doc: p}, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*flightResult).doc, nil
	}
}

// loadOrBuild serves one ingest flight: reuse the persisted entry when
// it is valid, otherwise rebuild from the extraction. A corrupt entry
// is treated as a miss; a provider mismatch is surfaced so the caller
// can decide to regenerate explicitly.
func (s *RetrievalService) loadOrBuild(ctx context.Context, req IngestRequest) (*flightResult, error) {
	p, err := s.loadFromCache(req.Fingerprint)
	switch {
	case err == nil:
		slog.Info("cache hit", "fingerprint", req.Fingerprint, "chunks", len(p.entry.Chunks))
		return &flightResult{doc: p}, nil
	case errors.Is(err, port.ErrProviderMismatch):
		return nil, err
	case errors.Is(err, port.ErrCacheCorrupt):
		slog.Warn("cache entry corrupt, re-ingesting", "fingerprint", req.Fingerprint, "error", err)
	case errors.Is(err, port.ErrDocumentNotIngested):
		// plain miss
	default:
		return nil, err
	}

	p, err = s.build(ctx, req)
	if err != nil {
		return nil, err
	}
	return &flightResult{doc: p, rebuilt: true}, nil
}

// loadFromCache loads and publishes a persisted entry, validating the
// provider tag against the active embedding provider.
func (s *RetrievalService) loadFromCache(fingerprint string) (*publishedDoc, error) {
	entry, idx, err := s.cache.Get(fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrCacheMiss) {
			return nil, fmt.Errorf("%w: %s", port.ErrDocumentNotIngested, fingerprint)
		}
		return nil, err
	}
	if entry.Provider != s.ai.EmbedderID() {
		return nil, fmt.Errorf("%w: fingerprint %s indexed with %q, active provider is %q",
			port.ErrProviderMismatch, fingerprint, entry.Provider, s.ai.EmbedderID())
	}
	p := &publishedDoc{entry: entry, idx: idx}
	s.publish(fingerprint, p)
	return p, nil
}

// build runs the full miss pipeline. The cache write happens only
// after embedding finished and the context is still live, so a
// cancelled ingest never publishes a partial entry.
func (s *RetrievalService) build(ctx context.Context, req IngestRequest) (*publishedDoc, error) {
	start := time.Now()

	text := req.Extraction.Text()
	if chunker.WordCount(text) == 0 {
		return nil, fmt.Errorf("%w: fingerprint %s has no extractable text", port.ErrExtractionFailed, req.Fingerprint)
	}

	chunks, err := chunker.Split(text, s.cfg.WindowWords, s.cfg.OverlapWords)
	if err != nil {
		return nil, err
	}
	chunker.Attribute(chunks, req.Extraction.Pages)
	for i := range chunks {
		chunks[i].DocFingerprint = req.Fingerprint
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.ai.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d chunks for %s: %w", len(chunks), req.Fingerprint, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: provider %s returned empty vectors for %s",
			port.ErrDimensionMismatch, s.ai.EmbedderID(), req.Fingerprint)
	}

	idx := index.New(s.ai.EmbedderID(), len(vectors[0]))
	if err := idx.Add(chunks, vectors); err != nil {
		return nil, fmt.Errorf("index %s: %w", req.Fingerprint, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	entry := &domain.CacheEntry{
		Fingerprint: req.Fingerprint,
		Document: domain.Document{
			Fingerprint: req.Fingerprint,
			Filename:    req.Filename,
			FileType:    req.FileType,
			SourceBytes: req.SourceBytes,
			PageCount:   len(req.Extraction.Pages),
			WordCount:   chunker.WordCount(text),
			CharCount:   len(text),
			IngestedAt:  now,
			Processing:  time.Since(start),
		},
		ExtractedText: text,
		Pages:         req.Extraction.Pages,
		Chunks:        chunks,
		Provider:      s.ai.EmbedderID(),
		CreatedAt:     now,
	}
	if err := s.cache.Put(entry, idx); err != nil {
		return nil, err
	}

	if s.searcher != nil {
		// Mirror into the external backend best-effort; the flat index
		// stays authoritative when this fails.
		if err := s.searcher.IndexChunks(ctx, req.Fingerprint, entry.Provider, chunks, vectors); err != nil {
			slog.Warn("mirror to search backend failed", "fingerprint", req.Fingerprint, "error", err)
		}
	}

	p := &publishedDoc{entry: entry, idx: idx}
	s.publish(req.Fingerprint, p)

	slog.Info("document ingested",
		"fingerprint", req.Fingerprint,
		"pages", entry.Document.PageCount,
		"chunks", len(chunks),
		"words", entry.Document.WordCount,
		"elapsed", time.Since(start),
	)
	return p, nil
}
