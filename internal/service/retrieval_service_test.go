package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/adapter/store"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
)

func newTestRetrieval(t *testing.T, ai port.AIProvider, dir string) *RetrievalService {
	t.Helper()
	cache, err := store.NewFSCache(dir)
	require.NoError(t, err)
	svc, err := NewRetrievalService(ai, cache, nil, RetrievalConfig{
		WindowWords:  20,
		OverlapWords: 5,
		TopK:         3,
	})
	require.NoError(t, err)
	return svc
}

func ingestReq(fingerprint string, words int) IngestRequest {
	return IngestRequest{
		Fingerprint: fingerprint,
		Filename:    "doc.txt",
		FileType:    "text/plain",
		SourceBytes: 1234,
		Extraction: domain.Extraction{Pages: []domain.Page{
			{Number: 1, Text: wordText("alpha", words / 2)},
			{Number: 2, Text: wordText("beta", words - words/2)},
		}},
	}
}

func TestIngest_BuildsAndReportsStats(t *testing.T) {
	ai := newFakeAI("fake/embed-v1")
	svc := newTestRetrieval(t, ai, t.TempDir())

	doc, cached, err := svc.Ingest(context.Background(), ingestReq("fp-build", 50))
	require.NoError(t, err)

	assert.False(t, cached)
	assert.Equal(t, "fp-build", doc.Fingerprint)
	assert.Equal(t, 2, doc.PageCount)
	assert.Equal(t, 50, doc.WordCount)
	_, batch := ai.calls()
	assert.Equal(t, 1, batch)
}

func TestIngest_CacheHitSkipsEmbedding(t *testing.T) {
	dir := t.TempDir()
	first := newFakeAI("fake/embed-v1")
	svc := newTestRetrieval(t, first, dir)
	_, _, err := svc.Ingest(context.Background(), ingestReq("fp-hit", 50))
	require.NoError(t, err)

	// Fresh process over the same cache directory and provider.
	second := newFakeAI("fake/embed-v1")
	svc2 := newTestRetrieval(t, second, dir)
	doc, cached, err := svc2.Ingest(context.Background(), ingestReq("fp-hit", 50))
	require.NoError(t, err)

	assert.True(t, cached)
	assert.Equal(t, "fp-hit", doc.Fingerprint)
	embed, batch := second.calls()
	assert.Zero(t, embed, "cache hit must not embed")
	assert.Zero(t, batch, "cache hit must not embed")
}

func TestIngest_ConcurrentSameFingerprintBuildsOnce(t *testing.T) {
	ai := newFakeAI("fake/embed-v1")
	release := make(chan struct{})
	ai.onEmbedBatch = func(ctx context.Context) error {
		<-release
		return nil
	}
	svc := newTestRetrieval(t, ai, t.TempDir())

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = svc.Ingest(context.Background(), ingestReq("fp-race", 50))
		}(i)
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	_, batch := ai.calls()
	assert.Equal(t, 1, batch, "concurrent ingests must share one build")
}

func TestQuery_NotIngested(t *testing.T) {
	svc := newTestRetrieval(t, newFakeAI("fake/embed-v1"), t.TempDir())

	_, err := svc.Query(context.Background(), "fp-missing", "anything", 3)
	assert.ErrorIs(t, err, port.ErrDocumentNotIngested)
}

func TestQuery_ReturnsRankedChunks(t *testing.T) {
	ai := newFakeAI("fake/embed-v1")
	svc := newTestRetrieval(t, ai, t.TempDir())
	_, _, err := svc.Ingest(context.Background(), ingestReq("fp-query", 60))
	require.NoError(t, err)

	results, err := svc.Query(context.Background(), "fp-query", "alpha0 alpha1", 2)
	require.NoError(t, err)

	require.Len(t, results, 2)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
	assert.Equal(t, "fp-query", results[0].DocFingerprint)
	assert.NotZero(t, results[0].Page)
}

func TestQuery_ProviderMismatchKeepsEntry(t *testing.T) {
	dir := t.TempDir()
	svc := newTestRetrieval(t, newFakeAI("fake/embed-v1"), dir)
	_, _, err := svc.Ingest(context.Background(), ingestReq("fp-drift", 50))
	require.NoError(t, err)

	upgraded := newTestRetrieval(t, newFakeAI("fake/embed-v2"), dir)
	_, err = upgraded.Query(context.Background(), "fp-drift", "alpha0", 3)
	assert.ErrorIs(t, err, port.ErrProviderMismatch)

	// The stale entry must survive the mismatch; only an explicit
	// regenerate may replace it.
	entry, err := upgraded.Entry(context.Background(), "fp-drift")
	require.NoError(t, err)
	assert.Equal(t, "fake/embed-v1", entry.Provider)
}

func TestRegenerate_RebuildsWithActiveProvider(t *testing.T) {
	dir := t.TempDir()
	svc := newTestRetrieval(t, newFakeAI("fake/embed-v1"), dir)
	_, _, err := svc.Ingest(context.Background(), ingestReq("fp-regen", 50))
	require.NoError(t, err)

	upgraded := newTestRetrieval(t, newFakeAI("fake/embed-v2"), dir)
	doc, err := upgraded.Regenerate(context.Background(), "fp-regen")
	require.NoError(t, err)
	assert.Equal(t, "fp-regen", doc.Fingerprint)
	assert.Equal(t, 50, doc.WordCount)

	results, err := upgraded.Query(context.Background(), "fp-regen", "alpha0", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, results)

	entry, err := upgraded.Entry(context.Background(), "fp-regen")
	require.NoError(t, err)
	assert.Equal(t, "fake/embed-v2", entry.Provider)
}

func TestIngest_CancelledPublishesNothing(t *testing.T) {
	dir := t.TempDir()
	ai := newFakeAI("fake/embed-v1")
	ctx, cancel := context.WithCancel(context.Background())
	ai.onEmbedBatch = func(context.Context) error {
		cancel() // caller disappears while embedding runs
		return nil
	}
	svc := newTestRetrieval(t, ai, dir)

	_, _, err := svc.Ingest(ctx, ingestReq("fp-cancel", 50))
	require.Error(t, err)

	fresh := newTestRetrieval(t, newFakeAI("fake/embed-v1"), dir)
	_, err = fresh.Query(context.Background(), "fp-cancel", "alpha0", 3)
	assert.ErrorIs(t, err, port.ErrDocumentNotIngested, "cancelled ingest must leave no entry behind")
}

func TestIngest_EmptyTextFails(t *testing.T) {
	svc := newTestRetrieval(t, newFakeAI("fake/embed-v1"), t.TempDir())

	_, _, err := svc.Ingest(context.Background(), IngestRequest{
		Fingerprint: "fp-empty",
		Filename:    "empty.txt",
		Extraction:  domain.Extraction{Pages: []domain.Page{{Number: 1, Text: "   \n  "}}},
	})
	assert.ErrorIs(t, err, port.ErrExtractionFailed)
}

func TestInvalidate_RemovesDocument(t *testing.T) {
	svc := newTestRetrieval(t, newFakeAI("fake/embed-v1"), t.TempDir())
	_, _, err := svc.Ingest(context.Background(), ingestReq("fp-gone", 50))
	require.NoError(t, err)

	require.NoError(t, svc.Invalidate(context.Background(), "fp-gone"))

	_, err = svc.Query(context.Background(), "fp-gone", "alpha0", 3)
	assert.ErrorIs(t, err, port.ErrDocumentNotIngested)

	docs, err := svc.ListDocuments()
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestListDocuments_NewestFirst(t *testing.T) {
	svc := newTestRetrieval(t, newFakeAI("fake/embed-v1"), t.TempDir())
	_, _, err := svc.Ingest(context.Background(), ingestReq("fp-a", 30))
	require.NoError(t, err)
	_, _, err = svc.Ingest(context.Background(), ingestReq("fp-b", 30))
	require.NoError(t, err)

	docs, err := svc.ListDocuments()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.False(t, docs[0].IngestedAt.Before(docs[1].IngestedAt))
}
