package index

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
)

func chunksN(n int) []domain.Chunk {
	chunks := make([]domain.Chunk, n)
	for i := range chunks {
		chunks[i] = domain.Chunk{Index: i, Text: "chunk", DocFingerprint: "fp"}
	}
	return chunks
}

func TestFlat_SearchEmpty(t *testing.T) {
	f := New("ollama/bge-m3", 3)
	_, err := f.Search([]float32{1, 0, 0}, 3)
	assert.ErrorIs(t, err, port.ErrIndexEmpty)
}

func TestFlat_AddDimensionMismatch(t *testing.T) {
	f := New("ollama/bge-m3", 3)
	err := f.Add(chunksN(1), [][]float32{{1, 0}})
	assert.ErrorIs(t, err, port.ErrDimensionMismatch)
	assert.Equal(t, 0, f.Len())
}

func TestFlat_SearchQueryDimensionMismatch(t *testing.T) {
	f := New("ollama/bge-m3", 3)
	require.NoError(t, f.Add(chunksN(1), [][]float32{{1, 0, 0}}))
	_, err := f.Search([]float32{1, 0}, 1)
	assert.ErrorIs(t, err, port.ErrDimensionMismatch)
}

func TestFlat_SearchRanksByCosine(t *testing.T) {
	f := New("ollama/bge-m3", 2)
	require.NoError(t, f.Add(chunksN(3), [][]float32{
		{0, 1},         // orthogonal to query
		{1, 0},         // identical direction
		{0.9, 0.4359},  // close but not equal
	}))

	got, err := f.Search([]float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, 1, got[0].Index)
	assert.Equal(t, 2, got[1].Index)
	assert.Equal(t, 0, got[2].Index)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestFlat_TieBrokenByLowerChunkIndex(t *testing.T) {
	// ten chunks; chunks 4 and 7 share the exact same vector so their
	// scores tie, and the lower index must rank first.
	vectors := make([][]float32, 10)
	for i := range vectors {
		vectors[i] = []float32{0, 1}
	}
	vectors[4] = []float32{0.82, 0.5722}
	vectors[7] = []float32{0.82, 0.5722}

	f := New("ollama/bge-m3", 2)
	require.NoError(t, f.Add(chunksN(10), vectors))

	got, err := f.Search([]float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, 4, got[0].Index)
	assert.Equal(t, 7, got[1].Index)
	assert.Equal(t, got[0].Score, got[1].Score)
}

func TestFlat_SearchClampsK(t *testing.T) {
	f := New("ollama/bge-m3", 2)
	require.NoError(t, f.Add(chunksN(2), [][]float32{{1, 0}, {0, 1}}))

	got, err := f.Search([]float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFlat_SaveLoadRoundtrip(t *testing.T) {
	f := New("ollama/bge-m3", 3)
	chunks := chunksN(4)
	require.NoError(t, f.Add(chunks, [][]float32{
		{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {0.5, 0.5, 0},
	}))

	var buf bytes.Buffer
	require.NoError(t, f.Save(&buf))

	loaded, err := Load(&buf, chunks)
	require.NoError(t, err)
	assert.Equal(t, "ollama/bge-m3", loaded.Provider())
	assert.Equal(t, 3, loaded.Dimension())
	assert.Equal(t, 4, loaded.Len())

	want, err := f.Search([]float32{1, 0.1, 0}, 2)
	require.NoError(t, err)
	got, err := loaded.Search([]float32{1, 0.1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFlat_LoadRejectsCorruption(t *testing.T) {
	f := New("ollama/bge-m3", 2)
	chunks := chunksN(2)
	require.NoError(t, f.Add(chunks, [][]float32{{1, 0}, {0, 1}}))

	var buf bytes.Buffer
	require.NoError(t, f.Save(&buf))
	data := buf.Bytes()

	t.Run("flipped payload byte", func(t *testing.T) {
		corrupt := append([]byte(nil), data...)
		corrupt[len(corrupt)-40] ^= 0xFF // inside vector payload
		_, err := Load(bytes.NewReader(corrupt), chunks)
		assert.ErrorIs(t, err, port.ErrCacheCorrupt)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Load(bytes.NewReader(data[:len(data)-10]), chunks)
		assert.ErrorIs(t, err, port.ErrCacheCorrupt)
	})

	t.Run("bad magic", func(t *testing.T) {
		corrupt := append([]byte(nil), data...)
		corrupt[0] = 'X'
		_, err := Load(bytes.NewReader(corrupt), chunks)
		assert.ErrorIs(t, err, port.ErrCacheCorrupt)
	})

	t.Run("chunk count mismatch", func(t *testing.T) {
		_, err := Load(bytes.NewReader(data), chunksN(3))
		assert.ErrorIs(t, err, port.ErrCacheCorrupt)
	})
}
