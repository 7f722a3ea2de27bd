// Package index implements the per-document vector index: an
// append-only flat store of chunk vectors with brute-force cosine
// ranking. One index per fingerprint; once published to the content
// cache it is immutable, so concurrent searches need no locking.
package index

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
)

// magic identifies a serialized flat index, followed by the layout version.
var magic = [4]byte{'D', 'T', 'V', '1'}

// Flat is a brute-force vector index over one document's chunks.
// Every vector has identical length and was produced by the embedding
// provider recorded in the provider tag.
type Flat struct {
	provider string
	dim      int
	chunks   []domain.Chunk
	vectors  [][]float32
}

// New creates an empty index bound to an embedding provider identity
// and vector dimension.
func New(provider string, dimension int) *Flat {
	return &Flat{provider: provider, dim: dimension}
}

// Provider returns the embedding provider tag recorded at build time.
func (f *Flat) Provider() string { return f.provider }

// Dimension returns the vector length every entry must have.
func (f *Flat) Dimension() int { return f.dim }

// Len returns the number of indexed chunks.
func (f *Flat) Len() int { return len(f.vectors) }

// Add appends chunks with their vectors. Append-only during ingest;
// never called after the index is published.
func (f *Flat) Add(chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks/vectors length mismatch: %d vs %d", len(chunks), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != f.dim {
			return fmt.Errorf("%w: chunk %d has dimension %d, index requires %d",
				port.ErrDimensionMismatch, chunks[i].Index, len(v), f.dim)
		}
	}
	f.chunks = append(f.chunks, chunks...)
	f.vectors = append(f.vectors, vectors...)
	return nil
}

// Search ranks all chunks by cosine similarity to the query vector and
// returns the top k. Results are ordered by non-increasing score; equal
// scores are broken by ascending chunk index so rankings stay
// deterministic.
func (f *Flat) Search(query []float32, k int) ([]domain.RetrievedChunk, error) {
	if len(f.vectors) == 0 {
		return nil, port.ErrIndexEmpty
	}
	if len(query) != f.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, index requires %d",
			port.ErrDimensionMismatch, len(query), f.dim)
	}
	if k <= 0 || k > len(f.vectors) {
		k = len(f.vectors)
	}

	scored := make([]domain.RetrievedChunk, len(f.vectors))
	for i, v := range f.vectors {
		scored[i] = domain.RetrievedChunk{Chunk: f.chunks[i], Score: cosine(query, v)}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Index < scored[j].Index
	})
	return scored[:k], nil
}

// header is the JSON preamble of the serialized layout.
type header struct {
	Provider  string `json:"provider"`
	Dimension int    `json:"dimension"`
	Count     int    `json:"count"`
}

// Save serializes the index: magic, length-prefixed JSON header,
// little-endian float32 vectors, then a sha256 checksum of everything
// before it. Chunk metadata is persisted separately by the cache entry.
func (f *Flat) Save(w io.Writer) error {
	sum := sha256.New()
	out := io.MultiWriter(w, sum)

	if _, err := out.Write(magic[:]); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	hdr, err := json.Marshal(header{Provider: f.provider, Dimension: f.dim, Count: len(f.vectors)})
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	if err := binary.Write(out, binary.LittleEndian, uint32(len(hdr))); err != nil {
		return fmt.Errorf("write header length: %w", err)
	}
	if _, err := out.Write(hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, v := range f.vectors {
		if err := binary.Write(out, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write vectors: %w", err)
		}
	}
	if _, err := w.Write(sum.Sum(nil)); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	return nil
}

// Load deserializes an index and reattaches the chunk metadata stored
// in the cache entry. Any magic, shape or checksum mismatch wraps
// ErrCacheCorrupt so the caller can treat the entry as a cache miss.
func Load(r io.Reader, chunks []domain.Chunk) (*Flat, error) {
	sum := sha256.New()
	in := io.TeeReader(r, sum)

	var m [4]byte
	if _, err := io.ReadFull(in, m[:]); err != nil {
		return nil, fmt.Errorf("%w: short read on magic: %v", port.ErrCacheCorrupt, err)
	}
	if m != magic {
		return nil, fmt.Errorf("%w: bad magic %q", port.ErrCacheCorrupt, m[:])
	}

	var hdrLen uint32
	if err := binary.Read(in, binary.LittleEndian, &hdrLen); err != nil {
		return nil, fmt.Errorf("%w: read header length: %v", port.ErrCacheCorrupt, err)
	}
	if hdrLen > 1<<20 {
		return nil, fmt.Errorf("%w: implausible header length %d", port.ErrCacheCorrupt, hdrLen)
	}
	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(in, hdrBytes); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", port.ErrCacheCorrupt, err)
	}
	var hdr header
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, fmt.Errorf("%w: decode header: %v", port.ErrCacheCorrupt, err)
	}
	if hdr.Dimension <= 0 || hdr.Count < 0 {
		return nil, fmt.Errorf("%w: invalid shape %dx%d", port.ErrCacheCorrupt, hdr.Count, hdr.Dimension)
	}
	if hdr.Count != len(chunks) {
		return nil, fmt.Errorf("%w: index holds %d vectors but entry lists %d chunks",
			port.ErrCacheCorrupt, hdr.Count, len(chunks))
	}

	vectors := make([][]float32, hdr.Count)
	for i := range vectors {
		vectors[i] = make([]float32, hdr.Dimension)
		if err := binary.Read(in, binary.LittleEndian, vectors[i]); err != nil {
			return nil, fmt.Errorf("%w: read vector %d: %v", port.ErrCacheCorrupt, i, err)
		}
	}

	want := sum.Sum(nil)
	got := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, got); err != nil {
		return nil, fmt.Errorf("%w: read checksum: %v", port.ErrCacheCorrupt, err)
	}
	if !bytes.Equal(want, got) {
		return nil, fmt.Errorf("%w: checksum mismatch", port.ErrCacheCorrupt)
	}

	return &Flat{provider: hdr.Provider, dim: hdr.Dimension, chunks: chunks, vectors: vectors}, nil
}

// cosine computes cosine similarity; zero-norm vectors score 0.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
