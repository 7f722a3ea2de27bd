package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/index"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
)

// ErrCacheMiss is returned by Get when no entry exists for a fingerprint.
var ErrCacheMiss = errors.New("no cache entry for fingerprint")

const (
	entryFile = "entry.json"
	indexFile = "index.bin"
)

// FSCache is the content-addressed document cache: one directory per
// fingerprint holding the cache entry (document metadata, extracted
// text, chunk list, provider tag) and the serialized vector index.
// Writes publish atomically via a temp directory and rename, so a
// crash mid-write leaves the previous entry (or nothing) intact and a
// partially written entry is never observable.
type FSCache struct {
	root string
}

// NewFSCache creates the cache rooted at dir, creating it if needed.
func NewFSCache(dir string) (*FSCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FSCache{root: dir}, nil
}

// Get loads the entry and index for a fingerprint. Absent entries
// return ErrCacheMiss; entries failing shape or checksum validation
// wrap port.ErrCacheCorrupt so the caller can fall back to re-ingest.
func (c *FSCache) Get(fingerprint string) (*domain.CacheEntry, *index.Flat, error) {
	dir := c.entryDir(fingerprint)

	raw, err := os.ReadFile(filepath.Join(dir, entryFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrCacheMiss, fingerprint)
		}
		return nil, nil, fmt.Errorf("read cache entry %s: %w", fingerprint, err)
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, nil, fmt.Errorf("%w: entry %s: %v", port.ErrCacheCorrupt, fingerprint, err)
	}
	if entry.Fingerprint != fingerprint {
		return nil, nil, fmt.Errorf("%w: entry %s records fingerprint %s",
			port.ErrCacheCorrupt, fingerprint, entry.Fingerprint)
	}

	f, err := os.Open(filepath.Join(dir, indexFile))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: entry %s missing index: %v", port.ErrCacheCorrupt, fingerprint, err)
	}
	defer f.Close()

	idx, err := index.Load(f, entry.Chunks)
	if err != nil {
		return nil, nil, fmt.Errorf("entry %s: %w", fingerprint, err)
	}
	if idx.Provider() != entry.Provider {
		return nil, nil, fmt.Errorf("%w: entry %s tagged %q but index tagged %q",
			port.ErrCacheCorrupt, fingerprint, entry.Provider, idx.Provider())
	}
	return &entry, idx, nil
}

// GetEntry loads only the cache entry, skipping index validation.
// Used by operations that need the stored text and metadata but no
// vector ranking, such as summarize and regenerate.
func (c *FSCache) GetEntry(fingerprint string) (*domain.CacheEntry, error) {
	raw, err := os.ReadFile(filepath.Join(c.entryDir(fingerprint), entryFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCacheMiss, fingerprint)
		}
		return nil, fmt.Errorf("read cache entry %s: %w", fingerprint, err)
	}
	var entry domain.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("%w: entry %s: %v", port.ErrCacheCorrupt, fingerprint, err)
	}
	return &entry, nil
}

// Put writes the entry and index for a fingerprint, replacing any
// previous entry. The write is atomic with respect to readers.
func (c *FSCache) Put(entry *domain.CacheEntry, idx *index.Flat) error {
	tmp, err := os.MkdirTemp(c.root, "ingest-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry %s: %w", entry.Fingerprint, err)
	}
	if err := os.WriteFile(filepath.Join(tmp, entryFile), raw, 0o644); err != nil {
		return fmt.Errorf("stage cache entry %s: %w", entry.Fingerprint, err)
	}

	f, err := os.Create(filepath.Join(tmp, indexFile))
	if err != nil {
		return fmt.Errorf("stage index %s: %w", entry.Fingerprint, err)
	}
	if err := idx.Save(f); err != nil {
		f.Close()
		return fmt.Errorf("write index %s: %w", entry.Fingerprint, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close index %s: %w", entry.Fingerprint, err)
	}

	dir := c.entryDir(entry.Fingerprint)
	// Replace the previous entry, then publish the new one in a single
	// rename. Readers either see the old complete entry or the new one.
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove stale entry %s: %w", entry.Fingerprint, err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("publish cache entry %s: %w", entry.Fingerprint, err)
	}
	return nil
}

// Invalidate removes the entry for one fingerprint without touching
// others. Removing an absent entry is not an error.
func (c *FSCache) Invalidate(fingerprint string) error {
	if err := os.RemoveAll(c.entryDir(fingerprint)); err != nil {
		return fmt.Errorf("invalidate %s: %w", fingerprint, err)
	}
	return nil
}

// List returns document metadata for every readable cache entry,
// sorted by ingest time descending. Corrupt entries are skipped.
func (c *FSCache) List() ([]domain.Document, error) {
	dirs, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("list cache: %w", err)
	}

	var docs []domain.Document
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(c.root, d.Name(), entryFile))
		if err != nil {
			continue
		}
		var entry domain.CacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		docs = append(docs, entry.Document)
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].IngestedAt.After(docs[j].IngestedAt)
	})
	return docs, nil
}

func (c *FSCache) entryDir(fingerprint string) string {
	return filepath.Join(c.root, fingerprint)
}
