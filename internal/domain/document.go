package domain

import "time"

// Document describes an ingested document. The fingerprint is the
// content hash of the raw uploaded bytes and serves as the cache key,
// so identical files map to the same document regardless of filename.
type Document struct {
	Fingerprint string        `json:"fingerprint"`
	Filename    string        `json:"filename"`
	FileType    string        `json:"file_type"`
	SourceBytes int64         `json:"source_bytes"`
	PageCount   int           `json:"total_pages"`
	WordCount   int           `json:"total_words"`
	CharCount   int           `json:"total_chars"`
	IngestedAt  time.Time     `json:"ingested_at"`
	Processing  time.Duration `json:"-"`
}

// Chunk is a contiguous, possibly overlapping span of document text.
// Offsets are word indices into the extracted text (end exclusive);
// Index is the chunk's position in document order and is used as the
// tie-break when similarity scores are equal.
type Chunk struct {
	DocFingerprint string `json:"doc_fingerprint"`
	Index          int    `json:"index"`
	Text           string `json:"text"`
	StartWord      int    `json:"start_word"`
	EndWord        int    `json:"end_word"`
	Page           int    `json:"page"`
}

// RetrievedChunk is a chunk returned by similarity search together
// with its score.
type RetrievedChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// Page is one page of extracted text, as produced by a text extractor.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Extraction is the output of the text-extraction boundary.
type Extraction struct {
	Pages []Page `json:"pages"`
}

// Text joins all pages into the full extracted text.
func (e Extraction) Text() string {
	switch len(e.Pages) {
	case 0:
		return ""
	case 1:
		return e.Pages[0].Text
	}
	total := 0
	for _, p := range e.Pages {
		total += len(p.Text) + 1
	}
	buf := make([]byte, 0, total)
	for i, p := range e.Pages {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, p.Text...)
	}
	return string(buf)
}

// CacheEntry is the persisted unit of the content cache: everything
// needed to serve queries for one fingerprint without re-running
// extraction, chunking or embedding. Written once per fingerprint and
// only ever replaced whole.
type CacheEntry struct {
	Fingerprint   string    `json:"fingerprint"`
	Document      Document  `json:"document"`
	ExtractedText string    `json:"extracted_text"`
	Pages         []Page    `json:"pages"`
	Chunks        []Chunk   `json:"chunks"`
	Provider      string    `json:"provider"`
	CreatedAt     time.Time `json:"created_at"`
}
