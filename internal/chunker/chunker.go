// Package chunker splits extracted document text into overlapping
// word-window chunks suitable for embedding and retrieval.
package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
)

// word is a token with its byte span in the original text.
type word struct {
	start int // byte offset of first rune
	end   int // byte offset past last rune
}

// Split cuts text into chunks of windowWords words with overlapWords
// words shared between consecutive chunks. Boundaries are word-index
// based so no word is ever split; sentence and paragraph boundaries
// are intentionally not respected. The output is deterministic for
// identical input and configuration, covers the text with no gaps,
// and the last chunk may be shorter than the window.
func Split(text string, windowWords, overlapWords int) ([]domain.Chunk, error) {
	if windowWords <= 0 {
		return nil, fmt.Errorf("%w: window_words=%d must be positive", port.ErrInvalidConfig, windowWords)
	}
	if overlapWords < 0 || overlapWords >= windowWords {
		return nil, fmt.Errorf("%w: overlap_words=%d must be in [0,%d)", port.ErrInvalidConfig, overlapWords, windowWords)
	}

	words := tokenize(text)
	if len(words) <= windowWords {
		return []domain.Chunk{{
			Index:     0,
			Text:      strings.TrimSpace(text),
			StartWord: 0,
			EndWord:   len(words),
		}}, nil
	}

	step := windowWords - overlapWords
	var chunks []domain.Chunk
	for start := 0; ; start += step {
		end := start + windowWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, domain.Chunk{
			Index:     len(chunks),
			Text:      text[words[start].start:words[end-1].end],
			StartWord: start,
			EndWord:   end,
		})
		if end == len(words) {
			return chunks, nil
		}
	}
}

// Attribute assigns each chunk the page its first word falls on, given
// the per-page word counts of the extraction the text came from.
func Attribute(chunks []domain.Chunk, pages []domain.Page) {
	if len(pages) == 0 {
		return
	}
	// cumulative word count per page boundary
	bounds := make([]int, len(pages))
	total := 0
	for i, p := range pages {
		total += len(strings.Fields(p.Text))
		bounds[i] = total
	}
	for i := range chunks {
		page := pages[len(pages)-1].Number
		for j, b := range bounds {
			if chunks[i].StartWord < b {
				page = pages[j].Number
				break
			}
		}
		chunks[i].Page = page
	}
}

// WordCount counts whitespace-separated words, matching the word
// indexing used by Split.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

func tokenize(text string) []word {
	var words []word
	inWord := false
	start := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				words = append(words, word{start: start, end: i})
				inWord = false
			}
			continue
		}
		if !inWord {
			start = i
			inWord = true
		}
	}
	if inWord {
		words = append(words, word{start: start, end: len(text)})
	}
	return words
}
