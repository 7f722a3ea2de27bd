package port

import "context"

// Message is a single chat message sent to the generation backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamDelta is one unit of a streamed chat response. Content carries
// the token text; Err is set at most once, as the final delta, when the
// backend fails mid-stream.
type StreamDelta struct {
	Content string
	Err     error
}

// AIProvider abstracts the AI/LLM backend for embeddings and chat
// completions. Implementations can target Ollama, OpenAI, or any
// compatible API.
type AIProvider interface {
	// EmbedderID identifies the embedding model producing vectors.
	// It is persisted alongside every index; a persisted tag that does
	// not match the active EmbedderID is a hard error, never coerced.
	EmbedderID() string

	// ModelName returns the chat model identifier.
	ModelName() string

	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Chat sends the message sequence and returns the complete response.
	Chat(ctx context.Context, messages []Message) (string, error)

	// ChatStream sends the message sequence and streams the response.
	// Deltas arrive in generation order; the channel is closed when the
	// stream ends. Cancelling ctx stops the underlying generation.
	ChatStream(ctx context.Context, messages []Message) (<-chan StreamDelta, error)
}
