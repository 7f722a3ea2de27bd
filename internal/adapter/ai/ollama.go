package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
)

// OllamaEndpointConfig holds the configuration for a single Ollama endpoint.
type OllamaEndpointConfig struct {
	BaseURL string // e.g. http://localhost:11434 or https://api.ollama.com
	Model   string // e.g. bge-m3, qwen3
	Token   string // Bearer token for Ollama Cloud (empty = no auth)
}

// OllamaProvider implements port.AIProvider using the Ollama REST API.
// Supports separate endpoints for embed vs chat (different URLs, models, and tokens).
type OllamaProvider struct {
	embed      OllamaEndpointConfig
	chat       OllamaEndpointConfig
	httpClient *http.Client
}

// NewOllamaProvider creates a new Ollama-backed AI provider with separate embed/chat configs.
func NewOllamaProvider(embed, chat OllamaEndpointConfig) *OllamaProvider {
	return &OllamaProvider{
		embed:      embed,
		chat:       chat,
		httpClient: &http.Client{},
	}
}

// EmbedderID returns the provider identity persisted with every index.
// It names the backend and the embedding model so a model swap is
// detected as a provider mismatch rather than producing wrong rankings.
func (o *OllamaProvider) EmbedderID() string {
	return "ollama/" + o.embed.Model
}

// ModelName returns the chat model identifier.
func (o *OllamaProvider) ModelName() string {
	return o.chat.Model
}

// Embed generates a vector embedding for the given text.
func (o *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := map[string]interface{}{
		"model": o.embed.Model,
		"input": text,
	}

	body, err := o.post(ctx, o.embed, "/api/embed", payload)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ollama embed decode: %w", err)
	}

	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama embed: empty response")
	}

	return resp.Embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one call.
func (o *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload := map[string]interface{}{
		"model": o.embed.Model,
		"input": texts,
	}

	body, err := o.post(ctx, o.embed, "/api/embed", payload)
	if err != nil {
		return nil, fmt.Errorf("ollama embed batch: %w", err)
	}

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ollama embed batch decode: %w", err)
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed batch: got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	return resp.Embeddings, nil
}

// Chat sends the message sequence and returns the complete response.
func (o *OllamaProvider) Chat(ctx context.Context, messages []port.Message) (string, error) {
	payload := map[string]interface{}{
		"model":    o.chat.Model,
		"messages": messages,
		"stream":   false,
	}

	body, err := o.post(ctx, o.chat, "/api/chat", payload)
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}

	var resp struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("ollama chat decode: %w", err)
	}

	return resp.Message.Content, nil
}

// ChatStream sends the message sequence and streams the response
// token-by-token. Cancelling ctx aborts the response body read, which
// stops generation on the Ollama side; a failure mid-stream is
// delivered as the final delta's Err.
func (o *OllamaProvider) ChatStream(ctx context.Context, messages []port.Message) (<-chan port.StreamDelta, error) {
	payload := map[string]interface{}{
		"model":    o.chat.Model,
		"messages": messages,
		"stream":   true,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama stream: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.chat.BaseURL+"/api/chat", bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("ollama stream: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.chat.Token != "" {
		req.Header.Set("Authorization", "Bearer "+o.chat.Token)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama stream: API error (%d): %s", resp.StatusCode, string(body))
	}

	ch := make(chan port.StreamDelta, 1)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		decoder := json.NewDecoder(resp.Body)
		for decoder.More() {
			var chunk struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
				Done bool `json:"done"`
			}
			if err := decoder.Decode(&chunk); err != nil {
				if ctx.Err() != nil {
					return // cancelled by the caller, not a stream failure
				}
				select {
				case ch <- port.StreamDelta{Err: fmt.Errorf("ollama stream decode: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			if chunk.Message.Content != "" {
				select {
				case ch <- port.StreamDelta{Content: chunk.Message.Content}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				return
			}
		}
	}()

	return ch, nil
}

// post is a helper for POST requests to an Ollama endpoint (with optional bearer token).
func (o *OllamaProvider) post(ctx context.Context, cfg OllamaEndpointConfig, path string, payload interface{}) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+path, bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error (%d): %s", resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}
