package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
)

// fakeAI is a deterministic in-memory AIProvider. Embeddings hash the
// input text so identical text always yields identical vectors.
type fakeAI struct {
	id        string
	dim       int
	chatReply string

	// optional hooks
	onEmbedBatch func(ctx context.Context) error
	stream       func(ctx context.Context) (<-chan port.StreamDelta, error)

	mu         sync.Mutex
	embedCalls int
	batchCalls int
	chatCalls  int
}

func newFakeAI(id string) *fakeAI {
	return &fakeAI{id: id, dim: 4, chatReply: "answer"}
}

func (f *fakeAI) EmbedderID() string { return f.id }
func (f *fakeAI) ModelName() string  { return "fake-chat" }

func (f *fakeAI) vector(text string) []float32 {
	v := make([]float32, f.dim)
	for i, r := range text {
		v[i%f.dim] += float32(r)
	}
	v[0] += 1 // never the zero vector
	return v
}

func (f *fakeAI) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.embedCalls++
	f.mu.Unlock()
	return f.vector(text), nil
}

func (f *fakeAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()
	if f.onEmbedBatch != nil {
		if err := f.onEmbedBatch(ctx); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *fakeAI) Chat(ctx context.Context, messages []port.Message) (string, error) {
	f.mu.Lock()
	f.chatCalls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.chatReply, nil
}

func (f *fakeAI) ChatStream(ctx context.Context, messages []port.Message) (<-chan port.StreamDelta, error) {
	if f.stream != nil {
		return f.stream(ctx)
	}
	ch := make(chan port.StreamDelta, 1)
	go func() {
		defer close(ch)
		ch <- port.StreamDelta{Content: f.chatReply}
	}()
	return ch, nil
}

func (f *fakeAI) calls() (embed, batch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.embedCalls, f.batchCalls
}

// memStore is an in-memory port.SessionStore.
type memStore struct {
	mu    sync.Mutex
	turns map[string][]domain.Turn
}

func newMemStore() *memStore {
	return &memStore{turns: make(map[string][]domain.Turn)}
}

func (m *memStore) AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[sessionID] = append(m.turns[sessionID], turn)
	return nil
}

func (m *memStore) ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Turn, len(m.turns[sessionID]))
	copy(out, m.turns[sessionID])
	return out, nil
}

func (m *memStore) PruneTurns(ctx context.Context, sessionID string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if turns := m.turns[sessionID]; len(turns) > keep {
		m.turns[sessionID] = append([]domain.Turn(nil), turns[len(turns)-keep:]...)
	}
	return nil
}

func (m *memStore) ClearSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, sessionID)
	return nil
}

func (m *memStore) count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns[sessionID])
}

// wordText produces n distinct words for ingest fixtures.
func wordText(prefix string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}
