package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/chunker"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
)

const qaSystemPrompt = `You are a document assistant. Answer questions strictly from the provided document excerpts.
Cite the page number when you reference document content. If the excerpts do not contain the answer, say so.
Be concise: at most 5 sentences or 5 bullet points.`

const summarySystemPrompt = `You are a concise document summarizer. Summarize the provided document in one paragraph of 5-7 sentences.
Do not invent content that is not in the document.`

// ConversationConfig bounds the per-session window and the assembled
// prompt context.
type ConversationConfig struct {
	MaxTurns        int // maximum turns kept per session
	MaxContextWords int // word budget for the assembled context
}

// ConversationManager owns the bounded conversation window of every
// session. One window per session, created on first use, cleared only
// explicitly; the caller owns session lifetime. Turns are persisted
// through the session store so history survives restarts.
type ConversationManager struct {
	store port.SessionStore
	cfg   ConversationConfig

	mu       sync.Mutex
	sessions map[string]*session
}

// session serializes operations of one conversation window. Writes
// within a session are ordered; sessions never contend with each other.
type session struct {
	mu     sync.Mutex
	loaded bool
	turns  []domain.Turn
}

// NewConversationManager creates the manager backed by the given store.
func NewConversationManager(store port.SessionStore, cfg ConversationConfig) (*ConversationManager, error) {
	if cfg.MaxTurns <= 0 || cfg.MaxTurns%2 != 0 {
		return nil, fmt.Errorf("%w: max_conversation_turns=%d must be a positive even number",
			port.ErrInvalidConfig, cfg.MaxTurns)
	}
	if cfg.MaxContextWords <= 0 {
		return nil, fmt.Errorf("%w: max_context_words=%d must be positive",
			port.ErrInvalidConfig, cfg.MaxContextWords)
	}
	return &ConversationManager{
		store:    store,
		cfg:      cfg,
		sessions: make(map[string]*session),
	}, nil
}

// AppendExchange records one completed user/assistant exchange. The
// pair is appended atomically so the window never holds a half pair;
// when the bound is exceeded the oldest pair is evicted first.
func (m *ConversationManager) AppendExchange(ctx context.Context, sessionID, question, answer string, responseTime time.Duration) error {
	sess := m.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := m.loadLocked(ctx, sessionID, sess); err != nil {
		return err
	}

	now := time.Now()
	pair := []domain.Turn{
		{Role: domain.RoleUser, Content: question, Timestamp: now},
		{Role: domain.RoleAssistant, Content: answer, Timestamp: now, ResponseTime: responseTime},
	}
	sess.turns = append(sess.turns, pair...)
	for len(sess.turns) > m.cfg.MaxTurns {
		sess.turns = sess.turns[2:] // evict the oldest pair, never half of one
	}

	for _, t := range pair {
		if err := m.store.AppendTurn(ctx, sessionID, t); err != nil {
			return err
		}
	}
	return m.store.PruneTurns(ctx, sessionID, m.cfg.MaxTurns)
}

// History returns a copy of the session's window in append order.
func (m *ConversationManager) History(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	sess := m.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := m.loadLocked(ctx, sessionID, sess); err != nil {
		return nil, err
	}
	out := make([]domain.Turn, len(sess.turns))
	copy(out, sess.turns)
	return out, nil
}

// ClearSession drops the window and its persisted turns.
func (m *ConversationManager) ClearSession(ctx context.Context, sessionID string) error {
	sess := m.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.turns = nil
	sess.loaded = true
	return m.store.ClearSession(ctx, sessionID)
}

// AssembleContext builds the prompt messages for a question: the fixed
// instruction prefix, the retrieved chunks in ranking order
// (deduplicated by chunk identity), the trimmed recent-turn window and
// the question itself. When the word budget would overflow, the oldest
// retained turns are dropped first; the chunks and the question are
// never truncated.
func (m *ConversationManager) AssembleContext(ctx context.Context, sessionID string, chunks []domain.RetrievedChunk, question string) ([]port.Message, error) {
	sess := m.session(sessionID)
	sess.mu.Lock()
	if err := m.loadLocked(ctx, sessionID, sess); err != nil {
		sess.mu.Unlock()
		return nil, err
	}
	turns := make([]domain.Turn, len(sess.turns))
	copy(turns, sess.turns)
	sess.mu.Unlock()

	var blocks []string
	seen := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		key := fmt.Sprintf("%s#%d", c.DocFingerprint, c.Index)
		if seen[key] {
			continue
		}
		seen[key] = true
		blocks = append(blocks, fmt.Sprintf("[Page %d]: %s", c.Page, c.Text))
	}
	contextBlock := strings.Join(blocks, "\n\n")
	userContent := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextBlock, question)

	fixed := chunker.WordCount(qaSystemPrompt) + chunker.WordCount(userContent)
	budget := m.cfg.MaxContextWords - fixed

	var kept []domain.Turn
	used := 0
	for _, t := range turns {
		used += chunker.WordCount(t.Content)
		kept = append(kept, t)
	}
	// Drop oldest turns until the history fits what is left of the
	// budget. The chunks and the question always survive.
	for used > budget && len(kept) > 0 {
		used -= chunker.WordCount(kept[0].Content)
		kept = kept[1:]
	}

	messages := make([]port.Message, 0, len(kept)+2)
	messages = append(messages, port.Message{Role: "system", Content: qaSystemPrompt})
	for _, t := range kept {
		messages = append(messages, port.Message{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, port.Message{Role: domain.RoleUser, Content: userContent})
	return messages, nil
}

// SummaryMessages builds the prompt for a whole-document summary. The
// text is capped at the context word budget; no history is included.
func (m *ConversationManager) SummaryMessages(text string) []port.Message {
	words := strings.Fields(text)
	budget := m.cfg.MaxContextWords - chunker.WordCount(summarySystemPrompt)
	if budget > 0 && len(words) > budget {
		text = strings.Join(words[:budget], " ")
	}
	return []port.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: domain.RoleUser, Content: "Summarize this document concisely:\n" + text},
	}
}

// session returns the state object for a session, creating it on first use.
func (m *ConversationManager) session(sessionID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &session{}
		m.sessions[sessionID] = sess
	}
	return sess
}

// loadLocked restores the persisted window on first access. Caller
// holds the session lock.
func (m *ConversationManager) loadLocked(ctx context.Context, sessionID string, sess *session) error {
	if sess.loaded {
		return nil
	}
	turns, err := m.store.ListTurns(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if len(turns) > m.cfg.MaxTurns {
		turns = turns[len(turns)-m.cfg.MaxTurns:]
	}
	sess.turns = turns
	sess.loaded = true
	return nil
}
