package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
)

func newTestStream(t *testing.T, ai *fakeAI) (*StreamService, *memStore) {
	t.Helper()
	store := newMemStore()
	conv := newTestConversation(t, store, 6, 10000)
	return NewStreamService(ai, conv), store
}

func scriptedStream(deltas ...port.StreamDelta) func(context.Context) (<-chan port.StreamDelta, error) {
	return func(ctx context.Context) (<-chan port.StreamDelta, error) {
		ch := make(chan port.StreamDelta, 1)
		go func() {
			defer close(ch)
			for _, d := range deltas {
				select {
				case ch <- d:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}
}

func collect(events <-chan AnswerEvent) (tokens []string, final *AnswerEvent) {
	for ev := range events {
		if ev.Done {
			e := ev
			final = &e
			continue
		}
		tokens = append(tokens, ev.Token)
	}
	return tokens, final
}

func TestStreamAnswer_TokensInOrderThenDone(t *testing.T) {
	ai := newFakeAI("fake/embed-v1")
	ai.stream = scriptedStream(
		port.StreamDelta{Content: "The "},
		port.StreamDelta{Content: "answer "},
		port.StreamDelta{Content: "is 42."},
	)
	svc, store := newTestStream(t, ai)

	events, err := svc.StreamAnswer(context.Background(), "s1", "question?", nil)
	require.NoError(t, err)

	tokens, final := collect(events)
	assert.Equal(t, []string{"The ", "answer ", "is 42."}, tokens)
	require.NotNil(t, final)
	assert.Equal(t, "The answer is 42.", final.Answer)
	assert.False(t, final.Incomplete)
	assert.NoError(t, final.Err)
	assert.Greater(t, final.Elapsed, time.Duration(0))

	// The completed exchange is recorded as one user/assistant pair.
	turns, err := store.ListTurns(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleUser, turns[0].Role)
	assert.Equal(t, "question?", turns[0].Content)
	assert.Equal(t, domain.RoleAssistant, turns[1].Role)
	assert.Equal(t, "The answer is 42.", turns[1].Content)
	assert.Greater(t, turns[1].ResponseTime, time.Duration(0))
}

func TestStreamAnswer_CancelRecordsNothing(t *testing.T) {
	ai := newFakeAI("fake/embed-v1")
	started := make(chan struct{})
	ai.stream = func(ctx context.Context) (<-chan port.StreamDelta, error) {
		ch := make(chan port.StreamDelta, 1)
		go func() {
			defer close(ch)
			ch <- port.StreamDelta{Content: "partial "}
			close(started)
			<-ctx.Done() // backend stalls until the caller gives up
		}()
		return ch, nil
	}
	svc, store := newTestStream(t, ai)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := svc.StreamAnswer(ctx, "s1", "question?", nil)
	require.NoError(t, err)

	<-started
	cancel()

	tokens, final := collect(events)
	assert.Nil(t, final, "a cancelled stream has no terminal event")
	assert.LessOrEqual(t, len(tokens), 1)

	turns, err := store.ListTurns(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, turns, "cancellation must leave the window untouched")
}

func TestStreamAnswer_MidStreamFailureKeepsPartial(t *testing.T) {
	ai := newFakeAI("fake/embed-v1")
	ai.stream = scriptedStream(
		port.StreamDelta{Content: "partial "},
		port.StreamDelta{Content: "output"},
		port.StreamDelta{Err: assert.AnError},
	)
	svc, store := newTestStream(t, ai)

	events, err := svc.StreamAnswer(context.Background(), "s1", "question?", nil)
	require.NoError(t, err)

	tokens, final := collect(events)
	assert.Equal(t, []string{"partial ", "output"}, tokens)
	require.NotNil(t, final)
	assert.True(t, final.Incomplete)
	assert.Equal(t, "partial output", final.Answer, "partial output survives the failure")
	assert.ErrorIs(t, final.Err, port.ErrStreamInterrupted)

	turns, err := store.ListTurns(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, turns, "failed generation is not recorded")
}

func TestStreamAnswer_StatelessWhenNoSession(t *testing.T) {
	ai := newFakeAI("fake/embed-v1")
	ai.stream = scriptedStream(port.StreamDelta{Content: "hello"})
	svc, store := newTestStream(t, ai)

	events, err := svc.StreamAnswer(context.Background(), "", "question?", nil)
	require.NoError(t, err)

	_, final := collect(events)
	require.NotNil(t, final)
	assert.Equal(t, "hello", final.Answer)
	assert.Empty(t, store.turns, "stateless calls record nothing")
}

func TestAnswer_RecordsExchange(t *testing.T) {
	ai := newFakeAI("fake/embed-v1")
	ai.chatReply = "direct answer"
	svc, store := newTestStream(t, ai)

	answer, elapsed, err := svc.Answer(context.Background(), "s1", "question?", nil)
	require.NoError(t, err)
	assert.Equal(t, "direct answer", answer)
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))

	turns, err := store.ListTurns(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "direct answer", turns[1].Content)
}

func TestSummarize_UsesSummaryPromptWithoutHistory(t *testing.T) {
	ai := newFakeAI("fake/embed-v1")
	ai.chatReply = "a tidy summary"
	svc, store := newTestStream(t, ai)

	entry := &domain.CacheEntry{
		Fingerprint:   "fp",
		ExtractedText: wordText("word", 40),
	}
	summary, elapsed, err := svc.Summarize(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, "a tidy summary", summary)
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))
	assert.Empty(t, store.turns, "summaries never touch conversation state")
}
