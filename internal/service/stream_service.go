package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
)

// streamState tracks one generation through its lifecycle.
type streamState int

const (
	stateIdle streamState = iota
	stateGenerating
	stateCompleted
	stateCancelled
	stateFailed
)

func (s streamState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateGenerating:
		return "generating"
	case stateCompleted:
		return "completed"
	case stateCancelled:
		return "cancelled"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// AnswerEvent is one unit of a streamed answer. Token events carry a
// single generation unit; the final event has Done set and carries the
// full answer, the elapsed time and, on mid-stream failure, the
// preserved partial output tagged Incomplete.
type AnswerEvent struct {
	Token      string
	Done       bool
	Answer     string
	Elapsed    time.Duration
	Incomplete bool
	Err        error
}

// StreamService drives the generation capability: it forwards tokens
// in generation order with no buffering beyond one unit, threads
// cancellation down to the backend, and appends the completed exchange
// to the conversation window. A cancelled or failed generation appends
// nothing, so the window never records a partial exchange.
type StreamService struct {
	ai   port.AIProvider
	conv *ConversationManager
}

// NewStreamService creates the streaming coordinator.
func NewStreamService(ai port.AIProvider, conv *ConversationManager) *StreamService {
	return &StreamService{ai: ai, conv: conv}
}

// StreamAnswer streams the answer for an assembled prompt context.
// sessionID may be empty for stateless callers; then no turn is
// recorded. The returned channel is closed after the final event.
func (s *StreamService) StreamAnswer(ctx context.Context, sessionID, question string, messages []port.Message) (<-chan AnswerEvent, error) {
	deltas, err := s.ai.ChatStream(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", port.ErrGeneration, err)
	}

	events := make(chan AnswerEvent, 1)
	go s.pump(ctx, sessionID, question, deltas, events)
	return events, nil
}

// pump forwards deltas until the stream ends, then emits the terminal
// event and records the exchange when generation completed.
func (s *StreamService) pump(ctx context.Context, sessionID, question string, deltas <-chan port.StreamDelta, events chan<- AnswerEvent) {
	defer close(events)

	state := stateGenerating
	start := time.Now()
	var answer strings.Builder
	var streamErr error

loop:
	for {
		select {
		case <-ctx.Done():
			state = stateCancelled
			break loop
		case delta, ok := <-deltas:
			if !ok {
				// A cancelled backend also closes its channel; a close
				// only means completion while the context is live.
				if ctx.Err() != nil {
					state = stateCancelled
				} else {
					state = stateCompleted
				}
				break loop
			}
			if delta.Err != nil {
				state = stateFailed
				streamErr = delta.Err
				break loop
			}
			answer.WriteString(delta.Content)
			select {
			case events <- AnswerEvent{Token: delta.Content}:
			case <-ctx.Done():
				state = stateCancelled
				break loop
			}
		}
	}

	elapsed := time.Since(start)
	slog.Info("generation finished",
		"session", sessionID,
		"state", state.String(),
		"elapsed", elapsed,
		"answer_chars", answer.Len(),
	)

	switch state {
	case stateCompleted:
		if sessionID != "" {
			// Append outside the token loop: the exchange is recorded
			// exactly once, and only for completed generations.
			if err := s.conv.AppendExchange(context.WithoutCancel(ctx), sessionID, question, answer.String(), elapsed); err != nil {
				slog.Error("append exchange failed", "session", sessionID, "error", err)
			}
		}
		events <- AnswerEvent{Done: true, Answer: answer.String(), Elapsed: elapsed}
	case stateFailed:
		// Partial output is preserved and tagged incomplete, never dropped.
		events <- AnswerEvent{
			Done:       true,
			Answer:     answer.String(),
			Elapsed:    elapsed,
			Incomplete: true,
			Err:        fmt.Errorf("%w: %v", port.ErrStreamInterrupted, streamErr),
		}
	case stateCancelled:
		// The caller is gone; nothing to emit and nothing to record.
	}
}

// Answer generates a complete answer without streaming and records the
// exchange. Used by the non-streaming query endpoint and MCP tools.
func (s *StreamService) Answer(ctx context.Context, sessionID, question string, messages []port.Message) (string, time.Duration, error) {
	start := time.Now()
	response, err := s.ai.Chat(ctx, messages)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, fmt.Errorf("%w: %v", port.ErrGeneration, err)
	}
	elapsed := time.Since(start)

	if sessionID != "" {
		if err := s.conv.AppendExchange(ctx, sessionID, question, response, elapsed); err != nil {
			slog.Error("append exchange failed", "session", sessionID, "error", err)
		}
	}
	return response, elapsed, nil
}

// Summarize produces a whole-document summary from the entry's full
// chunk set, using the summary prompt template. No history is involved
// and nothing is appended to any window.
func (s *StreamService) Summarize(ctx context.Context, entry *domain.CacheEntry) (string, time.Duration, error) {
	messages := s.conv.SummaryMessages(entry.ExtractedText)
	start := time.Now()
	summary, err := s.ai.Chat(ctx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, fmt.Errorf("%w: %v", port.ErrGeneration, err)
	}
	return summary, time.Since(start), nil
}
