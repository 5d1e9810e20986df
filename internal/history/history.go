// Package history keeps the rolling per-user transcript that is fed to the model
// as conversational context.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/AskPipe/internal/store"
)

const (
	// DefaultMaxEntries caps the transcript length. Eviction removes one entry at a
	// time, oldest first, regardless of whether it is a question or an answer.
	DefaultMaxEntries = 10
	// NoHistory is rendered for users without a transcript.
	NoHistory = "No conversation history."

	questionTag = "Question: "
	answerTag   = "Answer: "
)

// Store is the per-user transcript history.
type Store struct {
	transcripts store.TranscriptStore
	maxEntries  int
}

// Option configures a history Store.
type Option func(*Store)

// WithMaxEntries overrides the transcript cap.
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// New creates a history Store on top of a transcript backend.
func New(transcripts store.TranscriptStore, opts ...Option) *Store {
	s := &Store{transcripts: transcripts, maxEntries: DefaultMaxEntries}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds a tagged turn for userID and trims the transcript.
func (s *Store) Append(ctx context.Context, userID, turn string) error {
	if err := s.transcripts.AppendEntry(ctx, userID, turn); err != nil {
		return fmt.Errorf("history append failed: %w", err)
	}
	return s.Trim(ctx, userID)
}

// AppendQuestion records a user question.
func (s *Store) AppendQuestion(ctx context.Context, userID, question string) error {
	return s.Append(ctx, userID, questionTag+question)
}

// AppendAnswer records an agent answer.
func (s *Store) AppendAnswer(ctx context.Context, userID, answer string) error {
	return s.Append(ctx, userID, answerTag+answer)
}

// Trim evicts the oldest entries while the transcript is over the cap.
func (s *Store) Trim(ctx context.Context, userID string) error {
	n, err := s.transcripts.TrimEntries(ctx, userID, s.maxEntries)
	if err != nil {
		return fmt.Errorf("history trim failed: %w", err)
	}
	if n > 0 {
		slog.Debug("History.Trim: evicted oldest entries", "user_id", userID, "removed", n)
	}
	return nil
}

// Render returns the transcript as newline-separated text, or NoHistory.
func (s *Store) Render(ctx context.Context, userID string) (string, error) {
	entries, err := s.transcripts.Entries(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("history render failed: %w", err)
	}
	return join(entries), nil
}

// RenderPrior renders the transcript without its newest entry when that entry
// records question, so a question being answered is not listed twice.
func (s *Store) RenderPrior(ctx context.Context, userID, question string) (string, error) {
	entries, err := s.transcripts.Entries(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("history render failed: %w", err)
	}
	if n := len(entries); n > 0 && entries[n-1] == questionTag+question {
		entries = entries[:n-1]
	}
	return join(entries), nil
}

func join(entries []string) string {
	if len(entries) == 0 {
		return NoHistory
	}
	return strings.Join(entries, "\n")
}

// Clear deletes the transcript of userID.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if err := s.transcripts.ClearTranscript(ctx, userID); err != nil {
		return fmt.Errorf("history clear failed: %w", err)
	}
	slog.Debug("History.Clear: transcript cleared", "user_id", userID)
	return nil
}
