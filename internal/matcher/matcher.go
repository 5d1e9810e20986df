// Package matcher resolves free-text user input against a small list of choices
// with the help of the language model.
package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/AskPipe/internal/genai"
	"github.com/BTreeMap/AskPipe/internal/models"
)

// None is returned when no candidate matches.
const None = -1

const noneSentinel = "none"

const promptTemplate = `Input: %s
Based on this list
%s

Which of those list option that is the most similar to the input message?


If the answer is not in one of the options list, just answer with "None"
Your answer should only choose one of the option from the list


Answer:`

// Matcher maps messages onto candidate indexes.
type Matcher struct {
	llm genai.Completer
}

// New creates a Matcher that consults llm.
func New(llm genai.Completer) *Matcher {
	return &Matcher{llm: llm}
}

// DecideOption returns the index of the candidate most similar to message, or None.
// A reply that names no candidate resolves to None. Completion errors are returned
// together with None.
func (m *Matcher) DecideOption(ctx context.Context, message string, candidates []string) (int, error) {
	if len(candidates) == 0 {
		return None, models.ErrNoOptions
	}
	list, err := json.Marshal(candidates)
	if err != nil {
		return None, fmt.Errorf("failed to encode candidates: %w", err)
	}

	answer, err := m.llm.Complete(ctx, fmt.Sprintf(promptTemplate, message, list))
	if err != nil {
		return None, fmt.Errorf("option matching failed: %w", err)
	}

	idx := Resolve(answer, candidates)
	slog.Debug("Matcher.DecideOption: resolved", "message", message, "answer", answer, "index", idx)
	return idx, nil
}

// Resolve interprets a model answer against candidates.
func Resolve(answer string, candidates []string) int {
	norm := normalizeAnswer(answer)
	if norm == noneSentinel {
		return None
	}
	for i, c := range candidates {
		c = models.Normalize(c)
		if c == "" {
			continue
		}
		if strings.Contains(norm, c) {
			return i
		}
	}
	return None
}

func normalizeAnswer(s string) string {
	s = strings.NewReplacer(`"`, "", "'", "", "`", "").Replace(s)
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ".!")
	return models.Normalize(s)
}
