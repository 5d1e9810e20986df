package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/AskPipe/internal/genai"
)

// DefaultMaxSuggestions is how many follow-up questions are requested.
const DefaultMaxSuggestions = 3

// ErrNoSuggestions is returned when the model reply holds no JSON array.
var ErrNoSuggestions = errors.New("no suggestions in reply")

const (
	suggestSystemPrompt = `Suggest up to %d short follow-up questions the user might ask next, written as the user would ask them.
Respond with a JSON array of strings and nothing else.`
	suggestUserPrompt = `A user asked: %s
You answered: %s`
)

// Suggester asks the model for follow-up questions.
type Suggester struct {
	llm genai.Completer
	max int
}

// NewSuggester creates a Suggester returning at most DefaultMaxSuggestions questions.
func NewSuggester(llm genai.Completer) *Suggester {
	return &Suggester{llm: llm, max: DefaultMaxSuggestions}
}

// Suggest returns follow-up questions for the exchange.
func (s *Suggester) Suggest(ctx context.Context, question, answer string) ([]string, error) {
	system := fmt.Sprintf(suggestSystemPrompt, s.max)
	user := fmt.Sprintf(suggestUserPrompt, question, answer)

	var reply string
	var err error
	if sc, ok := s.llm.(genai.SystemCompleter); ok {
		reply, err = sc.GeneratePromptWithContext(ctx, system, user)
	} else {
		reply, err = s.llm.Complete(ctx, user+"\n\n"+system)
	}
	if err != nil {
		return nil, fmt.Errorf("suggestion request failed: %w", err)
	}
	return parseSuggestions(reply, s.max)
}

// parseSuggestions extracts the first JSON string array from reply.
func parseSuggestions(reply string, max int) ([]string, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, ErrNoSuggestions
	}
	var raw []string
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSuggestions, err)
	}
	var out []string
	for _, q := range raw {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
		if len(out) == max {
			break
		}
	}
	return out, nil
}
