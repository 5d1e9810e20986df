package genai

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned by ScriptedCompleter when no replies remain.
var ErrScriptExhausted = errors.New("scripted completer has no more replies")

// ScriptedCompleter is a deterministic Completer for tests. It answers with its
// replies in order and records every prompt it receives.
type ScriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	// Repeat keeps answering with the last reply once the script runs out.
	Repeat bool
	// Err, when set, is returned for every call.
	Err error
	// Respond, when set, computes the reply from the prompt and takes precedence
	// over the script.
	Respond func(prompt string) (string, error)
	prompts []string
}

// NewScriptedCompleter returns a completer that replies in order.
func NewScriptedCompleter(replies ...string) *ScriptedCompleter {
	return &ScriptedCompleter{replies: replies}
}

// GeneratePromptWithContext records the system and user prompts joined by a
// blank line and answers like Complete.
func (s *ScriptedCompleter) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return s.Complete(ctx, systemPrompt+"\n\n"+userPrompt)
}

func (s *ScriptedCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.Err != nil {
		return "", s.Err
	}
	if s.Respond != nil {
		return s.Respond(prompt)
	}
	if len(s.replies) == 0 {
		return "", ErrScriptExhausted
	}
	reply := s.replies[0]
	if len(s.replies) > 1 || !s.Repeat {
		s.replies = s.replies[1:]
	}
	return reply, nil
}

// Prompts returns the prompts received so far.
func (s *ScriptedCompleter) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// Calls returns how many completions were requested.
func (s *ScriptedCompleter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}
