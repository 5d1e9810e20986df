package dialogue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/AskPipe/internal/agent"
	"github.com/BTreeMap/AskPipe/internal/botconfig"
	"github.com/BTreeMap/AskPipe/internal/genai"
	"github.com/BTreeMap/AskPipe/internal/history"
	"github.com/BTreeMap/AskPipe/internal/models"
)

// Answerer answers a user question in a query mode.
type Answerer interface {
	Answer(ctx context.Context, userID string, mode models.QueryMode, question string) (agent.Result, error)
}

// ToolProvider returns the tools a user may call in a query mode.
type ToolProvider interface {
	ForMode(userID string, mode models.QueryMode) []agent.Tool
}

// AgentAnswerer builds a fresh tool registry and reasoning loop for every question.
type AgentAnswerer struct {
	llm          genai.Completer
	tools        ToolProvider
	history      *history.Store
	cfg          *botconfig.Config
	agentOpts    []agent.Option
	registryOpts []agent.RegistryOption
}

// AnswererOption configures an AgentAnswerer.
type AnswererOption func(*AgentAnswerer)

// WithAgentOptions passes options to every agent the answerer creates.
func WithAgentOptions(opts ...agent.Option) AnswererOption {
	return func(a *AgentAnswerer) { a.agentOpts = append(a.agentOpts, opts...) }
}

// WithRegistryOptions passes options to every tool registry the answerer creates.
func WithRegistryOptions(opts ...agent.RegistryOption) AnswererOption {
	return func(a *AgentAnswerer) { a.registryOpts = append(a.registryOpts, opts...) }
}

// NewAgentAnswerer creates an AgentAnswerer.
func NewAgentAnswerer(llm genai.Completer, tools ToolProvider, hist *history.Store, cfg *botconfig.Config, opts ...AnswererOption) *AgentAnswerer {
	a := &AgentAnswerer{llm: llm, tools: tools, history: hist, cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Answer runs the reasoning loop over question with the tools of mode.
func (a *AgentAnswerer) Answer(ctx context.Context, userID string, mode models.QueryMode, question string) (agent.Result, error) {
	transcript, err := a.history.RenderPrior(ctx, userID, question)
	if err != nil {
		slog.Warn("AgentAnswerer.Answer: failed to render history, continuing without it", "user_id", userID, "error", err)
		transcript = ""
	}

	registry, err := agent.NewRegistry(a.tools.ForMode(userID, mode), a.registryOpts...)
	if err != nil {
		return agent.Result{}, fmt.Errorf("failed to build tool registry: %w", err)
	}

	system := agent.BuildSystemPrompt(agent.PromptConfig{
		Instructions:   a.cfg.SystemPrompt,
		MaxAnswerChars: a.cfg.MaxAnswerChars,
		KnowledgeBase:  a.cfg.KnowledgeText(),
		Transcript:     transcript,
	})
	opts := append([]agent.Option{agent.WithSystemPrompt(system)}, a.agentOpts...)

	slog.Debug("AgentAnswerer.Answer: running agent", "user_id", userID, "mode", mode, "tools", registry.Names())
	return agent.New(a.llm, registry, opts...).Run(ctx, question)
}
