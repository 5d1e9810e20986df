// Package agent implements the tool-augmented reasoning loop.
//
// The loop follows the ReAct text protocol: the model writes a Thought, names an
// Action with its Action Input, reads the Observation, and eventually writes a
// Final Answer. Every run is bounded in steps and in wall-clock time and always
// ends with an answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/AskPipe/internal/genai"
	"github.com/BTreeMap/AskPipe/internal/models"
)

const (
	// DefaultMaxSteps bounds how many model calls one run may make.
	DefaultMaxSteps = 6
	// DefaultRunTimeout bounds one run end to end.
	DefaultRunTimeout = 90 * time.Second
	// DegradedAnswer is returned when a run exceeds its bounds.
	DegradedAnswer = "Sorry, I could not complete your request in time 😔"
)

// Step is one completed think-act-observe cycle.
type Step struct {
	Thought     string
	Tool        string
	Input       string
	Observation string
}

// Result is the outcome of a run.
type Result struct {
	Answer   string
	Steps    []Step
	Degraded bool // the run hit its step or time bound
}

// Used reports whether any step called the named tool.
func (r Result) Used(tool string) bool {
	for _, s := range r.Steps {
		if s.Tool == tool {
			return true
		}
	}
	return false
}

// Agent runs the reasoning loop over one tool registry.
type Agent struct {
	llm          genai.Completer
	registry     *Registry
	systemPrompt string
	maxSteps     int
	runTimeout   time.Duration
}

// Option configures an Agent.
type Option func(*Agent)

// WithSystemPrompt sets the instructions placed before the tool list.
func WithSystemPrompt(p string) Option {
	return func(a *Agent) { a.systemPrompt = p }
}

// WithMaxSteps overrides DefaultMaxSteps.
func WithMaxSteps(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxSteps = n
		}
	}
}

// WithRunTimeout overrides DefaultRunTimeout.
func WithRunTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.runTimeout = d
		}
	}
}

// New creates an Agent.
func New(llm genai.Completer, registry *Registry, opts ...Option) *Agent {
	a := &Agent{
		llm:        llm,
		registry:   registry,
		maxSteps:   DefaultMaxSteps,
		runTimeout: DefaultRunTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run answers question. Tool failures never abort the run; a completion error
// does, unless it was caused by the run's own deadline.
func (a *Agent) Run(ctx context.Context, question string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.runTimeout)
	defer cancel()

	var steps []Step
	for i := 0; i < a.maxSteps; i++ {
		if ctx.Err() != nil {
			return a.degraded(steps, "deadline"), nil
		}

		reply, err := a.llm.Complete(ctx, a.prompt(question, steps, false))
		if err != nil {
			if ctx.Err() != nil {
				return a.degraded(steps, "deadline"), nil
			}
			return Result{Steps: steps}, fmt.Errorf("agent step %d: %w", i+1, err)
		}

		switch act := ParseAction(reply).(type) {
		case Finish:
			if act.Answer == "" {
				slog.Warn("Agent.Run: model returned an empty answer", "step", i+1)
				return a.degraded(steps, "empty answer"), nil
			}
			slog.Debug("Agent.Run: finished", "steps", len(steps))
			return Result{Answer: models.Truncate(act.Answer, models.MaxTextBodyLength), Steps: steps}, nil

		case ToolCall:
			step := Step{Thought: act.Thought, Tool: act.Tool, Input: act.Input}
			if t, ok := a.registry.Get(act.Tool); ok {
				step.Tool = t.Name
			}
			if step.Tool == NoneToolName {
				step.Observation = NoneObservation
				steps = append(steps, step)
				return a.conclude(ctx, question, steps)
			}
			obs, err := a.registry.Execute(ctx, step.Tool, act.Input)
			if errors.Is(err, ErrUnknownTool) {
				obs = a.registry.UnknownToolObservation(act.Tool)
			}
			step.Observation = obs
			steps = append(steps, step)
			slog.Debug("Agent.Run: tool step", "step", i+1, "tool", step.Tool, "input", act.Input)
		}
	}
	return a.degraded(steps, "step limit"), nil
}

// conclude makes one last completion that asks for the final answer.
func (a *Agent) conclude(ctx context.Context, question string, steps []Step) (Result, error) {
	reply, err := a.llm.Complete(ctx, a.prompt(question, steps, true))
	if err != nil {
		if ctx.Err() != nil {
			return a.degraded(steps, "deadline"), nil
		}
		return Result{Steps: steps}, fmt.Errorf("agent final answer: %w", err)
	}
	var answer string
	switch act := ParseAction(reply).(type) {
	case Finish:
		answer = act.Answer
	case ToolCall:
		answer = strings.TrimSpace(reply)
	}
	if answer == "" {
		return a.degraded(steps, "empty answer"), nil
	}
	return Result{Answer: models.Truncate(answer, models.MaxTextBodyLength), Steps: steps}, nil
}

func (a *Agent) degraded(steps []Step, reason string) Result {
	slog.Warn("Agent.Run: returning degraded answer", "reason", reason, "steps", len(steps), "max_steps", a.maxSteps)
	return Result{Answer: DegradedAnswer, Steps: steps, Degraded: true}
}

// prompt renders the full ReAct prompt for the next step.
func (a *Agent) prompt(question string, steps []Step, final bool) string {
	var b strings.Builder
	if a.systemPrompt != "" {
		b.WriteString(strings.TrimSpace(a.systemPrompt))
		b.WriteString("\n\n")
	}
	b.WriteString("Answer the following questions as best you can. You have access to the following tools:\n\n")
	tools := a.registry.Tools()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
		fmt.Fprintf(&b, "%s: %s\n", t.Name, t.Description)
	}
	fmt.Fprintf(&b, `
Use the following format:

Question: the input question you must answer
Thought: you should always think about what to do
Action: the action to take, should be one of [%s]
Action Input: the input to the action
Observation: the result of the action
... (this Thought/Action/Action Input/Observation can repeat N times)
Thought: I now know the final answer
Final Answer: the final answer to the original input question

Begin!

Question: %s
Thought:`, strings.Join(names, ", "), question)

	for _, s := range steps {
		fmt.Fprintf(&b, " %s\nAction: %s\nAction Input: %s\nObservation: %s\nThought:", s.Thought, s.Tool, s.Input, s.Observation)
	}
	if final {
		b.WriteString(" I now know the final answer\n" + finalAnswerMarker)
	}
	return b.String()
}

// PromptConfig holds the pieces of the system prompt.
type PromptConfig struct {
	Instructions   []string
	MaxAnswerChars int
	KnowledgeBase  string
	Transcript     string
}

// BuildSystemPrompt renders instructions, the answer length bound, the
// knowledge base and the conversation transcript into one system prefix.
func BuildSystemPrompt(cfg PromptConfig) string {
	var b strings.Builder
	for _, line := range cfg.Instructions {
		if line = strings.TrimSpace(line); line != "" {
			fmt.Fprintf(&b, "System: %s\n", line)
		}
	}
	if cfg.MaxAnswerChars > 0 {
		fmt.Fprintf(&b, "System: Keep your final answer under %d characters\n", cfg.MaxAnswerChars)
	}
	if kb := strings.TrimSpace(cfg.KnowledgeBase); kb != "" {
		b.WriteString("System: Reference Q&A (prefer these over tools):\n")
		b.WriteString(kb)
		b.WriteString("\n")
	}
	if tr := strings.TrimSpace(cfg.Transcript); tr != "" {
		b.WriteString("System: Conversation so far:\n")
		b.WriteString(tr)
		b.WriteString("\n")
	}
	return b.String()
}
