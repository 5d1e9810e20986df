package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// NoneToolName is the fallback tool present in every registry.
	NoneToolName = "none"
	// NoneObservation is what the fallback tool returns.
	NoneObservation = "you must proceed with your final answer"

	// DefaultToolTimeout bounds a single tool invocation.
	DefaultToolTimeout = 30 * time.Second
)

// ErrUnknownTool is returned by Execute for names that are not registered.
var ErrUnknownTool = errors.New("unknown tool")

// InvokeFunc runs a tool. It receives the raw action input and must always
// produce an observation; failures are reported in the returned text.
type InvokeFunc func(ctx context.Context, input string) string

// Tool is a named capability the reasoning loop can call.
type Tool struct {
	Name        string
	Description string
	Invoke      InvokeFunc
}

// NoneTool returns the fallback tool the model picks when no other tool applies.
func NoneTool() Tool {
	return Tool{
		Name:        NoneToolName,
		Description: "If you can't choose any tool to use, just use this one",
		Invoke: func(context.Context, string) string {
			return NoneObservation
		},
	}
}

// Registry stores tools keyed by name. It is built fresh for every turn.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	order       []string
	toolTimeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithToolTimeout bounds every tool call made through the registry.
func WithToolTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.toolTimeout = d
		}
	}
}

// NewRegistry creates a registry holding the fallback tool and the given tools.
func NewRegistry(tools []Tool, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		tools:       make(map[string]Tool),
		toolTimeout: DefaultToolTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Register(NoneTool()); err != nil {
		return nil, err
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names must be unique and non-empty.
func (r *Registry) Register(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Invoke == nil {
		return fmt.Errorf("tool %s has no invoke function", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Get returns the tool registered under name. Without an exact match the
// name is compared case-insensitively.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t, true
	}
	for _, n := range r.order {
		if strings.EqualFold(n, name) {
			return r.tools[n], true
		}
	}
	return Tool{}, false
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Execute runs the named tool under the registry's tool timeout. Panics and
// timeouts are converted into observations; only unknown names yield an error.
func (r *Registry) Execute(ctx context.Context, name, input string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.toolTimeout)
	defer cancel()

	done := make(chan string, 1)
	start := time.Now()
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("Registry.Execute: tool panicked", "tool", name, "panic", rec)
				done <- fmt.Sprintf("tool %s failed: %v", name, rec)
			}
		}()
		done <- t.Invoke(ctx, input)
	}()

	select {
	case obs := <-done:
		slog.Debug("Registry.Execute: tool completed", "tool", name, "elapsed", time.Since(start), "observation_chars", len(obs))
		return obs, nil
	case <-ctx.Done():
		slog.Warn("Registry.Execute: tool did not finish in time", "tool", name, "timeout", r.toolTimeout, "error", ctx.Err())
		return fmt.Sprintf("tool %s did not respond in time", name), nil
	}
}

// UnknownToolObservation is the observation recorded when the model names a tool
// that does not exist.
func (r *Registry) UnknownToolObservation(name string) string {
	names := r.Names()
	sort.Strings(names)
	return fmt.Sprintf("%s is not a valid tool, try one of [%s].", name, strings.Join(names, ", "))
}
