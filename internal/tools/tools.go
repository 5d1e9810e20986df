// Package tools provides the concrete tools handed to the reasoning loop.
package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/AskPipe/internal/agent"
	"github.com/BTreeMap/AskPipe/internal/models"
)

// Tool names as the model sees them.
const (
	GoogleSearcherName    = "google-searcher"
	TokopediaSearcherName = "tokopedia-searcher"
	EndConversationName   = "end-conversation"
)

const (
	// DefaultSerpAPIURL is the SerpAPI search endpoint.
	DefaultSerpAPIURL = "https://serpapi.com/search.json"
	// DefaultProductSearchURL is the base URL of the product search service.
	DefaultProductSearchURL = "http://127.0.0.1:5000"
	// DefaultHTTPTimeout bounds backend requests.
	DefaultHTTPTimeout = 20 * time.Second

	maxResponseBytes = 1 << 20
)

// Notifier sends a plain text message to a user.
type Notifier interface {
	SendText(ctx context.Context, to, text string) error
}

// TranscriptClearer drops a user's conversation transcript.
type TranscriptClearer interface {
	Clear(ctx context.Context, userID string) error
}

// Opts holds configuration for the toolbox.
type Opts struct {
	SerpAPIKey       string
	SerpAPIURL       string
	ProductSearchURL string
	HTTPClient       *http.Client
}

// Option configures the toolbox.
type Option func(*Opts)

// WithSerpAPIKey sets the SerpAPI key used by the web search tool.
func WithSerpAPIKey(key string) Option {
	return func(o *Opts) { o.SerpAPIKey = key }
}

// WithSerpAPIURL overrides the SerpAPI endpoint.
func WithSerpAPIURL(u string) Option {
	return func(o *Opts) { o.SerpAPIURL = u }
}

// WithProductSearchURL sets the base URL of the product search service.
func WithProductSearchURL(u string) Option {
	return func(o *Opts) { o.ProductSearchURL = u }
}

// WithHTTPClient overrides the HTTP client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Toolbox builds per-user tool sets.
type Toolbox struct {
	cfg      Opts
	notifier Notifier
	history  TranscriptClearer
}

// NewToolbox creates a Toolbox.
func NewToolbox(notifier Notifier, history TranscriptClearer, opts ...Option) *Toolbox {
	cfg := Opts{
		SerpAPIURL:       DefaultSerpAPIURL,
		ProductSearchURL: DefaultProductSearchURL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Toolbox{cfg: cfg, notifier: notifier, history: history}
}

// ForMode returns the tools available to userID in the given query mode.
func (tb *Toolbox) ForMode(userID string, mode models.QueryMode) []agent.Tool {
	var search agent.Tool
	if mode == models.QueryModeB {
		search = tb.TokopediaSearcher(userID)
	} else {
		search = tb.GoogleSearcher(userID)
	}
	return []agent.Tool{search, tb.EndConversation(userID)}
}

// EndConversation clears the user's transcript.
func (tb *Toolbox) EndConversation(userID string) agent.Tool {
	return agent.Tool{
		Name:        EndConversationName,
		Description: "Use this when the user says goodbye or wants to end or restart the conversation. The input is ignored.",
		Invoke: func(ctx context.Context, _ string) string {
			if err := tb.history.Clear(ctx, userID); err != nil {
				slog.Error("Toolbox.EndConversation: failed to clear history", "user_id", userID, "error", err)
				return fmt.Sprintf("failed to end the conversation: %v", err)
			}
			return "the conversation history was cleared, say goodbye to the user"
		},
	}
}

// notify tells the user a search is running. Failures are logged only.
func (tb *Toolbox) notify(ctx context.Context, userID, text string) {
	if tb.notifier == nil {
		return
	}
	if err := tb.notifier.SendText(ctx, userID, text); err != nil {
		slog.Warn("Toolbox.notify: failed to send search notification", "user_id", userID, "error", err)
	}
}

// get performs a GET request and returns the body of a 2xx response.
func (tb *Toolbox) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := tb.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}
