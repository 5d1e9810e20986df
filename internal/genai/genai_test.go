package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp       openai.ChatCompletion
	err        error
	lastParams openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.lastParams = params
	return m.resp, m.err
}

func reply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestComplete_Success(t *testing.T) {
	mock := &mockChatService{resp: reply("  Search on Google \n")}
	client := &Client{chat: mock, model: "test-model"}
	out, err := client.Complete(context.Background(), "which option?")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Search on Google" {
		t.Errorf("expected trimmed content, got %q", out)
	}
	if len(mock.lastParams.Messages) != 1 {
		t.Errorf("expected a single user message, got %d", len(mock.lastParams.Messages))
	}
	if string(mock.lastParams.Model) != "test-model" {
		t.Errorf("expected model test-model, got %s", mock.lastParams.Model)
	}
}

func TestGeneratePromptWithContext_Success(t *testing.T) {
	mock := &mockChatService{resp: reply("Hello World")}
	client := &Client{chat: mock, model: "test-model"}
	out, err := client.GeneratePromptWithContext(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if len(mock.lastParams.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.lastParams.Messages))
	}
}

func TestComplete_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.Complete(context.Background(), "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.Complete(context.Background(), "usr")
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey when API key not provided, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithBaseURL("http://127.0.0.1:1/v1"), WithMaxTokens(64))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Fatal("expected client instance, got nil")
	}
	if cli.model != string(DefaultModel) || cli.temperature != 0 || cli.maxTokens != 64 {
		t.Errorf("unexpected client defaults: model=%s temperature=%v maxTokens=%d", cli.model, cli.temperature, cli.maxTokens)
	}
}

func TestScriptedCompleter(t *testing.T) {
	s := NewScriptedCompleter("one", "two")
	ctx := context.Background()
	if got, _ := s.Complete(ctx, "a"); got != "one" {
		t.Errorf("expected first reply, got %q", got)
	}
	if got, _ := s.Complete(ctx, "b"); got != "two" {
		t.Errorf("expected second reply, got %q", got)
	}
	if _, err := s.Complete(ctx, "c"); !errors.Is(err, ErrScriptExhausted) {
		t.Errorf("expected ErrScriptExhausted, got %v", err)
	}
	if s.Calls() != 3 || s.Prompts()[2] != "c" {
		t.Errorf("prompts not recorded: %v", s.Prompts())
	}

	sys := NewScriptedCompleter("joined")
	if got, _ := sys.GeneratePromptWithContext(ctx, "be brief", "hi"); got != "joined" {
		t.Errorf("expected scripted reply, got %q", got)
	}
	if sys.Prompts()[0] != "be brief\n\nhi" {
		t.Errorf("expected system and user prompts joined, got %q", sys.Prompts()[0])
	}

	r := NewScriptedCompleter("again")
	r.Repeat = true
	for i := 0; i < 3; i++ {
		if got, _ := r.Complete(ctx, "x"); got != "again" {
			t.Errorf("expected repeated reply, got %q", got)
		}
	}
}
