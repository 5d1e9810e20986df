package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/AskPipe/internal/genai"
)

type recordingTool struct {
	mu     sync.Mutex
	inputs []string
	reply  string
}

func (r *recordingTool) tool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "test tool " + name,
		Invoke: func(_ context.Context, input string) string {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.inputs = append(r.inputs, input)
			return r.reply
		},
	}
}

func newRegistry(t *testing.T, tools ...Tool) *Registry {
	t.Helper()
	reg, err := NewRegistry(tools)
	require.NoError(t, err)
	return reg
}

func TestRunFinishesImmediately(t *testing.T) {
	llm := genai.NewScriptedCompleter("Thought: I know this\nFinal Answer: Paris is the capital of France 🇫🇷")
	res, err := New(llm, newRegistry(t)).Run(context.Background(), "capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France 🇫🇷", res.Answer)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.Steps)
}

func TestRunCallsToolThenFinishes(t *testing.T) {
	search := &recordingTool{reply: `[{"title":"Best earbuds","link":"https://example.com"}]`}
	llm := genai.NewScriptedCompleter(
		"Thought: I should search\nAction: google-searcher\nAction Input: \"wireless earbuds\"",
		"Thought: I now know the final answer\nFinal Answer: Try these earbuds 🎧\n\nhttps://example.com",
	)
	res, err := New(llm, newRegistry(t, search.tool("google-searcher")), WithSystemPrompt("System: Be joyful")).
		Run(context.Background(), "find wireless earbuds")
	require.NoError(t, err)

	assert.Equal(t, []string{"wireless earbuds"}, search.inputs)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "google-searcher", res.Steps[0].Tool)
	assert.Contains(t, res.Answer, "https://example.com")
	assert.True(t, res.Used("google-searcher"))
	assert.False(t, res.Used(NoneToolName))

	prompts := llm.Prompts()
	require.Len(t, prompts, 2)
	assert.True(t, strings.HasPrefix(prompts[0], "System: Be joyful"))
	assert.Contains(t, prompts[0], "google-searcher: test tool google-searcher")
	assert.Contains(t, prompts[0], "Question: find wireless earbuds")
	assert.Contains(t, prompts[1], "Observation: [{\"title\":\"Best earbuds\"")
}

func TestRunTerminatesWhenModelNeverFinishes(t *testing.T) {
	search := &recordingTool{reply: "nothing useful"}
	llm := genai.NewScriptedCompleter("Thought: search more\nAction: google-searcher\nAction Input: again")
	llm.Repeat = true

	res, err := New(llm, newRegistry(t, search.tool("google-searcher")), WithMaxSteps(4)).
		Run(context.Background(), "loop forever")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, DegradedAnswer, res.Answer)
	assert.NotEmpty(t, res.Answer)
	assert.Equal(t, 4, llm.Calls())
	assert.Len(t, res.Steps, 4)
}

func TestRunNoneToolAsksForFinalAnswer(t *testing.T) {
	llm := genai.NewScriptedCompleter(
		"Thought: no tool fits\nAction: none\nAction Input: ",
		"Hello! I am a search assistant 😊",
	)
	res, err := New(llm, newRegistry(t)).Run(context.Background(), "who are you?")
	require.NoError(t, err)
	assert.Equal(t, "Hello! I am a search assistant 😊", res.Answer)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, NoneObservation, res.Steps[0].Observation)
	assert.True(t, strings.HasSuffix(llm.Prompts()[1], "Final Answer:"))
}

func TestRunIgnoresInventedObservationAndAnswer(t *testing.T) {
	search := &recordingTool{reply: `[{"title":"Real result","link":"https://example.com/earbuds"}]`}
	llm := genai.NewScriptedCompleter(
		"Thought: I should search\nAction: google-searcher\nAction Input: wireless earbuds\n"+
			"Observation: Sony WF-1000XM5 is best\nThought: I now know the final answer\n"+
			"Final Answer: Buy the Sony WF-1000XM5 https://made-up.example",
		"Thought: I now know the final answer\nFinal Answer: See https://example.com/earbuds",
	)
	res, err := New(llm, newRegistry(t, search.tool("google-searcher"))).Run(context.Background(), "best earbuds?")
	require.NoError(t, err)

	assert.Equal(t, []string{"wireless earbuds"}, search.inputs)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "See https://example.com/earbuds", res.Answer)
	assert.NotContains(t, res.Answer, "made-up.example")
	assert.Equal(t, 2, llm.Calls())
}

func TestRunMatchesToolNamesIgnoringCase(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		llm := genai.NewScriptedCompleter("Action: None\nAction Input: ", "Final Answer: hi there")
		res, err := New(llm, newRegistry(t)).Run(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, "hi there", res.Answer)
		require.Len(t, res.Steps, 1)
		assert.Equal(t, NoneToolName, res.Steps[0].Tool)
		assert.Equal(t, NoneObservation, res.Steps[0].Observation)
		assert.True(t, strings.HasSuffix(llm.Prompts()[1], "Final Answer:"))
	})

	t.Run("registered tool", func(t *testing.T) {
		search := &recordingTool{reply: "found it"}
		llm := genai.NewScriptedCompleter("Action: Google-Searcher\nAction Input: earbuds", "Final Answer: done")
		res, err := New(llm, newRegistry(t, search.tool("google-searcher"))).Run(context.Background(), "q")
		require.NoError(t, err)
		assert.Equal(t, []string{"earbuds"}, search.inputs)
		require.Len(t, res.Steps, 1)
		assert.Equal(t, "google-searcher", res.Steps[0].Tool)
		assert.Equal(t, "found it", res.Steps[0].Observation)
	})
}

func TestRunUnknownToolBecomesObservation(t *testing.T) {
	llm := genai.NewScriptedCompleter(
		"Action: bing\nAction Input: x",
		"Final Answer: done",
	)
	res, err := New(llm, newRegistry(t)).Run(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "bing is not a valid tool, try one of [none].", res.Steps[0].Observation)
	assert.Equal(t, "done", res.Answer)
}

func TestRunToolPanicBecomesObservation(t *testing.T) {
	boom := Tool{Name: "boom", Description: "panics", Invoke: func(context.Context, string) string { panic("kaput") }}
	llm := genai.NewScriptedCompleter("Action: boom\nAction Input: x", "Final Answer: recovered")
	res, err := New(llm, newRegistry(t, boom)).Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Contains(t, res.Steps[0].Observation, "tool boom failed: kaput")
	assert.Equal(t, "recovered", res.Answer)
}

func TestRunCompletionErrorAborts(t *testing.T) {
	llm := genai.NewScriptedCompleter()
	llm.Err = errors.New("rate limited")
	_, err := New(llm, newRegistry(t)).Run(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

// blockingLLM waits for the context to end.
type blockingLLM struct{}

func (blockingLLM) Complete(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRunTimeoutYieldsDegradedAnswer(t *testing.T) {
	res, err := New(blockingLLM{}, newRegistry(t), WithRunTimeout(20*time.Millisecond)).
		Run(context.Background(), "q")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, DegradedAnswer, res.Answer)
}

func TestRegistryToolTimeout(t *testing.T) {
	slow := Tool{Name: "slow", Description: "waits", Invoke: func(ctx context.Context, _ string) string {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return "late"
	}}
	reg, err := NewRegistry([]Tool{slow}, WithToolTimeout(20*time.Millisecond))
	require.NoError(t, err)

	obs, err := reg.Execute(context.Background(), "slow", "")
	require.NoError(t, err)
	assert.Equal(t, "tool slow did not respond in time", obs)
}

func TestRegistryRegistration(t *testing.T) {
	reg := newRegistry(t)
	assert.Equal(t, []string{NoneToolName}, reg.Names())

	noop := func(context.Context, string) string { return "" }
	assert.Error(t, reg.Register(Tool{Name: NoneToolName, Invoke: noop}))
	assert.Error(t, reg.Register(Tool{Name: " ", Invoke: noop}))
	assert.Error(t, reg.Register(Tool{Name: "nil-invoke"}))

	_, err := reg.Execute(context.Background(), "missing", "")
	assert.ErrorIs(t, err, ErrUnknownTool)

	obs, err := reg.Execute(context.Background(), NoneToolName, "")
	require.NoError(t, err)
	assert.Equal(t, NoneObservation, obs)

	got, ok := reg.Get("NONE")
	require.True(t, ok)
	assert.Equal(t, NoneToolName, got.Name)
}

func TestBuildSystemPrompt(t *testing.T) {
	p := BuildSystemPrompt(PromptConfig{
		Instructions:   []string{"Be joyful with your answer", ""},
		MaxAnswerChars: 500,
		KnowledgeBase:  "Q: hours?\nA: 9 to 5",
		Transcript:     "Question: hi",
	})
	assert.Equal(t, "System: Be joyful with your answer\n"+
		"System: Keep your final answer under 500 characters\n"+
		"System: Reference Q&A (prefer these over tools):\nQ: hours?\nA: 9 to 5\n"+
		"System: Conversation so far:\nQuestion: hi\n", p)
}
