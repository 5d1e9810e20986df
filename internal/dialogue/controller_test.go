package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/AskPipe/internal/agent"
	"github.com/BTreeMap/AskPipe/internal/botconfig"
	"github.com/BTreeMap/AskPipe/internal/genai"
	"github.com/BTreeMap/AskPipe/internal/history"
	"github.com/BTreeMap/AskPipe/internal/matcher"
	"github.com/BTreeMap/AskPipe/internal/messaging"
	"github.com/BTreeMap/AskPipe/internal/models"
	"github.com/BTreeMap/AskPipe/internal/store"
	"github.com/BTreeMap/AskPipe/internal/tools"
)

const testUser = "628111222333"

type fakeDecider struct {
	mu     sync.Mutex
	result int
	err    error
	calls  [][]string
}

func (f *fakeDecider) DecideOption(_ context.Context, _ string, candidates []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, candidates)
	return f.result, f.err
}

type fakeAnswerer struct {
	mu        sync.Mutex
	result    agent.Result
	err       error
	questions []string
	modes     []models.QueryMode
}

func (f *fakeAnswerer) Answer(_ context.Context, _ string, mode models.QueryMode, question string) (agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, question)
	f.modes = append(f.modes, mode)
	return f.result, f.err
}

type harness struct {
	ctx      context.Context
	st       *store.InMemoryStore
	hist     *history.Store
	msgr     *messaging.MockMessenger
	decider  *fakeDecider
	answerer *fakeAnswerer
	ctrl     *Controller
	seq      int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st := store.NewInMemoryStore()
	h := &harness{
		ctx:      context.Background(),
		st:       st,
		hist:     history.New(st),
		msgr:     messaging.NewMockMessenger(),
		decider:  &fakeDecider{result: matcher.None},
		answerer: &fakeAnswerer{result: agent.Result{Answer: "Here you go 🎧"}},
	}
	h.ctrl = NewController(st, h.hist, h.decider, h.answerer, h.msgr, botconfig.Default(), opts...)
	return h
}

func (h *harness) deliver(t *testing.T, msg models.InboundMessage) {
	t.Helper()
	require.NoError(t, h.ctrl.HandleMessage(h.ctx, msg))
}

func (h *harness) envelope() models.Envelope {
	h.seq++
	return models.Envelope{From: testUser, MessageID: fmt.Sprintf("wamid.%d", h.seq), ContactName: "Budi"}
}

func (h *harness) say(t *testing.T, text string) {
	t.Helper()
	h.deliver(t, models.TextMessage{Envelope: h.envelope(), Body: text})
}

func (h *harness) seed(t *testing.T, state models.StateType, pending *models.PendingInfo) {
	t.Helper()
	require.NoError(t, h.st.SaveSession(h.ctx, &models.Session{UserID: testUser, State: state, Pending: pending}))
}

func (h *harness) session(t *testing.T) *models.Session {
	t.Helper()
	s, err := h.st.GetSession(h.ctx, testUser)
	require.NoError(t, err)
	return s
}

func texts(msgs []messaging.SentMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestFirstMessageYieldsMenu(t *testing.T) {
	h := newHarness(t)
	h.say(t, "hi")

	sent := h.msgr.SentTo(testUser)
	require.Len(t, sent, 1)
	assert.Equal(t, messaging.SentButtons, sent[0].Kind)
	assert.Equal(t, "Hello Budi, what can I do for you?", sent[0].Text)
	assert.Equal(t, []string{"Search on Google", "Search on Tokopedia"}, sent[0].Options)
	assert.Equal(t, models.StateMenuChoice, h.session(t).State)
	assert.Equal(t, []string{"wamid.1"}, h.msgr.ReadIDs())
}

func TestMenuChoice(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		decided   int
		wantState models.StateType
		wantText  string
	}{
		{"exact first option", "Search on Google", matcher.None, models.StateQueryModeA, "What should I search in Google?"},
		{"exact ignores case and spaces", "  search ON tokopedia ", matcher.None, models.StateQueryModeB, "What should I search in Tokopedia?"},
		{"numbered option", "2", matcher.None, models.StateQueryModeB, "What should I search in Tokopedia?"},
		{"guessed option asks for confirmation", "tokped dong", 1, models.StateConfirmation, `Did you mean "Search on Tokopedia" ?`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.decider.result = tt.decided
			h.seed(t, models.StateMenuChoice, nil)

			h.say(t, tt.input)

			last, ok := h.msgr.Last(testUser)
			require.True(t, ok)
			assert.Equal(t, tt.wantText, last.Text)
			assert.Equal(t, tt.wantState, h.session(t).State)
		})
	}
}

func TestGuessedOptionCarriesMode(t *testing.T) {
	h := newHarness(t)
	h.decider.result = 1
	h.seed(t, models.StateMenuChoice, nil)

	h.say(t, "tokped dong")

	last, _ := h.msgr.Last(testUser)
	assert.Equal(t, []string{"Yes", "No"}, last.Options)
	assert.Equal(t, models.QueryModeB, h.session(t).PendingMode())
}

func TestRejectionReentryEndsWithMenu(t *testing.T) {
	h := newHarness(t)
	h.seed(t, models.StateMenuChoice, nil)

	h.say(t, "what is this")

	sent := h.msgr.SentTo(testUser)
	require.Len(t, sent, 2)
	assert.Equal(t, `Sorry but I don't know with what you mean by "what is this"`, sent[0].Text)
	assert.Equal(t, messaging.SentButtons, sent[1].Kind)
	assert.Equal(t, "Hello Budi, what can I do for you?", sent[1].Text)
	assert.Equal(t, models.StateMenuChoice, h.session(t).State)
}

func TestMatcherErrorCountsAsNoMatch(t *testing.T) {
	h := newHarness(t)
	h.decider.err = errors.New("llm down")
	h.decider.result = 0
	h.seed(t, models.StateMenuChoice, nil)

	h.say(t, "hmm")

	assert.Equal(t, models.StateMenuChoice, h.session(t).State)
	last, _ := h.msgr.Last(testUser)
	assert.Equal(t, "Hello Budi, what can I do for you?", last.Text)
}

func TestConfirmation(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		decided   int
		wantState models.StateType
		wantTexts []string
	}{
		{"contains yes", "yes please", matcher.None, models.StateQueryModeB, []string{"What should I search in Tokopedia?"}},
		{"matcher resolves yes", "sure", 0, models.StateQueryModeB, []string{"What should I search in Tokopedia?"}},
		{"no apologizes and shows menu", "no", matcher.None, models.StateMenuChoice,
			[]string{"Sorry if I didn't catch you right 😔", "Hello Budi, what can I do for you?"}},
		{"matcher resolves no", "nope", 1, models.StateMenuChoice,
			[]string{"Sorry if I didn't catch you right 😔", "Hello Budi, what can I do for you?"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.decider.result = tt.decided
			h.seed(t, models.StateConfirmation, &models.PendingInfo{Mode: models.QueryModeB})

			h.say(t, tt.input)

			assert.Equal(t, tt.wantTexts, texts(h.msgr.SentTo(testUser)))
			assert.Equal(t, tt.wantState, h.session(t).State)
		})
	}
}

func TestQueryRunsAgent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, models.StateQueryModeB, nil)

	h.say(t, "earbuds murah")

	assert.Equal(t, []string{"earbuds murah"}, h.answerer.questions)
	assert.Equal(t, []models.QueryMode{models.QueryModeB}, h.answerer.modes)

	sent := h.msgr.SentTo(testUser)
	require.Len(t, sent, 2)
	assert.Equal(t, messaging.SentReply, sent[0].Kind)
	assert.Equal(t, "Here you go 🎧", sent[0].Text)
	assert.Equal(t, "Is that what you're looking for?", sent[1].Text)
	assert.Equal(t, []string{"Yes", "No", "Search Again"}, sent[1].Options)

	sess := h.session(t)
	assert.Equal(t, models.StateSearchConfirmation, sess.State)
	assert.Equal(t, models.QueryModeB, sess.PendingMode())

	entries, err := h.st.Entries(h.ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, []string{"Question: earbuds murah", "Answer: Here you go 🎧"}, entries)
}

func TestQueryAgentFailure(t *testing.T) {
	h := newHarness(t)
	h.answerer.err = errors.New("completion failed")
	h.seed(t, models.StateQueryModeA, nil)

	h.say(t, "weather today")

	assert.Equal(t, []string{"Sorry, something went wrong while searching 😔 Please try again."}, texts(h.msgr.SentTo(testUser)))
	sess := h.session(t)
	assert.Equal(t, models.StateSearchConfirmation, sess.State)
	assert.Equal(t, models.QueryModeA, sess.PendingMode())

	entries, _ := h.st.Entries(h.ctx, testUser)
	assert.Equal(t, []string{"Question: weather today"}, entries)
}

func TestDegradedAnswerIsSentButNotRemembered(t *testing.T) {
	h := newHarness(t)
	h.answerer.result = agent.Result{Answer: agent.DegradedAnswer, Degraded: true}
	h.seed(t, models.StateQueryModeA, nil)

	h.say(t, "weather today")

	sent := h.msgr.SentTo(testUser)
	require.Len(t, sent, 2)
	assert.Equal(t, agent.DegradedAnswer, sent[0].Text)
	entries, _ := h.st.Entries(h.ctx, testUser)
	assert.Equal(t, []string{"Question: weather today"}, entries)
}

// endingAnswerer behaves like an agent that called the end-conversation tool.
type endingAnswerer struct {
	hist *history.Store
}

func (e *endingAnswerer) Answer(ctx context.Context, userID string, _ models.QueryMode, _ string) (agent.Result, error) {
	if err := e.hist.Clear(ctx, userID); err != nil {
		return agent.Result{}, err
	}
	return agent.Result{
		Answer: "Thanks for chatting, goodbye 👋",
		Steps:  []agent.Step{{Tool: tools.EndConversationName}},
	}, nil
}

func TestEndedConversationLeavesHistoryEmpty(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.hist.AppendQuestion(h.ctx, testUser, "earlier question"))
	require.NoError(t, h.hist.AppendAnswer(h.ctx, testUser, "earlier answer"))
	h.ctrl = NewController(h.st, h.hist, h.decider, &endingAnswerer{hist: h.hist}, h.msgr, botconfig.Default())
	h.seed(t, models.StateQueryModeA, nil)

	h.say(t, "thanks, that's all")

	sent := h.msgr.SentTo(testUser)
	require.Len(t, sent, 2)
	assert.Equal(t, "Thanks for chatting, goodbye 👋", sent[0].Text)
	entries, _ := h.st.Entries(h.ctx, testUser)
	assert.Empty(t, entries)
}

func TestSearchConfirmation(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		decided   int
		wantState models.StateType
		wantTexts []string
	}{
		{"search again", "Search Again", matcher.None, models.StateQueryModeB, []string{"What should I search again? 🤔"}},
		{"numbered search again", "3", matcher.None, models.StateQueryModeB, []string{"What should I search again? 🤔"}},
		{"no", "no", matcher.None, models.StateQueryModeB,
			[]string{"Sorry if that is not what you're looking for 😔", "What should I search again? 🤔"}},
		{"resolved no", "not really", 1, models.StateQueryModeB,
			[]string{"Sorry if that is not what you're looking for 😔", "What should I search again? 🤔"}},
		{"yes", "Yes", matcher.None, models.StateInitial, []string{"I'm glad I could help you ☺"}},
		{"unresolved", "thanks bye", matcher.None, models.StateInitial, []string{"I'm glad I could help you ☺"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.decider.result = tt.decided
			h.seed(t, models.StateSearchConfirmation, &models.PendingInfo{Mode: models.QueryModeB})

			h.say(t, tt.input)

			assert.Equal(t, tt.wantTexts, texts(h.msgr.SentTo(testUser)))
			assert.Equal(t, tt.wantState, h.session(t).State)
		})
	}
}

func TestSuggestionsOfferedAndFollowed(t *testing.T) {
	llm := genai.NewScriptedCompleter(`["Cheaper ones?", "Which brand is best?"]`)
	h := newHarness(t, WithSuggester(NewSuggester(llm)))
	h.seed(t, models.StateQueryModeB, nil)

	h.say(t, "earbuds")

	sent := h.msgr.SentTo(testUser)
	require.Len(t, sent, 3)
	list := sent[2]
	assert.Equal(t, messaging.SentList, list.Kind)
	assert.Equal(t, "You might also want to ask:", list.Text)
	require.Len(t, list.Sections, 1)
	require.Len(t, list.Sections[0].Rows, 2)
	assert.Equal(t, "ask:1", list.Sections[0].Rows[1].ID)
	assert.Equal(t, []string{"Cheaper ones?", "Which brand is best?"}, h.session(t).Pending.Suggestions)

	h.deliver(t, models.ListReply{Envelope: h.envelope(), ReplyID: "ask:1", Title: "Which brand is best?"})

	assert.Equal(t, []string{"earbuds", "Which brand is best?"}, h.answerer.questions)
	assert.Equal(t, models.QueryModeB, h.answerer.modes[1])
	assert.Equal(t, models.StateSearchConfirmation, h.session(t).State)
}

func TestSuggestionFailureDoesNotFailTurn(t *testing.T) {
	llm := genai.NewScriptedCompleter("I cannot think of anything")
	h := newHarness(t, WithSuggester(NewSuggester(llm)))
	h.seed(t, models.StateQueryModeA, nil)

	h.say(t, "earbuds")

	assert.Len(t, h.msgr.SentTo(testUser), 2)
	sess := h.session(t)
	assert.Equal(t, models.StateSearchConfirmation, sess.State)
	assert.Empty(t, sess.Pending.Suggestions)
}

func TestSendFailureAbortsTurn(t *testing.T) {
	h := newHarness(t)
	h.msgr.Err = errors.New("provider down")

	err := h.ctrl.HandleMessage(h.ctx, models.TextMessage{Envelope: h.envelope(), Body: "hi"})
	require.Error(t, err)
	assert.Equal(t, models.StateInitial, h.session(t).State)
}

func TestEmptySenderRejected(t *testing.T) {
	h := newHarness(t)
	err := h.ctrl.HandleMessage(h.ctx, models.TextMessage{Body: "hi"})
	assert.ErrorIs(t, err, models.ErrEmptyRecipient)
	assert.True(t, IsUserError(err))
}

// staticTools provides a fake google-searcher that records its inputs.
type staticTools struct {
	mu     sync.Mutex
	inputs []string
}

func (s *staticTools) ForMode(_ string, _ models.QueryMode) []agent.Tool {
	return []agent.Tool{{
		Name:        "google-searcher",
		Description: "a search engine",
		Invoke: func(_ context.Context, input string) string {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.inputs = append(s.inputs, input)
			return "Brand X earbuds are the top pick. Source: https://example.com/earbuds"
		},
	}}
}

func TestEndToEndGoogleSearch(t *testing.T) {
	st := store.NewInMemoryStore()
	hist := history.New(st)
	msgr := messaging.NewMockMessenger()
	searchTools := &staticTools{}
	llm := genai.NewScriptedCompleter(
		"Thought: I should search\nAction: google-searcher\nAction Input: wireless earbuds",
		"Thought: I now know the final answer\nFinal Answer: Brand X earbuds 🎧\n\nhttps://example.com/earbuds",
	)
	cfg := botconfig.Default()
	ctrl := NewController(st, hist, matcher.New(genai.NewScriptedCompleter()), NewAgentAnswerer(llm, searchTools, hist, cfg), msgr, cfg)
	ctx := context.Background()

	say := func(id, text string) {
		t.Helper()
		require.NoError(t, ctrl.HandleMessage(ctx, models.TextMessage{
			Envelope: models.Envelope{From: testUser, MessageID: id, ContactName: "Budi"},
			Body:     text,
		}))
	}
	state := func() models.StateType {
		s, err := st.GetSession(ctx, testUser)
		require.NoError(t, err)
		return s.State
	}

	say("m1", "hi")
	last, _ := msgr.Last(testUser)
	assert.Equal(t, []string{"Search on Google", "Search on Tokopedia"}, last.Options)
	assert.Equal(t, models.StateMenuChoice, state())

	say("m2", "Search on Google")
	last, _ = msgr.Last(testUser)
	assert.Equal(t, "What should I search in Google?", last.Text)
	assert.Equal(t, models.StateQueryModeA, state())

	say("m3", "find wireless earbuds")
	assert.Equal(t, []string{"wireless earbuds"}, searchTools.inputs)
	sent := msgr.SentTo(testUser)
	answer := sent[len(sent)-2]
	assert.Equal(t, messaging.SentReply, answer.Kind)
	assert.Equal(t, "m3", answer.ReplyTo)
	assert.True(t, strings.HasPrefix(answer.Text, "Brand X earbuds 🎧"))
	last, _ = msgr.Last(testUser)
	assert.Equal(t, []string{"Yes", "No", "Search Again"}, last.Options)
	assert.Equal(t, models.StateSearchConfirmation, state())

	prompts := llm.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "System: Be joyful with your answer")
	assert.Contains(t, prompts[0], "Question: find wireless earbuds")
	assert.Contains(t, prompts[1], "Observation: Brand X earbuds are the top pick.")

	say("m4", "yes")
	last, _ = msgr.Last(testUser)
	assert.Equal(t, "I'm glad I could help you ☺", last.Text)
	assert.Equal(t, models.StateInitial, state())
}

// blockingAnswerer holds every call until release is closed.
type blockingAnswerer struct {
	entered chan string
	release chan struct{}
}

func (b *blockingAnswerer) Answer(ctx context.Context, userID string, _ models.QueryMode, _ string) (agent.Result, error) {
	b.entered <- userID
	select {
	case <-b.release:
	case <-ctx.Done():
		return agent.Result{}, ctx.Err()
	}
	return agent.Result{Answer: "ok"}, nil
}

func TestDifferentUsersProceedConcurrently(t *testing.T) {
	st := store.NewInMemoryStore()
	ans := &blockingAnswerer{entered: make(chan string, 2), release: make(chan struct{})}
	ctrl := NewController(st, history.New(st), &fakeDecider{result: matcher.None}, ans, messaging.NewMockMessenger(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	users := []string{"628100000001", "628100000002"}
	for _, u := range users {
		require.NoError(t, st.SaveSession(ctx, &models.Session{UserID: u, State: models.StateQueryModeA}))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(users))
	for i, u := range users {
		wg.Add(1)
		go func(id, user string) {
			defer wg.Done()
			errs <- ctrl.HandleMessage(ctx, models.TextMessage{Envelope: models.Envelope{From: user, MessageID: id}, Body: "q"})
		}(fmt.Sprintf("m%d", i), u)
	}

	for range users {
		select {
		case <-ans.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("users were not processed concurrently")
		}
	}
	close(ans.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestSameUserIsSerialized(t *testing.T) {
	st := store.NewInMemoryStore()
	ans := &blockingAnswerer{entered: make(chan string, 2), release: make(chan struct{})}
	msgr := messaging.NewMockMessenger()
	ctrl := NewController(st, history.New(st), &fakeDecider{result: matcher.None}, ans, msgr, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, st.SaveSession(ctx, &models.Session{UserID: testUser, State: models.StateQueryModeA}))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, ctrl.HandleMessage(ctx, models.TextMessage{Envelope: models.Envelope{From: testUser, MessageID: id}, Body: "q"}))
		}(fmt.Sprintf("m%d", i))
	}

	<-ans.entered
	// The second delivery waits for the first; it must not reach the agent.
	time.Sleep(50 * time.Millisecond)
	read := msgr.ReadIDs()
	assert.Len(t, read, 1)
	close(ans.release)
	wg.Wait()

	// The second message landed in SEARCH_CONFIRMATION and closed the search.
	last, _ := msgr.Last(testUser)
	assert.Equal(t, "I'm glad I could help you ☺", last.Text)
	assert.Len(t, ans.entered, 0)
}

func TestMatchExact(t *testing.T) {
	options := []string{"Yes", "No", "Search Again"}
	tests := []struct {
		in   string
		want int
	}{
		{"yes", 0},
		{" NO ", 1},
		{"search again", 2},
		{"2", 1},
		{"4", -1},
		{"0", -1},
		{"yess", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchExact(tt.in, options), "input %q", tt.in)
	}
}
