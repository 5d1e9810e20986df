package matcher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/AskPipe/internal/genai"
	"github.com/BTreeMap/AskPipe/internal/models"
)

var candidateLists = [][]string{
	{"Search on Google", "Search on Tokopedia"},
	{"Yes", "No"},
	{"Yes", "No", "Search Again"},
}

func TestDecideOptionNoneSentinel(t *testing.T) {
	for _, answer := range []string{"None", " none ", `"None"`, "NONE."} {
		for _, list := range candidateLists {
			m := New(genai.NewScriptedCompleter(answer))
			got, err := m.DecideOption(context.Background(), "something odd", list)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != None {
				t.Errorf("answer %q over %v: expected None, got %d", answer, list, got)
			}
		}
	}
}

func TestDecideOptionEveryPosition(t *testing.T) {
	for _, list := range candidateLists {
		for i, c := range list {
			answer := `"` + strings.ToUpper(c) + `"`
			m := New(genai.NewScriptedCompleter(answer))
			got, err := m.DecideOption(context.Background(), "msg", list)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != i {
				t.Errorf("answer %q over %v: expected %d, got %d", answer, list, i, got)
			}
		}
	}
}

func TestDecideOptionUnmatchedAnswerIsNone(t *testing.T) {
	m := New(genai.NewScriptedCompleter("I think you want a pizza"))
	got, err := m.DecideOption(context.Background(), "pizza", candidateLists[0])
	if err != nil || got != None {
		t.Errorf("expected None without error, got %d (%v)", got, err)
	}
}

func TestDecideOptionPromptCarriesInputAndList(t *testing.T) {
	llm := genai.NewScriptedCompleter("Search on Tokopedia")
	m := New(llm)
	got, _ := m.DecideOption(context.Background(), "tokopedia please", candidateLists[0])
	if got != 1 {
		t.Errorf("expected index 1, got %d", got)
	}
	prompt := llm.Prompts()[0]
	if !strings.Contains(prompt, "Input: tokopedia please") || !strings.Contains(prompt, `["Search on Google","Search on Tokopedia"]`) {
		t.Errorf("prompt missing input or candidates:\n%s", prompt)
	}
}

func TestDecideOptionErrors(t *testing.T) {
	llm := genai.NewScriptedCompleter()
	llm.Err = errors.New("upstream down")
	got, err := New(llm).DecideOption(context.Background(), "x", candidateLists[1])
	if err == nil || got != None {
		t.Errorf("expected error and None, got %d (%v)", got, err)
	}

	got, err = New(genai.NewScriptedCompleter("Yes")).DecideOption(context.Background(), "x", nil)
	if !errors.Is(err, models.ErrNoOptions) || got != None {
		t.Errorf("expected ErrNoOptions for empty candidates, got %d (%v)", got, err)
	}
}
