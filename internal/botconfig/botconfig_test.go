package botconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/AskPipe/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"Search on Google", "Search on Tokopedia"}, cfg.MenuLabels())
	assert.Equal(t, "Hello Budi, what can I do for you?", cfg.GreetingFor("Budi"))
	assert.Equal(t, "Hello there, what can I do for you?", cfg.GreetingFor(" "))
	assert.Equal(t, "What should I search in Tokopedia?", cfg.ModePrompt(models.QueryModeB))
	assert.Empty(t, cfg.KnowledgeText())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
greeting: "Hi %s!"
prompts:
  glad: "Happy to help"
knowledge_base:
  - question: "What are your opening hours?"
    answer: "We are open 9 to 5."
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Hi Ana!", cfg.GreetingFor("Ana"))
	assert.Equal(t, "Happy to help", cfg.Prompts.Glad)
	assert.Equal(t, "What should I search in Google?", cfg.Prompts.SearchModeA, "omitted prompts keep their defaults")
	assert.Len(t, cfg.Menu, 2)
	assert.Equal(t, "Q: What are your opening hours?\nA: We are open 9 to 5.", cfg.KnowledgeText())
}

func TestLoadRejectsInvalidMenu(t *testing.T) {
	tests := map[string]string{
		"unknown mode":    "menu:\n  - label: Ask\n    mode: Z\n",
		"duplicate label": "menu:\n  - label: Ask\n    mode: A\n  - label: ask\n    mode: B\n",
		"empty label":     "menu:\n  - label: \"\"\n    mode: A\n",
		"answer too long": "max_answer_chars: 10000\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "expected ErrInvalidConfig, got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAnswerChars, cfg.MaxAnswerChars)
}
