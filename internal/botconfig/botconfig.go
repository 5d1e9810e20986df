// Package botconfig loads the user-facing texts, menu and knowledge base of the bot.
//
// Defaults reproduce the stock English dialogue. A YAML file can override any field;
// fields it omits keep their default values.
package botconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/AskPipe/internal/models"
)

// DefaultMaxAnswerChars bounds the length of agent answers.
const DefaultMaxAnswerChars = 1000

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid bot config")

// MenuOption is one entry of the initial menu.
type MenuOption struct {
	Label string           `yaml:"label"`
	Mode  models.QueryMode `yaml:"mode"`
}

// Prompts holds every fixed message the dialogue sends.
// Templates containing %s receive a single string argument.
type Prompts struct {
	SearchModeA       string `yaml:"search_mode_a"`
	SearchModeB       string `yaml:"search_mode_b"`
	SearchAgain       string `yaml:"search_again"`
	Glad              string `yaml:"glad"`
	SorryGuess        string `yaml:"sorry_guess"`
	SorryResult       string `yaml:"sorry_result"`
	NotUnderstood     string `yaml:"not_understood"` // %s: the user's message
	ConfirmGuess      string `yaml:"confirm_guess"`  // %s: the guessed menu label
	IsThisIt          string `yaml:"is_this_it"`
	SearchFailed      string `yaml:"search_failed"`
	Suggestions       string `yaml:"suggestions"`
	SuggestionsButton string `yaml:"suggestions_button"`
}

// Buttons holds the labels of the reply buttons.
type Buttons struct {
	Yes         string `yaml:"yes"`
	No          string `yaml:"no"`
	SearchAgain string `yaml:"search_again"`
}

// QA is one knowledge base entry.
type QA struct {
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
}

// Config is the complete bot configuration.
type Config struct {
	Greeting       string       `yaml:"greeting"` // %s: the contact name
	Menu           []MenuOption `yaml:"menu"`
	Prompts        Prompts      `yaml:"prompts"`
	Buttons        Buttons      `yaml:"buttons"`
	SystemPrompt   []string     `yaml:"system_prompt"`
	MaxAnswerChars int          `yaml:"max_answer_chars"`
	KnowledgeBase  []QA         `yaml:"knowledge_base"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Greeting: "Hello %s, what can I do for you?",
		Menu: []MenuOption{
			{Label: "Search on Google", Mode: models.QueryModeA},
			{Label: "Search on Tokopedia", Mode: models.QueryModeB},
		},
		Prompts: Prompts{
			SearchModeA:       "What should I search in Google?",
			SearchModeB:       "What should I search in Tokopedia?",
			SearchAgain:       "What should I search again? 🤔",
			Glad:              "I'm glad I could help you ☺",
			SorryGuess:        "Sorry if I didn't catch you right 😔",
			SorryResult:       "Sorry if that is not what you're looking for 😔",
			NotUnderstood:     `Sorry but I don't know with what you mean by "%s"`,
			ConfirmGuess:      `Did you mean "%s" ?`,
			IsThisIt:          "Is that what you're looking for?",
			SearchFailed:      "Sorry, something went wrong while searching 😔 Please try again.",
			Suggestions:       "You might also want to ask:",
			SuggestionsButton: "More questions",
		},
		Buttons: Buttons{Yes: "Yes", No: "No", SearchAgain: "Search Again"},
		SystemPrompt: []string{
			"Be joyful with your answer",
			"Format and beautify with spaces the answer",
			"Add utf8 emoji to your answer",
			"You should also put the accurate url from the search result in the bottom after two line break as source in your answer",
		},
		MaxAnswerChars: DefaultMaxAnswerChars,
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bot config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse bot config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slog.Info("botconfig.Load: loaded bot config", "path", path, "menu_options", len(cfg.Menu), "knowledge_base", len(cfg.KnowledgeBase))
	return cfg, nil
}

// Validate checks the menu and limits.
func (c *Config) Validate() error {
	if len(c.Menu) == 0 {
		return fmt.Errorf("%w: menu must have at least one option", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Menu))
	for i, opt := range c.Menu {
		if strings.TrimSpace(opt.Label) == "" {
			return fmt.Errorf("%w: menu option %d has an empty label", ErrInvalidConfig, i)
		}
		if opt.Mode != models.QueryModeA && opt.Mode != models.QueryModeB {
			return fmt.Errorf("%w: menu option %q has unknown mode %q", ErrInvalidConfig, opt.Label, opt.Mode)
		}
		key := models.Normalize(opt.Label)
		if seen[key] {
			return fmt.Errorf("%w: duplicate menu label %q", ErrInvalidConfig, opt.Label)
		}
		seen[key] = true
	}
	if c.MaxAnswerChars <= 0 || c.MaxAnswerChars > models.MaxTextBodyLength {
		return fmt.Errorf("%w: max_answer_chars must be in (0, %d]", ErrInvalidConfig, models.MaxTextBodyLength)
	}
	if c.Buttons.Yes == "" || c.Buttons.No == "" || c.Buttons.SearchAgain == "" {
		return fmt.Errorf("%w: button labels must not be empty", ErrInvalidConfig)
	}
	return nil
}

// MenuLabels returns the menu option labels in order.
func (c *Config) MenuLabels() []string {
	labels := make([]string, len(c.Menu))
	for i, opt := range c.Menu {
		labels[i] = opt.Label
	}
	return labels
}

// ModePrompt returns the prompt that asks for a query in mode m.
func (c *Config) ModePrompt(m models.QueryMode) string {
	if m == models.QueryModeB {
		return c.Prompts.SearchModeB
	}
	return c.Prompts.SearchModeA
}

// GreetingFor renders the greeting for a contact. An unknown name falls back to "there".
func (c *Config) GreetingFor(name string) string {
	if strings.TrimSpace(name) == "" {
		name = "there"
	}
	if !strings.Contains(c.Greeting, "%s") {
		return c.Greeting
	}
	return fmt.Sprintf(c.Greeting, name)
}

// KnowledgeText renders the knowledge base for inclusion in prompts.
// It returns an empty string when no entries are configured.
func (c *Config) KnowledgeText() string {
	if len(c.KnowledgeBase) == 0 {
		return ""
	}
	var b strings.Builder
	for _, qa := range c.KnowledgeBase {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", strings.TrimSpace(qa.Question), strings.TrimSpace(qa.Answer))
	}
	return strings.TrimRight(b.String(), "\n")
}
