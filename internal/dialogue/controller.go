// Package dialogue drives the per-user conversation state machine.
//
// A Controller receives normalized inbound messages, loads the user's session,
// advances the state machine and sends the replies. Deliveries for one user are
// processed one at a time; different users proceed concurrently.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/AskPipe/internal/botconfig"
	"github.com/BTreeMap/AskPipe/internal/history"
	"github.com/BTreeMap/AskPipe/internal/matcher"
	"github.com/BTreeMap/AskPipe/internal/messaging"
	"github.com/BTreeMap/AskPipe/internal/models"
	"github.com/BTreeMap/AskPipe/internal/store"
	"github.com/BTreeMap/AskPipe/internal/tools"
)

// MaxPasses caps how often one message is evaluated after rejection resets.
const MaxPasses = 3

// OptionDecider resolves free text to one of a set of candidates.
type OptionDecider interface {
	DecideOption(ctx context.Context, message string, candidates []string) (int, error)
}

// Controller runs the dialogue state machine.
type Controller struct {
	sessions  store.SessionStore
	history   *history.Store
	decider   OptionDecider
	answerer  Answerer
	suggester *Suggester
	messenger messaging.Messenger
	cfg       *botconfig.Config
	locks     *keyedMutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithSuggester enables follow-up suggestions after each answer.
func WithSuggester(s *Suggester) Option {
	return func(c *Controller) { c.suggester = s }
}

// NewController creates a Controller. A nil cfg selects botconfig.Default().
func NewController(sessions store.SessionStore, hist *history.Store, decider OptionDecider, answerer Answerer, messenger messaging.Messenger, cfg *botconfig.Config, opts ...Option) *Controller {
	if cfg == nil {
		cfg = botconfig.Default()
	}
	c := &Controller{
		sessions:  sessions,
		history:   hist,
		decider:   decider,
		answerer:  answerer,
		messenger: messenger,
		cfg:       cfg,
		locks:     newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleMessage processes one inbound message to completion.
func (c *Controller) HandleMessage(ctx context.Context, msg models.InboundMessage) error {
	userID := msg.Sender()
	if userID == "" {
		return models.ErrEmptyRecipient
	}
	unlock := c.locks.Lock(userID)
	defer unlock()

	if err := c.messenger.MarkRead(ctx, msg); err != nil {
		slog.Warn("Controller.HandleMessage: failed to mark message read", "user_id", userID, "message_id", msg.ID(), "error", err)
	}

	sess, err := c.sessions.GetSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	for pass := 1; pass <= MaxPasses; pass++ {
		from := sess.State
		reenter, err := c.step(ctx, sess, msg)
		if err != nil {
			return fmt.Errorf("state %s: %w", from, err)
		}
		if err := c.sessions.SaveSession(ctx, sess); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		slog.Debug("Controller.HandleMessage: transition", "user_id", userID, "from", from, "to", sess.State, "pass", pass)
		if !reenter {
			return nil
		}
	}
	slog.Warn("Controller.HandleMessage: pass limit reached, stopping", "user_id", userID, "max_passes", MaxPasses, "state", sess.State)
	return nil
}

// step evaluates msg against the current state. It reports whether the
// session was reset as a rejection of msg and must be evaluated again.
func (c *Controller) step(ctx context.Context, sess *models.Session, msg models.InboundMessage) (bool, error) {
	switch sess.State {
	case models.StateInitial:
		return false, c.handleInitial(ctx, sess, msg)
	case models.StateMenuChoice:
		return c.handleMenuChoice(ctx, sess, msg)
	case models.StateConfirmation:
		return c.handleConfirmation(ctx, sess, msg)
	case models.StateQueryModeA, models.StateQueryModeB:
		mode, err := models.ModeForState(sess.State)
		if err != nil {
			return false, err
		}
		return false, c.answer(ctx, sess, msg, mode, msg.Text())
	case models.StateSearchConfirmation:
		return false, c.handleSearchConfirmation(ctx, sess, msg)
	default:
		return false, fmt.Errorf("%w: %s", models.ErrUnknownSessionState, sess.State)
	}
}

func (c *Controller) handleInitial(ctx context.Context, sess *models.Session, msg models.InboundMessage) error {
	if err := c.messenger.SendButtons(ctx, sess.UserID, c.cfg.GreetingFor(msg.Contact()), c.cfg.MenuLabels()); err != nil {
		return err
	}
	sess.Transition(models.StateMenuChoice, nil)
	return nil
}

func (c *Controller) handleMenuChoice(ctx context.Context, sess *models.Session, msg models.InboundMessage) (bool, error) {
	labels := c.cfg.MenuLabels()
	text := msg.Text()

	if i := matchExact(text, labels); i >= 0 {
		mode := c.cfg.Menu[i].Mode
		if err := c.messenger.SendText(ctx, sess.UserID, c.cfg.ModePrompt(mode)); err != nil {
			return false, err
		}
		sess.Transition(mode.State(), nil)
		return false, nil
	}

	if i := c.decide(ctx, sess.UserID, text, labels); i != matcher.None {
		prompt := fmt.Sprintf(c.cfg.Prompts.ConfirmGuess, labels[i])
		if err := c.messenger.SendButtons(ctx, sess.UserID, prompt, []string{c.cfg.Buttons.Yes, c.cfg.Buttons.No}); err != nil {
			return false, err
		}
		sess.Transition(models.StateConfirmation, &models.PendingInfo{Mode: c.cfg.Menu[i].Mode})
		return false, nil
	}

	if err := c.messenger.SendText(ctx, sess.UserID, fmt.Sprintf(c.cfg.Prompts.NotUnderstood, strings.TrimSpace(text))); err != nil {
		return false, err
	}
	sess.Transition(models.StateInitial, nil)
	return true, nil
}

func (c *Controller) handleConfirmation(ctx context.Context, sess *models.Session, msg models.InboundMessage) (bool, error) {
	options := []string{c.cfg.Buttons.Yes, c.cfg.Buttons.No}
	text := msg.Text()

	affirmed := strings.Contains(models.Normalize(text), models.Normalize(c.cfg.Buttons.Yes))
	if !affirmed {
		i := matchExact(text, options)
		if i < 0 {
			i = c.decide(ctx, sess.UserID, text, options)
		}
		affirmed = i == 0
	}

	if affirmed {
		mode := sess.PendingMode()
		if err := c.messenger.SendText(ctx, sess.UserID, c.cfg.ModePrompt(mode)); err != nil {
			return false, err
		}
		sess.Transition(mode.State(), nil)
		return false, nil
	}

	if err := c.messenger.SendText(ctx, sess.UserID, c.cfg.Prompts.SorryGuess); err != nil {
		return false, err
	}
	sess.Transition(models.StateInitial, nil)
	return true, nil
}

const (
	searchYes = iota
	searchNo
	searchAgain
)

func (c *Controller) handleSearchConfirmation(ctx context.Context, sess *models.Session, msg models.InboundMessage) error {
	mode := sess.PendingMode()
	if q, ok := suggestionFor(sess, msg); ok {
		slog.Debug("Controller.handleSearchConfirmation: running suggested question", "user_id", sess.UserID, "question", q)
		return c.answer(ctx, sess, msg, mode, q)
	}

	options := []string{c.cfg.Buttons.Yes, c.cfg.Buttons.No, c.cfg.Buttons.SearchAgain}
	text := msg.Text()
	i := matchExact(text, options)
	if i < 0 {
		i = c.decide(ctx, sess.UserID, text, options)
	}

	switch i {
	case searchNo, searchAgain:
		if i == searchNo {
			if err := c.messenger.SendText(ctx, sess.UserID, c.cfg.Prompts.SorryResult); err != nil {
				return err
			}
		}
		if err := c.messenger.SendText(ctx, sess.UserID, c.cfg.Prompts.SearchAgain); err != nil {
			return err
		}
		sess.Transition(mode.State(), nil)
	default:
		if err := c.messenger.SendText(ctx, sess.UserID, c.cfg.Prompts.Glad); err != nil {
			return err
		}
		sess.Transition(models.StateInitial, nil)
	}
	return nil
}

// answer runs the agent on question and moves the session to SEARCH_CONFIRMATION.
func (c *Controller) answer(ctx context.Context, sess *models.Session, msg models.InboundMessage, mode models.QueryMode, question string) error {
	if err := c.history.AppendQuestion(ctx, sess.UserID, question); err != nil {
		return err
	}

	res, err := c.answerer.Answer(ctx, sess.UserID, mode, question)
	if err != nil {
		slog.Error("Controller.answer: agent failed", "user_id", sess.UserID, "mode", mode, "error", err)
		if err := c.messenger.SendText(ctx, sess.UserID, c.cfg.Prompts.SearchFailed); err != nil {
			return err
		}
		sess.Transition(models.StateSearchConfirmation, &models.PendingInfo{Mode: mode})
		return nil
	}

	if err := c.messenger.ReplyTo(ctx, msg, res.Answer); err != nil {
		return err
	}
	// The end-conversation tool already cleared the transcript.
	if res.Used(tools.EndConversationName) {
		slog.Debug("Controller.answer: conversation ended, answer not recorded", "user_id", sess.UserID)
	} else if !res.Degraded {
		if err := c.history.AppendAnswer(ctx, sess.UserID, res.Answer); err != nil {
			return err
		}
	}

	options := []string{c.cfg.Buttons.Yes, c.cfg.Buttons.No, c.cfg.Buttons.SearchAgain}
	if err := c.messenger.SendButtons(ctx, sess.UserID, c.cfg.Prompts.IsThisIt, options); err != nil {
		return err
	}

	pending := &models.PendingInfo{Mode: mode}
	if c.suggester != nil && !res.Degraded {
		pending.Suggestions = c.offerSuggestions(ctx, sess.UserID, question, res.Answer)
	}
	sess.Transition(models.StateSearchConfirmation, pending)
	return nil
}

// offerSuggestions sends follow-up questions as a list. Failures are logged only.
func (c *Controller) offerSuggestions(ctx context.Context, userID, question, answer string) []string {
	questions, err := c.suggester.Suggest(ctx, question, answer)
	if err != nil {
		slog.Warn("Controller.offerSuggestions: failed to get suggestions", "user_id", userID, "error", err)
		return nil
	}
	suggestions := models.BuildSuggestions(questions)
	if len(suggestions) == 0 {
		return nil
	}
	rows := make([]models.ListRow, len(suggestions))
	for i, s := range suggestions {
		rows[i] = s.Row()
	}
	section := models.ListSection{Title: c.cfg.Prompts.SuggestionsButton, Rows: rows}
	if err := c.messenger.SendList(ctx, userID, c.cfg.Prompts.Suggestions, c.cfg.Prompts.SuggestionsButton, []models.ListSection{section}); err != nil {
		slog.Warn("Controller.offerSuggestions: failed to send suggestions", "user_id", userID, "error", err)
		return nil
	}
	return questions
}

// decide asks the option matcher. Errors count as no match.
func (c *Controller) decide(ctx context.Context, userID, text string, candidates []string) int {
	if c.decider == nil {
		return matcher.None
	}
	i, err := c.decider.DecideOption(ctx, text, candidates)
	if err != nil {
		slog.Warn("Controller.decide: option matcher failed", "user_id", userID, "error", err)
		return matcher.None
	}
	if i < 0 || i >= len(candidates) {
		return matcher.None
	}
	return i
}

// suggestionFor returns the suggested question selected by a list reply.
func suggestionFor(sess *models.Session, msg models.InboundMessage) (string, bool) {
	if msg.Kind() != models.InboundKindListReply || sess.Pending == nil {
		return "", false
	}
	id := msg.Text()
	if !strings.HasPrefix(id, models.SuggestionIDPrefix) {
		return "", false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(id, models.SuggestionIDPrefix))
	if err != nil || n < 0 || n >= len(sess.Pending.Suggestions) {
		return "", false
	}
	return sess.Pending.Suggestions[n], true
}

// matchExact returns the index of the option equal to message after trimming
// and lower-casing, or -1. A 1-based option number also matches, for
// transports that render options as numbered text.
func matchExact(message string, options []string) int {
	n := models.Normalize(message)
	for i, opt := range options {
		if models.Normalize(opt) == n {
			return i
		}
	}
	if num, err := strconv.Atoi(n); err == nil && num >= 1 && num <= len(options) {
		return num - 1
	}
	return -1
}

// IsUserError reports whether err stems from a malformed message rather than a failure.
func IsUserError(err error) bool {
	return errors.Is(err, models.ErrEmptyRecipient) || errors.Is(err, models.ErrUnsupportedMessage)
}
