package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/AskPipe/internal/models"
)

// twilioMessageCreator is the part of the Twilio REST API the messenger uses.
type twilioMessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration options for the Twilio messenger.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioOption configures the Twilio messenger.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending WhatsApp number, with or without the "whatsapp:" prefix.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// TwilioMessenger sends messages through Twilio's WhatsApp channel.
// Buttons and lists are rendered as numbered text.
type TwilioMessenger struct {
	api  twilioMessageCreator
	from string // "whatsapp:+1234567890"
}

// Compile-time check that TwilioMessenger implements Messenger.
var _ Messenger = (*TwilioMessenger)(nil)

// NewTwilioMessenger creates a Twilio messenger.
func NewTwilioMessenger(opts ...TwilioOption) (*TwilioMessenger, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioMessenger(client.Api, cfg.FromNumber), nil
}

func newTwilioMessenger(api twilioMessageCreator, from string) *TwilioMessenger {
	if !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:" + from
	}
	return &TwilioMessenger{api: api, from: from}
}

// MarkRead is a no-op; Twilio has no read receipts for inbound WhatsApp messages.
func (m *TwilioMessenger) MarkRead(context.Context, models.InboundMessage) error {
	return nil
}

// SendText sends a text message.
func (m *TwilioMessenger) SendText(ctx context.Context, to, text string) error {
	if err := validateText(to, text); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	canonical, err := CanonicalizeRecipient(to)
	if err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + canonical)
	params.SetFrom(m.from)
	params.SetBody(models.Truncate(text, models.MaxTextBodyLength))

	resp, err := m.api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioMessenger.SendText: send failed", "to", canonical, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", canonical, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioMessenger.SendText: message sent", "to", canonical, "sid", sid)
	return nil
}

// SendButtons sends the options as a numbered list.
func (m *TwilioMessenger) SendButtons(ctx context.Context, to, prompt string, options []string) error {
	if len(options) == 0 {
		return models.ErrNoOptions
	}
	return m.SendText(ctx, to, RenderButtons(prompt, options))
}

// SendList sends the rows as a numbered list.
func (m *TwilioMessenger) SendList(ctx context.Context, to, prompt, _ string, sections []models.ListSection) error {
	return m.SendText(ctx, to, RenderList(prompt, sections))
}

// ReplyTo sends text to the sender of msg. Twilio cannot quote messages.
func (m *TwilioMessenger) ReplyTo(ctx context.Context, msg models.InboundMessage, text string) error {
	return m.SendText(ctx, msg.Sender(), text)
}
