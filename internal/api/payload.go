package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/AskPipe/internal/messaging"
	"github.com/BTreeMap/AskPipe/internal/models"
)

// ErrNoMessages marks deliveries that carry only status updates.
var ErrNoMessages = errors.New("webhook delivery has no messages")

// Meta webhook envelope. Only the fields the dialogue needs are decoded.
type (
	webhookPayload struct {
		Object string         `json:"object"`
		Entry  []webhookEntry `json:"entry"`
	}
	webhookEntry struct {
		ID      string          `json:"id"`
		Changes []webhookChange `json:"changes"`
	}
	webhookChange struct {
		Field string       `json:"field"`
		Value webhookValue `json:"value"`
	}
	webhookValue struct {
		MessagingProduct string            `json:"messaging_product"`
		Contacts         []webhookContact  `json:"contacts"`
		Messages         []webhookMessage  `json:"messages"`
		Statuses         []json.RawMessage `json:"statuses"`
	}
	webhookContact struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	}
	webhookMessage struct {
		From        string              `json:"from"`
		ID          string              `json:"id"`
		Timestamp   string              `json:"timestamp"`
		Type        string              `json:"type"`
		Text        *webhookText        `json:"text"`
		Interactive *webhookInteractive `json:"interactive"`
		Button      *webhookButton      `json:"button"`
	}
	webhookText struct {
		Body string `json:"body"`
	}
	webhookInteractive struct {
		Type        string        `json:"type"`
		ListReply   *webhookReply `json:"list_reply"`
		ButtonReply *webhookReply `json:"button_reply"`
	}
	webhookReply struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	webhookButton struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	}
)

// ParseWebhook decodes a Meta webhook body into an inbound message.
// Status-only deliveries yield ErrNoMessages.
func ParseWebhook(body []byte) (models.InboundMessage, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if len(p.Entry) == 0 || len(p.Entry[0].Changes) == 0 {
		return nil, fmt.Errorf("%w: missing entry or changes", models.ErrMalformedPayload)
	}
	value := p.Entry[0].Changes[0].Value
	if len(value.Messages) == 0 {
		return nil, ErrNoMessages
	}

	m := value.Messages[0]
	if m.From == "" || m.ID == "" {
		return nil, fmt.Errorf("%w: message without sender or id", models.ErrMalformedPayload)
	}
	env := models.Envelope{From: m.From, MessageID: m.ID}
	if len(value.Contacts) > 0 {
		env.ContactName = value.Contacts[0].Profile.Name
	}

	switch m.Type {
	case "text":
		if m.Text == nil {
			return nil, fmt.Errorf("%w: text message without body", models.ErrMalformedPayload)
		}
		return models.TextMessage{Envelope: env, Body: m.Text.Body}, nil
	case "interactive":
		if m.Interactive == nil {
			return nil, fmt.Errorf("%w: interactive message without content", models.ErrMalformedPayload)
		}
		switch {
		case m.Interactive.Type == "list_reply" && m.Interactive.ListReply != nil:
			r := m.Interactive.ListReply
			return models.ListReply{Envelope: env, ReplyID: r.ID, Title: r.Title, Description: r.Description}, nil
		case m.Interactive.Type == "button_reply" && m.Interactive.ButtonReply != nil:
			r := m.Interactive.ButtonReply
			return models.ButtonReply{Envelope: env, ReplyID: r.ID, Title: r.Title}, nil
		}
		return nil, fmt.Errorf("%w: interactive type %q", models.ErrUnsupportedMessage, m.Interactive.Type)
	case "button":
		if m.Button == nil {
			return nil, fmt.Errorf("%w: button message without content", models.ErrMalformedPayload)
		}
		id := m.Button.Payload
		if id == "" {
			id = m.Button.Text
		}
		return models.ButtonReply{Envelope: env, ReplyID: id, Title: m.Button.Text}, nil
	default:
		return nil, fmt.Errorf("%w: message type %q", models.ErrUnsupportedMessage, m.Type)
	}
}

// twilioForm holds the fields read from a Twilio WhatsApp webhook.
type twilioForm struct {
	From          string
	Body          string
	MessageSid    string
	ProfileName   string
	ButtonPayload string
	ButtonText    string
}

// parseTwilioForm converts a Twilio webhook form into an inbound message.
func parseTwilioForm(f twilioForm) (models.InboundMessage, error) {
	if f.MessageSid == "" {
		return nil, fmt.Errorf("%w: missing MessageSid", models.ErrMalformedPayload)
	}
	from, err := messaging.CanonicalizeRecipient(f.From)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	env := models.Envelope{From: from, MessageID: f.MessageSid, ContactName: f.ProfileName}
	if f.ButtonPayload != "" {
		return models.ButtonReply{Envelope: env, ReplyID: f.ButtonPayload, Title: f.ButtonText}, nil
	}
	if strings.TrimSpace(f.Body) == "" {
		return nil, fmt.Errorf("%w: empty body", models.ErrUnsupportedMessage)
	}
	return models.TextMessage{Envelope: env, Body: f.Body}, nil
}
