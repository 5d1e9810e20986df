package models

import "strings"

// InboundKind identifies the variant of an inbound message.
type InboundKind string

const (
	InboundKindText        InboundKind = "text"
	InboundKindButtonReply InboundKind = "button_reply"
	InboundKindListReply   InboundKind = "list_reply"
)

// InboundMessage is the closed set of user messages the dialogue understands.
// Implementations are TextMessage, ButtonReply and ListReply.
type InboundMessage interface {
	// Kind reports the message variant.
	Kind() InboundKind
	// Sender returns the user identifier (phone number) the message came from.
	Sender() string
	// ID returns the provider message identifier.
	ID() string
	// Contact returns the sender's profile name, if the provider supplied one.
	Contact() string
	// Text returns the normalized content: body text for text messages,
	// reply identifier for interactive replies.
	Text() string

	inbound()
}

// Envelope holds the fields every inbound message variant carries.
type Envelope struct {
	From        string `json:"from"`
	MessageID   string `json:"message_id"`
	ContactName string `json:"contact_name,omitempty"`
}

func (e Envelope) Sender() string  { return e.From }
func (e Envelope) ID() string      { return e.MessageID }
func (e Envelope) Contact() string { return e.ContactName }
func (Envelope) inbound()          {}

// TextMessage is a free-text message typed by the user.
type TextMessage struct {
	Envelope
	Body string `json:"body"`
}

func (m TextMessage) Kind() InboundKind { return InboundKindText }
func (m TextMessage) Text() string      { return m.Body }

// ButtonReply is a tap on a reply button.
type ButtonReply struct {
	Envelope
	ReplyID string `json:"reply_id"`
	Title   string `json:"title,omitempty"`
}

func (m ButtonReply) Kind() InboundKind { return InboundKindButtonReply }
func (m ButtonReply) Text() string      { return m.ReplyID }

// ListReply is a selection of a row from an interactive list.
type ListReply struct {
	Envelope
	ReplyID     string `json:"reply_id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

func (m ListReply) Kind() InboundKind { return InboundKindListReply }
func (m ListReply) Text() string      { return m.ReplyID }

// Normalize lower-cases and trims s for case-insensitive comparisons.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
