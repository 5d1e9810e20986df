package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/AskPipe/internal/models"
)

// SentKind identifies which Messenger method produced a SentMessage.
type SentKind string

const (
	SentText    SentKind = "text"
	SentButtons SentKind = "buttons"
	SentList    SentKind = "list"
	SentReply   SentKind = "reply"
)

// SentMessage records one outbound call made on a MockMessenger.
type SentMessage struct {
	Kind     SentKind
	To       string
	Text     string
	Options  []string
	Button   string
	Sections []models.ListSection
	ReplyTo  string // quoted message ID for replies
}

// MockMessenger records outbound messages instead of sending them (for tests).
type MockMessenger struct {
	mu   sync.Mutex
	sent []SentMessage
	read []string

	// Err, when set, is returned by every send.
	Err error
}

// Compile-time check that MockMessenger implements Messenger.
var _ Messenger = (*MockMessenger)(nil)

// NewMockMessenger creates an empty MockMessenger.
func NewMockMessenger() *MockMessenger {
	return &MockMessenger{}
}

func (m *MockMessenger) record(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *MockMessenger) MarkRead(_ context.Context, msg models.InboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read = append(m.read, msg.ID())
	return nil
}

func (m *MockMessenger) SendText(_ context.Context, to, text string) error {
	if err := validateText(to, text); err != nil {
		return err
	}
	return m.record(SentMessage{Kind: SentText, To: to, Text: text})
}

func (m *MockMessenger) SendButtons(_ context.Context, to, prompt string, options []string) error {
	if len(options) == 0 {
		return models.ErrNoOptions
	}
	return m.record(SentMessage{Kind: SentButtons, To: to, Text: prompt, Options: append([]string(nil), options...)})
}

func (m *MockMessenger) SendList(_ context.Context, to, prompt, button string, sections []models.ListSection) error {
	return m.record(SentMessage{Kind: SentList, To: to, Text: prompt, Button: button, Sections: sections})
}

func (m *MockMessenger) ReplyTo(_ context.Context, msg models.InboundMessage, text string) error {
	if err := validateText(msg.Sender(), text); err != nil {
		return err
	}
	return m.record(SentMessage{Kind: SentReply, To: msg.Sender(), Text: text, ReplyTo: msg.ID()})
}

// Sent returns a copy of every recorded message, oldest first.
func (m *MockMessenger) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// SentTo returns the recorded messages addressed to user.
func (m *MockMessenger) SentTo(user string) []SentMessage {
	var out []SentMessage
	for _, s := range m.Sent() {
		if s.To == user {
			out = append(out, s)
		}
	}
	return out
}

// Last returns the most recent message sent to user.
func (m *MockMessenger) Last(user string) (SentMessage, bool) {
	msgs := m.SentTo(user)
	if len(msgs) == 0 {
		return SentMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

// ReadIDs returns the IDs of messages marked read.
func (m *MockMessenger) ReadIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.read...)
}

// Reset forgets every recorded message.
func (m *MockMessenger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.read = nil
}
