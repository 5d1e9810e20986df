// Package messaging delivers outbound messages to WhatsApp users.
//
// Three transports implement Messenger: the Meta WhatsApp Cloud API, Twilio's
// WhatsApp channel and a whatsmeow device session. Transports without native
// interactive messages render buttons and lists as numbered text.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/AskPipe/internal/models"
)

// Messenger sends messages to a user.
type Messenger interface {
	// MarkRead marks an inbound message as read.
	MarkRead(ctx context.Context, msg models.InboundMessage) error
	// SendText sends a plain text message.
	SendText(ctx context.Context, to, text string) error
	// SendButtons sends prompt with one reply button per option.
	SendButtons(ctx context.Context, to, prompt string, options []string) error
	// SendList sends prompt with a selectable list opened by button.
	SendList(ctx context.Context, to, prompt, button string, sections []models.ListSection) error
	// ReplyTo sends text quoting msg.
	ReplyTo(ctx context.Context, msg models.InboundMessage, text string) error
}

// phoneNumberRegex matches every character that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// CanonicalizeRecipient reduces a phone number to its digits.
// It rejects recipients with fewer than six digits.
func CanonicalizeRecipient(recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", models.ErrEmptyRecipient
	}
	recipient = strings.TrimPrefix(recipient, "whatsapp:")
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("CanonicalizeRecipient: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// RenderButtons renders prompt and options as numbered text.
func RenderButtons(prompt string, options []string) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n")
	for i, opt := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
	}
	return b.String()
}

// RenderList renders prompt and list sections as numbered text. Numbering runs
// across sections.
func RenderList(prompt string, sections []models.ListSection) string {
	var b strings.Builder
	b.WriteString(prompt)
	n := 0
	for _, s := range sections {
		b.WriteString("\n")
		if s.Title != "" {
			fmt.Fprintf(&b, "\n*%s*", s.Title)
		}
		for _, row := range s.Rows {
			n++
			title := row.Title
			if row.Description != "" {
				title = row.Description
			}
			fmt.Fprintf(&b, "\n%d. %s", n, title)
		}
	}
	return b.String()
}

func validateText(to, text string) error {
	if to == "" {
		return models.ErrEmptyRecipient
	}
	if strings.TrimSpace(text) == "" {
		return models.ErrEmptyBody
	}
	return nil
}
