package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/AskPipe/internal/models"
	"github.com/BTreeMap/AskPipe/internal/store"
)

// DefaultWhatsmeowDSN is the whatsmeow device database used when none is configured.
const DefaultWhatsmeowDSN = "file:whatsmeow.db?_foreign_keys=on"

// InboundHandler receives messages decoded from a transport.
type InboundHandler func(ctx context.Context, msg models.InboundMessage)

// waClient is the part of *whatsmeow.Client the messenger sends through.
type waClient interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	MarkRead(ctx context.Context, ids []types.MessageID, timestamp time.Time, chat, sender types.JID, receiptTypeExtra ...types.ReceiptType) error
}

// WhatsmeowOpts holds configuration for the whatsmeow messenger.
type WhatsmeowOpts struct {
	DBDSN       string // whatsmeow device store connection string
	QRPath      string // path to write the login QR code; stdout when empty
	NumericCode bool   // print the raw login code instead of a QR code
}

// WhatsmeowOption configures the whatsmeow messenger.
type WhatsmeowOption func(*WhatsmeowOpts)

// WithDeviceDSN sets the whatsmeow device store connection string.
func WithDeviceDSN(dsn string) WhatsmeowOption {
	return func(o *WhatsmeowOpts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path.
func WithQRCodeOutput(path string) WhatsmeowOption {
	return func(o *WhatsmeowOpts) { o.QRPath = path }
}

// WithNumericCode prints the login code instead of a QR code.
func WithNumericCode() WhatsmeowOption {
	return func(o *WhatsmeowOpts) { o.NumericCode = true }
}

// WhatsmeowMessenger sends and receives messages as a linked WhatsApp device.
// Buttons and lists are rendered as numbered text.
type WhatsmeowMessenger struct {
	client waClient
	raw    *whatsmeow.Client
}

// Compile-time check that WhatsmeowMessenger implements Messenger.
var _ Messenger = (*WhatsmeowMessenger)(nil)

// ConnectWhatsmeow opens the device store, logs in if needed and connects.
func ConnectWhatsmeow(ctx context.Context, opts ...WhatsmeowOption) (*WhatsmeowMessenger, error) {
	var cfg WhatsmeowOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultWhatsmeowDSN
	}

	driver := store.DetectDSNType(dsn)
	if driver == "sqlite3" && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	client := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if client.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := client.GetQRChannel(ctx)
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, err := os.Create(cfg.QRPath)
			if err != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", err)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
				continue
			}
			slog.Info("WhatsApp login event", "event", evt.Event)
		}
	} else if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("WhatsApp client connected successfully")
	return &WhatsmeowMessenger{client: client, raw: client}, nil
}

// Start feeds inbound direct messages to handler until ctx is cancelled.
func (m *WhatsmeowMessenger) Start(ctx context.Context, handler InboundHandler) {
	if m.raw == nil {
		slog.Warn("WhatsmeowMessenger.Start: no live client, inbound feed disabled")
		return
	}
	id := m.raw.AddEventHandler(func(evt interface{}) {
		msgEvt, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if msg, ok := InboundFromEvent(msgEvt); ok {
			go handler(ctx, msg)
		}
	})
	go func() {
		<-ctx.Done()
		m.raw.RemoveEventHandler(id)
		m.raw.Disconnect()
		slog.Info("WhatsmeowMessenger stopped")
	}()
}

// InboundFromEvent converts a whatsmeow message event into an inbound message.
// Group messages, own messages and non-text content are skipped.
func InboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return nil, false
	}
	env := models.Envelope{
		From:        evt.Info.Sender.User,
		MessageID:   string(evt.Info.ID),
		ContactName: evt.Info.PushName,
	}
	m := evt.Message
	switch {
	case m.GetConversation() != "":
		return models.TextMessage{Envelope: env, Body: m.GetConversation()}, true
	case m.GetExtendedTextMessage().GetText() != "":
		return models.TextMessage{Envelope: env, Body: m.GetExtendedTextMessage().GetText()}, true
	case m.GetButtonsResponseMessage().GetSelectedButtonID() != "":
		r := m.GetButtonsResponseMessage()
		return models.ButtonReply{Envelope: env, ReplyID: r.GetSelectedButtonID(), Title: r.GetSelectedDisplayText()}, true
	case m.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID() != "":
		r := m.GetListResponseMessage()
		return models.ListReply{Envelope: env, ReplyID: r.GetSingleSelectReply().GetSelectedRowID(), Title: r.GetTitle()}, true
	default:
		slog.Debug("WhatsmeowMessenger ignoring non-text message", "from", env.From)
		return nil, false
	}
}

func userJID(to string) (types.JID, error) {
	canonical, err := CanonicalizeRecipient(to)
	if err != nil {
		return types.JID{}, err
	}
	return types.NewJID(canonical, types.DefaultUserServer), nil
}

// MarkRead sends a read receipt for msg.
func (m *WhatsmeowMessenger) MarkRead(ctx context.Context, msg models.InboundMessage) error {
	jid, err := userJID(msg.Sender())
	if err != nil {
		return err
	}
	if err := m.client.MarkRead(ctx, []types.MessageID{types.MessageID(msg.ID())}, time.Now(), jid, jid); err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	return nil
}

// SendText sends a text message.
func (m *WhatsmeowMessenger) SendText(ctx context.Context, to, text string) error {
	if err := validateText(to, text); err != nil {
		return err
	}
	return m.send(ctx, to, &waE2E.Message{Conversation: proto.String(models.Truncate(text, models.MaxTextBodyLength))})
}

// SendButtons sends the options as a numbered list.
func (m *WhatsmeowMessenger) SendButtons(ctx context.Context, to, prompt string, options []string) error {
	if len(options) == 0 {
		return models.ErrNoOptions
	}
	return m.SendText(ctx, to, RenderButtons(prompt, options))
}

// SendList sends the rows as a numbered list.
func (m *WhatsmeowMessenger) SendList(ctx context.Context, to, prompt, _ string, sections []models.ListSection) error {
	return m.SendText(ctx, to, RenderList(prompt, sections))
}

// ReplyTo sends text quoting msg.
func (m *WhatsmeowMessenger) ReplyTo(ctx context.Context, msg models.InboundMessage, text string) error {
	if err := validateText(msg.Sender(), text); err != nil {
		return err
	}
	sender, err := userJID(msg.Sender())
	if err != nil {
		return err
	}
	return m.send(ctx, msg.Sender(), &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(models.Truncate(text, models.MaxTextBodyLength)),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(msg.ID()),
				Participant:   proto.String(sender.String()),
				QuotedMessage: &waE2E.Message{Conversation: proto.String(msg.Text())},
			},
		},
	})
}

func (m *WhatsmeowMessenger) send(ctx context.Context, to string, msg *waE2E.Message) error {
	if m.client == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	jid, err := userJID(to)
	if err != nil {
		return err
	}
	resp, err := m.client.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", jid.User)
		return fmt.Errorf("failed to send message to %s: %w", jid.User, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", jid.User, "id", resp.ID)
	return nil
}
