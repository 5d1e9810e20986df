package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/AskPipe/internal/models"
)

const (
	// DefaultGraphAPIURL is the Graph API base the Cloud API client posts to.
	DefaultGraphAPIURL = "https://graph.facebook.com/v17.0"
	// DefaultListButton labels the button that opens a list built from too many options.
	DefaultListButton = "Options"

	defaultCloudTimeout = 15 * time.Second
	messagingProduct    = "whatsapp"
)

// CloudAPIOpts holds configuration for the Cloud API client.
type CloudAPIOpts struct {
	AccessToken   string
	PhoneNumberID string
	BaseURL       string
	HTTPClient    *http.Client
}

// CloudAPIOption configures the Cloud API client.
type CloudAPIOption func(*CloudAPIOpts)

// WithAccessToken sets the bearer token of the WhatsApp Business app.
func WithAccessToken(token string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.AccessToken = token }
}

// WithPhoneNumberID sets the sending phone number ID.
func WithPhoneNumberID(id string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.PhoneNumberID = id }
}

// WithGraphAPIURL overrides the Graph API base URL.
func WithGraphAPIURL(u string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.BaseURL = u }
}

// WithCloudHTTPClient overrides the HTTP client.
func WithCloudHTTPClient(c *http.Client) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.HTTPClient = c }
}

// CloudAPIClient sends messages through the WhatsApp Cloud API.
type CloudAPIClient struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// Compile-time check that CloudAPIClient implements Messenger.
var _ Messenger = (*CloudAPIClient)(nil)

// NewCloudAPIClient creates a Cloud API client.
func NewCloudAPIClient(opts ...CloudAPIOption) (*CloudAPIClient, error) {
	cfg := CloudAPIOpts{BaseURL: DefaultGraphAPIURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("access token and phone number ID must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultCloudTimeout}
	}
	slog.Debug("CloudAPIClient created", "base_url", cfg.BaseURL, "phone_id", cfg.PhoneNumberID)
	return &CloudAPIClient{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.PhoneNumberID + "/messages",
		token:      cfg.AccessToken,
		httpClient: cfg.HTTPClient,
	}, nil
}

// Payload types of the /messages endpoint.
type (
	cloudMessage struct {
		MessagingProduct string            `json:"messaging_product"`
		RecipientType    string            `json:"recipient_type,omitempty"`
		To               string            `json:"to,omitempty"`
		Type             string            `json:"type,omitempty"`
		Status           string            `json:"status,omitempty"`
		MessageID        string            `json:"message_id,omitempty"`
		Context          *cloudContext     `json:"context,omitempty"`
		Text             *cloudText        `json:"text,omitempty"`
		Interactive      *cloudInteractive `json:"interactive,omitempty"`
	}
	cloudContext struct {
		MessageID string `json:"message_id"`
	}
	cloudText struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	}
	cloudInteractive struct {
		Type   string      `json:"type"`
		Body   cloudBody   `json:"body"`
		Action cloudAction `json:"action"`
	}
	cloudBody struct {
		Text string `json:"text"`
	}
	cloudAction struct {
		Button   string               `json:"button,omitempty"`
		Buttons  []cloudButton        `json:"buttons,omitempty"`
		Sections []models.ListSection `json:"sections,omitempty"`
	}
	cloudButton struct {
		Type  string     `json:"type"`
		Reply cloudReply `json:"reply"`
	}
	cloudReply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
)

func textMessage(to, text string) cloudMessage {
	return cloudMessage{
		MessagingProduct: messagingProduct,
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &cloudText{Body: models.Truncate(text, models.MaxTextBodyLength)},
	}
}

// MarkRead marks msg as read.
func (c *CloudAPIClient) MarkRead(ctx context.Context, msg models.InboundMessage) error {
	if msg.ID() == "" {
		return fmt.Errorf("cannot mark read: message has no ID")
	}
	return c.post(ctx, cloudMessage{
		MessagingProduct: messagingProduct,
		Status:           "read",
		MessageID:        msg.ID(),
	})
}

// SendText sends a text message.
func (c *CloudAPIClient) SendText(ctx context.Context, to, text string) error {
	if err := validateText(to, text); err != nil {
		return err
	}
	return c.post(ctx, textMessage(to, text))
}

// ReplyTo sends text quoting msg.
func (c *CloudAPIClient) ReplyTo(ctx context.Context, msg models.InboundMessage, text string) error {
	if err := validateText(msg.Sender(), text); err != nil {
		return err
	}
	m := textMessage(msg.Sender(), text)
	m.Context = &cloudContext{MessageID: msg.ID()}
	return c.post(ctx, m)
}

// SendButtons sends reply buttons whose IDs equal the option texts. More than
// three options are sent as a list instead.
func (c *CloudAPIClient) SendButtons(ctx context.Context, to, prompt string, options []string) error {
	if err := validateText(to, prompt); err != nil {
		return err
	}
	if len(options) == 0 {
		return models.ErrNoOptions
	}
	if len(options) > models.MaxButtonsCount {
		rows := make([]models.ListRow, len(options))
		for i, opt := range options {
			rows[i] = models.ListRow{ID: opt, Title: opt}
		}
		return c.SendList(ctx, to, prompt, DefaultListButton, []models.ListSection{{Title: DefaultListButton, Rows: rows}})
	}

	buttons := make([]cloudButton, len(options))
	for i, opt := range options {
		buttons[i] = cloudButton{
			Type:  "reply",
			Reply: cloudReply{ID: opt, Title: models.Truncate(opt, models.MaxButtonTitleLength)},
		}
	}
	return c.post(ctx, cloudMessage{
		MessagingProduct: messagingProduct,
		RecipientType:    "individual",
		To:               to,
		Type:             "interactive",
		Interactive: &cloudInteractive{
			Type:   "button",
			Body:   cloudBody{Text: models.Truncate(prompt, models.MaxTextBodyLength)},
			Action: cloudAction{Buttons: buttons},
		},
	})
}

// SendList sends an interactive list. Titles, descriptions and IDs are cut to
// the API limits and rows beyond the total row limit are dropped.
func (c *CloudAPIClient) SendList(ctx context.Context, to, prompt, button string, sections []models.ListSection) error {
	if err := validateText(to, prompt); err != nil {
		return err
	}
	bounded := boundSections(sections)
	if len(bounded) == 0 {
		return models.ErrNoOptions
	}
	if button == "" {
		button = DefaultListButton
	}
	return c.post(ctx, cloudMessage{
		MessagingProduct: messagingProduct,
		RecipientType:    "individual",
		To:               to,
		Type:             "interactive",
		Interactive: &cloudInteractive{
			Type:   "list",
			Body:   cloudBody{Text: models.Truncate(prompt, models.MaxTextBodyLength)},
			Action: cloudAction{Button: models.Truncate(button, models.MaxButtonTitleLength), Sections: bounded},
		},
	})
}

func boundSections(sections []models.ListSection) []models.ListSection {
	var out []models.ListSection
	total := 0
	for _, s := range sections {
		sec := models.ListSection{Title: models.Truncate(s.Title, models.MaxRowTitleLength)}
		for _, r := range s.Rows {
			if total == models.MaxListRows {
				break
			}
			sec.Rows = append(sec.Rows, models.ListRow{
				ID:          models.Truncate(r.ID, models.MaxRowIDLength),
				Title:       models.Truncate(r.Title, models.MaxRowTitleLength),
				Description: models.Truncate(r.Description, models.MaxRowDescriptionLength),
			})
			total++
		}
		if len(sec.Rows) > 0 {
			out = append(out, sec)
		}
	}
	return out
}

func (c *CloudAPIClient) post(ctx context.Context, payload cloudMessage) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode cloud API payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build cloud API request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("CloudAPIClient.post: request failed", "to", payload.To, "error", err)
		return fmt.Errorf("cloud API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("CloudAPIClient.post: unexpected status", "to", payload.To, "status", resp.StatusCode, "body", string(snippet))
		return fmt.Errorf("cloud API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	io.Copy(io.Discard, resp.Body)
	slog.Debug("CloudAPIClient.post: message accepted", "to", payload.To, "type", payload.Type, "status", payload.Status)
	return nil
}
