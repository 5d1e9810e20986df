// Package models defines the core data structures for AskPipe.
//
// It includes the inbound message variants, per-user dialogue sessions, interactive
// suggestions and the JSON envelopes returned by the HTTP API. These types are shared
// across modules.
package models

import "errors"

// Validation constants for outbound interactive content. The limits mirror the
// WhatsApp Cloud API constraints on interactive messages.
const (
	// MaxButtonTitleLength is the maximum length of a reply button title.
	MaxButtonTitleLength = 20
	// MaxButtonsCount is the maximum number of reply buttons in one message.
	MaxButtonsCount = 3
	// MaxRowTitleLength is the maximum length of a list row title.
	MaxRowTitleLength = 24
	// MaxRowDescriptionLength is the maximum length of a list row description.
	MaxRowDescriptionLength = 72
	// MaxRowIDLength is the maximum length of a list row identifier.
	MaxRowIDLength = 200
	// MaxListRows is the maximum number of rows across all sections of a list.
	MaxListRows = 10
	// MaxTextBodyLength is the maximum length of a text message body.
	MaxTextBodyLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient      = errors.New("recipient cannot be empty")
	ErrEmptyBody           = errors.New("message body cannot be empty")
	ErrUnsupportedMessage  = errors.New("unsupported inbound message")
	ErrMalformedPayload    = errors.New("malformed webhook payload")
	ErrNoOptions           = errors.New("at least one option is required")
	ErrUnknownSessionState = errors.New("unknown session state")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates a delivery was acknowledged and queued for processing.
	APIStatusAccepted APIStatus = "accepted"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Accepted creates an acknowledgement response for an inbound delivery.
func Accepted() APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusAccepted).
		Build()
}
