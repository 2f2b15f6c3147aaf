// Package models defines the core data structures for DispatchPipe.
//
// It includes the inbound message request, per-platform delivery results, the
// aggregated message response and the API envelope shared across modules.
package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType governs how adapters transform message content.
type MessageType string

const (
	// MessageTypeText is plain text content.
	MessageTypeText MessageType = "text"
	// MessageTypeRichText is HTML-formatted content.
	MessageTypeRichText MessageType = "rich_text"
	// MessageTypeImage is an image post with optional caption.
	MessageTypeImage MessageType = "image"
	// MessageTypeVideo is a video post with optional caption.
	MessageTypeVideo MessageType = "video"
	// MessageTypeDocument is a document post with optional caption.
	MessageTypeDocument MessageType = "document"
)

// IsValidMessageType checks if the given message type is supported.
func IsValidMessageType(mt MessageType) bool {
	switch mt {
	case MessageTypeText, MessageTypeRichText, MessageTypeImage, MessageTypeVideo, MessageTypeDocument:
		return true
	default:
		return false
	}
}

// Priority is informational only; it does not change dispatch ordering.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// IsValidPriority checks if the given priority is known.
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	default:
		return false
	}
}

// Validation constants for input validation
const (
	// MaxRetryAttemptsLimit is the upper bound for MessageRequest.MaxRetryAttempts.
	MaxRetryAttemptsLimit = 10
	// DefaultMaxRetryAttempts is applied when retry is enabled without an explicit count.
	DefaultMaxRetryAttempts = 3
)

// Error variables for better error handling and testability
var (
	ErrMessageNotFound         = errors.New("message not found")
	ErrOriginalRequestNotFound = errors.New("original message data not found")
	ErrNotCancellable          = errors.New("only pending scheduled messages can be cancelled")
	ErrRequestIDInUse          = errors.New("request id already in use")
)

// Attachment is a file delivered alongside a message. Exactly one of Data or
// URL carries the payload.
type Attachment struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data,omitempty"`
	URL         string `json:"url,omitempty"`
	Size        int64  `json:"size"`
}

// IsValid reports whether the attachment has a name, a MIME type and a payload.
func (a Attachment) IsValid() bool {
	if strings.TrimSpace(a.FileName) == "" || strings.TrimSpace(a.ContentType) == "" {
		return false
	}
	return len(a.Data) > 0 || strings.TrimSpace(a.URL) != ""
}

// EffectiveSize returns Size, falling back to the inline payload length.
func (a Attachment) EffectiveSize() int64 {
	if a.Size > 0 {
		return a.Size
	}
	return int64(len(a.Data))
}

// MessageRequest is one logical message addressed to a set of platforms.
type MessageRequest struct {
	RequestID        string            `json:"request_id,omitempty"`
	Content          string            `json:"content"`
	Type             MessageType       `json:"type,omitempty"`
	Platforms        []string          `json:"platforms"`
	Attachments      []Attachment      `json:"attachments,omitempty"`
	Priority         Priority          `json:"priority,omitempty"`
	ScheduledAt      *time.Time        `json:"scheduled_at,omitempty"`
	EnableRetry      bool              `json:"enable_retry"`
	MaxRetryAttempts int               `json:"max_retry_attempts"`
	UserID           string            `json:"user_id,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Title            string            `json:"title,omitempty"`
	Subtitle         string            `json:"subtitle,omitempty"`
	CallbackURL      string            `json:"callback_url,omitempty"`
	ThreadID         string            `json:"thread_id,omitempty"`
	ReplyToMessageID string            `json:"reply_to_message_id,omitempty"`
}

// EnsureDefaults assigns a request ID, message type and priority when absent.
func (r *MessageRequest) EnsureDefaults() {
	if strings.TrimSpace(r.RequestID) == "" {
		r.RequestID = uuid.NewString()
	}
	if r.Type == "" {
		r.Type = MessageTypeText
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
}

// IsScheduledAfter reports whether delivery is deferred past now.
func (r MessageRequest) IsScheduledAfter(now time.Time) bool {
	return r.ScheduledAt != nil && r.ScheduledAt.After(now)
}

// Clone returns a deep copy so callers cannot mutate a submitted request.
func (r MessageRequest) Clone() MessageRequest {
	c := r
	if r.Platforms != nil {
		c.Platforms = append([]string(nil), r.Platforms...)
	}
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.Attachments != nil {
		c.Attachments = make([]Attachment, len(r.Attachments))
		for i, a := range r.Attachments {
			c.Attachments[i] = a
			if a.Data != nil {
				c.Attachments[i].Data = append([]byte(nil), a.Data...)
			}
		}
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.ScheduledAt != nil {
		t := *r.ScheduledAt
		c.ScheduledAt = &t
	}
	return c
}

// NormalizePlatformName lower-cases and trims a platform name for lookups.
func NormalizePlatformName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// MessageStatus is the composite delivery status of a MessageResponse.
type MessageStatus string

const (
	// MessageStatusPending indicates no delivery attempt yet, or a scheduled message not yet due.
	MessageStatusPending MessageStatus = "pending"
	// MessageStatusSent indicates every attempted platform succeeded.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusPartialSuccess indicates some but not all platforms succeeded.
	MessageStatusPartialSuccess MessageStatus = "partial_success"
	// MessageStatusFailed indicates no platform succeeded.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusCancelled indicates a scheduled message was cancelled before it was due.
	MessageStatusCancelled MessageStatus = "cancelled"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusScheduled indicates the message was accepted for later delivery.
	APIStatusScheduled APIStatus = "scheduled"
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

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
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

// ScheduledWithResult creates a scheduled API response carrying the pending message.
func ScheduledWithResult(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusScheduled).
		WithMessage(message).
		WithResult(result).
		Build()
}
