package models

import (
	"encoding/json"
	"sort"
	"time"
)

// Error codes attached to failed PlatformResults.
const (
	ErrorCodeValidation       = "validation_error"
	ErrorCodeAdapterNotFound  = "adapter_not_found"
	ErrorCodePlatformDisabled = "platform_disabled"
	ErrorCodeRateLimited      = "rate_limited"
	ErrorCodeTimeout          = "timeout"
	ErrorCodeCancelled        = "cancelled"
	ErrorCodeTransport        = "transport_error"
	ErrorCodePlatform         = "platform_error"
	ErrorCodeAuth             = "auth_error"
	ErrorCodeInternal         = "internal_error"
)

// Error messages shared between the dispatch core and its callers.
const (
	ErrMsgAdapterNotFound   = "Adapter not found"
	ErrMsgRateLimitExceeded = "Rate limit exceeded"
	ErrMsgPlatformDisabled  = "Platform is disabled"
)

// PlatformResult is the outcome of delivering one message to one platform.
// Build it with NewSuccessResult or NewFailureResult.
type PlatformResult struct {
	PlatformName      string            `json:"platform_name"`
	Success           bool              `json:"success"`
	PlatformMessageID string            `json:"platform_message_id,omitempty"`
	MessageURL        string            `json:"message_url,omitempty"`
	Error             string            `json:"error,omitempty"`
	ErrorCode         string            `json:"error_code,omitempty"`
	ErrorDetails      map[string]string `json:"error_details,omitempty"`
	ResponseTimeMs    int64             `json:"response_time_ms"`
	AttemptNumber     int               `json:"attempt_number"`
	SentAt            time.Time         `json:"sent_at"`
}

// NewSuccessResult builds a successful result. messageID and url may be empty.
func NewSuccessResult(platformName, messageID, url string) PlatformResult {
	return PlatformResult{
		PlatformName:      platformName,
		Success:           true,
		PlatformMessageID: messageID,
		MessageURL:        url,
		AttemptNumber:     1,
		SentAt:            time.Now().UTC(),
	}
}

// NewFailureResult builds a failed result. code and details may be empty.
func NewFailureResult(platformName, errMsg, code string, details map[string]string) PlatformResult {
	return PlatformResult{
		PlatformName:  platformName,
		Success:       false,
		Error:         errMsg,
		ErrorCode:     code,
		ErrorDetails:  details,
		AttemptNumber: 1,
		SentAt:        time.Now().UTC(),
	}
}

// MessageResponse aggregates all platform outcomes for one request.
type MessageResponse struct {
	MessageID        string                    `json:"message_id"`
	UserID           string                    `json:"user_id,omitempty"`
	Status           MessageStatus             `json:"status"`
	PlatformResults  map[string]PlatformResult `json:"platform_results"`
	Errors           []string                  `json:"errors,omitempty"`
	SentAt           time.Time                 `json:"sent_at"`
	ProcessingTimeMs int64                     `json:"processing_time_ms"`
	ScheduledAt      *time.Time                `json:"scheduled_at,omitempty"`
}

// NewMessageResponse creates an empty response for messageID in the given status.
func NewMessageResponse(messageID, userID string, status MessageStatus) *MessageResponse {
	return &MessageResponse{
		MessageID:       messageID,
		UserID:          userID,
		Status:          status,
		PlatformResults: make(map[string]PlatformResult),
		SentAt:          time.Now().UTC(),
	}
}

// TotalPlatforms is the number of platforms with a recorded result.
func (r *MessageResponse) TotalPlatforms() int {
	return len(r.PlatformResults)
}

// SuccessfulPlatforms counts results with Success set.
func (r *MessageResponse) SuccessfulPlatforms() int {
	n := 0
	for _, pr := range r.PlatformResults {
		if pr.Success {
			n++
		}
	}
	return n
}

// FailedPlatforms counts results without Success set.
func (r *MessageResponse) FailedPlatforms() int {
	return r.TotalPlatforms() - r.SuccessfulPlatforms()
}

// SuccessRate is SuccessfulPlatforms/TotalPlatforms, or 0 with no results.
func (r *MessageResponse) SuccessRate() float64 {
	total := r.TotalPlatforms()
	if total == 0 {
		return 0
	}
	return float64(r.SuccessfulPlatforms()) / float64(total)
}

// IsCompletelySuccessful is false for an empty result set.
func (r *MessageResponse) IsCompletelySuccessful() bool {
	total := r.TotalPlatforms()
	return total > 0 && r.SuccessfulPlatforms() == total
}

// IsCompletelyFailed is false for an empty result set.
func (r *MessageResponse) IsCompletelyFailed() bool {
	return r.TotalPlatforms() > 0 && r.SuccessfulPlatforms() == 0
}

// IsPartiallySuccessful reports a mix of successes and failures.
func (r *MessageResponse) IsPartiallySuccessful() bool {
	s := r.SuccessfulPlatforms()
	return s > 0 && s < r.TotalPlatforms()
}

// FailedPlatformNames returns the keys of failed results.
func (r *MessageResponse) FailedPlatformNames() []string {
	var names []string
	for name, pr := range r.PlatformResults {
		if !pr.Success {
			names = append(names, name)
		}
	}
	return names
}

// Recompute derives Status and Errors from PlatformResults.
func (r *MessageResponse) Recompute() {
	r.Status = AggregateStatus(r.PlatformResults)
	r.Errors = nil
	for _, name := range sortedKeys(r.PlatformResults) {
		pr := r.PlatformResults[name]
		if !pr.Success {
			r.Errors = append(r.Errors, name+": "+pr.Error)
		}
	}
}

// Clone returns a deep copy of the response.
func (r *MessageResponse) Clone() *MessageResponse {
	if r == nil {
		return nil
	}
	c := *r
	c.PlatformResults = make(map[string]PlatformResult, len(r.PlatformResults))
	for k, v := range r.PlatformResults {
		if v.ErrorDetails != nil {
			details := make(map[string]string, len(v.ErrorDetails))
			for dk, dv := range v.ErrorDetails {
				details[dk] = dv
			}
			v.ErrorDetails = details
		}
		c.PlatformResults[k] = v
	}
	if r.Errors != nil {
		c.Errors = append([]string(nil), r.Errors...)
	}
	if r.ScheduledAt != nil {
		t := *r.ScheduledAt
		c.ScheduledAt = &t
	}
	return &c
}

// MarshalJSON includes the derived counters alongside the stored fields.
func (r MessageResponse) MarshalJSON() ([]byte, error) {
	type plain MessageResponse
	return json.Marshal(struct {
		plain
		TotalPlatforms      int     `json:"total_platforms"`
		SuccessfulPlatforms int     `json:"successful_platforms"`
		FailedPlatforms     int     `json:"failed_platforms"`
		SuccessRate         float64 `json:"success_rate"`
	}{
		plain:               plain(r),
		TotalPlatforms:      r.TotalPlatforms(),
		SuccessfulPlatforms: r.SuccessfulPlatforms(),
		FailedPlatforms:     r.FailedPlatforms(),
		SuccessRate:         r.SuccessRate(),
	})
}

// AggregateStatus derives the composite status. An empty map is Failed.
func AggregateStatus(results map[string]PlatformResult) MessageStatus {
	if len(results) == 0 {
		return MessageStatusFailed
	}
	succeeded := 0
	for _, pr := range results {
		if pr.Success {
			succeeded++
		}
	}
	switch succeeded {
	case len(results):
		return MessageStatusSent
	case 0:
		return MessageStatusFailed
	default:
		return MessageStatusPartialSuccess
	}
}

func sortedKeys(results map[string]PlatformResult) []string {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
