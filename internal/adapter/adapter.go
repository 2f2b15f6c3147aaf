// Package adapter defines the platform adapter contract, the shared delivery
// behaviour every adapter composes, and the registry the dispatch core
// resolves adapters from.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// Adapter delivers messages to one external platform. Send and
// TestConnection must never panic or return errors to the caller; every
// failure is reported inside the PlatformResult or as false.
type Adapter interface {
	PlatformName() string
	IsEnabled() bool
	Constraints() models.PlatformConstraints
	Send(ctx context.Context, req models.MessageRequest) models.PlatformResult
	TestConnection(ctx context.Context) bool
	SupportedMessageTypes() []models.MessageType
	PlatformParameters() map[string]string
}

// Outbound is a request after platform-specific content transformation.
type Outbound struct {
	Request models.MessageRequest
	Content string
	Dialect Dialect
}

// Receipt identifies a delivered message on the remote platform.
type Receipt struct {
	MessageID string
	URL       string
}

// DeliverFunc performs the remote call for one attempt.
type DeliverFunc func(ctx context.Context, out Outbound) (Receipt, error)

// DeliveryError carries an adapter's classification of a failed remote call.
type DeliveryError struct {
	Code       string
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Code, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewDeliveryError wraps err with a classification.
func NewDeliveryError(code string, retryable bool, err error) *DeliveryError {
	return &DeliveryError{Code: code, Retryable: retryable, Err: err}
}

// StatusError classifies a non-2xx HTTP response from a platform API.
// 401/403 are auth failures, 408/429/5xx are retryable platform errors and
// other 4xx are permanent.
func StatusError(status int, body string) *DeliveryError {
	err := fmt.Errorf("unexpected response: %s", body)
	switch {
	case status == 401 || status == 403:
		return &DeliveryError{Code: models.ErrorCodeAuth, StatusCode: status, Err: err}
	case status == 408:
		return &DeliveryError{Code: models.ErrorCodeTimeout, Retryable: true, StatusCode: status, Err: err}
	case status == 429 || status >= 500:
		return &DeliveryError{Code: models.ErrorCodePlatform, Retryable: true, StatusCode: status, Err: err}
	default:
		return &DeliveryError{Code: models.ErrorCodePlatform, StatusCode: status, Err: err}
	}
}

// ClassifyError maps an error from a remote call onto an error code and
// whether retrying can help. Unclassified errors count as transport errors.
func ClassifyError(err error) (code string, retryable bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Code, de.Retryable
	}
	if errors.Is(err, context.Canceled) {
		return models.ErrorCodeCancelled, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorCodeTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrorCodeTimeout, true
	}
	return models.ErrorCodeTransport, true
}

// detailRetryable marks a failure result as eligible for retry.
const detailRetryable = "retryable"

// IsRetryable reports whether a failed result may be retried. Validation,
// rate-limit, auth, cancellation and internal failures never are.
func IsRetryable(pr models.PlatformResult) bool {
	if pr.Success {
		return false
	}
	switch pr.ErrorCode {
	case models.ErrorCodeValidation, models.ErrorCodeRateLimited, models.ErrorCodeAuth,
		models.ErrorCodeCancelled, models.ErrorCodeInternal, models.ErrorCodeAdapterNotFound,
		models.ErrorCodePlatformDisabled:
		return false
	}
	return pr.ErrorDetails[detailRetryable] == "true"
}

// Recipient returns the destination for platform: request metadata
// "<platform>.to" wins over "to", which wins over the adapter's configured
// fallback.
func Recipient(req models.MessageRequest, platform, fallback string) string {
	if v := req.Metadata[platform+".to"]; v != "" {
		return v
	}
	if v := req.Metadata["to"]; v != "" {
		return v
	}
	return fallback
}
