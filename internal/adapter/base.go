package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// DefaultSendTimeout bounds a single remote call when no timeout is configured.
const DefaultSendTimeout = 30 * time.Second

// Base holds the capability metadata every adapter exposes and implements the
// delivery steps shared by all of them: constraint checks, content
// transformation, timing and error capture. Adapters embed it and supply the
// remote call as a DeliverFunc.
type Base struct {
	name         string
	enabled      atomic.Bool
	constraints  models.PlatformConstraints
	messageTypes []models.MessageType
	parameters   map[string]string
	timeout      time.Duration
}

// BaseOption configures a Base.
type BaseOption func(*Base)

// WithEnabled sets whether the adapter accepts deliveries.
func WithEnabled(enabled bool) BaseOption {
	return func(b *Base) {
		b.enabled.Store(enabled)
	}
}

// WithMessageTypes restricts the message types the adapter accepts.
func WithMessageTypes(types ...models.MessageType) BaseOption {
	return func(b *Base) {
		b.messageTypes = append([]models.MessageType(nil), types...)
	}
}

// WithParameters sets static platform parameters reported for introspection.
func WithParameters(params map[string]string) BaseOption {
	return func(b *Base) {
		for k, v := range params {
			b.parameters[k] = v
		}
	}
}

// WithSendTimeout bounds each remote call.
func WithSendTimeout(d time.Duration) BaseOption {
	return func(b *Base) {
		b.timeout = d
	}
}

// WithConstraints overrides the adapter's default constraints.
func WithConstraints(c models.PlatformConstraints) BaseOption {
	return func(b *Base) {
		b.constraints = c
	}
}

// NewBase creates an enabled Base for platform name with default constraints c.
func NewBase(name string, c models.PlatformConstraints, opts ...BaseOption) *Base {
	b := &Base{
		name:         models.NormalizePlatformName(name),
		constraints:  c,
		messageTypes: []models.MessageType{models.MessageTypeText, models.MessageTypeRichText},
		parameters:   make(map[string]string),
		timeout:      DefaultSendTimeout,
	}
	b.enabled.Store(true)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PlatformName returns the normalised platform name.
func (b *Base) PlatformName() string { return b.name }

// IsEnabled reports whether the adapter accepts deliveries.
func (b *Base) IsEnabled() bool { return b.enabled.Load() }

// SetEnabled toggles the adapter at runtime.
func (b *Base) SetEnabled(enabled bool) { b.enabled.Store(enabled) }

// Constraints returns the platform constraints.
func (b *Base) Constraints() models.PlatformConstraints { return b.constraints }

// SupportedMessageTypes returns the accepted message types.
func (b *Base) SupportedMessageTypes() []models.MessageType {
	return append([]models.MessageType(nil), b.messageTypes...)
}

// PlatformParameters returns a copy of the static parameters.
func (b *Base) PlatformParameters() map[string]string {
	out := make(map[string]string, len(b.parameters))
	for k, v := range b.parameters {
		out[k] = v
	}
	return out
}

func (b *Base) supportsType(mt models.MessageType) bool {
	if len(b.messageTypes) == 0 || mt == "" {
		return true
	}
	for _, t := range b.messageTypes {
		if t == mt {
			return true
		}
	}
	return false
}

// Deliver runs one delivery attempt: it re-validates req against the
// platform constraints, transforms the content for the platform dialect,
// invokes fn with a bounded context and converts the outcome, including a
// panic inside fn, into a PlatformResult with ResponseTimeMs set.
func (b *Base) Deliver(ctx context.Context, req models.MessageRequest, fn DeliverFunc) (result models.PlatformResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Base.Deliver: adapter panicked", "platform", b.name, "panic", r)
			result = models.NewFailureResult(b.name, fmt.Sprintf("adapter panic: %v", r), models.ErrorCodeInternal, nil)
		}
		result.ResponseTimeMs = time.Since(start).Milliseconds()
	}()

	if problems := models.CheckConstraints(req, b.name, b.constraints); len(problems) > 0 {
		slog.Debug("Base.Deliver: constraint violation", "platform", b.name, "problems", problems)
		return models.NewFailureResult(b.name, problems[0], models.ErrorCodeValidation,
			map[string]string{"violations": strings.Join(problems, "; ")})
	}
	if !b.supportsType(req.Type) {
		return models.NewFailureResult(b.name, fmt.Sprintf("message type %q not supported by %s", req.Type, b.name),
			models.ErrorCodeValidation, nil)
	}

	dialect := DialectFor(b.constraints)
	out := Outbound{
		Request: req,
		Content: TransformContent(req.Content, req.Type, dialect),
		Dialect: dialect,
	}

	callCtx, cancel := b.callContext(ctx)
	defer cancel()

	receipt, err := fn(callCtx, out)
	if err != nil {
		code, retryable := ClassifyError(err)
		if errors.Is(ctx.Err(), context.Canceled) {
			code, retryable = models.ErrorCodeCancelled, false
		}
		details := map[string]string{detailRetryable: strconv.FormatBool(retryable)}
		var de *DeliveryError
		if errors.As(err, &de) && de.StatusCode != 0 {
			details["status_code"] = strconv.Itoa(de.StatusCode)
		}
		slog.Warn("Base.Deliver: delivery failed", "platform", b.name, "code", code, "retryable", retryable, "error", err)
		return models.NewFailureResult(b.name, err.Error(), code, details)
	}

	slog.Debug("Base.Deliver: delivered", "platform", b.name, "platform_message_id", receipt.MessageID)
	return models.NewSuccessResult(b.name, receipt.MessageID, receipt.URL)
}

// callContext bounds ctx by the send timeout. A zero timeout leaves ctx
// unbounded.
func (b *Base) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

// Probe runs a connectivity check, treating errors, panics and timeouts as
// unhealthy.
func (b *Base) Probe(ctx context.Context, fn func(ctx context.Context) error) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Base.Probe: probe panicked", "platform", b.name, "panic", r)
			healthy = false
		}
	}()
	probeCtx, cancel := b.callContext(ctx)
	defer cancel()
	if err := fn(probeCtx); err != nil {
		slog.Warn("Base.Probe: connection test failed", "platform", b.name, "error", err)
		return false
	}
	return true
}
