// Package dispatch implements the message service: it validates requests,
// fans each one out to its platform adapters in parallel, aggregates the
// outcomes into a composite response and keeps responses, original requests
// and scheduled messages in a store.Store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/adapter"
	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/ratelimit"
	"github.com/BTreeMap/DispatchPipe/internal/retry"
	"github.com/BTreeMap/DispatchPipe/internal/store"
)

// DefaultRetention is how long original requests are kept for retries.
const DefaultRetention = 7 * 24 * time.Hour

// Service is the dispatch core. It is safe for concurrent use; work on one
// message id is serialised, different ids proceed in parallel.
type Service struct {
	registry  *adapter.Registry
	store     store.Store
	limiter   *ratelimit.Limiter
	retry     *retry.Executor
	validator *models.Validator
	metrics   *Metrics
	now       func() time.Time
	retention time.Duration
	locks     *keyedMutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now for validation, scheduling and retention.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLimiter sets the rate limiter consulted before each attempt.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) {
		s.limiter = l
	}
}

// WithRetryExecutor sets the executor used when a request enables retry.
func WithRetryExecutor(e *retry.Executor) Option {
	return func(s *Service) {
		s.retry = e
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithValidator replaces the request validator.
func WithValidator(v *models.Validator) Option {
	return func(s *Service) {
		s.validator = v
	}
}

// WithRetention sets how long original requests are retained.
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewService creates a Service dispatching through reg and persisting to st.
func NewService(reg *adapter.Registry, st store.Store, opts ...Option) *Service {
	s := &Service{
		registry:  reg,
		store:     st,
		now:       time.Now,
		retention: DefaultRetention,
		locks:     newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New()
	}
	if s.retry == nil {
		s.retry = retry.NewExecutor(retry.DefaultPolicy)
	}
	if s.validator == nil {
		s.validator = models.NewValidator(s.now)
	}
	return s
}

func (s *Service) since(start time.Time) int64 {
	return s.now().Sub(start).Milliseconds()
}

// persist writes resp even when the caller's context is already cancelled.
func (s *Service) persist(ctx context.Context, resp *models.MessageResponse) error {
	if err := s.store.SaveResponse(context.WithoutCancel(ctx), resp); err != nil {
		slog.Error("Service.persist: failed to save response", "message_id", resp.MessageID, "error", err)
		return err
	}
	return nil
}

func failedResponse(req models.MessageRequest, at time.Time, errs ...string) *models.MessageResponse {
	resp := models.NewMessageResponse(req.RequestID, req.UserID, models.MessageStatusFailed)
	resp.Errors = errs
	resp.SentAt = at
	return resp
}

// SendMessage validates req and either schedules it or delivers it to every
// requested platform, returning the persisted composite response. It always
// returns a response; failures are reported in its status and errors.
//
// Resubmitting the id of a sent message returns the stored response. Any
// other reused id gets an unpersisted failed response.
func (s *Service) SendMessage(ctx context.Context, req models.MessageRequest) *models.MessageResponse {
	start := s.now()
	req = req.Clone()
	req.EnsureDefaults()

	unlock := s.locks.Lock(req.RequestID)
	defer unlock()

	existing, err := s.store.GetResponse(ctx, req.RequestID)
	switch {
	case err == nil && existing.Status == models.MessageStatusSent:
		slog.Debug("Service.SendMessage: message already sent", "message_id", req.RequestID)
		return existing
	case err == nil:
		slog.Warn("Service.SendMessage: request id already in use", "message_id", req.RequestID, "status", existing.Status)
		resp := failedResponse(req, start, models.ErrRequestIDInUse.Error())
		resp.ProcessingTimeMs = s.since(start)
		return resp
	case !errors.Is(err, store.ErrNotFound):
		slog.Error("Service.SendMessage: failed to look up request id", "message_id", req.RequestID, "error", err)
		resp := failedResponse(req, start, "failed to look up request id: "+err.Error())
		resp.ProcessingTimeMs = s.since(start)
		return resp
	}

	vr := s.validator.Validate(req)
	if !vr.IsValid {
		slog.Warn("Service.SendMessage: validation failed", "message_id", req.RequestID, "errors", vr.Errors)
		resp := failedResponse(req, start, vr.Errors...)
		resp.ProcessingTimeMs = s.since(start)
		s.persist(ctx, resp)
		s.metrics.messageCompleted(string(resp.Status))
		return resp
	}
	for _, w := range vr.Warnings {
		slog.Debug("Service.SendMessage: validation warning", "message_id", req.RequestID, "warning", w)
	}

	if req.IsScheduledAfter(start) {
		return s.schedule(ctx, req, start)
	}
	resp, _ := s.dispatch(ctx, req, start, nil)
	return resp
}

// schedule stores req for a later sweep and returns a pending response.
// The caller holds the message lock.
func (s *Service) schedule(ctx context.Context, req models.MessageRequest, start time.Time) *models.MessageResponse {
	resp := models.NewMessageResponse(req.RequestID, req.UserID, models.MessageStatusPending)
	resp.SentAt = start
	at := *req.ScheduledAt
	resp.ScheduledAt = &at

	wctx := context.WithoutCancel(ctx)
	err := s.store.SaveRequest(wctx, req, start)
	if err == nil {
		err = s.store.AddScheduled(wctx, store.ScheduledEntry{
			MessageID:   req.RequestID,
			Request:     req,
			ScheduledAt: at,
			AddedAt:     start,
		})
	}
	if err != nil {
		slog.Error("Service.SendMessage: failed to schedule message", "message_id", req.RequestID, "error", err)
		resp.Status = models.MessageStatusFailed
		resp.Errors = []string{"failed to schedule message: " + err.Error()}
	} else {
		slog.Info("Service.SendMessage: message scheduled", "message_id", req.RequestID, "scheduled_at", at)
		s.metrics.scheduledEvent("queued")
	}
	resp.ProcessingTimeMs = s.since(start)
	s.persist(ctx, resp)
	return resp
}

// dispatch delivers req now, retains the original request and persists the
// response. The returned error reports a persistence failure only. The
// caller holds the message lock.
func (s *Service) dispatch(ctx context.Context, req models.MessageRequest, start time.Time, scheduledAt *time.Time) (*models.MessageResponse, error) {
	resp := models.NewMessageResponse(req.RequestID, req.UserID, models.MessageStatusPending)
	resp.SentAt = start
	resp.ScheduledAt = scheduledAt
	resp.PlatformResults = s.fanOut(ctx, req, req.Platforms)
	resp.Recompute()
	resp.ProcessingTimeMs = s.since(start)

	if err := s.store.SaveRequest(context.WithoutCancel(ctx), req, start); err != nil {
		slog.Error("Service.dispatch: failed to retain original request", "message_id", req.RequestID, "error", err)
	}
	err := s.persist(ctx, resp)
	s.metrics.messageCompleted(string(resp.Status))
	slog.Info("Service.dispatch: message processed", "message_id", req.RequestID, "status", resp.Status,
		"platforms", resp.TotalPlatforms(), "succeeded", resp.SuccessfulPlatforms(), "processing_ms", resp.ProcessingTimeMs)
	return resp, err
}

type lane struct {
	name    string
	adapter adapter.Adapter
}

// fanOut delivers req to each distinct platform concurrently and returns
// one result per platform once every lane has finished. Unknown and
// disabled platforms get a failure result without a lane.
func (s *Service) fanOut(ctx context.Context, req models.MessageRequest, platforms []string) map[string]models.PlatformResult {
	results := make(map[string]models.PlatformResult, len(platforms))
	var lanes []lane
	seen := make(map[string]bool, len(platforms))
	for _, p := range platforms {
		name := models.NormalizePlatformName(p)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		a, ok := s.registry.Resolve(name)
		switch {
		case !ok:
			slog.Warn("Service.fanOut: adapter not found", "platform", name, "message_id", req.RequestID)
			results[name] = models.NewFailureResult(name, models.ErrMsgAdapterNotFound, models.ErrorCodeAdapterNotFound, nil)
		case !a.IsEnabled():
			results[name] = models.NewFailureResult(name, models.ErrMsgPlatformDisabled, models.ErrorCodePlatformDisabled, nil)
		default:
			lanes = append(lanes, lane{name: name, adapter: a})
		}
	}

	out := make([]models.PlatformResult, len(lanes))
	var wg sync.WaitGroup
	for i, l := range lanes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = s.deliver(ctx, l, req)
		}()
	}
	wg.Wait()

	for i, l := range lanes {
		results[l.name] = out[i]
	}
	return results
}

// deliver runs one platform lane: rate limit, send and, when enabled, retry.
// Nothing escapes it; panics become internal_error results.
func (s *Service) deliver(ctx context.Context, l lane, req models.MessageRequest) (result models.PlatformResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Service.deliver: adapter panicked", "platform", l.name, "message_id", req.RequestID, "panic", r)
			result = models.NewFailureResult(l.name, fmt.Sprintf("internal error: %v", r), models.ErrorCodeInternal, nil)
		}
	}()

	attempts := 1
	if req.EnableRetry {
		attempts = req.MaxRetryAttempts
		if attempts == 0 {
			attempts = models.DefaultMaxRetryAttempts
		}
	}

	pr, n, err := retry.Do(ctx, s.retry, attempts, func(ctx context.Context, attempt int) models.PlatformResult {
		if attempt > 1 {
			s.metrics.retryScheduled()
		}
		if err := ctx.Err(); err != nil {
			return interruptedResult(l.name, err, "")
		}
		if !s.limiter.Reserve(l.name, req.UserID) {
			s.metrics.rateLimitRejected(l.name)
			return models.NewFailureResult(l.name, models.ErrMsgRateLimitExceeded, models.ErrorCodeRateLimited, nil)
		}
		began := time.Now()
		pr := l.adapter.Send(ctx, req)
		s.metrics.observeAttempt(l.name, pr.Success, time.Since(began))
		if !pr.Success {
			slog.Debug("Service.deliver: attempt failed", "platform", l.name, "message_id", req.RequestID,
				"attempt", attempt, "code", pr.ErrorCode, "error", pr.Error)
		}
		return pr
	}, adapter.IsRetryable)

	if err != nil && !pr.Success {
		pr = interruptedResult(l.name, err, pr.Error)
	}
	pr.PlatformName = l.name
	pr.AttemptNumber = n
	return pr
}

// interruptedResult reports a lane stopped by its context.
func interruptedResult(platform string, err error, lastError string) models.PlatformResult {
	code := models.ErrorCodeCancelled
	if errors.Is(err, context.DeadlineExceeded) {
		code = models.ErrorCodeTimeout
	}
	var details map[string]string
	if lastError != "" {
		details = map[string]string{"last_error": lastError}
	}
	return models.NewFailureResult(platform, "delivery interrupted: "+err.Error(), code, details)
}

// SendBulkMessage sends every request concurrently and returns the responses
// in input order. A request that panics or is cancelled before dispatch gets
// a failed response; the others are unaffected.
func (s *Service) SendBulkMessage(ctx context.Context, reqs []models.MessageRequest) []*models.MessageResponse {
	out := make([]*models.MessageResponse, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		req := reqs[i].Clone()
		req.EnsureDefaults()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Service.SendBulkMessage: request panicked", "message_id", req.RequestID, "panic", r)
					out[i] = failedResponse(req, s.now(), fmt.Sprintf("internal error: %v", r))
				}
			}()
			if err := ctx.Err(); err != nil {
				out[i] = failedResponse(req, s.now(), "cancelled before dispatch: "+err.Error())
				return
			}
			out[i] = s.SendMessage(ctx, req)
		}()
	}
	wg.Wait()
	return out
}

// GetMessageStatus returns the stored response for id, or nil when unknown.
func (s *Service) GetMessageStatus(ctx context.Context, id string) (*models.MessageResponse, error) {
	resp, err := s.store.GetResponse(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return resp, nil
}

// RetryFailedMessage re-dispatches the failed platforms of a stored message
// using its retained original request and merges the new results. Sent,
// pending and cancelled messages are returned unchanged.
func (s *Service) RetryFailedMessage(ctx context.Context, id string) (*models.MessageResponse, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	start := s.now()

	resp, err := s.store.GetResponse(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	switch resp.Status {
	case models.MessageStatusSent, models.MessageStatusPending, models.MessageStatusCancelled:
		return resp, nil
	}
	failed := resp.FailedPlatformNames()
	if len(failed) == 0 {
		return resp, nil
	}
	sort.Strings(failed)

	req, err := s.store.GetRequest(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.ErrOriginalRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get original request %s: %w", id, err)
	}
	req.ScheduledAt = nil

	slog.Info("Service.RetryFailedMessage: retrying failed platforms", "message_id", id, "platforms", failed)
	for name, pr := range s.fanOut(ctx, *req, failed) {
		resp.PlatformResults[name] = pr
	}
	resp.Recompute()
	resp.ProcessingTimeMs = s.since(start)
	s.metrics.messageCompleted(string(resp.Status))
	if err := s.persist(ctx, resp); err != nil {
		return resp, fmt.Errorf("failed to save retried message %s: %w", id, err)
	}
	return resp, nil
}

// ProcessScheduledMessages dispatches every scheduled message that is due
// and returns how many were processed. Entries that fail are logged and left
// for the next sweep.
func (s *Service) ProcessScheduledMessages(ctx context.Context) (int, error) {
	due, err := s.store.DueScheduled(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list due scheduled messages: %w", err)
	}
	processed := 0
	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		ok, err := s.processScheduled(ctx, e)
		if err != nil {
			slog.Error("Service.ProcessScheduledMessages: entry left for next sweep", "message_id", e.MessageID, "error", err)
			s.metrics.scheduledEvent("failed")
			continue
		}
		if ok {
			processed++
			s.metrics.scheduledEvent("processed")
		}
	}
	if processed > 0 {
		slog.Info("Service.ProcessScheduledMessages: sweep complete", "due", len(due), "processed", processed)
	}
	return processed, nil
}

// processScheduled dispatches one due entry and removes it. It reports false
// when the message is no longer pending.
func (s *Service) processScheduled(ctx context.Context, e store.ScheduledEntry) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing scheduled message: %v", r)
		}
	}()
	unlock := s.locks.Lock(e.MessageID)
	defer unlock()

	if cur, err := s.store.GetResponse(ctx, e.MessageID); err == nil && cur.Status != models.MessageStatusPending {
		_, err := s.store.RemoveScheduled(ctx, e.MessageID)
		return false, err
	}

	req := e.Request.Clone()
	req.ScheduledAt = nil
	at := e.ScheduledAt
	if _, err := s.dispatch(ctx, req, s.now(), &at); err != nil {
		return false, err
	}
	if _, err := s.store.RemoveScheduled(context.WithoutCancel(ctx), e.MessageID); err != nil {
		return false, fmt.Errorf("failed to remove scheduled message: %w", err)
	}
	return true, nil
}

// CancelScheduledMessage cancels a scheduled message that is not yet due.
func (s *Service) CancelScheduledMessage(ctx context.Context, id string) (*models.MessageResponse, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	resp, err := s.store.GetResponse(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	if resp.Status != models.MessageStatusPending {
		return resp, models.ErrNotCancellable
	}
	removed, err := s.store.RemoveScheduled(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to remove scheduled message %s: %w", id, err)
	}
	if !removed {
		return resp, models.ErrNotCancellable
	}
	resp.Status = models.MessageStatusCancelled
	resp.Errors = nil
	if err := s.persist(ctx, resp); err != nil {
		return nil, fmt.Errorf("failed to save cancelled message %s: %w", id, err)
	}
	s.metrics.scheduledEvent("cancelled")
	slog.Info("Service.CancelScheduledMessage: message cancelled", "message_id", id)
	return resp, nil
}

// ListScheduledMessages returns the pending scheduled entries, earliest first.
func (s *Service) ListScheduledMessages(ctx context.Context) ([]store.ScheduledEntry, error) {
	return s.store.ListScheduled(ctx)
}

// GetMessageHistory returns stored responses newest first, optionally for
// one user. A non-positive limit returns everything after offset.
func (s *Service) GetMessageHistory(ctx context.Context, userID string, limit, offset int) ([]*models.MessageResponse, error) {
	out, err := s.store.ListResponses(ctx, store.ResponseFilter{UserID: userID, Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("failed to get message history: %w", err)
	}
	return out, nil
}

// GetMessageStatistics summarises stored responses sent within [from, to].
// Either bound may be nil.
func (s *Service) GetMessageStatistics(ctx context.Context, from, to *time.Time) (models.MessageStatistics, error) {
	responses, err := s.store.ListResponses(ctx, store.ResponseFilter{From: from, To: to})
	if err != nil {
		return models.MessageStatistics{}, fmt.Errorf("failed to get message statistics: %w", err)
	}
	return models.ComputeStatistics(responses, from, to), nil
}

// GetAllPlatformCapabilities describes every registered adapter.
func (s *Service) GetAllPlatformCapabilities() map[string]models.PlatformCapabilities {
	return s.registry.Capabilities()
}

// PerformHealthCheck probes every registered adapter.
func (s *Service) PerformHealthCheck(ctx context.Context) map[string]bool {
	health := s.registry.HealthCheck(ctx)
	for name, ok := range health {
		s.metrics.setHealth(name, ok)
	}
	return health
}

// PurgeExpiredRequests drops original requests older than the retention
// window. Responses are kept.
func (s *Service) PurgeExpiredRequests(ctx context.Context) (int, error) {
	n, err := s.store.PurgeRequests(ctx, s.now().Add(-s.retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired requests: %w", err)
	}
	if n > 0 {
		slog.Info("Service.PurgeExpiredRequests: purged original requests", "count", n, "retention", s.retention)
	}
	return n, nil
}
