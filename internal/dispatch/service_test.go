package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/DispatchPipe/internal/adapter"
	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/ratelimit"
	"github.com/BTreeMap/DispatchPipe/internal/retry"
	"github.com/BTreeMap/DispatchPipe/internal/store"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc   *Service
	reg   *adapter.Registry
	store store.Store
	clock *fakeClock
	mocks map[string]*adapter.MockAdapter
}

// noWait skips backoff delays while still honouring cancellation.
func noWait(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newFixture(t *testing.T, st store.Store, platforms []string, opts ...Option) *fixture {
	t.Helper()
	if st == nil {
		st = store.NewInMemoryStore()
	}
	f := &fixture{
		reg:   adapter.NewRegistry(),
		store: st,
		clock: &fakeClock{now: t0},
		mocks: make(map[string]*adapter.MockAdapter),
	}
	for _, p := range platforms {
		m := adapter.NewMockAdapter(p)
		if err := f.reg.Register(m); err != nil {
			t.Fatalf("Register(%s): %v", p, err)
		}
		f.mocks[p] = m
	}
	base := []Option{
		WithClock(f.clock.Now),
		WithRetryExecutor(retry.NewExecutor(retry.DefaultPolicy, retry.WithWaitFunc(noWait))),
	}
	f.svc = NewService(f.reg, st, append(base, opts...)...)
	return f
}

func (f *fixture) calls() int {
	n := 0
	for _, m := range f.mocks {
		n += m.CallCount()
	}
	return n
}

func request(id string, platforms ...string) models.MessageRequest {
	return models.MessageRequest{RequestID: id, Content: "hello", Platforms: platforms}
}

func TestSendMessage_PartialSuccess(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram", "webhook", "twilio"})
	f.mocks["twilio"].FailWith(adapter.NewDeliveryError(models.ErrorCodePlatform, false, errors.New("invalid number")))

	resp := f.svc.SendMessage(context.Background(), request("m1", "telegram", "webhook", "twilio"))

	if resp.Status != models.MessageStatusPartialSuccess {
		t.Fatalf("status = %s, want partial_success", resp.Status)
	}
	if resp.SuccessfulPlatforms() != 2 || resp.FailedPlatforms() != 1 {
		t.Errorf("successful=%d failed=%d, want 2/1", resp.SuccessfulPlatforms(), resp.FailedPlatforms())
	}
	if math.Abs(resp.SuccessRate()-2.0/3.0) > 0.001 {
		t.Errorf("success rate = %f", resp.SuccessRate())
	}
	tw := resp.PlatformResults["twilio"]
	if tw.ErrorCode != models.ErrorCodePlatform || tw.AttemptNumber != 1 {
		t.Errorf("twilio result = %+v", tw)
	}
	if len(resp.Errors) != 1 || !strings.HasPrefix(resp.Errors[0], "twilio: ") {
		t.Errorf("errors = %v", resp.Errors)
	}
	if resp.MessageID != "m1" || !resp.SentAt.Equal(t0) {
		t.Errorf("id/sentAt = %s/%v", resp.MessageID, resp.SentAt)
	}
}

func TestSendMessage_AllSucceedAndAllFail(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram", "webhook"})
	if resp := f.svc.SendMessage(context.Background(), request("ok", "telegram", "webhook")); resp.Status != models.MessageStatusSent {
		t.Errorf("status = %s, want sent", resp.Status)
	}

	f.mocks["telegram"].FailWith(errors.New("connection refused"))
	f.mocks["webhook"].FailWith(errors.New("connection refused"))
	resp := f.svc.SendMessage(context.Background(), request("bad", "telegram", "webhook"))
	if resp.Status != models.MessageStatusFailed || !resp.IsCompletelyFailed() {
		t.Errorf("status = %s, want failed", resp.Status)
	}
	if code := resp.PlatformResults["webhook"].ErrorCode; code != models.ErrorCodeTransport {
		t.Errorf("code = %s, want transport_error", code)
	}
}

func TestSendMessage_ValidationShortCircuits(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})

	resp := f.svc.SendMessage(context.Background(), models.MessageRequest{RequestID: "invalid"})

	if resp.Status != models.MessageStatusFailed {
		t.Fatalf("status = %s, want failed", resp.Status)
	}
	if len(resp.Errors) == 0 || !strings.Contains(resp.Errors[0], "content") {
		t.Errorf("errors = %v, want a content error first", resp.Errors)
	}
	if resp.TotalPlatforms() != 0 {
		t.Errorf("platform results = %v, want none", resp.PlatformResults)
	}
	if f.calls() != 0 {
		t.Errorf("adapter called %d times", f.calls())
	}
	stored, err := f.svc.GetMessageStatus(context.Background(), "invalid")
	if err != nil || stored == nil || stored.Status != models.MessageStatusFailed {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestSendMessage_UnknownPlatformIsolated(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})

	resp := f.svc.SendMessage(context.Background(), request("m", "telegram", "nonexistent"))

	if resp.Status != models.MessageStatusPartialSuccess {
		t.Fatalf("status = %s, want partial_success", resp.Status)
	}
	missing, ok := resp.PlatformResults["nonexistent"]
	if !ok || missing.Success || !strings.Contains(missing.Error, "not found") {
		t.Errorf("nonexistent = %+v", missing)
	}
	if missing.ErrorCode != models.ErrorCodeAdapterNotFound {
		t.Errorf("code = %s", missing.ErrorCode)
	}
	if !resp.PlatformResults["telegram"].Success {
		t.Error("telegram should succeed")
	}
}

func TestSendMessage_AllPlatformsUnknown(t *testing.T) {
	f := newFixture(t, nil, nil)
	resp := f.svc.SendMessage(context.Background(), request("m", "a", "b"))
	if resp.Status != models.MessageStatusFailed || resp.TotalPlatforms() != 2 {
		t.Errorf("status=%s total=%d, want failed/2", resp.Status, resp.TotalPlatforms())
	}
}

func TestSendMessage_DuplicatePlatformsDispatchedOnce(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})
	resp := f.svc.SendMessage(context.Background(), request("m", "Telegram", "telegram", " TELEGRAM "))
	if f.mocks["telegram"].CallCount() != 1 {
		t.Errorf("calls = %d, want 1", f.mocks["telegram"].CallCount())
	}
	if resp.TotalPlatforms() != 1 || resp.Status != models.MessageStatusSent {
		t.Errorf("total=%d status=%s", resp.TotalPlatforms(), resp.Status)
	}
}

func TestSendMessage_DisabledPlatform(t *testing.T) {
	f := newFixture(t, nil, nil)
	m := adapter.NewMockAdapter("slack", adapter.WithEnabled(false))
	f.reg.Register(m)

	resp := f.svc.SendMessage(context.Background(), request("m", "slack"))
	pr := resp.PlatformResults["slack"]
	if pr.Success || pr.ErrorCode != models.ErrorCodePlatformDisabled || pr.Error != models.ErrMsgPlatformDisabled {
		t.Errorf("result = %+v", pr)
	}
	if m.CallCount() != 0 {
		t.Error("disabled adapter must not be called")
	}
}

func TestGetMessageStatus_Idempotent(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})
	ctx := context.Background()
	resp := f.svc.SendMessage(ctx, request("m", "telegram"))

	first, err := f.svc.GetMessageStatus(ctx, "m")
	if err != nil {
		t.Fatalf("GetMessageStatus: %v", err)
	}
	second, _ := f.svc.GetMessageStatus(ctx, "m")
	if first.MessageID != resp.MessageID || first.Status != resp.Status || second.Status != first.Status {
		t.Errorf("lookups differ: %+v / %+v / %+v", resp, first, second)
	}
	if f.mocks["telegram"].CallCount() != 1 {
		t.Error("lookup must not dispatch")
	}

	missing, err := f.svc.GetMessageStatus(ctx, "nope")
	if missing != nil || err != nil {
		t.Errorf("missing = %v, %v; want nil, nil", missing, err)
	}
}

func TestSendMessage_ReusedIDKeepsStoredResponse(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})
	ctx := context.Background()
	first := f.svc.SendMessage(ctx, request("m1", "telegram"))
	if first.Status != models.MessageStatusSent {
		t.Fatalf("first = %s", first.Status)
	}
	f.clock.Advance(time.Minute)

	invalid := request("m1", "telegram")
	invalid.Content = ""
	if resp := f.svc.SendMessage(ctx, invalid); resp.Status != models.MessageStatusSent || !resp.SentAt.Equal(t0) {
		t.Errorf("invalid resubmission = %s at %v, want stored sent response", resp.Status, resp.SentAt)
	}
	if resp := f.svc.SendMessage(ctx, request("m1", "telegram")); resp.Status != models.MessageStatusSent || !resp.SentAt.Equal(t0) {
		t.Errorf("valid resubmission = %s at %v, want stored sent response", resp.Status, resp.SentAt)
	}
	if n := f.mocks["telegram"].CallCount(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
	stored, _ := f.svc.GetMessageStatus(ctx, "m1")
	if stored == nil || stored.Status != models.MessageStatusSent || len(stored.Errors) != 0 || !stored.SentAt.Equal(t0) {
		t.Errorf("stored = %+v", stored)
	}

	f.mocks["telegram"].FailWith(errors.New("down"))
	f.svc.SendMessage(ctx, request("m2", "telegram"))
	resp := f.svc.SendMessage(ctx, request("m2", "telegram"))
	if resp.Status != models.MessageStatusFailed || len(resp.Errors) != 1 || resp.Errors[0] != models.ErrRequestIDInUse.Error() {
		t.Errorf("reused failed id = %s %v", resp.Status, resp.Errors)
	}
	if n := f.mocks["telegram"].CallCount(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
	if stored, _ := f.svc.GetMessageStatus(ctx, "m2"); stored == nil || stored.TotalPlatforms() != 1 {
		t.Errorf("stored m2 = %+v, want original dispatch result", stored)
	}
}

func TestSendMessage_GeneratesID(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})
	resp := f.svc.SendMessage(context.Background(), models.MessageRequest{Content: "x", Platforms: []string{"telegram"}})
	if resp.MessageID == "" {
		t.Fatal("expected generated message id")
	}
	if got, _ := f.svc.GetMessageStatus(context.Background(), resp.MessageID); got == nil {
		t.Error("generated id not persisted")
	}
}

func TestRetryFailedMessage_OnlyFailedPlatforms(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram", "webhook"})
	ctx := context.Background()
	f.mocks["webhook"].SetSendFunc(func(_ context.Context, _ adapter.Outbound, n int) (adapter.Receipt, error) {
		if n == 1 {
			return adapter.Receipt{}, errors.New("503 upstream")
		}
		return adapter.Receipt{MessageID: "wh-2"}, nil
	})

	first := f.svc.SendMessage(ctx, request("m", "telegram", "webhook"))
	if first.Status != models.MessageStatusPartialSuccess {
		t.Fatalf("status = %s", first.Status)
	}
	original := first.PlatformResults["telegram"]

	retried, err := f.svc.RetryFailedMessage(ctx, "m")
	if err != nil {
		t.Fatalf("RetryFailedMessage: %v", err)
	}
	if f.mocks["telegram"].CallCount() != 1 {
		t.Errorf("telegram re-invoked: %d calls", f.mocks["telegram"].CallCount())
	}
	if f.mocks["webhook"].CallCount() != 2 {
		t.Errorf("webhook calls = %d, want 2", f.mocks["webhook"].CallCount())
	}
	tg := retried.PlatformResults["telegram"]
	if !tg.SentAt.Equal(original.SentAt) || tg.PlatformMessageID != original.PlatformMessageID {
		t.Errorf("telegram result changed: %+v vs %+v", tg, original)
	}
	if wh := retried.PlatformResults["webhook"]; !wh.Success || wh.PlatformMessageID != "wh-2" {
		t.Errorf("webhook = %+v", wh)
	}
	if retried.Status != models.MessageStatusSent || len(retried.Errors) != 0 {
		t.Errorf("status=%s errors=%v", retried.Status, retried.Errors)
	}

	stored, _ := f.svc.GetMessageStatus(ctx, "m")
	if stored.Status != models.MessageStatusSent {
		t.Errorf("stored status = %s", stored.Status)
	}

	// Sent messages are a no-op.
	again, err := f.svc.RetryFailedMessage(ctx, "m")
	if err != nil || again.Status != models.MessageStatusSent || f.calls() != 3 {
		t.Errorf("retry of sent message: %v, %v, calls=%d", again, err, f.calls())
	}
}

func TestRetryFailedMessage_Errors(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})
	ctx := context.Background()

	if _, err := f.svc.RetryFailedMessage(ctx, "missing"); !errors.Is(err, models.ErrMessageNotFound) {
		t.Errorf("err = %v, want ErrMessageNotFound", err)
	}

	orphan := models.NewMessageResponse("orphan", "", models.MessageStatusFailed)
	orphan.PlatformResults["telegram"] = models.NewFailureResult("telegram", "boom", models.ErrorCodeTransport, nil)
	f.store.SaveResponse(ctx, orphan)
	if _, err := f.svc.RetryFailedMessage(ctx, "orphan"); !errors.Is(err, models.ErrOriginalRequestNotFound) {
		t.Errorf("err = %v, want ErrOriginalRequestNotFound", err)
	}
}

func TestScheduledMessage_DeferredUntilDue(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})
	ctx := context.Background()
	at := t0.Add(time.Hour)
	req := request("later", "telegram")
	req.ScheduledAt = &at

	resp := f.svc.SendMessage(ctx, req)
	if resp.Status != models.MessageStatusPending || resp.ScheduledAt == nil || !resp.ScheduledAt.Equal(at) {
		t.Fatalf("resp = %+v", resp)
	}
	if f.calls() != 0 {
		t.Fatal("scheduled message dispatched early")
	}

	if n, err := f.svc.ProcessScheduledMessages(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}

	f.clock.Advance(time.Hour)
	n, err := f.svc.ProcessScheduledMessages(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1", n, err)
	}
	if f.mocks["telegram"].CallCount() != 1 {
		t.Errorf("calls = %d, want 1", f.mocks["telegram"].CallCount())
	}
	stored, _ := f.svc.GetMessageStatus(ctx, "later")
	if stored.Status != models.MessageStatusSent {
		t.Errorf("status = %s, want sent", stored.Status)
	}
	if pending, _ := f.svc.ListScheduledMessages(ctx); len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
	if n, _ := f.svc.ProcessScheduledMessages(ctx); n != 0 {
		t.Errorf("second sweep = %d, want 0", n)
	}
}

func TestScheduledMessage_PastTimeRejected(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})
	past := t0.Add(-time.Minute)
	req := request("past", "telegram")
	req.ScheduledAt = &past

	resp := f.svc.SendMessage(context.Background(), req)
	if resp.Status != models.MessageStatusFailed {
		t.Errorf("status = %s, want failed", resp.Status)
	}
}

func TestCancelScheduledMessage(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})
	ctx := context.Background()
	at := t0.Add(time.Hour)
	req := request("c", "telegram")
	req.ScheduledAt = &at
	f.svc.SendMessage(ctx, req)

	resp, err := f.svc.CancelScheduledMessage(ctx, "c")
	if err != nil || resp.Status != models.MessageStatusCancelled {
		t.Fatalf("cancel = %+v, %v", resp, err)
	}

	f.clock.Advance(2 * time.Hour)
	if n, _ := f.svc.ProcessScheduledMessages(ctx); n != 0 || f.calls() != 0 {
		t.Errorf("cancelled message dispatched: n=%d calls=%d", n, f.calls())
	}
	if _, err := f.svc.CancelScheduledMessage(ctx, "c"); !errors.Is(err, models.ErrNotCancellable) {
		t.Errorf("second cancel err = %v", err)
	}
	if _, err := f.svc.CancelScheduledMessage(ctx, "unknown"); !errors.Is(err, models.ErrMessageNotFound) {
		t.Errorf("unknown cancel err = %v", err)
	}

	f.svc.SendMessage(ctx, request("sent", "telegram"))
	if _, err := f.svc.CancelScheduledMessage(ctx, "sent"); !errors.Is(err, models.ErrNotCancellable) {
		t.Errorf("cancel of sent message err = %v", err)
	}
}

// flakyStore fails SaveResponse while fail is set.
type flakyStore struct {
	*store.InMemoryStore
	fail atomic.Bool
}

func (s *flakyStore) SaveResponse(ctx context.Context, resp *models.MessageResponse) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.InMemoryStore.SaveResponse(ctx, resp)
}

func TestProcessScheduledMessages_FailureLeftForNextSweep(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore()}
	f := newFixture(t, st, []string{"telegram"})
	ctx := context.Background()
	at := t0.Add(time.Minute)
	req := request("s", "telegram")
	req.ScheduledAt = &at
	f.svc.SendMessage(ctx, req)

	f.clock.Advance(time.Minute)
	st.fail.Store(true)
	if n, err := f.svc.ProcessScheduledMessages(ctx); err != nil || n != 0 {
		t.Fatalf("failing sweep = %d, %v", n, err)
	}
	if pending, _ := f.svc.ListScheduledMessages(ctx); len(pending) != 1 {
		t.Fatalf("entry dropped after failure: %d pending", len(pending))
	}

	st.fail.Store(false)
	if n, _ := f.svc.ProcessScheduledMessages(ctx); n != 1 {
		t.Errorf("recovery sweep = %d, want 1", n)
	}
}

func TestSendMessage_PanicIsolated(t *testing.T) {
	f := newFixture(t, nil, []string{"x", "y"})
	f.mocks["x"].PanicOnSend("kaboom")

	resp := f.svc.SendMessage(context.Background(), request("p", "x", "y"))

	x := resp.PlatformResults["x"]
	if x.Success || x.ErrorCode != models.ErrorCodeInternal || !strings.Contains(x.Error, "kaboom") {
		t.Errorf("x = %+v", x)
	}
	if y := resp.PlatformResults["y"]; !y.Success {
		t.Errorf("y = %+v", y)
	}
	if resp.Status != models.MessageStatusPartialSuccess {
		t.Errorf("status = %s", resp.Status)
	}
}

func TestSendBulkMessage_Independent(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})
	reqs := []models.MessageRequest{
		request("b1", "telegram"),
		{RequestID: "b2", Platforms: []string{"telegram"}},
		request("b3", "telegram"),
	}

	out := f.svc.SendBulkMessage(context.Background(), reqs)

	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	for i, want := range []models.MessageStatus{models.MessageStatusSent, models.MessageStatusFailed, models.MessageStatusSent} {
		if out[i].MessageID != reqs[i].RequestID || out[i].Status != want {
			t.Errorf("out[%d] = %s/%s, want %s/%s", i, out[i].MessageID, out[i].Status, reqs[i].RequestID, want)
		}
	}
	if f.mocks["telegram"].CallCount() != 2 {
		t.Errorf("calls = %d, want 2", f.mocks["telegram"].CallCount())
	}
}

// panicStore panics when saving one message id.
type panicStore struct {
	*store.InMemoryStore
	id string
}

func (s *panicStore) SaveResponse(ctx context.Context, resp *models.MessageResponse) error {
	if resp.MessageID == s.id {
		panic("corrupt index")
	}
	return s.InMemoryStore.SaveResponse(ctx, resp)
}

func TestSendBulkMessage_PanicContained(t *testing.T) {
	f := newFixture(t, &panicStore{InMemoryStore: store.NewInMemoryStore(), id: "boom"}, []string{"telegram"})

	out := f.svc.SendBulkMessage(context.Background(), []models.MessageRequest{
		request("fine", "telegram"),
		request("boom", "telegram"),
	})

	if out[0].Status != models.MessageStatusSent {
		t.Errorf("fine = %s", out[0].Status)
	}
	if out[1].Status != models.MessageStatusFailed || len(out[1].Errors) == 0 || !strings.Contains(out[1].Errors[0], "corrupt index") {
		t.Errorf("boom = %+v", out[1])
	}
	if f.svc.locks.size() != 0 {
		t.Error("message lock leaked after panic")
	}
}

func TestSendBulkMessage_CancelledContext(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.svc.SendBulkMessage(ctx, []models.MessageRequest{request("a", "telegram"), request("b", "telegram")})
	for _, r := range out {
		if r.Status != models.MessageStatusFailed || !strings.Contains(r.Errors[0], "cancelled") {
			t.Errorf("%s = %s %v", r.MessageID, r.Status, r.Errors)
		}
	}
	if f.calls() != 0 {
		t.Errorf("calls = %d", f.calls())
	}
}

func TestSendMessage_RetriesTransientFailures(t *testing.T) {
	var waits atomic.Int32
	exec := retry.NewExecutor(retry.DefaultPolicy, retry.WithWaitFunc(noWait),
		retry.WithNotify(func(int, time.Duration) { waits.Add(1) }))
	f := newFixture(t, nil, []string{"telegram"}, WithRetryExecutor(exec))
	f.mocks["telegram"].SetSendFunc(func(_ context.Context, _ adapter.Outbound, n int) (adapter.Receipt, error) {
		if n < 3 {
			return adapter.Receipt{}, errors.New("connection reset")
		}
		return adapter.Receipt{MessageID: "tg-3"}, nil
	})
	req := request("r", "telegram")
	req.EnableRetry = true
	req.MaxRetryAttempts = 3

	resp := f.svc.SendMessage(context.Background(), req)

	pr := resp.PlatformResults["telegram"]
	if !pr.Success || pr.AttemptNumber != 3 || pr.PlatformMessageID != "tg-3" {
		t.Errorf("result = %+v", pr)
	}
	if waits.Load() != 2 {
		t.Errorf("backoff waits = %d, want 2", waits.Load())
	}
}

func TestSendMessage_RetryExhausted(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})
	f.mocks["telegram"].FailWith(errors.New("connection reset"))
	req := request("r", "telegram")
	req.EnableRetry = true

	resp := f.svc.SendMessage(context.Background(), req)
	if pr := resp.PlatformResults["telegram"]; pr.AttemptNumber != models.DefaultMaxRetryAttempts {
		t.Errorf("attempt = %d, want default %d", pr.AttemptNumber, models.DefaultMaxRetryAttempts)
	}
	if f.mocks["telegram"].CallCount() != models.DefaultMaxRetryAttempts {
		t.Errorf("calls = %d", f.mocks["telegram"].CallCount())
	}
}

func TestSendMessage_PermanentFailureNotRetried(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"})
	f.mocks["telegram"].FailWith(adapter.StatusError(401, "unauthorized"))
	req := request("r", "telegram")
	req.EnableRetry = true
	req.MaxRetryAttempts = 5

	resp := f.svc.SendMessage(context.Background(), req)
	if pr := resp.PlatformResults["telegram"]; pr.ErrorCode != models.ErrorCodeAuth || pr.AttemptNumber != 1 {
		t.Errorf("result = %+v", pr)
	}
	if f.mocks["telegram"].CallCount() != 1 {
		t.Errorf("calls = %d, want 1", f.mocks["telegram"].CallCount())
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	lim := ratelimit.New(ratelimit.WithPolicy("telegram", ratelimit.Policy{Requests: 1, Window: time.Hour}))
	f := newFixture(t, nil, []string{"telegram"}, WithLimiter(lim))
	ctx := context.Background()

	first := request("1", "telegram")
	first.UserID = "alice"
	if resp := f.svc.SendMessage(ctx, first); resp.Status != models.MessageStatusSent {
		t.Fatalf("first = %s", resp.Status)
	}

	second := request("2", "telegram")
	second.UserID = "alice"
	second.EnableRetry = true
	second.MaxRetryAttempts = 4
	resp := f.svc.SendMessage(ctx, second)
	pr := resp.PlatformResults["telegram"]
	if pr.Success || pr.Error != models.ErrMsgRateLimitExceeded || pr.ErrorCode != models.ErrorCodeRateLimited {
		t.Errorf("second = %+v", pr)
	}
	if pr.AttemptNumber != 1 {
		t.Errorf("rate limit consumed retries: attempt %d", pr.AttemptNumber)
	}
	if f.mocks["telegram"].CallCount() != 1 {
		t.Errorf("calls = %d, want 1", f.mocks["telegram"].CallCount())
	}

	other := request("3", "telegram")
	other.UserID = "bob"
	if resp := f.svc.SendMessage(ctx, other); resp.Status != models.MessageStatusSent {
		t.Errorf("other user = %s", resp.Status)
	}
}

func TestSendMessage_CancellationPropagates(t *testing.T) {
	f := newFixture(t, nil, []string{"slow", "fast"})
	started := make(chan struct{})
	fastDone := make(chan struct{})
	f.mocks["fast"].SetSendFunc(func(context.Context, adapter.Outbound, int) (adapter.Receipt, error) {
		close(fastDone)
		return adapter.Receipt{MessageID: "f"}, nil
	})
	f.mocks["slow"].SetSendFunc(func(ctx context.Context, _ adapter.Outbound, _ int) (adapter.Receipt, error) {
		<-fastDone
		close(started)
		<-ctx.Done()
		return adapter.Receipt{}, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	done := make(chan *models.MessageResponse)
	go func() { done <- f.svc.SendMessage(ctx, request("c", "slow", "fast")) }()

	select {
	case resp := <-done:
		if pr := resp.PlatformResults["slow"]; pr.Success || pr.ErrorCode != models.ErrorCodeCancelled {
			t.Errorf("slow = %+v", pr)
		}
		if !resp.PlatformResults["fast"].Success {
			t.Error("fast lane should be unaffected")
		}
		stored, _ := f.svc.GetMessageStatus(context.Background(), "c")
		if stored == nil {
			t.Error("cancelled dispatch not persisted")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SendMessage did not return after cancellation")
	}
}

func TestHistoryAndStatistics(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram", "webhook"})
	ctx := context.Background()
	f.mocks["webhook"].FailWith(adapter.StatusError(400, "bad payload"))

	for i, user := range []string{"alice", "bob", "alice"} {
		req := request(fmt.Sprintf("h%d", i), "telegram")
		if i == 2 {
			req.Platforms = append(req.Platforms, "webhook")
		}
		req.UserID = user
		f.svc.SendMessage(ctx, req)
		f.clock.Advance(time.Minute)
	}

	history, err := f.svc.GetMessageHistory(ctx, "alice", 10, 0)
	if err != nil {
		t.Fatalf("GetMessageHistory: %v", err)
	}
	if len(history) != 2 || history[0].MessageID != "h2" || history[1].MessageID != "h0" {
		t.Errorf("history = %v", history)
	}
	page, _ := f.svc.GetMessageHistory(ctx, "", 1, 1)
	if len(page) != 1 || page[0].MessageID != "h1" {
		t.Errorf("page = %v", page)
	}

	stats, err := f.svc.GetMessageStatistics(ctx, nil, nil)
	if err != nil {
		t.Fatalf("GetMessageStatistics: %v", err)
	}
	if stats.TotalMessages != 3 || stats.SuccessfulMessages != 2 || stats.PartialMessages != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if tg := stats.Platforms["telegram"]; tg.Attempts != 3 || tg.Successes != 3 {
		t.Errorf("telegram stats = %+v", tg)
	}
	if wh := stats.Platforms["webhook"]; wh.Failures != 1 || wh.SuccessRate != 0 {
		t.Errorf("webhook stats = %+v", wh)
	}

	from := t0.Add(time.Minute)
	windowed, _ := f.svc.GetMessageStatistics(ctx, &from, nil)
	if windowed.TotalMessages != 2 {
		t.Errorf("windowed total = %d, want 2", windowed.TotalMessages)
	}
}

func TestPurgeExpiredRequests(t *testing.T) {
	f := newFixture(t, nil, []string{"telegram"}, WithRetention(24*time.Hour))
	ctx := context.Background()
	f.mocks["telegram"].FailWith(errors.New("down"))
	f.svc.SendMessage(ctx, request("old", "telegram"))

	f.clock.Advance(25 * time.Hour)
	n, err := f.svc.PurgeExpiredRequests(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge = %d, %v", n, err)
	}
	if _, err := f.svc.RetryFailedMessage(ctx, "old"); !errors.Is(err, models.ErrOriginalRequestNotFound) {
		t.Errorf("err = %v, want ErrOriginalRequestNotFound", err)
	}
	if resp, _ := f.svc.GetMessageStatus(ctx, "old"); resp == nil {
		t.Error("response should outlive its request")
	}
}

func TestHealthAndCapabilities(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f := newFixture(t, nil, []string{"telegram", "webhook"}, WithMetrics(m))
	f.mocks["webhook"].SetHealthy(false)

	health := f.svc.PerformHealthCheck(context.Background())
	if !health["telegram"] || health["webhook"] {
		t.Errorf("health = %v", health)
	}
	if v := testutil.ToFloat64(m.healthy.WithLabelValues("webhook")); v != 0 {
		t.Errorf("webhook health gauge = %v", v)
	}

	caps := f.svc.GetAllPlatformCapabilities()
	if len(caps) != 2 || !caps["telegram"].IsEnabled || caps["telegram"].Constraints.MaxContentLength != adapter.MockConstraints.MaxContentLength {
		t.Errorf("caps = %+v", caps)
	}
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	lim := ratelimit.New(ratelimit.WithPolicy("webhook", ratelimit.Policy{Requests: 1, Window: time.Hour}))
	f := newFixture(t, nil, []string{"telegram", "webhook"}, WithMetrics(m), WithLimiter(lim))
	ctx := context.Background()

	f.svc.SendMessage(ctx, request("1", "telegram", "webhook"))
	f.svc.SendMessage(ctx, request("2", "webhook"))

	if v := testutil.ToFloat64(m.attempts.WithLabelValues("telegram", "success")); v != 1 {
		t.Errorf("telegram successes = %v", v)
	}
	if v := testutil.ToFloat64(m.rateLimited.WithLabelValues("webhook")); v != 1 {
		t.Errorf("webhook rejections = %v", v)
	}
	if v := testutil.ToFloat64(m.messages.WithLabelValues(string(models.MessageStatusSent))); v != 1 {
		t.Errorf("sent messages = %v", v)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Errorf("gather = %d, %v", n, err)
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside.Load())
	}
	if k.size() != 0 {
		t.Errorf("size = %d, want 0", k.size())
	}

	a := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different keys must not block each other")
	}
	a()
}
