package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// MockSendFunc scripts the outcome of call number n (1-based) on a MockAdapter.
type MockSendFunc func(ctx context.Context, out Outbound, n int) (Receipt, error)

// MockAdapter is an in-memory Adapter for tests and local development. By
// default every send succeeds and every probe is healthy.
type MockAdapter struct {
	*Base

	mu       sync.Mutex
	sendFunc MockSendFunc
	healthy  bool
	panicVal any
	calls    []Outbound
}

// MockConstraints are permissive defaults for a MockAdapter.
var MockConstraints = models.PlatformConstraints{
	MaxContentLength:  4096,
	MaxAttachments:    10,
	MaxAttachmentSize: 10 << 20,
	SupportsRichText:  true,
	SupportsHTML:      true,
}

// NewMockAdapter creates a MockAdapter registered under name.
func NewMockAdapter(name string, opts ...BaseOption) *MockAdapter {
	return &MockAdapter{
		Base:    NewBase(name, MockConstraints, opts...),
		healthy: true,
	}
}

// SetSendFunc scripts delivery outcomes.
func (m *MockAdapter) SetSendFunc(fn MockSendFunc) {
	m.mu.Lock()
	m.sendFunc = fn
	m.mu.Unlock()
}

// FailWith makes every send fail with err.
func (m *MockAdapter) FailWith(err error) {
	m.SetSendFunc(func(context.Context, Outbound, int) (Receipt, error) {
		return Receipt{}, err
	})
}

// SetHealthy sets the TestConnection outcome.
func (m *MockAdapter) SetHealthy(healthy bool) {
	m.mu.Lock()
	m.healthy = healthy
	m.mu.Unlock()
}

// PanicOnSend makes Send panic with v before any shared delivery handling,
// simulating a broken adapter.
func (m *MockAdapter) PanicOnSend(v any) {
	m.mu.Lock()
	m.panicVal = v
	m.mu.Unlock()
}

// Calls returns the outbound messages that reached the remote call.
func (m *MockAdapter) Calls() []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Outbound(nil), m.calls...)
}

// CallCount returns the number of remote calls made.
func (m *MockAdapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Send implements Adapter.
func (m *MockAdapter) Send(ctx context.Context, req models.MessageRequest) models.PlatformResult {
	m.mu.Lock()
	p := m.panicVal
	m.mu.Unlock()
	if p != nil {
		panic(p)
	}
	return m.Deliver(ctx, req, func(ctx context.Context, out Outbound) (Receipt, error) {
		m.mu.Lock()
		m.calls = append(m.calls, out)
		n := len(m.calls)
		fn := m.sendFunc
		m.mu.Unlock()
		if fn == nil {
			return Receipt{MessageID: fmt.Sprintf("%s-%d", m.PlatformName(), n)}, nil
		}
		return fn(ctx, out, n)
	})
}

// TestConnection implements Adapter.
func (m *MockAdapter) TestConnection(ctx context.Context) bool {
	return m.Probe(ctx, func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.healthy {
			return errors.New("mock adapter unhealthy")
		}
		return nil
	})
}
