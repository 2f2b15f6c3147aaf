package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// DefaultHealthCheckTimeout bounds each adapter probe in HealthCheck.
const DefaultHealthCheckTimeout = 10 * time.Second

// Registry maps normalised platform names to adapters. It is safe for
// concurrent use; an adapter is visible to Resolve only after Register
// returns.
type Registry struct {
	mu            sync.RWMutex
	adapters      map[string]Adapter
	healthTimeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHealthCheckTimeout bounds each adapter probe.
func WithHealthCheckTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.healthTimeout = d
		}
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		adapters:      make(map[string]Adapter),
		healthTimeout: DefaultHealthCheckTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a, replacing any adapter already registered under its name.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is nil")
	}
	name := models.NormalizePlatformName(a.PlatformName())
	if name == "" {
		return fmt.Errorf("adapter has an empty platform name")
	}
	r.mu.Lock()
	_, replaced := r.adapters[name]
	r.adapters[name] = a
	r.mu.Unlock()
	slog.Info("Registry.Register: adapter registered", "platform", name, "enabled", a.IsEnabled(), "replaced", replaced)
	return nil
}

// Unregister removes the adapter for name and reports whether one existed.
func (r *Registry) Unregister(name string) bool {
	name = models.NormalizePlatformName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		return false
	}
	delete(r.adapters, name)
	slog.Info("Registry.Unregister: adapter removed", "platform", name)
	return true
}

// Resolve looks up an adapter by case-insensitive name.
func (r *Registry) Resolve(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[models.NormalizePlatformName(name)]
	return a, ok
}

// ListSupported returns all registered platform names, sorted.
func (r *Registry) ListSupported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListActive returns the names of enabled adapters, sorted.
func (r *Registry) ListActive() []string {
	var active []string
	for _, a := range r.snapshot() {
		if a.IsEnabled() {
			active = append(active, models.NormalizePlatformName(a.PlatformName()))
		}
	}
	sort.Strings(active)
	return active
}

func (r *Registry) snapshot() map[string]Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Adapter, len(r.adapters))
	for k, v := range r.adapters {
		out[k] = v
	}
	return out
}

// HealthCheck probes every registered adapter concurrently. A probe that
// panics, fails or exceeds the health-check timeout reports false.
func (r *Registry) HealthCheck(ctx context.Context) map[string]bool {
	adapters := r.snapshot()
	results := make(map[string]bool, len(adapters))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, a := range adapters {
		wg.Add(1)
		go func(name string, a Adapter) {
			defer wg.Done()
			healthy := r.probe(ctx, name, a)
			mu.Lock()
			results[name] = healthy
			mu.Unlock()
		}(name, a)
	}
	wg.Wait()
	return results
}

func (r *Registry) probe(ctx context.Context, name string, a Adapter) bool {
	probeCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("Registry.HealthCheck: probe panicked", "platform", name, "panic", rec)
				done <- false
			}
		}()
		done <- a.TestConnection(probeCtx)
	}()

	select {
	case ok := <-done:
		return ok
	case <-probeCtx.Done():
		slog.Warn("Registry.HealthCheck: probe timed out", "platform", name, "timeout", r.healthTimeout)
		return false
	}
}

// Capabilities reports the introspection view of every registered adapter.
func (r *Registry) Capabilities() map[string]models.PlatformCapabilities {
	adapters := r.snapshot()
	out := make(map[string]models.PlatformCapabilities, len(adapters))
	for name, a := range adapters {
		out[name] = models.PlatformCapabilities{
			IsEnabled:             a.IsEnabled(),
			Constraints:           a.Constraints(),
			SupportedMessageTypes: a.SupportedMessageTypes(),
			Parameters:            a.PlatformParameters(),
		}
	}
	return out
}
