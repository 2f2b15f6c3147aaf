// Package ratelimit provides per-(platform, identifier) delivery throttling.
//
// Each key owns a golang.org/x/time/rate token bucket sized from its
// platform's Policy: a policy of N requests per window becomes a bucket with
// capacity N refilled at N/window. Buckets are created on first use and
// evicted after a period of inactivity.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// Defaults for the limiter pool.
const (
	// DefaultIdentifier is used when a request carries no caller identity.
	DefaultIdentifier = "anonymous"
	// DefaultIdleTTL is how long an unused bucket is kept.
	DefaultIdleTTL = 30 * time.Minute
)

// DefaultPolicy applies to platforms without an explicit policy.
var DefaultPolicy = Policy{Requests: 60, Window: time.Minute}

// PlatformPolicies are the published per-chat limits of the shipped
// adapters.
var PlatformPolicies = map[string]Policy{
	"telegram": {Requests: 30, Window: time.Second},
	"twilio":   {Requests: 1, Window: time.Second},
	"webhook":  {Requests: 300, Window: 15 * time.Minute},
	"whatsapp": {Requests: 20, Window: time.Minute},
}

// Policy caps a platform at Requests per Window for each identifier.
// A non-positive Requests disables limiting.
type Policy struct {
	Requests int           `json:"requests" yaml:"requests"`
	Window   time.Duration `json:"window" yaml:"window"`
}

func (p Policy) unlimited() bool {
	return p.Requests <= 0 || p.Window <= 0
}

func (p Policy) newLimiter() *rate.Limiter {
	if p.unlimited() {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(p.Window/time.Duration(p.Requests)), p.Requests)
}

type entry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// Limiter is a pool of token buckets keyed by platform and identifier.
type Limiter struct {
	mu            sync.Mutex
	policies      map[string]Policy
	defaultPolicy Policy
	entries       map[string]*entry
	ttl           time.Duration
	lastSweep     time.Time
	now           func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPolicy sets the policy for one platform.
func WithPolicy(platform string, p Policy) Option {
	return func(l *Limiter) {
		l.policies[models.NormalizePlatformName(platform)] = p
	}
}

// WithDefaultPolicy sets the policy for platforms without their own.
func WithDefaultPolicy(p Policy) Option {
	return func(l *Limiter) {
		l.defaultPolicy = p
	}
}

// WithIdleTTL sets how long an idle bucket survives.
func WithIdleTTL(ttl time.Duration) Option {
	return func(l *Limiter) {
		l.ttl = ttl
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		policies:      make(map[string]Policy),
		defaultPolicy: DefaultPolicy,
		entries:       make(map[string]*entry),
		ttl:           DefaultIdleTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// SetPolicy replaces a platform's policy. Existing buckets for the platform
// are dropped so the new policy applies immediately.
func (l *Limiter) SetPolicy(platform string, p Policy) {
	platform = models.NormalizePlatformName(platform)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[platform] = p
	prefix := platform + "\x00"
	for k := range l.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(l.entries, k)
		}
	}
	slog.Debug("Limiter.SetPolicy", "platform", platform, "requests", p.Requests, "window", p.Window)
}

// PolicyFor returns the effective policy for a platform.
func (l *Limiter) PolicyFor(platform string) Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policyLocked(models.NormalizePlatformName(platform))
}

func (l *Limiter) policyLocked(platform string) Policy {
	if p, ok := l.policies[platform]; ok {
		return p
	}
	return l.defaultPolicy
}

// get returns the bucket for a key, creating it if missing.
func (l *Limiter) get(platform, identifier string, now time.Time) *rate.Limiter {
	platform = models.NormalizePlatformName(platform)
	if identifier == "" {
		identifier = DefaultIdentifier
	}
	key := platform + "\x00" + identifier

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)

	if e, ok := l.entries[key]; ok {
		e.lastSeen = now
		return e.l
	}
	e := &entry{l: l.policyLocked(platform).newLimiter(), lastSeen: now}
	l.entries[key] = e
	return e.l
}

// sweepLocked drops buckets idle for longer than the TTL, at most once per TTL.
func (l *Limiter) sweepLocked(now time.Time) {
	if l.ttl <= 0 || now.Sub(l.lastSweep) < l.ttl {
		return
	}
	cutoff := now.Add(-l.ttl)
	for k, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
	l.lastSweep = now
}

// Allow reports whether an attempt for (platform, identifier) would be
// admitted right now. It does not consume capacity.
func (l *Limiter) Allow(platform, identifier string) bool {
	now := l.now()
	lim := l.get(platform, identifier, now)
	if lim.Limit() == rate.Inf {
		return true
	}
	return lim.TokensAt(now) >= 1
}

// Record counts an issued attempt against (platform, identifier) even if it
// overdraws the bucket.
func (l *Limiter) Record(platform, identifier string) {
	now := l.now()
	l.get(platform, identifier, now).ReserveN(now, 1)
}

// Reserve is the atomic form of Allow followed by Record. It returns false,
// and records nothing, when the bucket is empty.
func (l *Limiter) Reserve(platform, identifier string) bool {
	now := l.now()
	ok := l.get(platform, identifier, now).AllowN(now, 1)
	if !ok {
		slog.Debug("Limiter.Reserve: rate limit exceeded", "platform", platform, "identifier", identifier)
	}
	return ok
}

// Size returns the number of live buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
