// Package store provides storage backends for DispatchPipe.
//
// A Store keeps message responses (delivery history), the original requests
// needed to retry failed platforms, and the queue of scheduled messages.
// Backends are in-memory, SQLite, PostgreSQL and Pebble; Open picks one from
// the DSN.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DSN types recognised by DetectDSNType.
const (
	DSNTypeMemory   = "memory"
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
	DSNTypePebble   = "pebble"
)

// PebblePrefix marks a DSN as a Pebble directory, e.g. "pebble:/var/lib/dispatchpipe/kv".
const PebblePrefix = "pebble:"

// ResponseFilter narrows ListResponses. Zero values match everything; a zero
// Limit means no limit.
type ResponseFilter struct {
	UserID string
	Status models.MessageStatus
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// Matches reports whether r passes every filter except paging.
func (f ResponseFilter) Matches(r *models.MessageResponse) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.From != nil && r.SentAt.Before(*f.From) {
		return false
	}
	if f.To != nil && r.SentAt.After(*f.To) {
		return false
	}
	return true
}

// ScheduledEntry is a request waiting for its delivery time.
type ScheduledEntry struct {
	MessageID   string                `json:"message_id"`
	Request     models.MessageRequest `json:"request"`
	ScheduledAt time.Time             `json:"scheduled_at"`
	AddedAt     time.Time             `json:"added_at"`
}

// StoredRequest is an original request retained for retries.
type StoredRequest struct {
	Request  models.MessageRequest `json:"request"`
	StoredAt time.Time             `json:"stored_at"`
}

// Store is the persistence contract of the dispatch core. Implementations
// must be safe for concurrent use and must not alias caller-owned values.
type Store interface {
	SaveResponse(ctx context.Context, resp *models.MessageResponse) error
	// GetResponse returns ErrNotFound when id is unknown.
	GetResponse(ctx context.Context, id string) (*models.MessageResponse, error)
	// ListResponses returns matching responses newest first.
	ListResponses(ctx context.Context, filter ResponseFilter) ([]*models.MessageResponse, error)

	SaveRequest(ctx context.Context, req models.MessageRequest, storedAt time.Time) error
	// GetRequest returns ErrNotFound when id is unknown.
	GetRequest(ctx context.Context, id string) (*models.MessageRequest, error)
	// PurgeRequests deletes requests stored before the cutoff and returns how many.
	PurgeRequests(ctx context.Context, before time.Time) (int, error)

	AddScheduled(ctx context.Context, entry ScheduledEntry) error
	// DueScheduled returns entries with ScheduledAt <= now, earliest first.
	DueScheduled(ctx context.Context, now time.Time) ([]ScheduledEntry, error)
	// RemoveScheduled reports whether an entry was removed.
	RemoveScheduled(ctx context.Context, id string) (bool, error)
	// ListScheduled returns all pending entries, earliest first.
	ListScheduled(ctx context.Context) ([]ScheduledEntry, error)

	Close() error
}

// Opts holds configuration for persistent stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPebblePath sets the Pebble data directory.
func WithPebblePath(path string) Option {
	return func(o *Opts) { o.DSN = path }
}

// DetectDSNType classifies a connection string. URLs with a postgres scheme
// and libpq key=value strings are PostgreSQL, a "pebble:" prefix selects
// Pebble, an empty DSN means in-memory and anything else is a SQLite path.
func DetectDSNType(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return DSNTypeMemory
	case strings.HasPrefix(dsn, PebblePrefix):
		return DSNTypePebble
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DSNTypePostgres
	case strings.HasPrefix(dsn, "file:"):
		return DSNTypeSQLite
	case strings.Contains(dsn, "host="), strings.Contains(dsn, "dbname="), strings.Contains(dsn, "user="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// Open creates the backend DetectDSNType selects for dsn.
func Open(dsn string) (Store, error) {
	switch DetectDSNType(dsn) {
	case DSNTypeMemory:
		return NewInMemoryStore(), nil
	case DSNTypePebble:
		return NewPebbleStore(WithPebblePath(strings.TrimPrefix(strings.TrimSpace(dsn), PebblePrefix)))
	case DSNTypePostgres:
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// paginate applies offset and limit to an already ordered slice.
func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// newestFirst orders responses by SentAt descending, breaking ties by id.
func newestFirst(a, b *models.MessageResponse) int {
	if c := b.SentAt.Compare(a.SentAt); c != 0 {
		return c
	}
	return strings.Compare(a.MessageID, b.MessageID)
}

// earliestFirst orders scheduled entries by due time, breaking ties by id.
func earliestFirst(a, b ScheduledEntry) int {
	if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
		return c
	}
	return strings.Compare(a.MessageID, b.MessageID)
}
