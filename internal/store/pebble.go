// Package store provides storage backends for DispatchPipe.
//
// This file implements an embedded key-value store on Pebble. Records are
// JSON values under prefixed keys:
//
//	resp:<message_id>   MessageResponse
//	req:<message_id>    StoredRequest
//	sched:<message_id>  ScheduledEntry
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

const (
	prefixResponse  = "resp:"
	prefixRequest   = "req:"
	prefixScheduled = "sched:"
)

// PebbleStore persists dispatch state in a Pebble directory.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) a Pebble database at the configured path.
// Pebble holds an exclusive lock on the directory while open.
func NewPebbleStore(opts ...Option) (*PebbleStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pebble path not set")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0700); err != nil {
		return nil, fmt.Errorf("failed to create pebble parent directory: %w", err)
	}
	slog.Info("opening pebble store", "path", cfg.DSN)
	db, err := pebble.Open(cfg.DSN, &pebble.Options{})
	if err != nil {
		slog.Error("pebble open failed", "path", cfg.DSN, "error", err)
		return nil, fmt.Errorf("failed to open pebble store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

func (s *PebbleStore) get(key string, v any) error {
	data, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()
	return json.Unmarshal(data, v)
}

// scan calls fn with every value under prefix. The value slice is only
// valid during the call.
func (s *PebbleStore) scan(prefix string, fn func(value []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		if err := fn(it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) SaveResponse(_ context.Context, resp *models.MessageResponse) error {
	if err := s.put(prefixResponse+resp.MessageID, resp); err != nil {
		slog.Error("PebbleStore SaveResponse failed", "message_id", resp.MessageID, "error", err)
		return fmt.Errorf("failed to save response %s: %w", resp.MessageID, err)
	}
	return nil
}

func (s *PebbleStore) GetResponse(_ context.Context, id string) (*models.MessageResponse, error) {
	var r models.MessageResponse
	if err := s.get(prefixResponse+id, &r); err != nil {
		return nil, err
	}
	if r.PlatformResults == nil {
		r.PlatformResults = make(map[string]models.PlatformResult)
	}
	return &r, nil
}

func (s *PebbleStore) ListResponses(_ context.Context, filter ResponseFilter) ([]*models.MessageResponse, error) {
	var out []*models.MessageResponse
	err := s.scan(prefixResponse, func(value []byte) error {
		r, err := decodeResponse(value)
		if err != nil {
			return err
		}
		if filter.Matches(r) {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}
	slices.SortFunc(out, newestFirst)
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (s *PebbleStore) SaveRequest(_ context.Context, req models.MessageRequest, storedAt time.Time) error {
	if err := s.put(prefixRequest+req.RequestID, StoredRequest{Request: req, StoredAt: storedAt}); err != nil {
		return fmt.Errorf("failed to save request %s: %w", req.RequestID, err)
	}
	return nil
}

func (s *PebbleStore) GetRequest(_ context.Context, id string) (*models.MessageRequest, error) {
	var sr StoredRequest
	if err := s.get(prefixRequest+id, &sr); err != nil {
		return nil, err
	}
	return &sr.Request, nil
}

func (s *PebbleStore) PurgeRequests(_ context.Context, before time.Time) (int, error) {
	batch := s.db.NewBatch()
	defer batch.Close()
	n := 0
	err := s.scan(prefixRequest, func(value []byte) error {
		var sr StoredRequest
		if err := json.Unmarshal(value, &sr); err != nil {
			return err
		}
		if sr.StoredAt.Before(before) {
			n++
			return batch.Delete([]byte(prefixRequest+sr.Request.RequestID), nil)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan requests: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to purge requests: %w", err)
	}
	return n, nil
}

func (s *PebbleStore) AddScheduled(_ context.Context, entry ScheduledEntry) error {
	if err := s.put(prefixScheduled+entry.MessageID, entry); err != nil {
		return fmt.Errorf("failed to add scheduled message %s: %w", entry.MessageID, err)
	}
	return nil
}

func (s *PebbleStore) listScheduled(keep func(ScheduledEntry) bool) ([]ScheduledEntry, error) {
	var out []ScheduledEntry
	err := s.scan(prefixScheduled, func(value []byte) error {
		var e ScheduledEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		if keep(e) {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled messages: %w", err)
	}
	slices.SortFunc(out, earliestFirst)
	return out, nil
}

func (s *PebbleStore) DueScheduled(_ context.Context, now time.Time) ([]ScheduledEntry, error) {
	return s.listScheduled(func(e ScheduledEntry) bool { return !e.ScheduledAt.After(now) })
}

func (s *PebbleStore) RemoveScheduled(_ context.Context, id string) (bool, error) {
	key := []byte(prefixScheduled + id)
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read scheduled message %s: %w", id, err)
	}
	closer.Close()
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to remove scheduled message %s: %w", id, err)
	}
	return true, nil
}

func (s *PebbleStore) ListScheduled(_ context.Context) ([]ScheduledEntry, error) {
	return s.listScheduled(func(ScheduledEntry) bool { return true })
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	slog.Info("closing pebble store")
	return s.db.Close()
}
