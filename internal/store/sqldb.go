package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// sqlDB implements Store over database/sql. Queries are written with "?"
// placeholders and rebound for drivers that use numbered parameters.
type sqlDB struct {
	db       *sql.DB
	name     string
	numbered bool
}

// openTimeout bounds the initial ping and migration run.
const openTimeout = 30 * time.Second

// openSQL opens driver/dsn, lets tune adjust the pool, checks the
// connection and applies migrations.
func openSQL(name, driver, dsn, migrations string, numbered bool, tune func(*sql.DB)) (sqlDB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error(name+": failed to open database", "error", err)
		return sqlDB{}, err
	}
	tune(db)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		slog.Error(name+": ping failed", "error", err)
		db.Close()
		return sqlDB{}, err
	}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		slog.Error(name+": failed to run migrations", "error", err)
		db.Close()
		return sqlDB{}, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug(name+": migrations applied", "driver", driver)
	return sqlDB{db: db, name: name, numbered: numbered}, nil
}

func (s *sqlDB) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *sqlDB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlDB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlDB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlDB) SaveResponse(ctx context.Context, resp *models.MessageResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response %s: %w", resp.MessageID, err)
	}
	_, err = s.exec(ctx, `INSERT INTO message_responses (message_id, user_id, status, sent_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET
			user_id = excluded.user_id, status = excluded.status, sent_at = excluded.sent_at, data = excluded.data`,
		resp.MessageID, resp.UserID, string(resp.Status), resp.SentAt.UnixNano(), string(data))
	if err != nil {
		slog.Error(s.name+" SaveResponse failed", "error", err, "message_id", resp.MessageID)
		return fmt.Errorf("failed to save response %s: %w", resp.MessageID, err)
	}
	slog.Debug(s.name+" SaveResponse succeeded", "message_id", resp.MessageID, "status", resp.Status)
	return nil
}

func decodeResponse(data []byte) (*models.MessageResponse, error) {
	var r models.MessageResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if r.PlatformResults == nil {
		r.PlatformResults = make(map[string]models.PlatformResult)
	}
	return &r, nil
}

func (s *sqlDB) GetResponse(ctx context.Context, id string) (*models.MessageResponse, error) {
	var data []byte
	err := s.queryRow(ctx, `SELECT data FROM message_responses WHERE message_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get response %s: %w", id, err)
	}
	return decodeResponse(data)
}

func (s *sqlDB) ListResponses(ctx context.Context, filter ResponseFilter) ([]*models.MessageResponse, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.From != nil {
		where = append(where, "sent_at >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if filter.To != nil {
		where = append(where, "sent_at <= ?")
		args = append(args, filter.To.UnixNano())
	}

	q := `SELECT data FROM message_responses`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY sent_at DESC, message_id ASC`
	switch {
	case filter.Limit > 0:
		q += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, max(filter.Offset, 0))
	case filter.Offset > 0 && s.numbered:
		q += ` OFFSET ?`
		args = append(args, filter.Offset)
	case filter.Offset > 0:
		q += ` LIMIT -1 OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		slog.Error(s.name+" ListResponses query failed", "error", err)
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	var out []*models.MessageResponse
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan response row: %w", err)
		}
		r, err := decodeResponse(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate response rows: %w", err)
	}
	return out, nil
}

func (s *sqlDB) SaveRequest(ctx context.Context, req models.MessageRequest, storedAt time.Time) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request %s: %w", req.RequestID, err)
	}
	_, err = s.exec(ctx, `INSERT INTO message_requests (message_id, stored_at, data) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET stored_at = excluded.stored_at, data = excluded.data`,
		req.RequestID, storedAt.UnixNano(), string(data))
	if err != nil {
		slog.Error(s.name+" SaveRequest failed", "error", err, "message_id", req.RequestID)
		return fmt.Errorf("failed to save request %s: %w", req.RequestID, err)
	}
	return nil
}

func (s *sqlDB) GetRequest(ctx context.Context, id string) (*models.MessageRequest, error) {
	var data []byte
	err := s.queryRow(ctx, `SELECT data FROM message_requests WHERE message_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request %s: %w", id, err)
	}
	var req models.MessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request %s: %w", id, err)
	}
	return &req, nil
}

func (s *sqlDB) PurgeRequests(ctx context.Context, before time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM message_requests WHERE stored_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge requests: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug(s.name+" PurgeRequests succeeded", "deleted", n, "before", before)
	return int(n), nil
}

func (s *sqlDB) AddScheduled(ctx context.Context, entry ScheduledEntry) error {
	data, err := json.Marshal(entry.Request)
	if err != nil {
		return fmt.Errorf("failed to encode scheduled request %s: %w", entry.MessageID, err)
	}
	_, err = s.exec(ctx, `INSERT INTO scheduled_messages (message_id, scheduled_at, added_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET scheduled_at = excluded.scheduled_at, added_at = excluded.added_at, data = excluded.data`,
		entry.MessageID, entry.ScheduledAt.UnixNano(), entry.AddedAt.UnixNano(), string(data))
	if err != nil {
		slog.Error(s.name+" AddScheduled failed", "error", err, "message_id", entry.MessageID)
		return fmt.Errorf("failed to add scheduled message %s: %w", entry.MessageID, err)
	}
	return nil
}

func (s *sqlDB) scanScheduled(rows *sql.Rows) ([]ScheduledEntry, error) {
	defer rows.Close()
	var out []ScheduledEntry
	for rows.Next() {
		var (
			e                  ScheduledEntry
			scheduledAt, added int64
			data               []byte
		)
		if err := rows.Scan(&e.MessageID, &scheduledAt, &added, &data); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled row: %w", err)
		}
		if err := json.Unmarshal(data, &e.Request); err != nil {
			return nil, fmt.Errorf("failed to decode scheduled request %s: %w", e.MessageID, err)
		}
		e.ScheduledAt = time.Unix(0, scheduledAt).UTC()
		e.AddedAt = time.Unix(0, added).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scheduled rows: %w", err)
	}
	return out, nil
}

func (s *sqlDB) DueScheduled(ctx context.Context, now time.Time) ([]ScheduledEntry, error) {
	rows, err := s.query(ctx, `SELECT message_id, scheduled_at, added_at, data FROM scheduled_messages
		WHERE scheduled_at <= ? ORDER BY scheduled_at ASC, message_id ASC`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query due scheduled messages: %w", err)
	}
	return s.scanScheduled(rows)
}

func (s *sqlDB) RemoveScheduled(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM scheduled_messages WHERE message_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to remove scheduled message %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlDB) ListScheduled(ctx context.Context) ([]ScheduledEntry, error) {
	rows, err := s.query(ctx, `SELECT message_id, scheduled_at, added_at, data FROM scheduled_messages
		ORDER BY scheduled_at ASC, message_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled messages: %w", err)
	}
	return s.scanScheduled(rows)
}

func (s *sqlDB) Close() error {
	if s.db != nil {
		slog.Debug(s.name + " closing database connection")
		return s.db.Close()
	}
	return nil
}
