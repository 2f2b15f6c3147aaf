// Package api provides HTTP handlers for DispatchPipe endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// messagesHandler serves POST /messages (send) and GET /messages (history).
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.sendHandler(w, r)
	case http.MethodGet:
		s.historyHandler(w, r)
	default:
		methodNotAllowed(w, r, "messagesHandler", http.MethodGet, http.MethodPost)
	}
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	slog.Debug("Server.sendHandler: parsed message request", "request_id", req.RequestID, "platforms", req.Platforms)

	resp := s.svc.SendMessage(r.Context(), req)
	status, body := messageResponse(resp)
	slog.Info("Server.sendHandler: message processed", "message_id", resp.MessageID, "status", resp.Status)
	writeJSONResponse(w, status, body)
}

func (s *Server) bulkHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "bulkHandler", http.MethodPost)
		return
	}
	defer r.Body.Close()
	var reqs []models.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		slog.Warn("Server.bulkHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if len(reqs) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("At least one message is required"))
		return
	}
	if len(reqs) > s.opts.MaxBulkSize {
		slog.Warn("Server.bulkHandler: batch too large", "count", len(reqs), "max", s.opts.MaxBulkSize)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("Too many messages: maximum batch size is %d", s.opts.MaxBulkSize)))
		return
	}

	out := s.svc.SendBulkMessage(r.Context(), reqs)
	slog.Info("Server.bulkHandler: bulk request processed", "count", len(out))
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

// messageHandler serves GET /messages/{id} (status) and DELETE
// /messages/{id} (cancel a scheduled message).
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		resp, err := s.svc.GetMessageStatus(r.Context(), id)
		if err != nil {
			slog.Error("Server.messageHandler: status lookup failed", "message_id", id, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get message status"))
			return
		}
		if resp == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Message not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(resp))
	case http.MethodDelete:
		resp, err := s.svc.CancelScheduledMessage(r.Context(), id)
		switch {
		case errors.Is(err, models.ErrMessageNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Message not found"))
		case errors.Is(err, models.ErrNotCancellable):
			writeJSONResponse(w, http.StatusConflict, errorWithResult(err.Error(), resp))
		case err != nil:
			slog.Error("Server.messageHandler: cancel failed", "message_id", id, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel message"))
		default:
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message cancelled", resp))
		}
	default:
		methodNotAllowed(w, r, "messageHandler", http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "retryHandler", http.MethodPost)
		return
	}
	id := r.PathValue("id")
	resp, err := s.svc.RetryFailedMessage(r.Context(), id)
	switch {
	case errors.Is(err, models.ErrMessageNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Message not found"))
		return
	case errors.Is(err, models.ErrOriginalRequestNotFound):
		writeJSONResponse(w, http.StatusConflict, models.Error("Original message data not found"))
		return
	case err != nil:
		slog.Error("Server.retryHandler: retry failed", "message_id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to retry message"))
		return
	}
	slog.Info("Server.retryHandler: retry processed", "message_id", id, "status", resp.Status)
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), DefaultHistoryLimit)
	if err != nil || limit < 1 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit"))
		return
	}
	limit = min(limit, MaxHistoryLimit)
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid offset"))
		return
	}

	history, err := s.svc.GetMessageHistory(r.Context(), q.Get("user_id"), limit, offset)
	if err != nil {
		slog.Error("Server.historyHandler: history lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get message history"))
		return
	}
	if history == nil {
		history = []*models.MessageResponse{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(history))
}

func (s *Server) scheduledHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "scheduledHandler", http.MethodGet)
		return
	}
	entries, err := s.svc.ListScheduledMessages(r.Context())
	if err != nil {
		slog.Error("Server.scheduledHandler: listing failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list scheduled messages"))
		return
	}
	type scheduled struct {
		MessageID   string    `json:"message_id"`
		ScheduledAt time.Time `json:"scheduled_at"`
		Platforms   []string  `json:"platforms"`
		UserID      string    `json:"user_id,omitempty"`
	}
	out := make([]scheduled, 0, len(entries))
	for _, e := range entries {
		out = append(out, scheduled{
			MessageID:   e.MessageID,
			ScheduledAt: e.ScheduledAt,
			Platforms:   e.Request.Platforms,
			UserID:      e.Request.UserID,
		})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func (s *Server) processScheduledHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "processScheduledHandler", http.MethodPost)
		return
	}
	n, err := s.svc.ProcessScheduledMessages(r.Context())
	if err != nil {
		slog.Error("Server.processScheduledHandler: sweep failed", "processed", n, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, errorWithResult("Failed to process scheduled messages", map[string]int{"processed": n}))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"processed": n}))
}

func (s *Server) statisticsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "statisticsHandler", http.MethodGet)
		return
	}
	q := r.URL.Query()
	from, err := timeParam(q.Get("from"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid from: expected RFC 3339 timestamp"))
		return
	}
	to, err := timeParam(q.Get("to"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid to: expected RFC 3339 timestamp"))
		return
	}
	if from != nil && to != nil && to.Before(*from) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid range: to is before from"))
		return
	}

	stats, err := s.svc.GetMessageStatistics(r.Context(), from, to)
	if err != nil {
		slog.Error("Server.statisticsHandler: statistics failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get message statistics"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) platformsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "platformsHandler", http.MethodGet)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.svc.GetAllPlatformCapabilities()))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "healthHandler", http.MethodGet)
		return
	}
	health := s.svc.PerformHealthCheck(r.Context())
	for _, ok := range health {
		if !ok {
			writeJSONResponse(w, http.StatusServiceUnavailable, errorWithResult("One or more platforms are unhealthy", health))
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(health))
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func timeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
