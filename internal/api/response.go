// Package api provides HTTP response utilities for DispatchPipe.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still produce a clean 500.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// methodNotAllowed answers a request whose method the endpoint does not serve.
func methodNotAllowed(w http.ResponseWriter, r *http.Request, handler string, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	slog.Warn("Server."+handler+": method not allowed", "method", r.Method, "path", r.URL.Path)
	writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
}

// messageResponse wraps a dispatch result in the envelope and picks the
// HTTP status for it.
func messageResponse(resp *models.MessageResponse) (int, models.APIResponse) {
	switch resp.Status {
	case models.MessageStatusPending:
		return http.StatusAccepted, models.ScheduledWithResult("Message scheduled", resp)
	case models.MessageStatusSent:
		return http.StatusOK, models.SuccessWithMessage("Message sent", resp)
	case models.MessageStatusPartialSuccess:
		return http.StatusOK, models.SuccessWithMessage("Message sent to some platforms", resp)
	case models.MessageStatusCancelled:
		return http.StatusOK, models.SuccessWithMessage("Message cancelled", resp)
	}
	if resp.TotalPlatforms() == 0 {
		return http.StatusBadRequest, errorWithResult("Message validation failed", resp)
	}
	return http.StatusBadGateway, errorWithResult("Message delivery failed", resp)
}

func errorWithResult(message string, result interface{}) models.APIResponse {
	return models.NewAPIResponseBuilder().
		WithStatus(models.APIStatusError).
		WithMessage(message).
		WithResult(result).
		Build()
}
