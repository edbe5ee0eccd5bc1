package web

// errors.go provides unified JSON responses for the web layer.
//
// Errors are logged server-side with the request id and returned to the
// client as a code, a short message and a suggested action. Technical
// detail stays in the log.

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/csvmerge/internal/ingest"
)

// ErrorResponse represents the JSON structure for API error responses.
type ErrorResponse struct {
	Error  string `json:"error"`
	Action string `json:"action,omitempty"`
	Code   string `json:"code"`
}

// respondError maps err to a user message, logs the technical error and
// writes the message with statusCode.
func respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	msg := ingest.Describe(err)

	slog.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", msg.Code,
		"request_id", middleware.GetReqID(r.Context()),
	)

	writeJSON(w, statusCode, ErrorResponse{Error: msg.Message, Action: msg.Action, Code: msg.Code})
}

// writeError writes a client error that needs no mapping.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	slog.Debug("request rejected",
		"path", r.URL.Path,
		"status", statusCode,
		"code", code,
		"reason", message,
		"request_id", middleware.GetReqID(r.Context()),
	)
	writeJSON(w, statusCode, ErrorResponse{Error: message, Code: code})
}

// writeJSON encodes v as JSON with statusCode.
// Encoding errors are only logged since headers are already sent.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
