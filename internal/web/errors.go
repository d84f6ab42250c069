package web

// errors.go centralizes JSON error responses. Technical errors are logged
// server-side with the request ID; clients get a stable JSON envelope.

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/acmelabs/product-importer/internal/logging"
)

// errorResponse is the JSON structure for API error responses.
type errorResponse struct {
	Error string `json:"error"`
}

// respondError logs the technical error and writes the client-facing
// message as JSON.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, err error, msg string) {
	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err,
	)
	writeJSON(w, status, errorResponse{Error: msg})
}

// logError logs a request-scoped error that has no client-facing response.
func logError(r *http.Request, msg string, err error) {
	logging.FromContext(r.Context()).Error(msg, "error", err)
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already gone; nothing left to do but log.
		slog.Error("failed to encode response", "error", err)
	}
}
