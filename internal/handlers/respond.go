// Package handlers is the HTTP surface of the signal service.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/incrypt/backend/internal/apperr"
	"github.com/incrypt/backend/internal/signals"
)

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

type errorEnvelope struct {
	Success              bool   `json:"success"`
	Error                string `json:"error"`
	TransactionSignature string `json:"transactionSignature,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("json encode failed", "error", err)
	}
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// writeError maps a classified error to its status. Unclassified errors are
// logged and answered with a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := kind.Status()
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "kind", string(kind), "error", err)
	}
	writeJSON(w, status, errorEnvelope{
		Error:                apperr.Message(err),
		TransactionSignature: signals.UndeliveredTransaction(err),
	})
}

// queryLimit reads ?limit=. Absent means 0, which callers treat as default.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.KindValidation, "limit must be a non-negative integer")
	}
	return n, nil
}
