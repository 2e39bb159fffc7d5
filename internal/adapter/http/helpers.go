package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/logger"
)

const maxRequestBodySize = 1 << 20

// readJSON decodes the request body into a T. On failure it has already
// written the 400 or 413 response.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	err := dec.Decode(&v)
	if err == nil {
		return v, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	} else {
		writeError(w, http.StatusBadRequest, "invalid request body")
	}
	return v, false
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// queryLimit reads ?limit=, defaulting to def and capped at ceiling.
func queryLimit(r *http.Request, def, ceiling int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, ceiling)
}

// handleGet serves GET .../{id} from get.
func handleGet[T any](get func(ctx context.Context, id string) (*T, error), notFoundMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := get(r.Context(), urlParam(r, "id"))
		if err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// handleList serves a list; nil is encoded as [].
func handleList[T any](list func(r *http.Request) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := list(r)
		if err != nil {
			writeDomainError(w, err, "not found")
			return
		}
		if items == nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// domainStatus maps sentinel errors to HTTP statuses. For the sentinels
// marked trim, the sentinel text is cut from the client message.
var domainStatus = []struct {
	err    error
	status int
	trim   bool
}{
	{domain.ErrNotFound, http.StatusNotFound, false},
	{domain.ErrConflict, http.StatusConflict, true},
	{domain.ErrValidation, http.StatusBadRequest, true},
	{domain.ErrPolicyDenied, http.StatusForbidden, false},
	{domain.ErrPathBlocked, http.StatusForbidden, false},
	{domain.ErrUnavailable, http.StatusServiceUnavailable, false},
}

// writeDomainError writes err with the status of its sentinel. Not found
// uses notFoundMsg; unknown errors are logged and hidden behind a 500.
func writeDomainError(w http.ResponseWriter, err error, notFoundMsg string) {
	for _, m := range domainStatus {
		if !errors.Is(err, m.err) {
			continue
		}
		msg := err.Error()
		switch {
		case m.err == domain.ErrNotFound:
			msg = notFoundMsg
		case m.err == domain.ErrUnavailable:
			slog.Warn("dependency unavailable", "error", err)
			msg = "service unavailable"
		case m.trim:
			msg = strings.TrimPrefix(msg, m.err.Error()+": ")
		}
		writeError(w, m.status, msg)
		return
	}
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// logFor returns the request-scoped logger.
func logFor(r *http.Request) *slog.Logger {
	return logger.From(r.Context(), slog.Default())
}
