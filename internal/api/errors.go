package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"xchain-radar/internal/briefing"
	"xchain-radar/internal/evidence"
	"xchain-radar/internal/narrative"
	"xchain-radar/internal/retry"
	"xchain-radar/internal/service"
)

// ErrorBody is the error envelope returned by every endpoint.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, evidence.ErrNoData):
		return http.StatusNotFound, "NO_DATA"
	case errors.Is(err, briefing.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, service.ErrInProgress):
		return http.StatusConflict, "IN_PROGRESS"
	case errors.Is(err, narrative.ErrEmptyNarrative):
		return http.StatusBadGateway, "EMPTY_NARRATIVE"
	case retry.IsTransient(err):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// publicMessage hides the wrapped error chain for server-side failures; it is logged instead.
func publicMessage(status int, code string, err error) string {
	if status < http.StatusInternalServerError {
		return err.Error()
	}
	switch code {
	case "EMPTY_NARRATIVE":
		return "narrative service returned empty text"
	case "UPSTREAM_UNAVAILABLE":
		return "upstream service unavailable, retry later"
	default:
		return "internal server error"
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
