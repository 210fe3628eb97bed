package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"resultcache/internal/domain"
)

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var notFound *domain.NotFoundError
	var accessDenied *domain.AccessDeniedError
	var validation *domain.ValidationError
	var conflict *domain.ConflictError
	var locked *domain.LockedError
	var noContent *domain.NoContentError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &accessDenied):
		return http.StatusForbidden
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &locked):
		return http.StatusLocked
	case errors.As(err, &noContent):
		return http.StatusNoContent
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a domain error as a JSON body with its mapped status.
// 204 carries no body.
func writeError(w http.ResponseWriter, err error) {
	status := httpStatusFromDomainError(err)
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Internals stay in the logs.
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]interface{}{
		"code":    status,
		"message": msg,
	})
}
