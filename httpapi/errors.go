package httpapi

import (
	"errors"
	"net/http"

	"pkt.systems/berth/schema"
	"pkt.systems/pslog"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrUnauthorized), errors.Is(err, schema.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, schema.ErrForbidden), errors.Is(err, schema.ErrBlocked), errors.Is(err, schema.ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, schema.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, schema.ErrWeakCredential), errors.Is(err, schema.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrBuildSpecMissing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, schema.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs err and answers with its mapped status.
func writeServiceError(w http.ResponseWriter, log pslog.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("http "+op+" failed", "err", err)
	} else {
		log.Warn("http "+op+" failed", "err", err, "status", status)
	}
	writeError(w, status, err)
}
