package handler

import (
	"errors"
	"net/http"

	"valet/internal/domain"
	"valet/internal/httputil"
)

// handleError maps domain errors to HTTP problem responses
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httputil.RespondError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrValidation):
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		httputil.RespondError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrQuotaExceeded):
		httputil.RespondError(w, http.StatusTooManyRequests, "usage quota exceeded")
	default:
		httputil.RespondError(w, http.StatusInternalServerError, "internal server error")
	}
}
