package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/otcheredev/ris-dicom-trolley/internal/adapters"
	"github.com/otcheredev/ris-dicom-trolley/internal/repository"
	"github.com/otcheredev/ris-dicom-trolley/internal/services"
	"github.com/rs/zerolog/log"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

// statusFor maps service errors to HTTP statuses. Anything a PACS did wrong
// is a bad gateway.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, adapters.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, adapters.ErrCanceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error, msg string) {
	status := statusFor(err)
	if status >= 500 {
		log.Error().Err(err).Int("status", status).Msg(msg)
	}
	http.Error(w, msg+": "+err.Error(), status)
}
