package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/voltflux/powermon/internal/adapters"
	"github.com/voltflux/powermon/internal/adapters/mqttpool"
	"github.com/voltflux/powermon/internal/auth"
	"github.com/voltflux/powermon/internal/ingest"
	"github.com/voltflux/powermon/internal/persistence"
	"github.com/voltflux/powermon/internal/query"
)

// API error codes carried in the error envelope.
const (
	codeUnauthorized      = "UNAUTHORIZED"
	codeForbidden         = "FORBIDDEN"
	codeAccountLocked     = "ACCOUNT_LOCKED"
	codeDeviceNotFound    = "DEVICE_NOT_FOUND"
	codeDeviceConflict    = "DEVICE_CONFLICT"
	codeInvalidTimeRange  = "INVALID_TIME_RANGE"
	codeInvalidMQTTConfig = "INVALID_MQTT_CONFIG"
	codeMQTTUnavailable   = "MQTT_UNAVAILABLE"
	codeValidation        = "VALIDATION_ERROR"
	codeRateLimited       = "RATE_LIMITED"
	codeInternal          = "INTERNAL_ERROR"
)

type errorEnvelope struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(successEnvelope{Success: true, Data: data}); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{ErrorCode: code, Message: message})
}

// writeServiceError maps domain errors onto the HTTP surface. Unknown errors
// are logged and become a 500 without leaking internals.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid credentials or token")
	case errors.Is(err, auth.ErrTokenWrongType):
		writeError(w, http.StatusForbidden, codeForbidden, "token type not accepted here")
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, http.StatusForbidden, codeAccountLocked, "account locked, retry later")
	case errors.Is(err, persistence.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, codeDeviceNotFound, "device not found")
	case errors.Is(err, persistence.ErrDeviceExists):
		writeError(w, http.StatusConflict, codeDeviceConflict, "device with this mac already exists")
	case errors.Is(err, query.ErrInvalidTimeRange):
		writeError(w, http.StatusBadRequest, codeInvalidTimeRange, "window must be one of 24h, 7d, 30d")
	case errors.Is(err, query.ErrInvalidListQuery):
		writeError(w, http.StatusUnprocessableEntity, codeValidation, err.Error())
	case errors.Is(err, mqttpool.ErrInvalidConfig), errors.Is(err, adapters.ErrInvalidTCPConfig):
		writeError(w, http.StatusBadRequest, codeInvalidMQTTConfig, err.Error())
	case errors.Is(err, ingest.ErrInvalidTimerValues):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, ingest.ErrMQTTUnavailable):
		writeError(w, http.StatusServiceUnavailable, codeMQTTUnavailable, "broker unreachable, try again later")
	default:
		log.Error().Err(err).Msg("unhandled api error")
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}
