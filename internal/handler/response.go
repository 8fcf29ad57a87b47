package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/etfpool/batch-engine/internal/limits"
	"github.com/etfpool/batch-engine/internal/model"
)

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorResponse is the standard error response format.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a standard error response.
func WriteError(w http.ResponseWriter, status int, errorCode, message string) {
	WriteJSON(w, status, errorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// WriteDomainError maps a service error to an HTTP status and writes it.
func WriteDomainError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	WriteError(w, status, code, err.Error())
}

// classify maps domain errors to HTTP status codes. Validation failures
// are 400, missing resources 404, state conflicts 409, business-rule
// rejections 422, broker unavailability 503; anything unrecognized is a
// 500 and should be treated as a bug or infrastructure failure.
func classify(err error) (int, string) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, model.ErrMissingPrice):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInvalidStatus):
		return http.StatusConflict, "invalid_status"
	case errors.Is(err, model.ErrBatchInProgress):
		return http.StatusConflict, "batch_in_progress"
	case errors.Is(err, model.ErrAccountFrozen):
		return http.StatusConflict, "account_frozen"
	case errors.Is(err, model.ErrAccountInactive):
		return http.StatusConflict, "account_inactive"
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientShares):
		return http.StatusUnprocessableEntity, "insufficient_shares"
	case errors.Is(err, model.ErrCeilingExceeded):
		return http.StatusUnprocessableEntity, "ceiling_exceeded"
	case errors.Is(err, limits.ErrDailyOrderLimit), errors.Is(err, limits.ErrDailyValueLimit):
		return http.StatusUnprocessableEntity, "daily_limit"
	case errors.Is(err, model.ErrNotConnected):
		return http.StatusServiceUnavailable, "broker_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// ParseJSON decodes the request body as JSON into v, requiring an
// application/json Content-Type and rejecting unknown fields.
func ParseJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("request body must be JSON with Content-Type: application/json")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed JSON request body")
	}
	return nil
}
