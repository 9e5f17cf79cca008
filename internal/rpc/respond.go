package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/porterly/backend/internal/bidding"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeBiddingError maps a business failure to its HTTP status and wire
// code. Unknown errors become opaque 500s.
func writeBiddingError(w http.ResponseWriter, err error) {
	code := bidding.Code(err)
	if code == "" {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "")
		return
	}
	writeError(w, statusFor(err), code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bidding.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, bidding.ErrWindowNotFound),
		errors.Is(err, bidding.ErrBidNotFound):
		return http.StatusNotFound
	case errors.Is(err, bidding.ErrBidTooLow),
		errors.Is(err, bidding.ErrPorterLimit),
		errors.Is(err, bidding.ErrPorterIneligible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bidding.ErrConcurrentAccept):
		return http.StatusLocked
	default:
		// Window or bid in the wrong state for the operation.
		return http.StatusConflict
	}
}
