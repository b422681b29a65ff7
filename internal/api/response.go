package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/clinic-slot-booking/internal/booking"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// errorCode maps booking errors to an HTTP status and a stable error code.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, booking.ErrUnknownDepartment):
		return http.StatusNotFound, "unknown_department"
	case errors.Is(err, booking.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found"
	case errors.Is(err, booking.ErrSlotNotFound):
		return http.StatusNotFound, "slot_not_found"
	case errors.Is(err, booking.ErrLedgerNotFound):
		return http.StatusNotFound, "ledger_not_found"
	case errors.Is(err, booking.ErrDateNotBookable):
		return http.StatusUnprocessableEntity, "date_not_bookable"
	case errors.Is(err, booking.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, booking.ErrNoSelection):
		return http.StatusUnprocessableEntity, "no_slot_selected"
	case errors.Is(err, booking.ErrLedgerClosed):
		return http.StatusConflict, "date_closed"
	case errors.Is(err, booking.ErrSlotUnavailable):
		return http.StatusConflict, "slot_unavailable"
	case errors.Is(err, booking.ErrReservationGone):
		return http.StatusConflict, "reservation_gone"
	case errors.Is(err, booking.ErrConcurrentSelection):
		return http.StatusConflict, "selection_in_progress"
	case errors.Is(err, booking.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeBookingError(w http.ResponseWriter, err error) {
	status, code := errorCode(err)
	details := err.Error()
	if status == http.StatusInternalServerError {
		details = "unexpected error"
	}
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
