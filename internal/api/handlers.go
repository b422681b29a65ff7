package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-booking/internal/booking"
)

func listDepartmentsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{"departments": svc.Catalog().Departments()})
	}
}

func selectDateHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, err := booking.ParseDate(chi.URLParam(r, "date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		day, err := svc.SelectDate(r.Context(), chi.URLParam(r, "department"), date)
		if err != nil {
			writeBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, day)
	}
}

func createAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		groupID := uuid.Nil
		if req.GroupID != "" {
			id, err := uuid.Parse(req.GroupID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_group_id", "group_id must be a valid UUID")
				return
			}
			groupID = id
		}

		patientID := GetIdentity(r.Context()).PatientID
		appt, err := svc.CreateAppointment(r.Context(), patientID, groupID, req.DepartmentID)
		if err != nil {
			writeBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id, GetIdentity(r.Context()).PatientID)
		if err != nil {
			writeBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listMyAppointmentsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		appts, err := svc.ListAppointmentsByPatient(r.Context(), GetIdentity(r.Context()).PatientID, limit, offset)
		if err != nil {
			writeBookingError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"appointments": resp})
	}
}

func selectSlotHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var req SelectSlotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		date, err := booking.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		in := booking.SelectSlotRequest{
			AppointmentID: id,
			PatientID:     GetIdentity(r.Context()).PatientID,
			Date:          date,
			Time:          req.Time,
		}
		var res *booking.Reservation
		if req.Change {
			res, err = svc.ChangeSlot(r.Context(), in)
		} else {
			res, err = svc.SelectSlot(r.Context(), in)
		}
		if err != nil {
			writeBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toReservationResponse(res))
	}
}

func submitHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if len(req.AppointmentIDs) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "appointment_ids is required")
			return
		}

		ids := make([]uuid.UUID, 0, len(req.AppointmentIDs))
		for _, raw := range req.AppointmentIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_ids must be valid UUIDs")
				return
			}
			ids = append(ids, id)
		}

		results := svc.Submit(r.Context(), GetIdentity(r.Context()).PatientID, ids)

		resp := SubmitResponse{Results: make([]SubmissionResult, 0, len(results))}
		for _, res := range results {
			item := SubmissionResult{
				AppointmentID: res.AppointmentID,
				DepartmentID:  res.DepartmentID,
				Status:        res.Status,
				Retryable:     res.Retryable,
			}
			if res.Err != nil {
				_, item.Error = errorCode(res.Err)
			} else {
				item.Reservation = toReservationResponse(res.Reservation)
			}
			resp.Results = append(resp.Results, item)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func setDateClosedHandler(svc BookingService, closed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, err := booking.ParseDate(chi.URLParam(r, "date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		var ledger *booking.SlotLedger
		if closed {
			ledger, err = svc.CloseDate(r.Context(), chi.URLParam(r, "department"), date)
		} else {
			ledger, err = svc.ReopenDate(r.Context(), chi.URLParam(r, "department"), date)
		}
		if err != nil {
			writeBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toLedgerResponse(ledger))
	}
}

func getLedgerHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, err := booking.ParseDate(chi.URLParam(r, "date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		ledger, err := svc.GetLedger(r.Context(), chi.URLParam(r, "department"), date)
		if err != nil {
			writeBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toLedgerResponse(ledger))
	}
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
