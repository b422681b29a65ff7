package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-booking/internal/booking"
)

type CreateAppointmentRequest struct {
	DepartmentID string `json:"department_id"`
	GroupID      string `json:"group_id,omitempty"`
}

type SelectSlotRequest struct {
	Date   string `json:"date"`
	Time   string `json:"time"`
	Change bool   `json:"change,omitempty"`
}

type SubmitRequest struct {
	AppointmentIDs []string `json:"appointment_ids"`
}

type AppointmentResponse struct {
	ID                     uuid.UUID  `json:"id"`
	GroupID                uuid.UUID  `json:"group_id"`
	PatientID              string     `json:"patient_id"`
	DepartmentID           string     `json:"department_id"`
	Date                   string     `json:"date,omitempty"`
	SlotID                 string     `json:"slot_id,omitempty"`
	SlotTime               string     `json:"slot_time,omitempty"`
	ReservationID          *uuid.UUID `json:"reservation_id,omitempty"`
	ConfirmedReservationID *uuid.UUID `json:"confirmed_reservation_id,omitempty"`
	Status                 string     `json:"status"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

type ReservationResponse struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	DepartmentID  string    `json:"department_id"`
	Date          string    `json:"date"`
	SlotID        string    `json:"slot_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type SubmissionResult struct {
	AppointmentID uuid.UUID            `json:"appointment_id"`
	DepartmentID  string               `json:"department_id"`
	Status        string               `json:"status"`
	Retryable     bool                 `json:"retryable"`
	Reservation   *ReservationResponse `json:"reservation,omitempty"`
	Error         string               `json:"error,omitempty"`
}

type SubmitResponse struct {
	Results []SubmissionResult `json:"results"`
}

type LedgerResponse struct {
	DepartmentID string              `json:"department_id"`
	Date         string              `json:"date"`
	Closed       bool                `json:"closed"`
	TotalSlots   int                 `json:"total_slots"`
	Slots        []booking.SlotEntry `json:"slots"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:                     a.ID,
		GroupID:                a.GroupID,
		PatientID:              a.PatientID,
		DepartmentID:           a.DepartmentID,
		SlotID:                 a.SlotID,
		SlotTime:               a.SlotTime,
		ReservationID:          a.ReservationID,
		ConfirmedReservationID: a.ConfirmedReservationID,
		Status:                 string(a.Status),
		CreatedAt:              a.CreatedAt,
		UpdatedAt:              a.UpdatedAt,
	}
	if a.Date != nil {
		resp.Date = a.Date.Format(booking.DateLayout)
	}
	return resp
}

func toReservationResponse(r *booking.Reservation) *ReservationResponse {
	return &ReservationResponse{
		ID:            r.ID,
		AppointmentID: r.AppointmentID,
		DepartmentID:  r.DepartmentID,
		Date:          r.Date.Format(booking.DateLayout),
		SlotID:        r.SlotID,
		Status:        string(r.Status),
		CreatedAt:     r.CreatedAt,
	}
}

func toLedgerResponse(l *booking.SlotLedger) LedgerResponse {
	return LedgerResponse{
		DepartmentID: l.DepartmentID,
		Date:         l.Date.Format(booking.DateLayout),
		Closed:       l.Closed,
		TotalSlots:   l.TotalSlots,
		Slots:        l.Slots,
	}
}
