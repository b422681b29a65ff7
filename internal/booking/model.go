package booking

import (
	"time"

	"github.com/google/uuid"
)

type ReservationStatus string

const (
	ReservationDraft     ReservationStatus = "draft"
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCanceled  ReservationStatus = "canceled"
)

// Active reports whether the reservation still counts as the appointment's
// current selection.
func (s ReservationStatus) Active() bool {
	return s == ReservationDraft || s == ReservationPending
}

type AppointmentStatus string

const (
	AppointmentRequested AppointmentStatus = "requested"
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCanceled  AppointmentStatus = "canceled"
)

// DateLayout is the canonical calendar-date format used in keys and APIs.
const DateLayout = "2006-01-02"

// UnlimitedCapacity is the remaining count shown for slots of unlimited ledgers.
const UnlimitedCapacity = 9999

type SlotEntry struct {
	SlotID    string `json:"slot_id"`
	TimeRange string `json:"time_range"`
	Remaining int    `json:"remaining"`
}

// SlotLedger is the capacity record of one department on one calendar date.
type SlotLedger struct {
	DepartmentID string
	Date         time.Time
	Closed       bool
	Unlimited    bool
	Slots        []SlotEntry
	TotalSlots   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Reservation struct {
	ID            uuid.UUID
	DepartmentID  string
	Date          time.Time
	SlotID        string
	AppointmentID uuid.UUID
	PatientID     string
	Status        ReservationStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Appointment is one department's part of a patient request. Appointments
// sharing a GroupID are submitted together.
type Appointment struct {
	ID                     uuid.UUID
	GroupID                uuid.UUID
	PatientID              string
	DepartmentID           string
	Date                   *time.Time
	SlotID                 string
	SlotTime               string
	ReservationID          *uuid.UUID
	ConfirmedReservationID *uuid.UUID
	Status                 AppointmentStatus
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	DepartmentID  string
	ReservationID *uuid.UUID
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// SlotView is a read-only availability row rendered to patients.
type SlotView struct {
	SlotID    string `json:"slot_id"`
	TimeRange string `json:"time_range"`
	Remaining int    `json:"remaining"`
	Available bool   `json:"available"`
}

type DayAvailability struct {
	DepartmentID string     `json:"department_id"`
	Date         string     `json:"date"`
	Available    bool       `json:"available"`
	Closed       bool       `json:"closed"`
	Unlimited    bool       `json:"unlimited"`
	TotalSlots   int        `json:"total_slots"`
	Slots        []SlotView `json:"slots"`
}

// PreviousSlot identifies a confirmed booking being replaced by a finalize.
type PreviousSlot struct {
	Date          time.Time
	SlotID        string
	ReservationID uuid.UUID
}

type FinalizeRequest struct {
	DepartmentID  string
	Date          time.Time
	SlotID        string
	ReservationID uuid.UUID
	Previous      *PreviousSlot
}

// DepartmentResult is the outcome of one department's finalize inside a
// multi-department submission.
type DepartmentResult struct {
	AppointmentID uuid.UUID    `json:"appointment_id"`
	DepartmentID  string       `json:"department_id"`
	Reservation   *Reservation `json:"-"`
	Status        string       `json:"status"`
	Retryable     bool         `json:"retryable"`
	Err           error        `json:"-"`
}

// LedgerKey formats the storage key of a ledger.
func LedgerKey(departmentID string, date time.Time) string {
	return departmentID + ":" + date.Format(DateLayout)
}

// NormalizeDate drops the clock part of t, keeping its calendar date in UTC.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return NormalizeDate(t), nil
}
