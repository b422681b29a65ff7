package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLedgerNotFound      = errors.New("slot ledger not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	ErrDuplicateActiveReservation = errors.New("appointment already holds an active reservation")
)

// Repository is the transactional document store behind the coordinator.
// Every ledger mutation goes through WithTx.
type Repository interface {
	// WithTx runs fn in one atomic transaction. fn may be invoked again when
	// the store reports a transient conflict, so it must not have side effects
	// outside tx.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// InsertLedgerIfAbsent stores l unless a ledger for the same key exists and
	// returns whichever ledger is stored afterwards.
	InsertLedgerIfAbsent(ctx context.Context, l *SlotLedger) (*SlotLedger, bool, error)
	GetLedger(ctx context.Context, departmentID string, date time.Time) (*SlotLedger, error)

	CreateAppointment(ctx context.Context, a *Appointment) error
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID string, limit, offset int) ([]Appointment, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)

	// FindStaleReservations lists reservations in one of statuses created
	// before cutoff, oldest first.
	FindStaleReservations(ctx context.Context, statuses []ReservationStatus, cutoff time.Time, limit int) ([]Reservation, error)
}

// Tx is the view of the store inside one transaction. Reads ending in
// ForUpdate lock the record until commit.
type Tx interface {
	GetLedgerForUpdate(ctx context.Context, departmentID string, date time.Time) (*SlotLedger, error)
	// UpsertLedgerForUpdate creates the ledger when missing and locks it.
	UpsertLedgerForUpdate(ctx context.Context, l *SlotLedger) (*SlotLedger, error)
	SaveLedger(ctx context.Context, l *SlotLedger) error

	GetReservationForUpdate(ctx context.Context, id uuid.UUID) (*Reservation, error)
	InsertReservation(ctx context.Context, r *Reservation) error
	DeleteReservation(ctx context.Context, id uuid.UUID) error
	UpdateReservationStatus(ctx context.Context, id uuid.UUID, status ReservationStatus, at time.Time) error

	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateAppointment(ctx context.Context, a *Appointment) error

	InsertEvent(ctx context.Context, ev EventLog) error
}
