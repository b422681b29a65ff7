package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgPool is the subset of *pgxpool.Pool used by PgRepository.
type PgPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool     PgPool
	maxTries uint
}

func NewPgRepository(pool PgPool, maxTries int) *PgRepository {
	if maxTries <= 0 {
		maxTries = 3
	}
	return &PgRepository{pool: pool, maxTries: uint(maxTries)}
}

const (
	ledgerColumns      = `department_id, ledger_date, closed, unlimited, slots, total_slots, created_at, updated_at`
	reservationColumns = `id, department_id, reservation_date, slot_id, appointment_id, patient_id, status, created_at, updated_at`
	appointmentColumns = `id, group_id, patient_id, department_id, appointment_date, slot_id, slot_time, reservation_id, confirmed_reservation_id, status, created_at, updated_at`
)

// Helpers

func scanLedger(row pgx.Row) (*SlotLedger, error) {
	var l SlotLedger
	var slots []byte

	err := row.Scan(
		&l.DepartmentID,
		&l.Date,
		&l.Closed,
		&l.Unlimited,
		&slots,
		&l.TotalSlots,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(slots, &l.Slots); err != nil {
		return nil, fmt.Errorf("decode ledger slots: %w", err)
	}
	l.Date = NormalizeDate(l.Date)
	return &l, nil
}

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation

	err := row.Scan(
		&r.ID,
		&r.DepartmentID,
		&r.Date,
		&r.SlotID,
		&r.AppointmentID,
		&r.PatientID,
		&r.Status,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}

	r.Date = NormalizeDate(r.Date)
	return &r, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date *time.Time
	var reservationID, confirmedID *uuid.UUID

	err := row.Scan(
		&a.ID,
		&a.GroupID,
		&a.PatientID,
		&a.DepartmentID,
		&date,
		&a.SlotID,
		&a.SlotTime,
		&reservationID,
		&confirmedID,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if date != nil {
		d := NormalizeDate(*date)
		a.Date = &d
	}
	a.ReservationID = reservationID
	a.ConfirmedReservationID = confirmedID
	return &a, nil
}

func encodeSlots(l *SlotLedger) ([]byte, error) {
	data, err := json.Marshal(l.Slots)
	if err != nil {
		return nil, fmt.Errorf("encode ledger slots: %w", err)
	}
	return data, nil
}

// isTransient reports errors worth re-running the whole transaction for.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Interface methods

func (r *PgRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	op := func() (struct{}, error) {
		err := r.runTx(ctx, fn)
		if err != nil && !isTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(r.maxTries))
	if err != nil && isTransient(err) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func (r *PgRepository) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PgRepository) InsertLedgerIfAbsent(ctx context.Context, l *SlotLedger) (*SlotLedger, bool, error) {
	l.Recompute()
	slots, err := encodeSlots(l)
	if err != nil {
		return nil, false, err
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO slot_ledgers (department_id, ledger_date, closed, unlimited, slots, total_slots, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (department_id, ledger_date) DO NOTHING
	`, l.DepartmentID, l.Date, l.Closed, l.Unlimited, slots, l.TotalSlots)
	if err != nil {
		return nil, false, fmt.Errorf("insert ledger: %w", err)
	}

	stored, err := r.GetLedger(ctx, l.DepartmentID, l.Date)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (r *PgRepository) GetLedger(ctx context.Context, departmentID string, date time.Time) (*SlotLedger, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+ledgerColumns+`
		FROM slot_ledgers
		WHERE department_id = $1 AND ledger_date = $2
	`, departmentID, NormalizeDate(date))
	return scanLedger(row)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, group_id, patient_id, department_id, slot_id, slot_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '', '', $5, now(), now())
		RETURNING created_at, updated_at
	`, a.ID, a.GroupID, a.PatientID, a.DepartmentID, a.Status)
	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID string, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE id = $1
	`, id)
	return scanReservation(row)
}

func (r *PgRepository) FindStaleReservations(ctx context.Context, statuses []ReservationStatus, cutoff time.Time, limit int) ([]Reservation, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = ANY($1)
		  AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, names, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *res)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetLedgerForUpdate(ctx context.Context, departmentID string, date time.Time) (*SlotLedger, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+ledgerColumns+`
		FROM slot_ledgers
		WHERE department_id = $1 AND ledger_date = $2
		FOR UPDATE
	`, departmentID, NormalizeDate(date))
	return scanLedger(row)
}

func (t *pgTx) UpsertLedgerForUpdate(ctx context.Context, l *SlotLedger) (*SlotLedger, error) {
	l.Recompute()
	slots, err := encodeSlots(l)
	if err != nil {
		return nil, err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO slot_ledgers (department_id, ledger_date, closed, unlimited, slots, total_slots, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (department_id, ledger_date) DO NOTHING
	`, l.DepartmentID, l.Date, l.Closed, l.Unlimited, slots, l.TotalSlots)
	if err != nil {
		return nil, fmt.Errorf("upsert ledger: %w", err)
	}
	return t.GetLedgerForUpdate(ctx, l.DepartmentID, l.Date)
}

func (t *pgTx) SaveLedger(ctx context.Context, l *SlotLedger) error {
	l.Recompute()
	if err := l.CheckInvariant(); err != nil {
		return err
	}
	slots, err := encodeSlots(l)
	if err != nil {
		return err
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE slot_ledgers
		SET closed = $3,
		    slots = $4,
		    total_slots = $5,
		    updated_at = now()
		WHERE department_id = $1 AND ledger_date = $2
	`, l.DepartmentID, l.Date, l.Closed, slots, l.TotalSlots)
	if err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLedgerNotFound
	}
	return nil
}

func (t *pgTx) GetReservationForUpdate(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanReservation(row)
}

func (t *pgTx) InsertReservation(ctx context.Context, r *Reservation) error {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO reservations (id, department_id, reservation_date, slot_id, appointment_id, patient_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING created_at, updated_at
	`, r.ID, r.DepartmentID, r.Date, r.SlotID, r.AppointmentID, r.PatientID, r.Status)
	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActiveReservation
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteReservation(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM reservations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReservationNotFound
	}
	return nil
}

func (t *pgTx) UpdateReservationStatus(ctx context.Context, id uuid.UUID, status ReservationStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE reservations
		SET status = $2,
		    updated_at = $3
		WHERE id = $1
	`, id, status, at)
	if err != nil {
		return fmt.Errorf("update reservation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReservationNotFound
	}
	return nil
}

func (t *pgTx) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (t *pgTx) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET appointment_date = $2,
		    slot_id = $3,
		    slot_time = $4,
		    reservation_id = $5,
		    confirmed_reservation_id = $6,
		    status = $7,
		    updated_at = now()
		WHERE id = $1
	`, a.ID, a.Date, a.SlotID, a.SlotTime, a.ReservationID, a.ConfirmedReservationID, a.Status)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (t *pgTx) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO event_logs (event_type, department_id, reservation_id, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`, ev.EventType, ev.DepartmentID, ev.ReservationID, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
