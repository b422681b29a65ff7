package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps everything in process memory. Transactions are
// serialized by a single mutex and staged until fn returns nil, so a failed
// transaction leaves no trace.
type MemoryRepository struct {
	mu           sync.Mutex
	ledgers      map[string]*SlotLedger
	reservations map[uuid.UUID]*Reservation
	appointments map[uuid.UUID]*Appointment
	events       []EventLog
	nextEventID  int64
	now          func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		ledgers:      make(map[string]*SlotLedger),
		reservations: make(map[uuid.UUID]*Reservation),
		appointments: make(map[uuid.UUID]*Appointment),
		now:          time.Now,
	}
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		repo:         m,
		ledgers:      make(map[string]*SlotLedger),
		reservations: make(map[uuid.UUID]*Reservation),
		deleted:      make(map[uuid.UUID]bool),
		appointments: make(map[uuid.UUID]*Appointment),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryRepository) InsertLedgerIfAbsent(_ context.Context, l *SlotLedger) (*SlotLedger, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := LedgerKey(l.DepartmentID, l.Date)
	if existing, ok := m.ledgers[key]; ok {
		return existing.Clone(), false, nil
	}
	stored := l.Clone()
	stored.Recompute()
	stored.CreatedAt = m.now()
	stored.UpdatedAt = stored.CreatedAt
	m.ledgers[key] = stored
	return stored.Clone(), true, nil
}

func (m *MemoryRepository) GetLedger(_ context.Context, departmentID string, date time.Time) (*SlotLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[LedgerKey(departmentID, date)]
	if !ok {
		return nil, ErrLedgerNotFound
	}
	return l.Clone(), nil
}

func (m *MemoryRepository) CreateAppointment(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.appointments[a.ID] = cloneAppointment(a)
	return nil
}

func (m *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return cloneAppointment(a), nil
}

func (m *MemoryRepository) ListAppointmentsByPatient(_ context.Context, patientID string, limit, offset int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []Appointment
	for _, a := range m.appointments {
		if a.PatientID == patientID {
			all = append(all, *cloneAppointment(a))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *MemoryRepository) GetReservation(_ context.Context, id uuid.UUID) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	c := *r
	return &c, nil
}

func (m *MemoryRepository) FindStaleReservations(_ context.Context, statuses []ReservationStatus, cutoff time.Time, limit int) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[ReservationStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []Reservation
	for _, r := range m.reservations {
		if want[r.Status] && r.CreatedAt.Before(cutoff) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events returns a copy of the event log.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EventLog(nil), m.events...)
}

// Reservations returns every stored reservation of an appointment.
func (m *MemoryRepository) Reservations(appointmentID uuid.UUID) []Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Reservation
	for _, r := range m.reservations {
		if r.AppointmentID == appointmentID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetClock replaces the timestamp source.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

type memTx struct {
	repo         *MemoryRepository
	ledgers      map[string]*SlotLedger
	reservations map[uuid.UUID]*Reservation
	deleted      map[uuid.UUID]bool
	appointments map[uuid.UUID]*Appointment
	events       []EventLog
}

func (t *memTx) ledger(departmentID string, date time.Time) (*SlotLedger, bool) {
	key := LedgerKey(departmentID, date)
	if l, ok := t.ledgers[key]; ok {
		return l.Clone(), true
	}
	l, ok := t.repo.ledgers[key]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

func (t *memTx) GetLedgerForUpdate(_ context.Context, departmentID string, date time.Time) (*SlotLedger, error) {
	l, ok := t.ledger(departmentID, date)
	if !ok {
		return nil, ErrLedgerNotFound
	}
	return l, nil
}

func (t *memTx) UpsertLedgerForUpdate(_ context.Context, l *SlotLedger) (*SlotLedger, error) {
	if existing, ok := t.ledger(l.DepartmentID, l.Date); ok {
		return existing, nil
	}
	stored := l.Clone()
	stored.Recompute()
	stored.CreatedAt = t.repo.now()
	stored.UpdatedAt = stored.CreatedAt
	t.ledgers[LedgerKey(l.DepartmentID, l.Date)] = stored
	return stored.Clone(), nil
}

func (t *memTx) SaveLedger(_ context.Context, l *SlotLedger) error {
	key := LedgerKey(l.DepartmentID, l.Date)
	if _, ok := t.ledger(l.DepartmentID, l.Date); !ok {
		return ErrLedgerNotFound
	}
	stored := l.Clone()
	stored.Recompute()
	if err := stored.CheckInvariant(); err != nil {
		return err
	}
	stored.UpdatedAt = t.repo.now()
	t.ledgers[key] = stored
	return nil
}

func (t *memTx) reservation(id uuid.UUID) (*Reservation, bool) {
	if t.deleted[id] {
		return nil, false
	}
	if r, ok := t.reservations[id]; ok {
		c := *r
		return &c, true
	}
	r, ok := t.repo.reservations[id]
	if !ok {
		return nil, false
	}
	c := *r
	return &c, true
}

func (t *memTx) GetReservationForUpdate(_ context.Context, id uuid.UUID) (*Reservation, error) {
	r, ok := t.reservation(id)
	if !ok {
		return nil, ErrReservationNotFound
	}
	return r, nil
}

func (t *memTx) InsertReservation(_ context.Context, r *Reservation) error {
	if r.Status.Active() {
		seen := make(map[uuid.UUID]bool)
		check := func(id uuid.UUID) bool {
			if seen[id] {
				return false
			}
			seen[id] = true
			other, ok := t.reservation(id)
			return ok && other.AppointmentID == r.AppointmentID &&
				other.DepartmentID == r.DepartmentID && other.Status.Active()
		}
		for id := range t.reservations {
			if check(id) {
				return ErrDuplicateActiveReservation
			}
		}
		for id := range t.repo.reservations {
			if check(id) {
				return ErrDuplicateActiveReservation
			}
		}
	}
	now := t.repo.now()
	c := *r
	c.CreatedAt = now
	c.UpdatedAt = now
	r.CreatedAt = now
	r.UpdatedAt = now
	delete(t.deleted, c.ID)
	t.reservations[c.ID] = &c
	return nil
}

func (t *memTx) DeleteReservation(_ context.Context, id uuid.UUID) error {
	if _, ok := t.reservation(id); !ok {
		return ErrReservationNotFound
	}
	delete(t.reservations, id)
	t.deleted[id] = true
	return nil
}

func (t *memTx) UpdateReservationStatus(_ context.Context, id uuid.UUID, status ReservationStatus, at time.Time) error {
	r, ok := t.reservation(id)
	if !ok {
		return ErrReservationNotFound
	}
	r.Status = status
	r.UpdatedAt = at
	t.reservations[id] = r
	return nil
}

func (t *memTx) GetAppointmentForUpdate(_ context.Context, id uuid.UUID) (*Appointment, error) {
	if a, ok := t.appointments[id]; ok {
		return cloneAppointment(a), nil
	}
	a, ok := t.repo.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return cloneAppointment(a), nil
}

func (t *memTx) UpdateAppointment(ctx context.Context, a *Appointment) error {
	if _, err := t.GetAppointmentForUpdate(ctx, a.ID); err != nil {
		return err
	}
	c := cloneAppointment(a)
	c.UpdatedAt = t.repo.now()
	t.appointments[a.ID] = c
	return nil
}

func (t *memTx) InsertEvent(_ context.Context, ev EventLog) error {
	t.events = append(t.events, ev)
	return nil
}

func (t *memTx) commit() {
	m := t.repo
	for key, l := range t.ledgers {
		m.ledgers[key] = l
	}
	for id := range t.deleted {
		delete(m.reservations, id)
	}
	for id, r := range t.reservations {
		m.reservations[id] = r
	}
	for id, a := range t.appointments {
		m.appointments[id] = a
	}
	for _, ev := range t.events {
		m.nextEventID++
		ev.ID = m.nextEventID
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = m.now()
		}
		m.events = append(m.events, ev)
	}
}

func cloneAppointment(a *Appointment) *Appointment {
	c := *a
	if a.Date != nil {
		d := *a.Date
		c.Date = &d
	}
	if a.ReservationID != nil {
		id := *a.ReservationID
		c.ReservationID = &id
	}
	if a.ConfirmedReservationID != nil {
		id := *a.ConfirmedReservationID
		c.ConfirmedReservationID = &id
	}
	return &c
}
