package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	EventReservationDrafted   = "RESERVATION_DRAFTED"
	EventReservationHeld      = "RESERVATION_HELD"
	EventReservationReplaced  = "RESERVATION_REPLACED"
	EventReservationConfirmed = "RESERVATION_CONFIRMED"
	EventReservationExpired   = "RESERVATION_EXPIRED"
	EventLedgerClosed         = "LEDGER_CLOSED"
	EventLedgerReopened       = "LEDGER_REOPENED"
)

var (
	ErrDateNotBookable   = errors.New("date is not bookable")
	ErrUnknownDepartment = errors.New("unknown department")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNoSelection       = errors.New("appointment has no slot selected")

	ErrSlotUnavailable     = errors.New("slot no longer available")
	ErrLedgerClosed        = errors.New("date is closed for booking")
	ErrReservationGone     = errors.New("reservation no longer exists")
	ErrConcurrentSelection = errors.New("another selection for this appointment is in progress")
	ErrStoreUnavailable    = errors.New("booking store unavailable")
	ErrLockHeld            = errors.New("lock held by another worker")
)

// IsConflict reports capacity and missing-reference conflicts. The caller
// should re-fetch availability and let the patient choose again.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSlotUnavailable) ||
		errors.Is(err, ErrReservationGone) ||
		errors.Is(err, ErrConcurrentSelection) ||
		errors.Is(err, ErrLedgerNotFound)
}

// IsRetryable reports whether repeating the operation may succeed.
func IsRetryable(err error) bool {
	return IsConflict(err) || errors.Is(err, ErrStoreUnavailable)
}

// AvailabilityCache keeps rendered day availability keyed by LedgerKey.
type AvailabilityCache interface {
	Get(ctx context.Context, key string) (*DayAvailability, bool)
	Set(ctx context.Context, key string, day DayAvailability)
	Invalidate(ctx context.Context, keys ...string)
}

// AuditEntry is the downstream transaction record of a finalized booking.
type AuditEntry struct {
	Type           string    `json:"type"`
	ReservationID  uuid.UUID `json:"reservation_id"`
	AppointmentID  uuid.UUID `json:"appointment_id"`
	PatientID      string    `json:"patient_id"`
	DepartmentID   string    `json:"department_id"`
	Date           string    `json:"date"`
	SlotID         string    `json:"slot_id"`
	PreviousDate   string    `json:"previous_date,omitempty"`
	PreviousSlotID string    `json:"previous_slot_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type AuditSink interface {
	Record(ctx context.Context, e AuditEntry) error
}

type Metrics interface {
	ObserveOperation(op, outcome string, d time.Duration)
	ObserveSweep(res SweepResult, d time.Duration)
}

// Locker guards a critical section across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type Config struct {
	Location     *time.Location // clinic timezone, used for weekend and past-date checks
	HoldOnSelect bool           // decrement capacity at select-slot instead of finalize
}

type Option func(*Service)

func WithCache(c AvailabilityCache) Option { return func(s *Service) { s.cache = c } }
func WithAudit(a AuditSink) Option         { return func(s *Service) { s.audit = a } }
func WithMetrics(m Metrics) Option         { return func(s *Service) { s.metrics = m } }
func WithLogger(l zerolog.Logger) Option   { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the booking coordinator. Every operation that touches a ledger
// runs inside a single repository transaction.
type Service struct {
	repo    Repository
	catalog *Catalog
	cfg     Config
	cache   AvailabilityCache
	audit   AuditSink
	metrics Metrics
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewService(repo Repository, catalog *Catalog, cfg Config, opts ...Option) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Service{
		repo:    repo,
		catalog: catalog,
		cfg:     cfg,
		logger:  zerolog.Nop(),
		tracer:  otel.Tracer("github.com/hackgods/clinic-slot-booking/internal/booking"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Catalog() *Catalog { return s.catalog }

// SelectDate returns the availability of one department on one date,
// creating the ledger from the department template on first access.
func (s *Service) SelectDate(ctx context.Context, departmentID string, date time.Time) (day *DayAvailability, err error) {
	ctx, finish := s.start(ctx, "select_date", attribute.String("department", departmentID))
	defer func() { finish(err) }()

	tmpl, err := s.catalog.Template(departmentID)
	if err != nil {
		return nil, err
	}
	date = NormalizeDate(date)
	if err := s.checkBookable(date); err != nil {
		return nil, err
	}

	key := LedgerKey(tmpl.ID, date)
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, key); ok {
			return cached, nil
		}
	}

	ledger, err := s.repo.GetLedger(ctx, tmpl.ID, date)
	if errors.Is(err, ErrLedgerNotFound) {
		var created bool
		ledger, created, err = s.repo.InsertLedgerIfAbsent(ctx, NewLedgerFromTemplate(tmpl, date))
		if err == nil && created {
			s.logger.Info().Str("ledger", key).Int("total_slots", ledger.TotalSlots).Msg("slot ledger initialized")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	avail := ledger.Availability()
	if s.cache != nil {
		s.cacheAvailability(ctx, key, ledger, avail)
	}
	return &avail, nil
}

// cacheAvailability stores avail and then reads the ledger once more. A
// finalize that committed after the first read may already have invalidated
// the key, so a changed ledger drops the entry just written.
func (s *Service) cacheAvailability(ctx context.Context, key string, read *SlotLedger, avail DayAvailability) {
	s.cache.Set(ctx, key, avail)

	current, err := s.repo.GetLedger(ctx, read.DepartmentID, read.Date)
	if err != nil || !current.SameCounters(read) {
		s.cache.Invalidate(ctx, key)
	}
}

type SelectSlotRequest struct {
	AppointmentID uuid.UUID
	PatientID     string
	Date          time.Time
	Time          string
}

// SelectSlot records the patient's choice for one appointment as a new
// reservation, replacing the previous draft of the same appointment.
func (s *Service) SelectSlot(ctx context.Context, req SelectSlotRequest) (res *Reservation, err error) {
	ctx, finish := s.start(ctx, "select_slot", attribute.String("appointment_id", req.AppointmentID.String()))
	defer func() { finish(err) }()

	return s.selectSlot(ctx, req, false)
}

// ChangeSlot moves an appointment that already has a selection to another
// slot. A confirmed booking stays in place until the next finalize releases it.
func (s *Service) ChangeSlot(ctx context.Context, req SelectSlotRequest) (res *Reservation, err error) {
	ctx, finish := s.start(ctx, "change_slot", attribute.String("appointment_id", req.AppointmentID.String()))
	defer func() { finish(err) }()

	return s.selectSlot(ctx, req, true)
}

func (s *Service) selectSlot(ctx context.Context, req SelectSlotRequest, requireSelection bool) (*Reservation, error) {
	if req.AppointmentID == uuid.Nil || strings.TrimSpace(req.Time) == "" {
		return nil, fmt.Errorf("%w: appointment and time are required", ErrInvalidInput)
	}

	appt, err := s.ownedAppointment(ctx, req.AppointmentID, req.PatientID)
	if err != nil {
		return nil, err
	}
	if requireSelection && appt.ReservationID == nil {
		return nil, ErrNoSelection
	}
	tmpl, err := s.catalog.Template(appt.DepartmentID)
	if err != nil {
		return nil, err
	}
	date := NormalizeDate(req.Date)
	if err := s.checkBookable(date); err != nil {
		return nil, err
	}

	status := ReservationDraft
	event := EventReservationDrafted
	if s.cfg.HoldOnSelect {
		status = ReservationPending
		event = EventReservationHeld
	}

	var created *Reservation
	touched := map[string]bool{}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		clear(touched)

		appt, err := tx.GetAppointmentForUpdate(ctx, req.AppointmentID)
		if err != nil {
			return err
		}

		ledger, err := tx.UpsertLedgerForUpdate(ctx, NewLedgerFromTemplate(tmpl, date))
		if err != nil {
			return err
		}
		if ledger.Closed {
			return ErrLedgerClosed
		}
		slot, ok := ledger.SlotByLabel(req.Time)
		if !ok {
			return fmt.Errorf("%w: %q on %s", ErrSlotNotFound, req.Time, date.Format(DateLayout))
		}

		ledgerDirty := false
		if appt.ReservationID != nil {
			prior, err := tx.GetReservationForUpdate(ctx, *appt.ReservationID)
			switch {
			case errors.Is(err, ErrReservationNotFound):
			case err != nil:
				return err
			default:
				restoredInPlace, err := s.releasePrior(ctx, tx, appt, prior, ledger, touched)
				if err != nil {
					return err
				}
				ledgerDirty = ledgerDirty || restoredInPlace
			}
		}

		if err := ledger.HasCapacity(slot.SlotID); err != nil {
			return err
		}

		now := s.now()
		r := &Reservation{
			ID:            uuid.New(),
			DepartmentID:  appt.DepartmentID,
			Date:          date,
			SlotID:        slot.SlotID,
			AppointmentID: appt.ID,
			PatientID:     appt.PatientID,
			Status:        status,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if status == ReservationPending {
			if err := ledger.Decrement(slot.SlotID); err != nil {
				return err
			}
			ledgerDirty = true
		}
		if ledgerDirty {
			if err := tx.SaveLedger(ctx, ledger); err != nil {
				return err
			}
			touched[LedgerKey(ledger.DepartmentID, ledger.Date)] = true
		}

		if err := tx.InsertReservation(ctx, r); err != nil {
			if errors.Is(err, ErrDuplicateActiveReservation) {
				return ErrConcurrentSelection
			}
			return err
		}

		appt.ReservationID = &r.ID
		appt.Date = &date
		appt.SlotID = slot.SlotID
		appt.SlotTime = slot.TimeRange
		appt.Status = AppointmentPending
		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}

		if err := s.logEvent(ctx, tx, r, event, map[string]any{
			"date":    date.Format(DateLayout),
			"slot_id": slot.SlotID,
			"time":    slot.TimeRange,
		}); err != nil {
			return err
		}

		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, touched)
	s.logger.Info().
		Str("reservation_id", created.ID.String()).
		Str("appointment_id", created.AppointmentID.String()).
		Str("ledger", LedgerKey(created.DepartmentID, created.Date)).
		Str("slot_id", created.SlotID).
		Str("status", string(created.Status)).
		Msg("slot selected")
	return created, nil
}

// releasePrior retires the appointment's current reservation before a new
// one is inserted. current is the already locked ledger of the new choice; it
// reports whether current was modified.
func (s *Service) releasePrior(ctx context.Context, tx Tx, appt *Appointment, prior *Reservation, current *SlotLedger, touched map[string]bool) (bool, error) {
	switch prior.Status {
	case ReservationDraft:
		if err := tx.DeleteReservation(ctx, prior.ID); err != nil {
			return false, err
		}
		return false, s.logEvent(ctx, tx, prior, EventReservationReplaced, map[string]any{"reason": "reselected"})

	case ReservationPending:
		inPlace := false
		if prior.DepartmentID == current.DepartmentID && prior.Date.Equal(current.Date) {
			inPlace = current.Restore(prior.SlotID)
		} else {
			other, err := tx.GetLedgerForUpdate(ctx, prior.DepartmentID, prior.Date)
			switch {
			case errors.Is(err, ErrLedgerNotFound):
			case err != nil:
				return false, err
			default:
				if other.Restore(prior.SlotID) {
					if err := tx.SaveLedger(ctx, other); err != nil {
						return false, err
					}
					touched[LedgerKey(other.DepartmentID, other.Date)] = true
				}
			}
		}
		if err := tx.UpdateReservationStatus(ctx, prior.ID, ReservationCanceled, s.now()); err != nil {
			return false, err
		}
		return inPlace, s.logEvent(ctx, tx, prior, EventReservationReplaced, map[string]any{"reason": "reselected", "restored": true})

	case ReservationConfirmed:
		if appt.ConfirmedReservationID == nil {
			id := prior.ID
			appt.ConfirmedReservationID = &id
		}
	}
	return false, nil
}

// Finalize commits one department's reservation: the slot is decremented,
// an optional previous confirmed slot is released, and the reservation is
// confirmed, all in one transaction.
func (s *Service) Finalize(ctx context.Context, req FinalizeRequest) (res *Reservation, err error) {
	ctx, finish := s.start(ctx, "finalize",
		attribute.String("department", req.DepartmentID),
		attribute.String("reservation_id", req.ReservationID.String()))
	defer func() { finish(err) }()

	tmpl, err := s.catalog.Template(req.DepartmentID)
	if err != nil {
		return nil, err
	}
	if req.ReservationID == uuid.Nil || req.SlotID == "" {
		return nil, fmt.Errorf("%w: reservation and slot are required", ErrInvalidInput)
	}
	req.DepartmentID = tmpl.ID
	req.Date = NormalizeDate(req.Date)
	if req.Previous == nil {
		if req.Previous, err = s.previousSlot(ctx, req.ReservationID); err != nil {
			return nil, err
		}
	}
	if req.Previous != nil {
		req.Previous.Date = NormalizeDate(req.Previous.Date)
	}

	var (
		confirmed        *Reservation
		alreadyConfirmed bool
		released         bool
		touched          = map[string]bool{}
	)

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		clear(touched)
		alreadyConfirmed, released = false, false

		ledgers, err := s.lockLedgers(ctx, tx, req)
		if err != nil {
			return err
		}

		r, err := tx.GetReservationForUpdate(ctx, req.ReservationID)
		if errors.Is(err, ErrReservationNotFound) {
			return ErrReservationGone
		}
		if err != nil {
			return err
		}
		if r.DepartmentID != req.DepartmentID || r.SlotID != req.SlotID || !r.Date.Equal(req.Date) {
			return fmt.Errorf("%w: reservation %s does not hold %s/%s", ErrInvalidInput, r.ID, LedgerKey(req.DepartmentID, req.Date), req.SlotID)
		}

		switch r.Status {
		case ReservationConfirmed:
			alreadyConfirmed = true
			confirmed = r
			return nil
		case ReservationCanceled:
			return ErrReservationGone
		}

		target := ledgers[LedgerKey(req.DepartmentID, req.Date)]
		if target == nil {
			return ErrReservationGone
		}
		if r.Status == ReservationDraft {
			if err := target.Decrement(r.SlotID); err != nil {
				return err
			}
			touched[LedgerKey(target.DepartmentID, target.Date)] = true
		}

		if req.Previous != nil {
			released, err = s.releaseConfirmed(ctx, tx, req.Previous, ledgers, touched)
			if err != nil {
				return err
			}
		}

		for key := range touched {
			if err := tx.SaveLedger(ctx, ledgers[key]); err != nil {
				return err
			}
		}

		now := s.now()
		if err := tx.UpdateReservationStatus(ctx, r.ID, ReservationConfirmed, now); err != nil {
			return err
		}
		r.Status = ReservationConfirmed
		r.UpdatedAt = now

		appt, err := tx.GetAppointmentForUpdate(ctx, r.AppointmentID)
		if errors.Is(err, ErrAppointmentNotFound) {
			return ErrReservationGone
		}
		if err != nil {
			return err
		}
		appt.ReservationID = &r.ID
		appt.ConfirmedReservationID = nil
		appt.Date = &r.Date
		appt.SlotID = r.SlotID
		if slot, ok := target.Slot(r.SlotID); ok {
			appt.SlotTime = slot.TimeRange
		}
		appt.Status = AppointmentConfirmed
		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}

		payload := map[string]any{
			"date":    r.Date.Format(DateLayout),
			"slot_id": r.SlotID,
		}
		if req.Previous != nil {
			payload["previous_date"] = req.Previous.Date.Format(DateLayout)
			payload["previous_slot_id"] = req.Previous.SlotID
			payload["previous_released"] = released
		}
		if err := s.logEvent(ctx, tx, r, EventReservationConfirmed, payload); err != nil {
			return err
		}

		confirmed = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if alreadyConfirmed {
		return confirmed, nil
	}

	s.invalidate(ctx, touched)
	s.recordAudit(ctx, confirmed, req.Previous)
	s.logger.Info().
		Str("reservation_id", confirmed.ID.String()).
		Str("ledger", LedgerKey(confirmed.DepartmentID, confirmed.Date)).
		Str("slot_id", confirmed.SlotID).
		Bool("previous_released", released).
		Msg("booking finalized")
	return confirmed, nil
}

// previousSlot finds the confirmed booking that finalizing reservationID
// replaces, read from the owning appointment. Only the appointment's single
// active reservation can move its confirmed pointer, so the answer holds
// until the finalize transaction commits.
func (s *Service) previousSlot(ctx context.Context, reservationID uuid.UUID) (*PreviousSlot, error) {
	r, err := s.repo.GetReservation(ctx, reservationID)
	if errors.Is(err, ErrReservationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	appt, err := s.repo.GetAppointment(ctx, r.AppointmentID)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if appt.ConfirmedReservationID == nil || *appt.ConfirmedReservationID == r.ID {
		return nil, nil
	}

	prev, err := s.repo.GetReservation(ctx, *appt.ConfirmedReservationID)
	if errors.Is(err, ErrReservationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &PreviousSlot{Date: prev.Date, SlotID: prev.SlotID, ReservationID: prev.ID}, nil
}

// lockLedgers locks the target ledger and, when present, the previous one in
// key order so two finalizes touching the same pair cannot deadlock.
func (s *Service) lockLedgers(ctx context.Context, tx Tx, req FinalizeRequest) (map[string]*SlotLedger, error) {
	type ref struct {
		department string
		date       time.Time
	}
	refs := map[string]ref{LedgerKey(req.DepartmentID, req.Date): {req.DepartmentID, req.Date}}
	if req.Previous != nil {
		refs[LedgerKey(req.DepartmentID, req.Previous.Date)] = ref{req.DepartmentID, req.Previous.Date}
	}
	keys := make([]string, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ledgers := make(map[string]*SlotLedger, len(keys))
	for _, k := range keys {
		l, err := tx.GetLedgerForUpdate(ctx, refs[k].department, refs[k].date)
		if errors.Is(err, ErrLedgerNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ledgers[k] = l
	}
	return ledgers, nil
}

// releaseConfirmed gives back the capacity of a confirmed booking that the
// current finalize replaces. Closed dates keep their counters.
func (s *Service) releaseConfirmed(ctx context.Context, tx Tx, prev *PreviousSlot, ledgers map[string]*SlotLedger, touched map[string]bool) (bool, error) {
	if prev.ReservationID == uuid.Nil {
		return false, nil
	}
	pr, err := tx.GetReservationForUpdate(ctx, prev.ReservationID)
	if errors.Is(err, ErrReservationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if pr.Status != ReservationConfirmed {
		return false, nil
	}
	if pr.SlotID != prev.SlotID || !pr.Date.Equal(prev.Date) {
		return false, fmt.Errorf("%w: previous reservation %s does not hold %s", ErrInvalidInput, pr.ID, prev.SlotID)
	}

	restored := false
	key := LedgerKey(pr.DepartmentID, pr.Date)
	if l := ledgers[key]; l != nil && l.Restore(pr.SlotID) {
		touched[key] = true
		restored = true
	}
	if err := tx.UpdateReservationStatus(ctx, pr.ID, ReservationCanceled, s.now()); err != nil {
		return false, err
	}
	if err := s.logEvent(ctx, tx, pr, EventReservationReplaced, map[string]any{
		"reason":   "changed_after_confirm",
		"restored": restored,
	}); err != nil {
		return false, err
	}
	return restored, nil
}

// Submit finalizes every appointment of a patient submission. Departments
// are independent: each one runs in its own transaction and a failure in one
// does not undo the others.
func (s *Service) Submit(ctx context.Context, patientID string, appointmentIDs []uuid.UUID) []DepartmentResult {
	results := make([]DepartmentResult, 0, len(appointmentIDs))
	for _, id := range appointmentIDs {
		result := DepartmentResult{AppointmentID: id}

		res, dept, err := s.submitOne(ctx, patientID, id)
		result.DepartmentID = dept
		if err != nil {
			result.Err = err
			result.Retryable = IsRetryable(err)
			result.Status = "failed"
			if IsConflict(err) {
				result.Status = "conflict"
			}
			s.logger.Warn().Err(err).
				Str("appointment_id", id.String()).
				Str("department", dept).
				Msg("department finalize failed")
		} else {
			result.Reservation = res
			result.Status = string(res.Status)
		}
		results = append(results, result)
	}
	return results
}

func (s *Service) submitOne(ctx context.Context, patientID string, appointmentID uuid.UUID) (*Reservation, string, error) {
	appt, err := s.ownedAppointment(ctx, appointmentID, patientID)
	if err != nil {
		return nil, "", err
	}
	if appt.ReservationID == nil {
		return nil, appt.DepartmentID, ErrNoSelection
	}

	current, err := s.repo.GetReservation(ctx, *appt.ReservationID)
	if errors.Is(err, ErrReservationNotFound) {
		return nil, appt.DepartmentID, ErrReservationGone
	}
	if err != nil {
		return nil, appt.DepartmentID, err
	}

	res, err := s.Finalize(ctx, FinalizeRequest{
		DepartmentID:  appt.DepartmentID,
		Date:          current.Date,
		SlotID:        current.SlotID,
		ReservationID: current.ID,
	})
	return res, appt.DepartmentID, err
}

// SetDateClosed closes or reopens a department date. An untouched date is
// seeded from the template first so it can be closed ahead of time.
func (s *Service) SetDateClosed(ctx context.Context, departmentID string, date time.Time, closed bool) (ledger *SlotLedger, err error) {
	ctx, finish := s.start(ctx, "set_date_closed", attribute.String("department", departmentID))
	defer func() { finish(err) }()

	tmpl, err := s.catalog.Template(departmentID)
	if err != nil {
		return nil, err
	}
	date = NormalizeDate(date)

	event := EventLedgerReopened
	if closed {
		event = EventLedgerClosed
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		l, err := tx.UpsertLedgerForUpdate(ctx, NewLedgerFromTemplate(tmpl, date))
		if err != nil {
			return err
		}
		l.Closed = closed
		if err := tx.SaveLedger(ctx, l); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"date": date.Format(DateLayout)})
		if err := tx.InsertEvent(ctx, EventLog{
			EventType:    event,
			DepartmentID: tmpl.ID,
			Payload:      payload,
			CreatedAt:    s.now(),
		}); err != nil {
			return err
		}
		ledger = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, map[string]bool{LedgerKey(tmpl.ID, date): true})
	s.logger.Info().Str("ledger", LedgerKey(tmpl.ID, date)).Bool("closed", closed).Msg("ledger closure updated")
	return ledger, nil
}

// CreateAppointment opens a department request for a patient. Pass
// uuid.Nil as groupID to start a new submission group.
func (s *Service) CreateAppointment(ctx context.Context, patientID string, groupID uuid.UUID, departmentID string) (*Appointment, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, fmt.Errorf("%w: patient identity is required", ErrInvalidInput)
	}
	tmpl, err := s.catalog.Template(departmentID)
	if err != nil {
		return nil, err
	}
	if groupID == uuid.Nil {
		groupID = uuid.New()
	}

	appt := &Appointment{
		ID:           uuid.New(),
		GroupID:      groupID,
		PatientID:    patientID,
		DepartmentID: tmpl.ID,
		Status:       AppointmentRequested,
	}
	if err := s.repo.CreateAppointment(ctx, appt); err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	return appt, nil
}

// GetAppointment returns an appointment owned by patientID. An empty
// patientID skips the ownership check.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, patientID string) (*Appointment, error) {
	return s.ownedAppointment(ctx, id, patientID)
}

// ListAppointmentsByPatient retrieves appointments for a specific patient
func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID string, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	appointments, err := s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appointments, nil
}

// GetLedger returns the stored ledger without creating it.
func (s *Service) GetLedger(ctx context.Context, departmentID string, date time.Time) (*SlotLedger, error) {
	tmpl, err := s.catalog.Template(departmentID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetLedger(ctx, tmpl.ID, NormalizeDate(date))
}

func (s *Service) ownedAppointment(ctx context.Context, id uuid.UUID, patientID string) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if patientID != "" && appt.PatientID != patientID {
		return nil, ErrAppointmentNotFound
	}
	return appt, nil
}

// checkBookable rejects weekends and dates before today in the clinic
// timezone.
func (s *Service) checkBookable(date time.Time) error {
	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return fmt.Errorf("%w: %s falls on a weekend", ErrDateNotBookable, date.Format(DateLayout))
	}
	today := NormalizeDate(s.now().In(s.cfg.Location))
	if date.Before(today) {
		return fmt.Errorf("%w: %s is in the past", ErrDateNotBookable, date.Format(DateLayout))
	}
	return nil
}

func (s *Service) logEvent(ctx context.Context, tx Tx, r *Reservation, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	resID := r.ID
	apptID := r.AppointmentID
	return tx.InsertEvent(ctx, EventLog{
		EventType:     eventType,
		DepartmentID:  r.DepartmentID,
		ReservationID: &resID,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	})
}

func (s *Service) recordAudit(ctx context.Context, r *Reservation, prev *PreviousSlot) {
	if s.audit == nil {
		return
	}
	entry := AuditEntry{
		Type:          "booking.finalized",
		ReservationID: r.ID,
		AppointmentID: r.AppointmentID,
		PatientID:     r.PatientID,
		DepartmentID:  r.DepartmentID,
		Date:          r.Date.Format(DateLayout),
		SlotID:        r.SlotID,
		OccurredAt:    s.now().UTC(),
	}
	if prev != nil {
		entry.PreviousDate = prev.Date.Format(DateLayout)
		entry.PreviousSlotID = prev.SlotID
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("reservation_id", r.ID.String()).Msg("failed to record audit entry")
	}
}

func (s *Service) invalidate(ctx context.Context, keys map[string]bool) {
	if s.cache == nil || len(keys) == 0 {
		return
	}
	list := make([]string, 0, len(keys))
	for k := range keys {
		list = append(list, k)
	}
	s.cache.Invalidate(ctx, list...)
}

// start opens a span for op and returns a finisher that records the outcome.
func (s *Service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "booking."+op, trace.WithAttributes(attrs...))
	began := time.Now()
	return ctx, func(err error) {
		outcome := outcomeOf(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		if s.metrics != nil {
			s.metrics.ObserveOperation(op, outcome, time.Since(began))
		}
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsConflict(err):
		return "conflict"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, ErrDateNotBookable), errors.Is(err, ErrLedgerClosed),
		errors.Is(err, ErrUnknownDepartment), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrSlotNotFound), errors.Is(err, ErrNoSelection),
		errors.Is(err, ErrAppointmentNotFound):
		return "rejected"
	default:
		return "error"
	}
}

// CloseDate stops all booking on a department date.
func (s *Service) CloseDate(ctx context.Context, departmentID string, date time.Time) (*SlotLedger, error) {
	return s.SetDateClosed(ctx, departmentID, date, true)
}

// ReopenDate lifts a closure. Counters resume from their values at closing.
func (s *Service) ReopenDate(ctx context.Context, departmentID string, date time.Time) (*SlotLedger, error) {
	return s.SetDateClosed(ctx, departmentID, date, false)
}
