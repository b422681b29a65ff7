package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

type SweeperConfig struct {
	TTL       time.Duration // age after which an unfinalized reservation expires
	BatchSize int
	LockKey   string
}

type SweepResult struct {
	Scanned  int
	Canceled int
	Restored int
	Skipped  int
	Failed   int
}

// Sweeper expires reservations that were never finalized. Each reservation is
// handled in its own transaction, so a crash mid-sweep leaves every processed
// record consistent and the next run picks up the rest.
type Sweeper struct {
	svc    *Service
	cfg    SweeperConfig
	locker Locker
	logger zerolog.Logger
}

// NewSweeper builds a sweeper on top of svc. locker may be nil when a single
// worker runs.
func NewSweeper(svc *Service, cfg SweeperConfig, locker Locker, logger zerolog.Logger) *Sweeper {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "booking:sweeper"
	}
	return &Sweeper{svc: svc, cfg: cfg, locker: locker, logger: logger}
}

// SweepOnce runs one pass. When another worker holds the sweep lock it
// returns ErrLockHeld and does nothing.
func (sw *Sweeper) SweepOnce(ctx context.Context) (res SweepResult, err error) {
	ctx, finish := sw.svc.start(ctx, "sweep", attribute.String("ttl", sw.cfg.TTL.String()))
	defer func() { finish(err) }()

	began := time.Now()
	run := func(ctx context.Context) error {
		var runErr error
		res, runErr = sw.sweep(ctx)
		return runErr
	}
	if sw.locker != nil {
		err = sw.locker.WithLock(ctx, sw.cfg.LockKey, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return res, err
	}

	if sw.svc.metrics != nil {
		sw.svc.metrics.ObserveSweep(res, time.Since(began))
	}
	sw.logger.Info().
		Int("scanned", res.Scanned).
		Int("canceled", res.Canceled).
		Int("restored", res.Restored).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Dur("took", time.Since(began)).
		Msg("expiry sweep finished")
	return res, nil
}

func (sw *Sweeper) sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	cutoff := sw.svc.now().Add(-sw.cfg.TTL)
	stale, err := sw.svc.repo.FindStaleReservations(ctx,
		[]ReservationStatus{ReservationDraft, ReservationPending}, cutoff, sw.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("find stale reservations: %w", err)
	}
	res.Scanned = len(stale)

	touched := map[string]bool{}
	for _, r := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		outcome, err := sw.expire(ctx, r.ID, cutoff)
		if err != nil {
			res.Failed++
			sw.logger.Error().Err(err).Str("reservation_id", r.ID.String()).Msg("failed to expire reservation")
			continue
		}
		switch outcome {
		case expireSkipped:
			res.Skipped++
		case expireRestored:
			res.Restored++
			res.Canceled++
			touched[LedgerKey(r.DepartmentID, r.Date)] = true
		default:
			res.Canceled++
		}
	}
	sw.svc.invalidate(ctx, touched)
	return res, nil
}

type expireOutcome int

const (
	expireSkipped expireOutcome = iota
	expireCanceled
	expireRestored
)

// expire re-reads the reservation under lock; anything finalized or replaced
// since the scan is left alone.
func (sw *Sweeper) expire(ctx context.Context, id uuid.UUID, cutoff time.Time) (expireOutcome, error) {
	var outcome expireOutcome
	err := sw.svc.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		outcome = expireSkipped

		r, err := tx.GetReservationForUpdate(ctx, id)
		if errors.Is(err, ErrReservationNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !r.Status.Active() || !r.CreatedAt.Before(cutoff) {
			return nil
		}

		restored := false
		if r.Status == ReservationPending {
			l, err := tx.GetLedgerForUpdate(ctx, r.DepartmentID, r.Date)
			switch {
			case errors.Is(err, ErrLedgerNotFound):
			case err != nil:
				return err
			default:
				if l.Restore(r.SlotID) {
					if err := tx.SaveLedger(ctx, l); err != nil {
						return err
					}
					restored = true
				}
			}
		}

		if err := tx.UpdateReservationStatus(ctx, r.ID, ReservationCanceled, sw.svc.now()); err != nil {
			return err
		}
		if err := sw.detach(ctx, tx, r); err != nil {
			return err
		}
		if err := sw.svc.logEvent(ctx, tx, r, EventReservationExpired, map[string]any{
			"previous_status": string(r.Status),
			"restored":        restored,
		}); err != nil {
			return err
		}

		outcome = expireCanceled
		if restored {
			outcome = expireRestored
		}
		return nil
	})
	return outcome, err
}

// detach cancels the appointment of an expired reservation. An appointment
// that still has a confirmed booking falls back to it instead.
func (sw *Sweeper) detach(ctx context.Context, tx Tx, r *Reservation) error {
	appt, err := tx.GetAppointmentForUpdate(ctx, r.AppointmentID)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if appt.ReservationID == nil || *appt.ReservationID != r.ID {
		return nil
	}

	if appt.ConfirmedReservationID != nil {
		confirmed, err := tx.GetReservationForUpdate(ctx, *appt.ConfirmedReservationID)
		if err == nil && confirmed.Status == ReservationConfirmed {
			date := confirmed.Date
			appt.ReservationID = &confirmed.ID
			appt.ConfirmedReservationID = nil
			appt.Date = &date
			appt.SlotID = confirmed.SlotID
			appt.SlotTime = ""
			if l, err := tx.GetLedgerForUpdate(ctx, confirmed.DepartmentID, confirmed.Date); err == nil {
				if slot, ok := l.Slot(confirmed.SlotID); ok {
					appt.SlotTime = slot.TimeRange
				}
			}
			appt.Status = AppointmentConfirmed
			return tx.UpdateAppointment(ctx, appt)
		}
		if err != nil && !errors.Is(err, ErrReservationNotFound) {
			return err
		}
	}

	// The appointment keeps pointing at the canceled reservation; a later
	// select-slot starts over from it.
	appt.ConfirmedReservationID = nil
	appt.Status = AppointmentCanceled
	return tx.UpdateAppointment(ctx, appt)
}
