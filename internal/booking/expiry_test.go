package booking

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSweeper(h *harness, locker Locker) *Sweeper {
	return NewSweeper(h.svc, SweeperConfig{TTL: 15 * time.Minute}, locker, zerolog.Nop())
}

func TestSweepOnce_RestoresPendingAndIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{HoldOnSelect: true})
	ctx := context.Background()
	appt := h.appointment(t, "patient-1", "radiography")
	held := h.selectSlot(t, appt, "08:00 AM - 09:00 AM")
	require.Equal(t, 1, h.remaining(t, "radiography", "radiography-0800"))

	sw := newSweeper(h, nil)

	res, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "nothing is stale yet")

	h.clock.Advance(16 * time.Minute)

	res, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Canceled: 1, Restored: 1}, res)
	assert.Equal(t, 2, h.remaining(t, "radiography", "radiography-0800"))

	res, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Equal(t, 2, h.remaining(t, "radiography", "radiography-0800"))

	expired, err := h.repo.GetReservation(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationCanceled, expired.Status)

	stored, err := h.svc.GetAppointment(ctx, appt.ID, "")
	require.NoError(t, err)
	assert.Equal(t, AppointmentCanceled, stored.Status)
	require.NotNil(t, stored.ReservationID)
	assert.Equal(t, held.ID, *stored.ReservationID)

	again, err := h.svc.SelectSlot(ctx, SelectSlotRequest{
		AppointmentID: appt.ID,
		Date:          bookingDay,
		Time:          "08:00 AM - 09:00 AM",
	})
	require.NoError(t, err)
	assert.Equal(t, ReservationPending, again.Status)

	_, err = h.finalize(ctx, held)
	assert.ErrorIs(t, err, ErrReservationGone)
}

func TestSweepOnce_DraftsExpireWithoutTouchingCapacity(t *testing.T) {
	h := newHarness(t, Config{})
	h.selectSlot(t, h.appointment(t, "patient-1", "dental"), "08:00 AM - 09:00 AM")
	h.clock.Advance(time.Hour)

	res, err := newSweeper(h, nil).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Canceled: 1}, res)
	assert.Equal(t, 3, h.remaining(t, "dental", "dental-0800"))
}

func TestSweepOnce_ClosedLedgerKeepsCounters(t *testing.T) {
	h := newHarness(t, Config{HoldOnSelect: true})
	ctx := context.Background()
	h.selectSlot(t, h.appointment(t, "patient-1", "dental"), "08:00 AM - 09:00 AM")

	_, err := h.svc.SetDateClosed(ctx, "dental", bookingDay, true)
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	res, err := newSweeper(h, nil).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Canceled: 1}, res)
	assert.Equal(t, 2, h.remaining(t, "dental", "dental-0800"))
}

func TestSweepOnce_AbandonedChangeFallsBackToConfirmedBooking(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	appt := h.appointment(t, "patient-1", "dental")

	booked := h.selectSlot(t, appt, "08:00 AM - 09:00 AM")
	_, err := h.finalize(ctx, booked)
	require.NoError(t, err)

	_, err = h.svc.ChangeSlot(ctx, SelectSlotRequest{
		AppointmentID: appt.ID, PatientID: "patient-1", Date: bookingDay, Time: "02:00 PM - 03:00 PM",
	})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	res, err := newSweeper(h, nil).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Canceled)

	stored, err := h.svc.GetAppointment(ctx, appt.ID, "")
	require.NoError(t, err)
	assert.Equal(t, AppointmentConfirmed, stored.Status)
	require.NotNil(t, stored.ReservationID)
	assert.Equal(t, booked.ID, *stored.ReservationID)
	assert.Nil(t, stored.ConfirmedReservationID)
	assert.Equal(t, "dental-0800", stored.SlotID)
	assert.Equal(t, "08:00 AM - 09:00 AM", stored.SlotTime)
	assert.Equal(t, 2, h.remaining(t, "dental", "dental-0800"))
}

func TestSweepOnce_SkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t, Config{})
	draft := h.selectSlot(t, h.appointment(t, "patient-1", "dental"), "08:00 AM - 09:00 AM")
	h.clock.Advance(time.Hour)

	_, err := newSweeper(h, busyLocker{}).SweepOnce(context.Background())
	assert.ErrorIs(t, err, ErrLockHeld)

	stored, err := h.repo.GetReservation(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationDraft, stored.Status)
}

type busyLocker struct{}

func (busyLocker) WithLock(context.Context, string, func(context.Context) error) error {
	return ErrLockHeld
}
