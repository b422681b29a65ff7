package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T, tries int) (*PgRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgRepository(mock, tries), mock
}

func TestPgRepository_GetLedgerNotFound(t *testing.T) {
	repo, mock := newMockRepo(t, 3)

	mock.ExpectQuery("FROM slot_ledgers").
		WithArgs("dental", bookingDay).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetLedger(context.Background(), "dental", bookingDay)
	assert.ErrorIs(t, err, ErrLedgerNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_GetLedgerDecodesSlots(t *testing.T) {
	repo, mock := newMockRepo(t, 3)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"department_id", "ledger_date", "closed", "unlimited", "slots", "total_slots", "created_at", "updated_at"}).
		AddRow("dental", bookingDay, false, false,
			[]byte(`[{"slot_id":"dental-0800","time_range":"08:00 AM - 09:00 AM","remaining":2},{"slot_id":"dental-0900","time_range":"09:00 AM - 10:00 AM","remaining":3}]`),
			5, now, now)
	mock.ExpectQuery("FROM slot_ledgers").WithArgs("dental", bookingDay).WillReturnRows(rows)

	l, err := repo.GetLedger(context.Background(), "dental", bookingDay)
	require.NoError(t, err)
	require.Len(t, l.Slots, 2)
	assert.Equal(t, 2, l.Slots[0].Remaining)
	assert.NoError(t, l.CheckInvariant())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_WithTxRetriesSerializationFailure(t *testing.T) {
	repo, mock := newMockRepo(t, 3)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_WithTxGivesUpAsUnavailable(t *testing.T) {
	repo, mock := newMockRepo(t, 2)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return &pgconn.PgError{Code: "40P01"}
	})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_WithTxDoesNotRetryDomainErrors(t *testing.T) {
	repo, mock := newMockRepo(t, 3)

	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		calls++
		return ErrSlotUnavailable
	})
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.False(t, errors.Is(err, ErrStoreUnavailable))
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_InsertReservationMapsUniqueViolation(t *testing.T) {
	repo, mock := newMockRepo(t, 3)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO reservations").
		WithArgs(pgxmock.AnyArg(), "dental", pgxmock.AnyArg(), "dental-0800", pgxmock.AnyArg(), "patient-1", ReservationDraft).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertReservation(ctx, &Reservation{
			ID:            uuid.New(),
			DepartmentID:  "dental",
			Date:          bookingDay,
			SlotID:        "dental-0800",
			AppointmentID: uuid.New(),
			PatientID:     "patient-1",
			Status:        ReservationDraft,
		})
	})
	assert.ErrorIs(t, err, ErrDuplicateActiveReservation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_SaveLedgerRejectsNegativeCounters(t *testing.T) {
	repo, mock := newMockRepo(t, 3)

	mock.ExpectBegin()
	mock.ExpectRollback()

	l := &SlotLedger{
		DepartmentID: "dental",
		Date:         bookingDay,
		Slots:        []SlotEntry{{SlotID: "dental-0800", Remaining: -1}},
	}
	err := repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.SaveLedger(ctx, l)
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_SaveLedgerMissingRow(t *testing.T) {
	repo, mock := newMockRepo(t, 3)
	tmpl, err := DefaultCatalog().Template("radiography")
	require.NoError(t, err)
	l := NewLedgerFromTemplate(tmpl, bookingDay)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE slot_ledgers").
		WithArgs("radiography", pgxmock.AnyArg(), false, pgxmock.AnyArg(), l.TotalSlots).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err = repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.SaveLedger(ctx, l)
	})
	assert.ErrorIs(t, err, ErrLedgerNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
