package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-slot-booking/internal/booking"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_ExclusiveAndReleased(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, time.Minute)
	ctx := context.Background()

	err := locker.WithLock(ctx, "booking:sweeper", func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:booking:sweeper"))

		inner := locker.WithLock(ctx, "booking:sweeper", func(context.Context) error {
			t.Fatal("second holder must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		assert.ErrorIs(t, inner, booking.ErrLockHeld)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:booking:sweeper"))
}

func TestRedisLocker_DoesNotReleaseForeignToken(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, time.Minute)

	boom := errors.New("boom")
	err := locker.WithLock(context.Background(), "job", func(context.Context) error {
		// the lock expired and another worker took it over
		require.NoError(t, mr.Set("lock:job", "someone-else"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := mr.Get("lock:job")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestAvailabilityCache_RoundTripAndInvalidate(t *testing.T) {
	mr, client := newTestRedis(t)
	cache := NewAvailabilityCache(client, time.Minute, zerolog.Nop())
	ctx := context.Background()

	_, ok := cache.Get(ctx, "dental:2026-03-04")
	assert.False(t, ok)

	day := booking.DayAvailability{
		DepartmentID: "dental",
		Date:         "2026-03-04",
		Available:    true,
		TotalSlots:   3,
		Slots:        []booking.SlotView{{SlotID: "dental-0800", TimeRange: "08:00 AM - 09:00 AM", Remaining: 3, Available: true}},
	}
	cache.Set(ctx, "dental:2026-03-04", day)
	assert.Equal(t, time.Minute, mr.TTL("availability:dental:2026-03-04"))

	got, ok := cache.Get(ctx, "dental:2026-03-04")
	require.True(t, ok)
	assert.Equal(t, day, *got)

	cache.Invalidate(ctx, "dental:2026-03-04", "medical:2026-03-04")
	_, ok = cache.Get(ctx, "dental:2026-03-04")
	assert.False(t, ok)
}

func TestAvailabilityCache_CorruptEntryIsAMiss(t *testing.T) {
	mr, client := newTestRedis(t)
	cache := NewAvailabilityCache(client, time.Minute, zerolog.Nop())

	require.NoError(t, mr.Set("availability:dental:2026-03-04", "{not json"))
	_, ok := cache.Get(context.Background(), "dental:2026-03-04")
	assert.False(t, ok)
}

func TestServiceUsesCacheAndLocker(t *testing.T) {
	_, client := newTestRedis(t)
	cache := NewAvailabilityCache(client, time.Minute, zerolog.Nop())

	svc := booking.NewService(booking.NewMemoryRepository(), booking.DefaultCatalog(), booking.Config{},
		booking.WithCache(cache),
		booking.WithClock(func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }))

	day, err := svc.SelectDate(context.Background(), "medical", time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	cached, ok := cache.Get(context.Background(), "medical:2026-03-04")
	require.True(t, ok)
	assert.Equal(t, day.TotalSlots, cached.TotalSlots)

	sweeper := booking.NewSweeper(svc, booking.SweeperConfig{}, NewRedisLocker(client, time.Minute), zerolog.Nop())
	res, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
}

func TestNewRedisClient_PingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	rdb, err := NewRedisClient(ctx, mr.Addr(), "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	assert.NoError(t, Pinger(rdb)(ctx))

	mr.SetError("server unavailable")
	assert.Error(t, Pinger(rdb)(ctx))
}
