package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/hackgods/clinic-slot-booking/internal/booking"
)

func TestBookingMetrics_ObserveOperation(t *testing.T) {
	m := NewBookingMetrics(prometheus.NewRegistry())

	m.ObserveOperation("finalize", "ok", 10*time.Millisecond)
	m.ObserveOperation("finalize", "ok", 10*time.Millisecond)
	m.ObserveOperation("finalize", "conflict", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("finalize", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("finalize", "conflict")))
}

func TestBookingMetrics_ObserveSweep(t *testing.T) {
	m := NewBookingMetrics(prometheus.NewRegistry())

	m.ObserveSweep(booking.SweepResult{Scanned: 4, Canceled: 3, Restored: 2, Failed: 1}, time.Second)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepReservations.WithLabelValues("canceled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sweepReservations.WithLabelValues("restored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepReservations.WithLabelValues("failed")))
	assert.Greater(t, testutil.ToFloat64(m.lastSweep), 0.0)
}

func TestBookingMetrics_NilIsSafe(t *testing.T) {
	var m *BookingMetrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("select_slot", "ok", time.Millisecond)
		m.ObserveSweep(booking.SweepResult{}, time.Millisecond)
	})
}
