package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/clinic-slot-booking/internal/booking"
)

// BookingMetrics exposes counters/histograms for booking operations and the
// expiry sweep.
type BookingMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationLatency  *prometheus.HistogramVec
	sweepReservations *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	lastSweep         prometheus.Gauge
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "operations_total",
			Help:      "Booking operations by outcome",
		}, []string{"operation", "outcome"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "operation_duration_seconds",
			Help:      "Latency of booking operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		sweepReservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "sweeper",
			Name:      "reservations_total",
			Help:      "Reservations handled by the expiry sweep",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of expiry sweep runs",
			Buckets:   prometheus.DefBuckets,
		}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinic",
			Subsystem: "sweeper",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed sweep",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operationsTotal, m.operationLatency, m.sweepReservations, m.sweepDuration, m.lastSweep)
	return m
}

func (m *BookingMetrics) ObserveOperation(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(op, outcome).Inc()
	m.operationLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *BookingMetrics) ObserveSweep(res booking.SweepResult, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepReservations.WithLabelValues("canceled").Add(float64(res.Canceled))
	m.sweepReservations.WithLabelValues("restored").Add(float64(res.Restored))
	m.sweepReservations.WithLabelValues("skipped").Add(float64(res.Skipped))
	m.sweepReservations.WithLabelValues("failed").Add(float64(res.Failed))
	m.sweepDuration.Observe(d.Seconds())
	m.lastSweep.SetToCurrentTime()
}
