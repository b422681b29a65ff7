package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-slot-booking/internal/booking"
	"github.com/hackgods/clinic-slot-booking/internal/logging"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func sampleEntry() booking.AuditEntry {
	return booking.AuditEntry{
		Type:          "booking.finalized",
		ReservationID: uuid.New(),
		AppointmentID: uuid.New(),
		PatientID:     "patient-1",
		DepartmentID:  "dental",
		Date:          "2026-03-04",
		SlotID:        "dental-0800",
		OccurredAt:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestKafkaSink_RecordKeysByReservation(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, timeout: time.Second}
	entry := sampleEntry()

	require.NoError(t, sink.Record(context.Background(), entry))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, entry.ReservationID.String(), string(msg.Key))

	var decoded booking.AuditEntry
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, entry, decoded)

	assert.Equal(t, "booking.finalized", headerCarrier{headers: &msg.Headers}.Get("event_type"))
}

func TestKafkaSink_RecordWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	sink := &KafkaSink{writer: &fakeWriter{err: boom}, timeout: time.Second}

	err := sink.Record(context.Background(), sampleEntry())
	assert.ErrorIs(t, err, boom)
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink(" , ", "bookings")
	assert.Error(t, err)

	_, err = NewKafkaSink("localhost:9092", "")
	assert.Error(t, err)
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("broker down")
	sink := MultiSink{
		NewLogSink(logging.NewWithWriter(&buf, "test", "info")),
		&KafkaSink{writer: &fakeWriter{err: boom}, timeout: time.Second},
	}

	err := sink.Record(context.Background(), sampleEntry())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, buf.String(), "booking audit")
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 "))
	assert.Nil(t, SplitBrokers(""))
}
