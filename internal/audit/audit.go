package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/hackgods/clinic-slot-booking/internal/booking"
)

// messageWriter is the part of *kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes finalized bookings to a Kafka topic keyed by
// reservation id.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaSink(brokers, topic string) (*KafkaSink, error) {
	list := SplitBrokers(brokers)
	if len(list) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka audit topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(list...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaSink{writer: w, timeout: 5 * time.Second}, nil
}

func (s *KafkaSink) Record(ctx context.Context, e booking.AuditEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(e.ReservationID.String()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "department_id", Value: []byte(e.DepartmentID)},
		},
	}
	msg.Headers = injectTraceHeaders(ctx, msg.Headers)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// LogSink writes audit entries to the structured log. Used when no broker is
// configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, e booking.AuditEntry) error {
	s.logger.Info().
		Str("type", e.Type).
		Str("reservation_id", e.ReservationID.String()).
		Str("appointment_id", e.AppointmentID.String()).
		Str("department", e.DepartmentID).
		Str("date", e.Date).
		Str("slot_id", e.SlotID).
		Str("previous_slot_id", e.PreviousSlotID).
		Msg("booking audit")
	return nil
}

// MultiSink fans an entry out to every sink and joins their errors.
type MultiSink []booking.AuditSink

func (m MultiSink) Record(ctx context.Context, e booking.AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type headerCarrier struct {
	headers *[]kafka.Header
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func injectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	propagation.TraceContext{}.Inject(ctx, headerCarrier{headers: &headers})
	return headers
}
