package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-slot-booking/internal/booking"
)

// BookingService is the coordinator surface the HTTP layer drives.
type BookingService interface {
	Catalog() *booking.Catalog
	SelectDate(ctx context.Context, departmentID string, date time.Time) (*booking.DayAvailability, error)
	CreateAppointment(ctx context.Context, patientID string, groupID uuid.UUID, departmentID string) (*booking.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID, patientID string) (*booking.Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID string, limit, offset int) ([]booking.Appointment, error)
	SelectSlot(ctx context.Context, req booking.SelectSlotRequest) (*booking.Reservation, error)
	ChangeSlot(ctx context.Context, req booking.SelectSlotRequest) (*booking.Reservation, error)
	Submit(ctx context.Context, patientID string, appointmentIDs []uuid.UUID) []booking.DepartmentResult
	CloseDate(ctx context.Context, departmentID string, date time.Time) (*booking.SlotLedger, error)
	ReopenDate(ctx context.Context, departmentID string, date time.Time) (*booking.SlotLedger, error)
	GetLedger(ctx context.Context, departmentID string, date time.Time) (*booking.SlotLedger, error)
}

type RouterConfig struct {
	Service     BookingService
	Health      *HealthHandler
	Metrics     http.Handler // served at /metrics when set
	Logger      zerolog.Logger
	JWTSecret   string
	DevAdmin    bool // without JWTSecret, honor "X-Role: admin"
	CORSOrigins []string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware(cfg.JWTSecret, cfg.DevAdmin))

		// Availability is public
		r.Get("/departments", listDepartmentsHandler(cfg.Service))
		r.Get("/departments/{department}/dates/{date}", selectDateHandler(cfg.Service))

		r.Group(func(r chi.Router) {
			r.Use(requirePatient)
			r.Post("/appointments", createAppointmentHandler(cfg.Service))
			r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
			r.Post("/appointments/{id}/slot", selectSlotHandler(cfg.Service))
			r.Get("/patients/me/appointments", listMyAppointmentsHandler(cfg.Service))
			r.Post("/submissions", submitHandler(cfg.Service))
		})

		r.Route("/admin/departments/{department}/dates/{date}", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/", getLedgerHandler(cfg.Service))
			r.Post("/close", setDateClosedHandler(cfg.Service, true))
			r.Post("/open", setDateClosedHandler(cfg.Service, false))
		})
	})

	var h http.Handler = r
	h = handlers.CORS(
		handlers.AllowedOrigins(cfg.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "X-Request-ID", "X-Patient-ID", "X-Role"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{logger: cfg.Logger}))(h)
	return h
}
