package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-slot-booking/internal/booking"
)

const testSecret = "test-secret"

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, secret string) http.Handler {
	t.Helper()
	return newServer(t, RouterConfig{JWTSecret: secret})
}

func newServer(t *testing.T, cfg RouterConfig) http.Handler {
	t.Helper()
	repo := booking.NewMemoryRepository()
	repo.SetClock(func() time.Time { return testNow })
	svc := booking.NewService(repo, booking.DefaultCatalog(), booking.Config{},
		booking.WithClock(func() time.Time { return testNow }))

	cfg.Service = svc
	cfg.Health = NewHealthHandler(nil, nil, "test", "v0")
	cfg.Logger = zerolog.Nop()
	cfg.CORSOrigins = []string{"*"}
	return NewRouter(cfg)
}

func signToken(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()}
	if role != "" {
		claims["role"] = role
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestBookingFlowOverHTTP(t *testing.T) {
	h := newTestServer(t, testSecret)
	token := signToken(t, "patient-1", "")

	rec := do(t, h, http.MethodGet, "/departments/dental/dates/2026-03-04", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	day := decode[booking.DayAvailability](t, rec)
	assert.Equal(t, 18, day.TotalSlots)

	rec = do(t, h, http.MethodPost, "/appointments", token, CreateAppointmentRequest{DepartmentID: "dental"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	appt := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "patient-1", appt.PatientID)
	assert.Equal(t, "requested", appt.Status)

	rec = do(t, h, http.MethodPost, "/appointments/"+appt.ID.String()+"/slot", token,
		SelectSlotRequest{Date: "2026-03-04", Time: "08:00 AM - 09:00 AM"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ReservationResponse](t, rec)
	assert.Equal(t, "draft", res.Status)

	rec = do(t, h, http.MethodPost, "/submissions", token, SubmitRequest{AppointmentIDs: []string{appt.ID.String()}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	submitted := decode[SubmitResponse](t, rec)
	require.Len(t, submitted.Results, 1)
	assert.Equal(t, "confirmed", submitted.Results[0].Status)
	require.NotNil(t, submitted.Results[0].Reservation)
	assert.Equal(t, res.ID, submitted.Results[0].Reservation.ID)

	rec = do(t, h, http.MethodGet, "/patients/me/appointments", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]AppointmentResponse](t, rec)
	require.Len(t, list["appointments"], 1)
	assert.Equal(t, "confirmed", list["appointments"][0].Status)
	assert.Equal(t, "2026-03-04", list["appointments"][0].Date)

	rec = do(t, h, http.MethodGet, "/departments/dental/dates/2026-03-04", "", nil)
	day = decode[booking.DayAvailability](t, rec)
	assert.Equal(t, 17, day.TotalSlots)
}

func TestAppointmentsRequireIdentity(t *testing.T) {
	h := newTestServer(t, testSecret)

	rec := do(t, h, http.MethodPost, "/appointments", "", CreateAppointmentRequest{DepartmentID: "dental"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/appointments", "not-a-jwt", CreateAppointmentRequest{DepartmentID: "dental"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", decode[ErrorResponse](t, rec).Error)
}

func TestOtherPatientsAppointmentIsHidden(t *testing.T) {
	h := newTestServer(t, testSecret)

	rec := do(t, h, http.MethodPost, "/appointments", signToken(t, "patient-1", ""), CreateAppointmentRequest{DepartmentID: "medical"})
	require.Equal(t, http.StatusCreated, rec.Code)
	appt := decode[AppointmentResponse](t, rec)

	rec = do(t, h, http.MethodGet, "/appointments/"+appt.ID.String(), signToken(t, "patient-2", ""), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "appointment_not_found", decode[ErrorResponse](t, rec).Error)
}

func TestSelectDateErrors(t *testing.T) {
	h := newTestServer(t, testSecret)

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/departments/dental/dates/not-a-date", http.StatusBadRequest, "invalid_date"},
		{"/departments/dental/dates/2026-03-07", http.StatusUnprocessableEntity, "date_not_bookable"},
		{"/departments/cardiology/dates/2026-03-04", http.StatusNotFound, "unknown_department"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, "", nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestAdminCloseRequiresRole(t *testing.T) {
	h := newTestServer(t, testSecret)
	path := "/admin/departments/dental/dates/2026-03-04/close"

	rec := do(t, h, http.MethodPost, path, signToken(t, "patient-1", ""), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, path, signToken(t, "staff-1", "admin"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[LedgerResponse](t, rec).Closed)

	rec = do(t, h, http.MethodGet, "/departments/dental/dates/2026-03-04", "", nil)
	day := decode[booking.DayAvailability](t, rec)
	assert.True(t, day.Closed)
	assert.Empty(t, day.Slots)
}

func TestDevModeUsesPatientHeader(t *testing.T) {
	h := newTestServer(t, "")

	body, _ := json.Marshal(CreateAppointmentRequest{DepartmentID: "laboratory"})
	req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewReader(body))
	req.Header.Set("X-Patient-ID", "dev-patient")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "dev-patient", decode[AppointmentResponse](t, rec).PatientID)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestDevModeAdminNeedsExplicitOptIn(t *testing.T) {
	path := "/admin/departments/dental/dates/2026-03-04/close"
	post := func(h http.Handler, role string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("X-Patient-ID", "dev-patient")
		if role != "" {
			req.Header.Set("X-Role", role)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	plain := newTestServer(t, "")
	assert.Equal(t, http.StatusForbidden, post(plain, "").Code)
	assert.Equal(t, http.StatusForbidden, post(plain, "admin").Code, "role header ignored without DevAdmin")

	optedIn := newServer(t, RouterConfig{DevAdmin: true})
	assert.Equal(t, http.StatusForbidden, post(optedIn, "").Code)
	rec := post(optedIn, "admin")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[LedgerResponse](t, rec).Closed)
}

type pingErr struct{}

func (pingErr) Ping(context.Context) error { return errors.New("down") }

func TestReadiness(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })

	tests := []struct {
		name     string
		pg, rdb  Pinger
		status   int
		expected string
	}{
		{"all up", ok, ok, http.StatusOK, "ok"},
		{"redis down", ok, pingErr{}, http.StatusOK, "degraded"},
		{"postgres down", pingErr{}, ok, http.StatusServiceUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pg, tt.rdb, "test", "v0")
			rec := httptest.NewRecorder()
			h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.expected, decode[ReadinessResponse](t, rec).Status)
		})
	}
}

func TestErrorCodeMapping(t *testing.T) {
	status, code := errorCode(errors.Join(errors.New("ctx"), booking.ErrSlotUnavailable))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "slot_unavailable", code)

	status, _ = errorCode(booking.ErrStoreUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = errorCode(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
}
