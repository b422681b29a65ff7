package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-booking/internal/booking"
)

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	SelectRatio float64
	SubmitRatio float64
	ChangeRatio float64
	ReadRatio   float64
	Patients    int
	Date        string
	Departments []string
	JWTSecret   string
}

type simAppointment struct {
	ID           uuid.UUID
	PatientID    string
	DepartmentID string
}

type DataPool struct {
	Patients []string

	mu         sync.RWMutex
	drafts     []simAppointment // selected, not yet submitted
	confirmed  []simAppointment
	slotLabels map[string][]string
}

func (dp *DataPool) AddDraft(a simAppointment) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.drafts = append(dp.drafts, a)
}

// TakeDraft removes and returns a random draft appointment.
func (dp *DataPool) TakeDraft(rng *rand.Rand) (simAppointment, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.drafts) == 0 {
		return simAppointment{}, false
	}
	idx := rng.Intn(len(dp.drafts))
	a := dp.drafts[idx]
	dp.drafts[idx] = dp.drafts[len(dp.drafts)-1]
	dp.drafts = dp.drafts[:len(dp.drafts)-1]
	return a, true
}

func (dp *DataPool) AddConfirmed(a simAppointment) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.confirmed = append(dp.confirmed, a)
}

func (dp *DataPool) RandomConfirmed(rng *rand.Rand) (simAppointment, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.confirmed) == 0 {
		return simAppointment{}, false
	}
	return dp.confirmed[rng.Intn(len(dp.confirmed))], true
}

func (dp *DataPool) SlotLabels(dept string) []string {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	return dp.slotLabels[dept]
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Select OperationMetrics
	Submit OperationMetrics
	Change OperationMetrics
	Read   OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d date=%s select=%.2f submit=%.2f change=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.Date, cfg.SelectRatio, cfg.SubmitRatio, cfg.ChangeRatio, cfg.ReadRatio)

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dataPool, err := sim.loadDataPool(ctx)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	sim.pool = dataPool
	log.Printf("loaded: %d patients, %d departments", len(dataPool.Patients), len(dataPool.slotLabels))

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 10),
		SelectRatio: getFloat("SIM_SELECT_RATIO", 0.4),
		SubmitRatio: getFloat("SIM_SUBMIT_RATIO", 0.3),
		ChangeRatio: getFloat("SIM_CHANGE_RATIO", 0.1),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.2),
		Patients:    getInt("SIM_PATIENTS", 500),
		Date:        getEnv("SIM_DATE", nextWeekday(time.Now()).Format(booking.DateLayout)),
		JWTSecret:   os.Getenv("JWT_SECRET"),
	}
	if raw := os.Getenv("SIM_DEPARTMENTS"); raw != "" {
		for _, d := range strings.Split(raw, ",") {
			if d = strings.TrimSpace(d); d != "" {
				cfg.Departments = append(cfg.Departments, d)
			}
		}
	}

	// Normalize ratios
	total := cfg.SelectRatio + cfg.SubmitRatio + cfg.ChangeRatio + cfg.ReadRatio
	if total > 0 {
		cfg.SelectRatio /= total
		cfg.SubmitRatio /= total
		cfg.ChangeRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Patients <= 0 {
		return fmt.Errorf("SIM_PATIENTS must be > 0")
	}
	if _, err := booking.ParseDate(cfg.Date); err != nil {
		return fmt.Errorf("SIM_DATE: %w", err)
	}
	return nil
}

func nextWeekday(t time.Time) time.Time {
	d := t.AddDate(0, 0, 1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// loadDataPool generates fake patients and reads each department's slot
// labels for the simulated date from the API.
func (s *Simulator) loadDataPool(ctx context.Context) (*DataPool, error) {
	dp := &DataPool{slotLabels: make(map[string][]string)}

	faker := gofakeit.New(0)
	for i := 0; i < s.config.Patients; i++ {
		dp.Patients = append(dp.Patients, fmt.Sprintf("sim-%s-%04d", strings.ToLower(faker.LastName()), i))
	}

	depts := s.config.Departments
	if len(depts) == 0 {
		var resp struct {
			Departments []string `json:"departments"`
		}
		status, err := s.call(ctx, http.MethodGet, "/departments", "", nil, &resp)
		if err != nil || status != http.StatusOK {
			return nil, fmt.Errorf("list departments: status=%d err=%v", status, err)
		}
		depts = resp.Departments
	}

	for _, dept := range depts {
		var day booking.DayAvailability
		status, err := s.call(ctx, http.MethodGet, "/departments/"+dept+"/dates/"+s.config.Date, "", nil, &day)
		if err != nil || status != http.StatusOK {
			return nil, fmt.Errorf("load %s availability: status=%d err=%v", dept, status, err)
		}
		for _, slot := range day.Slots {
			dp.slotLabels[dept] = append(dp.slotLabels[dept], slot.TimeRange)
		}
	}

	if len(dp.slotLabels) == 0 {
		return nil, fmt.Errorf("no bookable departments on %s", s.config.Date)
	}
	return dp, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.SelectRatio:
				s.doSelect(ctx, rng)
			case r < s.config.SelectRatio+s.config.SubmitRatio:
				s.doSubmit(ctx, rng)
			case r < s.config.SelectRatio+s.config.SubmitRatio+s.config.ChangeRatio:
				s.doChange(ctx, rng)
			default:
				s.doRead(ctx, rng)
			}
		}
	}
}

func (s *Simulator) randomDepartment(rng *rand.Rand) (string, []string) {
	s.pool.mu.RLock()
	defer s.pool.mu.RUnlock()
	n := rng.Intn(len(s.pool.slotLabels))
	for dept, labels := range s.pool.slotLabels {
		if n == 0 {
			return dept, labels
		}
		n--
	}
	return "", nil
}

// doSelect creates an appointment and picks a random slot for it.
func (s *Simulator) doSelect(ctx context.Context, rng *rand.Rand) {
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	dept, labels := s.randomDepartment(rng)
	if len(labels) == 0 {
		return
	}

	start := time.Now()

	var appt struct {
		ID uuid.UUID `json:"id"`
	}
	status, err := s.call(ctx, http.MethodPost, "/appointments", patient,
		map[string]string{"department_id": dept}, &appt)
	if err != nil || status != http.StatusCreated {
		s.metrics.Select.Record(time.Since(start), false, false)
		return
	}

	status, err = s.call(ctx, http.MethodPost, "/appointments/"+appt.ID.String()+"/slot", patient,
		map[string]string{"date": s.config.Date, "time": labels[rng.Intn(len(labels))]}, nil)
	latency := time.Since(start)

	success := err == nil && status == http.StatusOK
	if success {
		s.pool.AddDraft(simAppointment{ID: appt.ID, PatientID: patient, DepartmentID: dept})
	}
	s.metrics.Select.Record(latency, success, status == http.StatusConflict)
}

func (s *Simulator) doSubmit(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.TakeDraft(rng)
	if !ok {
		return
	}

	start := time.Now()

	var resp struct {
		Results []struct {
			Status string `json:"status"`
		} `json:"results"`
	}
	status, err := s.call(ctx, http.MethodPost, "/submissions", appt.PatientID,
		map[string][]string{"appointment_ids": {appt.ID.String()}}, &resp)
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil && status == http.StatusOK && len(resp.Results) == 1 {
		switch resp.Results[0].Status {
		case string(booking.ReservationConfirmed):
			success = true
			s.pool.AddConfirmed(appt)
		case "conflict":
			conflict = true
		}
	}
	s.metrics.Submit.Record(latency, success, conflict)
}

// doChange moves a confirmed appointment to another slot and submits it.
func (s *Simulator) doChange(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.RandomConfirmed(rng)
	if !ok {
		return
	}
	labels := s.pool.SlotLabels(appt.DepartmentID)
	if len(labels) == 0 {
		return
	}

	start := time.Now()

	status, err := s.call(ctx, http.MethodPost, "/appointments/"+appt.ID.String()+"/slot", appt.PatientID,
		map[string]any{"date": s.config.Date, "time": labels[rng.Intn(len(labels))], "change": true}, nil)
	if err != nil || status != http.StatusOK {
		s.metrics.Change.Record(time.Since(start), false, status == http.StatusConflict)
		return
	}

	var resp struct {
		Results []struct {
			Status string `json:"status"`
		} `json:"results"`
	}
	status, err = s.call(ctx, http.MethodPost, "/submissions", appt.PatientID,
		map[string][]string{"appointment_ids": {appt.ID.String()}}, &resp)
	latency := time.Since(start)

	success := err == nil && status == http.StatusOK && len(resp.Results) == 1 &&
		resp.Results[0].Status == string(booking.ReservationConfirmed)
	conflict := !success && len(resp.Results) == 1 && resp.Results[0].Status == "conflict"
	s.metrics.Change.Record(latency, success, conflict)
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	start := time.Now()

	var status int
	var err error
	if rng.Intn(2) == 0 {
		dept, _ := s.randomDepartment(rng)
		status, err = s.call(ctx, http.MethodGet, "/departments/"+dept+"/dates/"+s.config.Date, "", nil, nil)
	} else {
		patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
		status, err = s.call(ctx, http.MethodGet, "/patients/me/appointments?limit=20", patient, nil, nil)
	}

	s.metrics.Read.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

// call sends one JSON request as patient and decodes the response into out
// when out is non-nil.
func (s *Simulator) call(ctx context.Context, method, path, patient string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if patient != "" {
		if s.config.JWTSecret == "" {
			req.Header.Set("X-Patient-ID", patient)
		} else {
			token, err := s.token(patient)
			if err != nil {
				return 0, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

func (s *Simulator) token(patient string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": patient,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(s.config.JWTSecret))
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Date: %s\n", s.config.Date)
	fmt.Println()

	printOperationReport("Select slot", &s.metrics.Select)
	printOperationReport("Submit", &s.metrics.Submit)
	printOperationReport("Change slot", &s.metrics.Change)
	printOperationReport("Read", &s.metrics.Read)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
