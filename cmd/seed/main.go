package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-booking/internal/app"
	"github.com/hackgods/clinic-slot-booking/internal/booking"
	"github.com/hackgods/clinic-slot-booking/internal/config"
	"github.com/hackgods/clinic-slot-booking/internal/logging"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	patients := flag.Int("patients", 200, "number of fake patients")
	days := flag.Int("days", 5, "number of weekdays to seed, starting tomorrow")
	confirmRatio := flag.Float64("confirm-ratio", 0.7, "share of selections that are submitted")
	flag.Parse()
	if *patients < 1 || *days < 1 {
		log.Fatal("patients and days must be positive")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if cfg.Store != "postgres" {
		log.Fatal("seed needs STORE=postgres")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	logger := logging.New("seed", cfg.Env, "warn")
	rt, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer func() { _ = rt.Close() }()

	log.Printf("seed starting: patients=%d days=%d", *patients, *days)

	s := &seeder{
		svc:          rt.Service,
		faker:        gofakeit.New(0),
		dates:        upcomingWeekdays(time.Now().In(cfg.Location()), *days),
		confirmRatio: *confirmRatio,
	}
	if err := s.run(ctx, *patients); err != nil {
		log.Fatalf("seed: %v", err)
	}

	log.Printf("seed complete: requests=%d selected=%d confirmed=%d full=%d",
		s.requested, s.selected, s.confirmed, s.full)
}

type seeder struct {
	svc          *booking.Service
	faker        *gofakeit.Faker
	dates        []time.Time
	confirmRatio float64

	requested, selected, confirmed, full int
}

// run gives every fake patient a request spanning one to three departments
// and books a random slot in each.
func (s *seeder) run(ctx context.Context, patients int) error {
	depts := s.svc.Catalog().Departments()

	for i := 0; i < patients; i++ {
		patientID := "seed-" + s.faker.UUID()
		groupID := uuid.Nil
		date := s.dates[s.faker.Number(0, len(s.dates)-1)]

		var apptIDs []uuid.UUID
		for _, dept := range pick(s.faker, depts, s.faker.Number(1, 3)) {
			appt, err := s.svc.CreateAppointment(ctx, patientID, groupID, dept)
			if err != nil {
				return err
			}
			groupID = appt.GroupID
			s.requested++

			day, err := s.svc.SelectDate(ctx, dept, date)
			if err != nil {
				return err
			}
			open := openLabels(day)
			if len(open) == 0 {
				s.full++
				continue
			}

			_, err = s.svc.SelectSlot(ctx, booking.SelectSlotRequest{
				AppointmentID: appt.ID,
				PatientID:     patientID,
				Date:          date,
				Time:          open[s.faker.Number(0, len(open)-1)],
			})
			if errors.Is(err, booking.ErrSlotUnavailable) {
				s.full++
				continue
			}
			if err != nil {
				return err
			}
			s.selected++
			apptIDs = append(apptIDs, appt.ID)
		}

		if len(apptIDs) == 0 || s.faker.Float64Range(0, 1) > s.confirmRatio {
			continue
		}
		for _, res := range s.svc.Submit(ctx, patientID, apptIDs) {
			switch {
			case res.Err == nil:
				s.confirmed++
			case booking.IsConflict(res.Err):
				s.full++
			default:
				return res.Err
			}
		}

		if (i+1)%50 == 0 {
			log.Printf("patients seeded: %d/%d", i+1, patients)
		}
	}
	return nil
}

func openLabels(day *booking.DayAvailability) []string {
	var out []string
	for _, slot := range day.Slots {
		if slot.Available {
			out = append(out, slot.TimeRange)
		}
	}
	return out
}

func pick(f *gofakeit.Faker, items []string, n int) []string {
	shuffled := append([]string(nil), items...)
	f.ShuffleStrings(shuffled)
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}

func upcomingWeekdays(from time.Time, n int) []time.Time {
	var out []time.Time
	d := from
	for len(out) < n {
		d = d.AddDate(0, 0, 1)
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			out = append(out, d)
		}
	}
	return out
}
