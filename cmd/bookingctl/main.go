package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-slot-booking/internal/app"
	"github.com/hackgods/clinic-slot-booking/internal/booking"
	"github.com/hackgods/clinic-slot-booking/internal/config"
	"github.com/hackgods/clinic-slot-booking/internal/db"
	"github.com/hackgods/clinic-slot-booking/internal/logging"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "bookingctl",
		Short:         "Operate the clinic slot booking store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.PostgresDSN == "" {
				return fmt.Errorf("POSTGRES_DSN is required")
			}

			version, err := db.Migrate(cfg.PostgresDSN, steps)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d\n", version)
			return nil
		},
	}
	cmd.Flags().Int("steps", 0, "Migrate n steps (negative rolls back), 0 migrates all the way up")
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or close a department date",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <department> <date>",
		Short: "Print the slot ledger of a department date",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				date, err := booking.ParseDate(args[1])
				if err != nil {
					return err
				}
				l, err := rt.Service.GetLedger(ctx, args[0], date)
				if err != nil {
					return err
				}
				printLedger(l)
				return nil
			})
		},
	})

	for _, closed := range []bool{true, false} {
		use, short := "open <department> <date>", "Reopen a closed department date"
		if closed {
			use, short = "close <department> <date>", "Stop all new bookings on a department date"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
					date, err := booking.ParseDate(args[1])
					if err != nil {
						return err
					}
					l, err := rt.Service.SetDateClosed(ctx, args[0], date, closed)
					if err != nil {
						return err
					}
					printLedger(l)
					return nil
				})
			},
		})
	}

	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Sweeper().SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("scanned=%d canceled=%d restored=%d skipped=%d failed=%d\n",
					res.Scanned, res.Canceled, res.Restored, res.Skipped, res.Failed)
				return nil
			})
		},
	}
}

func withService(ctx context.Context, fn func(ctx context.Context, rt *app.Runtime) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Store == "memory" {
		return fmt.Errorf("bookingctl needs STORE=postgres")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	logger := logging.New("bookingctl", cfg.Env, cfg.LogLevel)
	if cfg.Env != "dev" {
		logger = logger.Level(zerolog.WarnLevel)
	}

	rt, err := app.Build(ctx, cfg, logger, app.Options{UseRedis: true})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	return fn(ctx, rt)
}

func printLedger(l *booking.SlotLedger) {
	state := "open"
	if l.Closed {
		state = "closed"
	}
	fmt.Printf("%s  %s  total=%d\n", booking.LedgerKey(l.DepartmentID, l.Date), state, l.TotalSlots)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tTIME\tREMAINING")
	for _, s := range l.Slots {
		remaining := fmt.Sprint(s.Remaining)
		if l.Unlimited {
			remaining = "unlimited"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.SlotID, s.TimeRange, remaining)
	}
	_ = w.Flush()
}
