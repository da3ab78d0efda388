package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-scheduling/internal/app"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "schedulectl",
		Short:        "Operate the clinic scheduling database and booking queue",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(slotsCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(acceptCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(proposeCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(payCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(m *db.Migrator) error {
				count, err := m.Up(cmd.Context())
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(m *db.Migrator) error {
				statuses, err := m.Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(ctx context.Context, dir string, fn func(*db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 1})
	if err != nil {
		return err
	}
	defer pool.Close()

	var files fs.FS = db.Migrations()
	if dir != "" {
		files = os.DirFS(dir)
	}
	return fn(db.NewMigrator(pool, files))
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots <provider-id>",
		Short: "Print the materialized slots of a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			providerID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid provider id: %w", err)
			}
			date, _ := cmd.Flags().GetString("date")
			days, _ := cmd.Flags().GetInt("days")

			return withService(cmd.Context(), func(svc *appointment.Service, cfg config.Config) error {
				from := appointment.DateOf(time.Now().In(cfg.Location()))
				if date != "" {
					if from, err = appointment.ParseDate(date); err != nil {
						return err
					}
				}
				if days <= 1 {
					slots, err := svc.ComputeSlots(cmd.Context(), providerID, from)
					if err != nil {
						return err
					}
					return printJSON(map[string]any{"date": from.String(), "slots": slots})
				}
				byDay, err := svc.ComputeSlotsRange(cmd.Context(), providerID, from, from.AddDays(days-1))
				if err != nil {
					return err
				}
				return printJSON(byDay)
			})
		},
	}
	cmd.Flags().String("date", "", "First day, YYYY-MM-DD (defaults to today in the clinic timezone)")
	cmd.Flags().Int("days", 1, "Number of days to print")
	return cmd
}

func requestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requests <provider-id>",
		Short: "List open booking requests from today onwards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			providerID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid provider id: %w", err)
			}
			return withService(cmd.Context(), func(svc *appointment.Service, _ config.Config) error {
				requests, err := svc.ListOpenRequests(cmd.Context(), providerID)
				if err != nil {
					return err
				}
				return printJSON(requests)
			})
		},
	}
}

func acceptCmd() *cobra.Command {
	return bookingCmd("accept <booking-id>", "Confirm an open booking request",
		func(ctx context.Context, svc *appointment.Service, id uuid.UUID) (*appointment.Booking, error) {
			return svc.Accept(ctx, id)
		})
}

func rejectCmd() *cobra.Command {
	return bookingCmd("reject <booking-id>", "Cancel a booking and free its slot",
		func(ctx context.Context, svc *appointment.Service, id uuid.UUID) (*appointment.Booking, error) {
			return svc.Reject(ctx, id)
		})
}

func bookingCmd(use, short string, apply func(context.Context, *appointment.Service, uuid.UUID) (*appointment.Booking, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid booking id: %w", err)
			}
			return withService(cmd.Context(), func(svc *appointment.Service, _ config.Config) error {
				b, err := apply(cmd.Context(), svc, id)
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
}

func proposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "propose <booking-id>",
		Short: "Move an open booking to another slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid booking id: %w", err)
			}
			rawTime, _ := cmd.Flags().GetString("time")
			newTime, err := appointment.ParseTimeOfDay(rawTime)
			if err != nil {
				return err
			}
			var newDate *appointment.Date
			if rawDate, _ := cmd.Flags().GetString("date"); rawDate != "" {
				d, err := appointment.ParseDate(rawDate)
				if err != nil {
					return err
				}
				newDate = &d
			}

			return withService(cmd.Context(), func(svc *appointment.Service, _ config.Config) error {
				b, err := svc.ProposeNewTime(cmd.Context(), id, newTime, newDate)
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().String("time", "", "New time, HH:MM")
	cmd.Flags().String("date", "", "New date, YYYY-MM-DD (defaults to the booking's date)")
	_ = cmd.MarkFlagRequired("time")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Cancel unpaid pending bookings older than the stale window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(svc *appointment.Service, cfg config.Config) error {
				n, err := svc.ExpireStaleReservations(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Expired %d stale reservation(s) older than %s.\n", n, cfg.StaleWindow)
				return nil
			})
		},
	}
}

func payCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pay <external-ref>",
		Short: "Apply a payment status to a booking, as the gateway callback would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			return withService(cmd.Context(), func(svc *appointment.Service, _ config.Config) error {
				b, err := svc.HandlePaymentUpdate(cmd.Context(), args[0], appointment.PaymentStatus(status))
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().String("status", string(appointment.PaymentPaid), "paid, failed or expired")
	return cmd
}

func withService(ctx context.Context, fn func(*appointment.Service, config.Config) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Env, cfg.LogLevel, "schedulectl").Level(zerolog.WarnLevel)

	cfg.PostgresMaxConn = 2
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a.Service, cfg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
