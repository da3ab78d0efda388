//go:build integration

package appointment

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling/internal/db"
)

func integrationPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := db.ConnectPostgres(ctx, dsn, db.PoolOptions{MaxConns: 4})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.NewMigrator(pool, db.Migrations()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func createProvider(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()

	if _, err := pool.Exec(ctx, `INSERT INTO providers (id, name, specialty) VALUES ($1, 'Dr. Teste', 'Clínica Geral')`, id); err != nil {
		t.Fatalf("insert provider: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO weekly_availability (id, provider_id, day_of_week, start_time, end_time, slot_duration_minutes)
		VALUES ($1, $2, 2, '08:00', '12:00', 30), ($3, $2, 2, '14:00', '16:00', 60)
	`, uuid.New(), id, uuid.New()); err != nil {
		t.Fatalf("insert availability: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO blocked_intervals (id, provider_id, block_date, start_time, end_time, reason)
		VALUES ($1, $2, '2030-03-05', '09:00', '10:00', 'Congresso')
	`, uuid.New(), id); err != nil {
		t.Fatalf("insert block: %v", err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = pool.Exec(ctx, `DELETE FROM event_logs WHERE booking_id IN (SELECT id FROM bookings WHERE provider_id = $1)`, id)
		_, _ = pool.Exec(ctx, `DELETE FROM bookings WHERE provider_id = $1`, id)
		_, _ = pool.Exec(ctx, `DELETE FROM providers WHERE id = $1`, id)
	})
	return id
}

func TestPgRepositorySchedule(t *testing.T) {
	pool := integrationPool(t)
	repo := NewPgRepository(pool)
	provider := createProvider(t, pool)
	ctx := context.Background()

	windows, err := repo.ListActiveAvailability(ctx, provider, int(time.Tuesday))
	if err != nil {
		t.Fatalf("ListActiveAvailability: %v", err)
	}
	if len(windows) != 2 || windows[0].StartTime != MustTimeOfDay("08:00") || windows[1].SlotDurationMinutes != 60 {
		t.Fatalf("unexpected windows %+v", windows)
	}

	blocks, err := repo.ListBlockedIntervals(ctx, provider, NewDate(2030, time.March, 5))
	if err != nil {
		t.Fatalf("ListBlockedIntervals: %v", err)
	}
	if len(blocks) != 1 || blocks[0].FullDay() || !blocks[0].Covers(MustTimeOfDay("09:30")) {
		t.Fatalf("unexpected blocks %+v", blocks)
	}
}

func TestPgRepositoryActiveSlotIndex(t *testing.T) {
	pool := integrationPool(t)
	repo := NewPgRepository(pool)
	provider := createProvider(t, pool)
	ctx := context.Background()

	nb := NewBooking{
		ProviderID:     provider,
		Date:           NewDate(2030, time.March, 5),
		Time:           MustTimeOfDay("08:30"),
		PatientName:    "Ana",
		PatientContact: "+5511999990000",
	}

	first, err := repo.InsertBooking(ctx, nb)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if first.Status != StatusPending || first.PaymentStatus != PaymentPending || first.Time != nb.Time {
		t.Fatalf("unexpected booking %+v", first)
	}

	if _, err := repo.InsertBooking(ctx, nb); !errors.Is(err, ErrDuplicateSlot) {
		t.Fatalf("expected ErrDuplicateSlot, got %v", err)
	}

	cancelled := PaymentCancelled
	if _, err := repo.UpdateBookingStatus(ctx, first.ID, []BookingStatus{StatusPending}, StatusCancelled, &cancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := repo.UpdateBookingStatus(ctx, first.ID, []BookingStatus{StatusPending}, StatusConfirmed, nil); !errors.Is(err, ErrStatusChanged) {
		t.Fatalf("stale transition: expected ErrStatusChanged, got %v", err)
	}
	if _, err := repo.UpdateBookingStatus(ctx, uuid.New(), []BookingStatus{StatusPending}, StatusConfirmed, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing booking: expected ErrNotFound, got %v", err)
	}

	second, err := repo.InsertBooking(ctx, nb)
	if err != nil {
		t.Fatalf("insert after cancel: %v", err)
	}

	active, err := repo.FindActiveBooking(ctx, provider, nb.Date, nb.Time)
	if err != nil {
		t.Fatalf("FindActiveBooking: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("active booking = %s, want %s", active.ID, second.ID)
	}

	all, err := repo.ListBookings(ctx, provider, nb.Date, true)
	if err != nil {
		t.Fatalf("ListBookings: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows including the cancelled one, got %d", len(all))
	}
}

func TestPgRepositoryExpireStaleAndRefs(t *testing.T) {
	pool := integrationPool(t)
	repo := NewPgRepository(pool)
	provider := createProvider(t, pool)
	ctx := context.Background()

	b, err := repo.InsertBooking(ctx, NewBooking{
		ProviderID:     provider,
		Date:           NewDate(2030, time.March, 5),
		Time:           MustTimeOfDay("14:00"),
		PatientName:    "Bruno",
		PatientContact: "bruno@example.com",
		AmountCents:    15000,
		PaymentMethod:  "pix",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	ref := "ref_" + b.ID.String()
	if err := repo.SetExternalRef(ctx, b.ID, ref); err != nil {
		t.Fatalf("SetExternalRef: %v", err)
	}
	byRef, err := repo.GetBookingByExternalRef(ctx, ref)
	if err != nil || byRef.ID != b.ID || byRef.PaymentMethod != "pix" {
		t.Fatalf("GetBookingByExternalRef: %+v, %v", byRef, err)
	}

	expired, err := repo.ExpireStale(ctx, StaleFilter{ProviderID: provider, Cutoff: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("fresh booking must not expire, got %d", len(expired))
	}

	expired, err = repo.ExpireStale(ctx, StaleFilter{ProviderID: provider, Cutoff: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if len(expired) != 1 || expired[0].Status != StatusCancelled || expired[0].PaymentStatus != PaymentExpired {
		t.Fatalf("unexpected expired rows %+v", expired)
	}

	if _, err := repo.GetBooking(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
