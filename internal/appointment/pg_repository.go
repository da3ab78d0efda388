package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// activeSlotIndex is the partial unique index that makes the
// (provider, date, time) coordinate exclusive among non-cancelled rows.
const activeSlotIndex = "bookings_active_slot_uq"

const bookingColumns = `id, provider_id, booking_date, to_char(booking_time, 'HH24:MI'),
	patient_name, patient_contact, status, payment_status, amount_cents,
	payment_method, external_ref, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanAvailability(row pgx.Row) (*WeeklyAvailability, error) {
	var w WeeklyAvailability
	var start, end string

	err := row.Scan(
		&w.ID,
		&w.ProviderID,
		&w.DayOfWeek,
		&start,
		&end,
		&w.SlotDurationMinutes,
		&w.Active,
	)
	if err != nil {
		return nil, err
	}

	if w.StartTime, err = ParseTimeOfDay(start); err != nil {
		return nil, err
	}
	if w.EndTime, err = ParseTimeOfDay(end); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanBlock(row pgx.Row) (*BlockedInterval, error) {
	var b BlockedInterval
	var date time.Time
	var start, end *string

	err := row.Scan(
		&b.ID,
		&b.ProviderID,
		&date,
		&start,
		&end,
		&b.Reason,
	)
	if err != nil {
		return nil, err
	}

	b.Date = DateOf(date)
	if b.StartTime, err = parseOptionalTime(start); err != nil {
		return nil, err
	}
	if b.EndTime, err = parseOptionalTime(end); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var date time.Time
	var tm string
	var method *string

	err := row.Scan(
		&b.ID,
		&b.ProviderID,
		&date,
		&tm,
		&b.PatientName,
		&b.PatientContact,
		&b.Status,
		&b.PaymentStatus,
		&b.AmountCents,
		&method,
		&b.ExternalRef,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	b.Date = DateOf(date)
	if b.Time, err = ParseTimeOfDay(tm); err != nil {
		return nil, err
	}
	if method != nil {
		b.PaymentMethod = *method
	}
	return &b, nil
}

func collectBookings(rows pgx.Rows) ([]Booking, error) {
	defer rows.Close()

	var result []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func parseOptionalTime(s *string) (*TimeOfDay, error) {
	if s == nil {
		return nil, nil
	}
	t, err := ParseTimeOfDay(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isActiveSlotViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == activeSlotIndex
	}
	return false
}

// Schedule store

func (r *PgRepository) ListActiveAvailability(ctx context.Context, providerID uuid.UUID, dayOfWeek int) ([]WeeklyAvailability, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, provider_id, day_of_week,
		       to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
		       slot_duration_minutes, active
		FROM weekly_availability
		WHERE provider_id = $1
		  AND day_of_week = $2
		  AND active
		ORDER BY start_time
	`, providerID, dayOfWeek)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []WeeklyAvailability
	for rows.Next() {
		w, err := scanAvailability(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

func (r *PgRepository) ListBlockedIntervals(ctx context.Context, providerID uuid.UUID, date Date) ([]BlockedInterval, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, provider_id, block_date,
		       to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
		       reason
		FROM blocked_intervals
		WHERE provider_id = $1
		  AND block_date = $2
		ORDER BY start_time NULLS FIRST
	`, providerID, date.Time)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []BlockedInterval
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

// Booking store

func (r *PgRepository) ListBookings(ctx context.Context, providerID uuid.UUID, date Date, includeCancelled bool) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
		  AND booking_date = $2
		  AND ($3 OR status <> 'cancelled')
		ORDER BY booking_time, created_at
	`, providerID, date.Time, includeCancelled)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (r *PgRepository) FindActiveBooking(ctx context.Context, providerID uuid.UUID, date Date, t TimeOfDay) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
		  AND booking_date = $2
		  AND booking_time = $3::time
		  AND status <> 'cancelled'
	`, providerID, date.Time, t.String())
	return scanBooking(row)
}

func (r *PgRepository) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1
	`, id)
	return scanBooking(row)
}

func (r *PgRepository) GetBookingByExternalRef(ctx context.Context, ref string) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE external_ref = $1
	`, ref)
	return scanBooking(row)
}

func (r *PgRepository) ListOpenBookings(ctx context.Context, providerID uuid.UUID, from Date) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
		  AND booking_date >= $2
		  AND status IN ('pending', 'awaiting_confirmation', 'rescheduled')
		ORDER BY booking_date, booking_time
	`, providerID, from.Time)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (r *PgRepository) InsertBooking(ctx context.Context, nb NewBooking) (*Booking, error) {
	id := uuid.New()

	var method *string
	if nb.PaymentMethod != "" {
		method = &nb.PaymentMethod
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO bookings (id, provider_id, booking_date, booking_time, patient_name, patient_contact,
		                      status, payment_status, amount_cents, payment_method, created_at, updated_at)
		VALUES ($1, $2, $3, $4::time, $5, $6, 'pending', 'pending', $7, $8, now(), now())
		RETURNING `+bookingColumns,
		id, nb.ProviderID, nb.Date.Time, nb.Time.String(), nb.PatientName, nb.PatientContact, nb.AmountCents, method)

	b, err := scanBooking(row)
	if err != nil {
		if isActiveSlotViolation(err) {
			return nil, ErrDuplicateSlot
		}
		return nil, err
	}
	return b, nil
}

func (r *PgRepository) UpdateBookingStatus(ctx context.Context, id uuid.UUID, from []BookingStatus, to BookingStatus, payment *PaymentStatus) (*Booking, error) {
	var ps *string
	if payment != nil {
		v := string(*payment)
		ps = &v
	}
	fromStatuses := make([]string, len(from))
	for i, s := range from {
		fromStatuses[i] = string(s)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE bookings
		SET status = $2,
		    payment_status = COALESCE($3, payment_status),
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($4)
		RETURNING `+bookingColumns,
		id, string(to), ps, fromStatuses)

	b, err := scanBooking(row)
	if err == nil {
		return b, nil
	}
	if isActiveSlotViolation(err) {
		return nil, ErrDuplicateSlot
	}
	if !errors.Is(err, ErrBookingNotFound) {
		return nil, err
	}

	// No row matched: tell a missing booking from one that moved on.
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrStatusChanged
	}
	return nil, ErrBookingNotFound
}

func (r *PgRepository) UpdateBookingTime(ctx context.Context, id uuid.UUID, t TimeOfDay, date *Date) (*Booking, error) {
	var d *time.Time
	if date != nil {
		d = &date.Time
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE bookings
		SET booking_time = $2::time,
		    booking_date = COALESCE($3::date, booking_date),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+bookingColumns,
		id, t.String(), d)

	b, err := scanBooking(row)
	if err != nil {
		if isActiveSlotViolation(err) {
			return nil, ErrDuplicateSlot
		}
		return nil, err
	}
	return b, nil
}

func (r *PgRepository) SetExternalRef(ctx context.Context, id uuid.UUID, ref string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET external_ref = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, ref)
	if err != nil {
		return fmt.Errorf("set external ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookingNotFound
	}
	return nil
}

func (r *PgRepository) ExpireStale(ctx context.Context, f StaleFilter) ([]Booking, error) {
	var provider *uuid.UUID
	if f.ProviderID != uuid.Nil {
		provider = &f.ProviderID
	}
	var date *time.Time
	if f.Date != nil {
		date = &f.Date.Time
	}
	var tm *string
	if f.Time != nil {
		s := f.Time.String()
		tm = &s
	}

	rows, err := r.pool.Query(ctx, `
		UPDATE bookings
		SET status = 'cancelled',
		    payment_status = 'expired',
		    updated_at = now()
		WHERE status = 'pending'
		  AND payment_status = 'pending'
		  AND payment_method IS NOT NULL
		  AND created_at < $1
		  AND ($2::uuid IS NULL OR provider_id = $2)
		  AND ($3::date IS NULL OR booking_date = $3)
		  AND ($4::time IS NULL OR booking_time = $4::time)
		RETURNING `+bookingColumns,
		f.Cutoff, provider, date, tm)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, booking_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.BookingID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
