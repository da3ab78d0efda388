package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ScheduleStore reads the provider-owned weekly templates and blocks.
type ScheduleStore interface {
	ListActiveAvailability(ctx context.Context, providerID uuid.UUID, dayOfWeek int) ([]WeeklyAvailability, error)
	ListBlockedIntervals(ctx context.Context, providerID uuid.UUID, date Date) ([]BlockedInterval, error)
}

// NewBooking holds the fields of a booking row about to be inserted.
type NewBooking struct {
	ProviderID     uuid.UUID
	Date           Date
	Time           TimeOfDay
	PatientName    string
	PatientContact string
	AmountCents    int64
	PaymentMethod  string
}

// StaleFilter narrows ExpireStale. Zero-valued fields match everything.
type StaleFilter struct {
	ProviderID uuid.UUID
	Date       *Date
	Time       *TimeOfDay
	Cutoff     time.Time
}

// BookingStore owns booking rows. InsertBooking and UpdateBookingTime must
// return ErrDuplicateSlot when another non-cancelled booking already holds
// the (provider, date, time) coordinate.
type BookingStore interface {
	ListBookings(ctx context.Context, providerID uuid.UUID, date Date, includeCancelled bool) ([]Booking, error)
	FindActiveBooking(ctx context.Context, providerID uuid.UUID, date Date, t TimeOfDay) (*Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error)
	GetBookingByExternalRef(ctx context.Context, ref string) (*Booking, error)
	ListOpenBookings(ctx context.Context, providerID uuid.UUID, from Date) ([]Booking, error)

	InsertBooking(ctx context.Context, nb NewBooking) (*Booking, error)
	// UpdateBookingStatus writes only while the booking is in one of the
	// from statuses and returns ErrStatusChanged otherwise.
	UpdateBookingStatus(ctx context.Context, id uuid.UUID, from []BookingStatus, to BookingStatus, payment *PaymentStatus) (*Booking, error)
	UpdateBookingTime(ctx context.Context, id uuid.UUID, t TimeOfDay, date *Date) (*Booking, error)
	SetExternalRef(ctx context.Context, id uuid.UUID, ref string) error

	// ExpireStale cancels pending/pending bookings that opened a payment
	// intent before the cutoff and returns the rows it changed. Free
	// bookings wait for the provider and are never swept.
	ExpireStale(ctx context.Context, f StaleFilter) ([]Booking, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	ScheduleStore
	BookingStore
}
