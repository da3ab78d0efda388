package appointment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	StatusPending              BookingStatus = "pending"
	StatusAwaitingConfirmation BookingStatus = "awaiting_confirmation"
	StatusConfirmed            BookingStatus = "confirmed"
	StatusCompleted            BookingStatus = "completed"
	StatusCancelled            BookingStatus = "cancelled"
	StatusRescheduled          BookingStatus = "rescheduled"
)

// Open reports whether the booking is still awaiting a provider decision.
// Rescheduled behaves like pending for the worklist.
func (s BookingStatus) Open() bool {
	return s == StatusPending || s == StatusAwaitingConfirmation || s == StatusRescheduled
}

func (s BookingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAwaitingConfirmation, StatusConfirmed,
		StatusCompleted, StatusCancelled, StatusRescheduled:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentExpired   PaymentStatus = "expired"
	PaymentCancelled PaymentStatus = "cancelled"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentExpired, PaymentCancelled:
		return true
	}
	return false
}

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotPending   SlotStatus = "pending"
	SlotOccupied  SlotStatus = "occupied"
	SlotBlocked   SlotStatus = "blocked"
)

// rank orders slot statuses from least to most restrictive.
func (s SlotStatus) rank() int {
	switch s {
	case SlotBlocked:
		return 3
	case SlotOccupied:
		return 2
	case SlotPending:
		return 1
	}
	return 0
}

// TimeOfDay is a wall-clock time in minutes since midnight.
type TimeOfDay int

const (
	startOfDay TimeOfDay = 0
	endOfDay   TimeOfDay = 23*60 + 59
)

// ParseTimeOfDay accepts "15:04" or "15:04:05" (seconds are dropped).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	layout := "15:04"
	if len(s) > 5 && s[5] == ':' {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) Add(minutes int) TimeOfDay {
	return t + TimeOfDay(minutes)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

const DateLayout = "2006-01-02"

// Date is a calendar day without time or zone.
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q", s)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

func (d Date) AddDays(n int) Date {
	return Date{d.Time.AddDate(0, 0, n)}
}

func (d Date) Before(o Date) bool { return d.Time.Before(o.Time) }
func (d Date) After(o Date) bool  { return d.Time.After(o.Time) }
func (d Date) Equal(o Date) bool  { return d.Time.Equal(o.Time) }

// At combines the day with a wall-clock time in loc.
func (d Date) At(t TimeOfDay, loc *time.Location) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), int(t)/60, int(t)%60, 0, 0, loc)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

type WeeklyAvailability struct {
	ID                  uuid.UUID
	ProviderID          uuid.UUID
	DayOfWeek           int // 0 = Sunday
	StartTime           TimeOfDay
	EndTime             TimeOfDay
	SlotDurationMinutes int
	Active              bool
}

func (w WeeklyAvailability) Validate() error {
	if w.DayOfWeek < 0 || w.DayOfWeek > 6 {
		return fmt.Errorf("day_of_week %d out of range", w.DayOfWeek)
	}
	if w.StartTime >= w.EndTime {
		return fmt.Errorf("start_time %s must be before end_time %s", w.StartTime, w.EndTime)
	}
	if w.SlotDurationMinutes <= 0 {
		return fmt.Errorf("slot_duration_minutes must be > 0")
	}
	return nil
}

// BlockedInterval with a nil StartTime and EndTime blocks the whole day.
type BlockedInterval struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	Date       Date
	StartTime  *TimeOfDay
	EndTime    *TimeOfDay
	Reason     *string
}

func (b BlockedInterval) FullDay() bool {
	return b.StartTime == nil && b.EndTime == nil
}

// Covers reports whether the block applies to a slot starting at t.
func (b BlockedInterval) Covers(t TimeOfDay) bool {
	if b.FullDay() {
		return true
	}
	start, end := startOfDay, endOfDay
	if b.StartTime != nil {
		start = *b.StartTime
	}
	if b.EndTime != nil {
		end = *b.EndTime
	}
	return start <= t && t < end
}

type Booking struct {
	ID             uuid.UUID     `json:"id"`
	ProviderID     uuid.UUID     `json:"provider_id"`
	Date           Date          `json:"date"`
	Time           TimeOfDay     `json:"time"`
	PatientName    string        `json:"patient_name"`
	PatientContact string        `json:"patient_contact"`
	Status         BookingStatus `json:"status"`
	PaymentStatus  PaymentStatus `json:"payment_status"`
	AmountCents    int64         `json:"amount_cents"`
	PaymentMethod  string        `json:"payment_method,omitempty"`
	ExternalRef    *string       `json:"external_ref,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Slot is derived per request and never stored.
type Slot struct {
	Time        TimeOfDay  `json:"time"`
	Status      SlotStatus `json:"status"`
	BookingID   *uuid.UUID `json:"booking_id,omitempty"`
	BlockReason *string    `json:"block_reason,omitempty"`
}

type PatientInfo struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// Visitor carries the booking flow's client-side state (who is booking and
// through which channel) explicitly per request.
type Visitor struct {
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
}

type EventLog struct {
	ID        int64
	EventType string
	BookingID *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}
