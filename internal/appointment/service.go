package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/notify"
	"github.com/hackgods/clinic-scheduling/internal/payment"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

const (
	EventBookingCreated     = "BOOKING_CREATED"
	EventBookingConfirmed   = "BOOKING_CONFIRMED"
	EventBookingCancelled   = "BOOKING_CANCELLED"
	EventBookingRescheduled = "BOOKING_RESCHEDULED"
	EventBookingExpired     = "BOOKING_EXPIRED"
	EventPaymentUpdated     = "PAYMENT_UPDATED"
)

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	payments payment.Provider
	notifier notify.Notifier
	broker   Broker
	feed     *ChangeFeed
	cfg      config.Config
	loc      *time.Location
	log      zerolog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithBroker sets the transport behind Subscribe. Without it changes are
// only visible to subscribers in the same process.
func WithBroker(b Broker) Option {
	return func(s *Service) { s.broker = b }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, locker redisclient.Locker, payments payment.Provider, cfg config.Config, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		locker:   locker,
		payments: payments,
		cfg:      cfg,
		loc:      cfg.Location(),
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = redisclient.NoopLocker{}
	}
	if s.broker == nil {
		s.broker = NewMemoryBroker()
	}
	s.feed = NewChangeFeed(s.broker, s.log)
	return s
}

type BookingRequest struct {
	ProviderID  uuid.UUID
	Date        Date
	Time        TimeOfDay
	Patient     PatientInfo
	AmountCents int64
	Method      string
	Visitor     Visitor
}

type BookingResult struct {
	Booking *Booking        `json:"booking"`
	Payment *payment.Charge `json:"payment,omitempty"`
}

// AttemptBooking reserves a slot for a patient and opens a payment intent
// for it. Conflicts wrap ErrConflict, payment failures wrap
// ErrPaymentProvider after the reservation has been released.
func (s *Service) AttemptBooking(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	method, err := s.validateBooking(req)
	if err != nil {
		return nil, err
	}

	slots, err := s.ComputeSlots(ctx, req.ProviderID, req.Date)
	if err != nil {
		return nil, err
	}
	if !bookable(slots, req.Time) {
		return nil, ErrSlotUnavailable
	}

	var created *Booking

	err = s.withSlotLock(ctx, slotKey(req.ProviderID, req.Date, req.Time), func(lockCtx context.Context) error {
		if err := s.reclaimStale(lockCtx, req.ProviderID, req.Date, req.Time); err != nil {
			return err
		}

		existing, err := s.repo.FindActiveBooking(lockCtx, req.ProviderID, req.Date, req.Time)
		if err != nil && !errors.Is(err, ErrBookingNotFound) {
			return fmt.Errorf("check active booking: %w", err)
		}
		if existing != nil {
			return ErrDuplicateSlot
		}

		// The partial unique index turns a lost race into ErrDuplicateSlot here.
		b, err := s.repo.InsertBooking(lockCtx, NewBooking{
			ProviderID:     req.ProviderID,
			Date:           req.Date,
			Time:           req.Time,
			PatientName:    strings.TrimSpace(req.Patient.Name),
			PatientContact: strings.TrimSpace(req.Patient.Contact),
			AmountCents:    req.AmountCents,
			PaymentMethod:  string(method),
		})
		if err != nil {
			if errors.Is(err, ErrDuplicateSlot) {
				return err
			}
			return fmt.Errorf("insert booking: %w", err)
		}

		created = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, created.ID, EventBookingCreated, map[string]any{
		"date":            created.Date.String(),
		"time":            created.Time.String(),
		"amount_cents":    created.AmountCents,
		"visitor_id":      req.Visitor.ID,
		"visitor_channel": req.Visitor.Channel,
	})

	result := &BookingResult{Booking: created}

	if created.AmountCents > 0 {
		charge, err := s.createCharge(ctx, created, method, req.Visitor)
		if err != nil {
			s.rollbackBooking(ctx, created, err)
			return nil, &PaymentError{Err: err}
		}
		if err := s.repo.SetExternalRef(ctx, created.ID, charge.ExternalRef); err != nil {
			s.rollbackBooking(ctx, created, err)
			return nil, fmt.Errorf("store payment reference: %w", err)
		}
		ref := charge.ExternalRef
		created.ExternalRef = &ref
		result.Payment = charge
	}

	s.feed.Publish(ctx, ChangeCreated, created, s.now())
	s.dispatch(ctx, notify.KindNew, created)

	return result, nil
}

func (s *Service) validateBooking(req BookingRequest) (payment.Method, error) {
	if req.ProviderID == uuid.Nil {
		return "", invalid("provider_id", "is required")
	}
	if req.Date.IsZero() {
		return "", invalid("date", "is required")
	}
	if req.Time < startOfDay || req.Time > endOfDay {
		return "", invalid("time", "is out of range")
	}
	if strings.TrimSpace(req.Patient.Name) == "" {
		return "", invalid("patient.name", "is required")
	}
	if strings.TrimSpace(req.Patient.Contact) == "" {
		return "", invalid("patient.contact", "is required")
	}
	if req.AmountCents < 0 {
		return "", invalid("amount_cents", "must not be negative")
	}
	if s.inPast(req.Date, req.Time) {
		return "", invalid("date", "is in the past")
	}

	if req.AmountCents == 0 {
		return "", nil
	}
	method, err := payment.ParseMethod(req.Method)
	if err != nil {
		return "", invalid("method", "must be pix or card")
	}
	return method, nil
}

func (s *Service) inPast(d Date, t TimeOfDay) bool {
	return !d.At(t, s.loc).After(s.now())
}

// bookable reports whether t is offered on the day and not definitively
// taken. Pending slots stay bookable because their holder may be stale.
func bookable(slots []Slot, t TimeOfDay) bool {
	for _, sl := range slots {
		if sl.Time == t {
			return sl.Status == SlotAvailable || sl.Status == SlotPending
		}
	}
	return false
}

func slotKey(providerID uuid.UUID, d Date, t TimeOfDay) string {
	return fmt.Sprintf("slot:%s:%s:%s", providerID, d, t)
}

func (s *Service) createCharge(ctx context.Context, b *Booking, method payment.Method, v Visitor) (*payment.Charge, error) {
	if s.payments == nil {
		return nil, errors.New("no payment provider configured")
	}
	meta := map[string]string{
		"provider_id": b.ProviderID.String(),
		"date":        b.Date.String(),
		"time":        b.Time.String(),
	}
	if v.ID != "" {
		meta["visitor_id"] = v.ID
	}
	if v.Channel != "" {
		meta["visitor_channel"] = v.Channel
	}
	return s.payments.CreateCharge(ctx, payment.ChargeRequest{
		BookingID:   b.ID,
		AmountCents: b.AmountCents,
		Method:      method,
		Description: fmt.Sprintf("Consulta %s %s", b.Date.Format("02/01/2006"), b.Time),
		Customer:    payment.Customer{Name: b.PatientName, Contact: b.PatientContact},
		Metadata:    meta,
	})
}

// withSlotLock runs fn under the slot lock. A lock held by someone else
// becomes ErrSlotBeingBooked. When Redis cannot be reached fn runs without
// the lock and the active-slot unique index alone settles the race.
func (s *Service) withSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ran := false
	err := s.locker.WithLock(ctx, key, func(lockCtx context.Context) error {
		ran = true
		return fn(lockCtx)
	})
	switch {
	case err == nil || ran:
		return err
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return ErrSlotBeingBooked
	case errors.Is(err, redisclient.ErrLockUnavailable):
		s.log.Warn().Err(err).Str("key", key).Msg("slot lock unavailable, relying on the database constraint")
		return fn(ctx)
	}
	return err
}

// rollbackBooking releases the slot of a booking whose payment intent
// could not be created. It runs even if ctx was cancelled.
func (s *Service) rollbackBooking(ctx context.Context, b *Booking, cause error) {
	rctx := context.WithoutCancel(ctx)
	failed := PaymentFailed

	s.log.Warn().Err(cause).Str("booking_id", b.ID.String()).Msg("payment intent failed, releasing slot")

	updated, err := s.repo.UpdateBookingStatus(rctx, b.ID, []BookingStatus{StatusPending}, StatusCancelled, &failed)
	if err != nil {
		s.log.Error().Err(err).Str("booking_id", b.ID.String()).Msg("failed to roll back booking")
		return
	}
	*b = *updated

	s.logEvent(rctx, b.ID, EventBookingCancelled, map[string]any{
		"reason": "payment_intent_failed",
		"error":  cause.Error(),
	})
	s.feed.Publish(rctx, ChangeCancelled, b, s.now())
}

// reclaimStale cancels an abandoned checkout holding exactly this slot.
func (s *Service) reclaimStale(ctx context.Context, providerID uuid.UUID, d Date, t TimeOfDay) error {
	expired, err := s.repo.ExpireStale(ctx, StaleFilter{
		ProviderID: providerID,
		Date:       &d,
		Time:       &t,
		Cutoff:     s.now().Add(-s.cfg.StaleWindow),
	})
	if err != nil {
		return fmt.Errorf("expire stale reservations: %w", err)
	}
	for i := range expired {
		s.afterExpire(ctx, &expired[i], "reclaimed_on_booking")
	}
	return nil
}

// ExpireStaleReservations cancels every pending booking whose payment
// intent is still unpaid after the staleness window. Intended to be called
// by the worker periodically.
func (s *Service) ExpireStaleReservations(ctx context.Context) (int, error) {
	expired, err := s.repo.ExpireStale(ctx, StaleFilter{Cutoff: s.now().Add(-s.cfg.StaleWindow)})
	if err != nil {
		return 0, fmt.Errorf("expire stale reservations: %w", err)
	}
	for i := range expired {
		s.afterExpire(ctx, &expired[i], "worker")
	}
	return len(expired), nil
}

func (s *Service) afterExpire(ctx context.Context, b *Booking, reason string) {
	s.log.Info().
		Str("booking_id", b.ID.String()).
		Str("provider_id", b.ProviderID.String()).
		Str("date", b.Date.String()).
		Str("time", b.Time.String()).
		Str("reason", reason).
		Msg("stale reservation reclaimed")

	s.logEvent(ctx, b.ID, EventBookingExpired, map[string]any{"reason": reason})
	s.feed.Publish(ctx, ChangeExpired, b, s.now())
	s.dispatch(ctx, notify.KindCancelled, b)
}

// maxTransitionAttempts bounds the re-reads of a booking whose status keeps
// changing under a conditional write.
const maxTransitionAttempts = 3

// statusChange is the write a transition decided on.
type statusChange struct {
	to      BookingStatus
	payment *PaymentStatus
}

// transition reads the booking and lets decide pick the next status from
// that snapshot. The write only lands while the booking still has the
// status decide saw; otherwise the booking is re-read and decide runs
// again. A nil change leaves the booking as read and returns a nil updated.
func (s *Service) transition(ctx context.Context, id uuid.UUID, decide func(b *Booking) (*statusChange, error)) (prev, updated *Booking, err error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		b, err := s.GetBooking(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		change, err := decide(b)
		if err != nil {
			return b, nil, err
		}
		if change == nil {
			return b, nil, nil
		}

		next, err := s.repo.UpdateBookingStatus(ctx, id, []BookingStatus{b.Status}, change.to, change.payment)
		if err == nil {
			return b, next, nil
		}
		if !errors.Is(err, ErrStatusChanged) {
			return b, nil, fmt.Errorf("update booking status: %w", err)
		}
		s.log.Debug().
			Str("booking_id", id.String()).
			Str("from", string(b.Status)).
			Msg("booking changed during transition, re-reading")
	}
	return nil, nil, ErrStatusChanged
}

// GetBooking loads a single booking.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := s.repo.GetBooking(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load booking: %w", err)
	}
	return b, nil
}

func (s *Service) dispatch(ctx context.Context, kind notify.Kind, b *Booking) {
	if s.notifier == nil {
		return
	}
	ev := notify.Event{
		Kind:           kind,
		BookingID:      b.ID.String(),
		ProviderID:     b.ProviderID.String(),
		PatientName:    b.PatientName,
		PatientContact: b.PatientContact,
		Date:           b.Date.String(),
		Time:           b.Time.String(),
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("booking_id", ev.BookingID).Str("kind", string(kind)).Msg("notify")
	}
}

func (s *Service) logEvent(ctx context.Context, bookingID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	id := bookingID

	ev := EventLog{
		EventType: eventType,
		BookingID: &id,
		Payload:   data,
		CreatedAt: s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).
			Str("event_type", eventType).
			Str("booking_id", bookingID.String()).
			Msg("failed to insert event log")
	}
}
