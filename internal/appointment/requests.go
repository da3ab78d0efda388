package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/notify"
)

// ListOpenRequests returns the provider's bookings from today onward that
// still await a decision, ordered by date then time.
func (s *Service) ListOpenRequests(ctx context.Context, providerID uuid.UUID) ([]Booking, error) {
	today := DateOf(s.now().In(s.loc))

	list, err := s.repo.ListOpenBookings(ctx, providerID, today)
	if err != nil {
		return nil, fmt.Errorf("list open requests: %w", err)
	}
	if list == nil {
		list = []Booking{}
	}
	return list, nil
}

// Accept confirms an open booking. Accepting a confirmed booking is a no-op.
func (s *Service) Accept(ctx context.Context, bookingID uuid.UUID) (*Booking, error) {
	b, updated, err := s.transition(ctx, bookingID, func(b *Booking) (*statusChange, error) {
		if b.Status == StatusConfirmed {
			return nil, nil
		}
		if !b.Status.Open() {
			return nil, fmt.Errorf("accept %s booking: %w", b.Status, ErrInvalidTransition)
		}
		return &statusChange{to: StatusConfirmed}, nil
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return b, nil
	}

	s.logEvent(ctx, bookingID, EventBookingConfirmed, map[string]any{"from": b.Status})
	s.feed.Publish(ctx, ChangeConfirmed, updated, s.now())
	s.dispatch(ctx, notify.KindConfirmed, updated)

	return updated, nil
}

// Reject cancels an open or confirmed booking and releases its slot.
// Rejecting a cancelled booking is a no-op.
func (s *Service) Reject(ctx context.Context, bookingID uuid.UUID) (*Booking, error) {
	cancelled := PaymentCancelled
	b, updated, err := s.transition(ctx, bookingID, func(b *Booking) (*statusChange, error) {
		switch b.Status {
		case StatusCancelled:
			return nil, nil
		case StatusCompleted:
			return nil, fmt.Errorf("reject %s booking: %w", b.Status, ErrInvalidTransition)
		}
		return &statusChange{to: StatusCancelled, payment: &cancelled}, nil
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return b, nil
	}

	s.logEvent(ctx, bookingID, EventBookingCancelled, map[string]any{
		"from":   b.Status,
		"reason": "rejected_by_provider",
	})
	s.feed.Publish(ctx, ChangeCancelled, updated, s.now())
	s.dispatch(ctx, notify.KindCancelled, updated)

	return updated, nil
}

// ProposeNewTime moves an open booking to another slot of the same
// provider, optionally on another day. The old coordinate is released by
// the same write that claims the new one.
func (s *Service) ProposeNewTime(ctx context.Context, bookingID uuid.UUID, newTime TimeOfDay, newDate *Date) (*Booking, error) {
	if newTime < startOfDay || newTime > endOfDay {
		return nil, invalid("time", "is out of range")
	}

	b, err := s.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.Status.Open() {
		return nil, fmt.Errorf("reschedule %s booking: %w", b.Status, ErrInvalidTransition)
	}

	target := b.Date
	if newDate != nil {
		target = *newDate
	}
	if target.Equal(b.Date) && newTime == b.Time {
		return b, nil
	}
	if s.inPast(target, newTime) {
		return nil, invalid("time", "is in the past")
	}

	slots, err := s.ComputeSlots(ctx, b.ProviderID, target)
	if err != nil {
		return nil, err
	}
	if !bookable(slots, newTime) {
		return nil, ErrSlotUnavailable
	}

	var updated *Booking

	err = s.withSlotLock(ctx, slotKey(b.ProviderID, target, newTime), func(lockCtx context.Context) error {
		if err := s.reclaimStale(lockCtx, b.ProviderID, target, newTime); err != nil {
			return err
		}

		moved, err := s.repo.UpdateBookingTime(lockCtx, bookingID, newTime, newDate)
		if err != nil {
			if errors.Is(err, ErrDuplicateSlot) {
				return err
			}
			return fmt.Errorf("move booking: %w", err)
		}

		updated = moved
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, bookingID, EventBookingRescheduled, map[string]any{
		"from_date": b.Date.String(),
		"from_time": b.Time.String(),
		"to_date":   updated.Date.String(),
		"to_time":   updated.Time.String(),
	})
	s.feed.Publish(ctx, ChangeRescheduled, updated, s.now())
	s.dispatch(ctx, notify.KindRescheduled, updated)

	return updated, nil
}

// Subscribe calls onChange for every booking change of the provider until
// the returned function is called or ctx is done.
func (s *Service) Subscribe(ctx context.Context, providerID uuid.UUID, onChange func(ChangeEvent)) (func(), error) {
	if onChange == nil {
		return nil, invalid("on_change", "is required")
	}
	return s.feed.Subscribe(ctx, providerID, onChange)
}
