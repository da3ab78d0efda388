package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hackgods/clinic-scheduling/internal/notify"
)

// HandlePaymentUpdate applies a payment provider callback to the booking
// holding the external reference. Repeated callbacks are no-ops.
//
// A paid callback confirms an open booking. A failed or expired one cancels
// it. A payment arriving after the booking was cancelled only records the
// payment status; the slot may already belong to someone else.
func (s *Service) HandlePaymentUpdate(ctx context.Context, externalRef string, status PaymentStatus) (*Booking, error) {
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return nil, invalid("external_ref", "is required")
	}
	switch status {
	case PaymentPaid, PaymentFailed, PaymentExpired:
	default:
		return nil, invalid("status", "must be paid, failed or expired")
	}

	ref, err := s.repo.GetBookingByExternalRef(ctx, externalRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load booking by payment reference: %w", err)
	}

	b, updated, err := s.transition(ctx, ref.ID, func(b *Booking) (*statusChange, error) {
		if b.PaymentStatus == status {
			return nil, nil
		}
		next := b.Status
		if b.Status.Open() {
			next = StatusCancelled
			if status == PaymentPaid {
				next = StatusConfirmed
			}
		}
		return &statusChange{to: next, payment: &status}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply payment update: %w", err)
	}
	if updated == nil {
		return b, nil
	}

	kind := ChangePayment
	var notice notify.Kind
	switch {
	case b.Status.Open() && updated.Status == StatusConfirmed:
		kind, notice = ChangeConfirmed, notify.KindConfirmed
	case b.Status.Open() && updated.Status == StatusCancelled:
		kind, notice = ChangeCancelled, notify.KindCancelled
	case status == PaymentPaid && b.Status == StatusCancelled:
		s.log.Warn().
			Str("booking_id", b.ID.String()).
			Str("external_ref", externalRef).
			Msg("payment received for cancelled booking")
	}

	s.logEvent(ctx, b.ID, EventPaymentUpdated, map[string]any{
		"external_ref":   externalRef,
		"payment_status": status,
		"from":           b.Status,
		"to":             updated.Status,
	})
	s.feed.Publish(ctx, kind, updated, s.now())
	if notice != "" {
		s.dispatch(ctx, notice, updated)
	}

	return updated, nil
}
