package appointment

import (
	"errors"
	"fmt"
)

// Error kinds. Callers branch on these with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("conflict")
	ErrPaymentProvider = errors.New("payment provider error")
	ErrNotFound        = errors.New("not found")
)

var (
	ErrBookingNotFound = fmt.Errorf("booking %w", ErrNotFound)

	// ErrDuplicateSlot is returned by stores when the partial unique index
	// on (provider_id, booking_date, booking_time) rejects a write.
	ErrDuplicateSlot     = fmt.Errorf("%w: slot already reserved", ErrConflict)
	ErrSlotUnavailable   = fmt.Errorf("%w: slot no longer available", ErrConflict)
	ErrSlotBeingBooked   = fmt.Errorf("%w: slot is currently being booked, please retry", ErrConflict)
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrConflict)

	// ErrStatusChanged is returned by stores when a conditional status
	// write finds the booking in a status other than the expected ones.
	ErrStatusChanged = fmt.Errorf("%w: booking status changed concurrently", ErrConflict)
)

// ValidationError names the offending input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PaymentError wraps the payment collaborator failure after the pending
// booking it was created for has been rolled back.
type PaymentError struct {
	Err error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %v", ErrPaymentProvider, e.Err)
}

func (e *PaymentError) Unwrap() []error {
	return []error{ErrPaymentProvider, e.Err}
}
