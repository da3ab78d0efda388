package appointment

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// MaxRangeDays bounds ComputeSlotsRange.
const MaxRangeDays = 31

// ComputeSlots expands the provider's active weekly windows for the date's
// weekday into slots and classifies each one against blocks and bookings.
// A day without availability yields an empty slice and no error.
func (s *Service) ComputeSlots(ctx context.Context, providerID uuid.UUID, date Date) ([]Slot, error) {
	windows, err := s.repo.ListActiveAvailability(ctx, providerID, int(date.Weekday()))
	if err != nil {
		return nil, fmt.Errorf("load weekly availability: %w", err)
	}
	if len(windows) == 0 {
		return []Slot{}, nil
	}

	blocks, err := s.repo.ListBlockedIntervals(ctx, providerID, date)
	if err != nil {
		return nil, fmt.Errorf("load blocked intervals: %w", err)
	}

	bookings, err := s.repo.ListBookings(ctx, providerID, date, false)
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}

	return materialize(windows, blocks, bookings), nil
}

// ComputeSlotsRange runs ComputeSlots for every day in [from, to].
func (s *Service) ComputeSlotsRange(ctx context.Context, providerID uuid.UUID, from, to Date) (map[string][]Slot, error) {
	if to.Before(from) {
		return nil, invalid("to", "must not be before from")
	}
	if to.Sub(from.Time).Hours()/24 >= MaxRangeDays {
		return nil, invalid("to", fmt.Sprintf("range is limited to %d days", MaxRangeDays))
	}

	out := make(map[string][]Slot)
	for d := from; !d.After(to); d = d.AddDays(1) {
		slots, err := s.ComputeSlots(ctx, providerID, d)
		if err != nil {
			return nil, err
		}
		out[d.String()] = slots
	}
	return out, nil
}

// materialize is the pure part of ComputeSlots. Overlapping windows are
// merged by time, keeping the most restrictive status.
func materialize(windows []WeeklyAvailability, blocks []BlockedInterval, bookings []Booking) []Slot {
	byTime := make(map[TimeOfDay]Booking, len(bookings))
	for _, b := range bookings {
		if b.Status == StatusCancelled {
			continue
		}
		byTime[b.Time] = b
	}

	merged := make(map[TimeOfDay]Slot)
	for _, w := range windows {
		if !w.Active || w.Validate() != nil {
			continue
		}
		for t := w.StartTime; t.Add(w.SlotDurationMinutes) <= w.EndTime; t = t.Add(w.SlotDurationMinutes) {
			slot := classify(t, blocks, byTime)
			if prev, ok := merged[t]; ok && prev.Status.rank() >= slot.Status.rank() {
				continue
			}
			merged[t] = slot
		}
	}

	slots := make([]Slot, 0, len(merged))
	for _, sl := range merged {
		slots = append(slots, sl)
	}
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Time < slots[j].Time
	})
	return slots
}

func classify(t TimeOfDay, blocks []BlockedInterval, bookings map[TimeOfDay]Booking) Slot {
	// Blocks win over bookings: they carry the provider's current intent.
	for _, b := range blocks {
		if b.Covers(t) {
			return Slot{Time: t, Status: SlotBlocked, BlockReason: b.Reason}
		}
	}

	b, ok := bookings[t]
	if !ok {
		return Slot{Time: t, Status: SlotAvailable}
	}

	id := b.ID
	switch b.Status {
	case StatusConfirmed, StatusCompleted:
		return Slot{Time: t, Status: SlotOccupied, BookingID: &id}
	default:
		return Slot{Time: t, Status: SlotPending, BookingID: &id}
	}
}
