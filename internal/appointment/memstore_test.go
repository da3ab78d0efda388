package appointment

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/notify"
	"github.com/hackgods/clinic-scheduling/internal/payment"
)

// memStore is a Repository backed by maps. Like the bookings table it
// refuses two non-cancelled rows on one (provider, date, time).
type memStore struct {
	mu           sync.Mutex
	now          func() time.Time
	availability []WeeklyAvailability
	blocks       []BlockedInterval
	bookings     map[uuid.UUID]*Booking
	events       []EventLog

	// failNext makes the next call of the named method return the error.
	failNext map[string]error
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		now:      now,
		bookings: make(map[uuid.UUID]*Booking),
		failNext: make(map[string]error),
	}
}

func (m *memStore) fail(method string) error {
	if err, ok := m.failNext[method]; ok {
		delete(m.failNext, method)
		return err
	}
	return nil
}

func (m *memStore) addWindow(providerID uuid.UUID, day time.Weekday, start, end string, minutes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availability = append(m.availability, WeeklyAvailability{
		ID:                  uuid.New(),
		ProviderID:          providerID,
		DayOfWeek:           int(day),
		StartTime:           MustTimeOfDay(start),
		EndTime:             MustTimeOfDay(end),
		SlotDurationMinutes: minutes,
		Active:              true,
	})
}

func (m *memStore) addBlock(b BlockedInterval) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	m.blocks = append(m.blocks, b)
}

// seed stores b as-is, bypassing the uniqueness check.
func (m *memStore) seed(b Booking) *Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.PaymentStatus == "" {
		b.PaymentStatus = PaymentPending
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = b.CreatedAt
	}
	cp := b
	m.bookings[b.ID] = &cp
	return &b
}

func (m *memStore) booking(id uuid.UUID) Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.bookings[id]
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (m *memStore) activeAt(providerID uuid.UUID, d Date, t TimeOfDay, except uuid.UUID) *Booking {
	for _, b := range m.bookings {
		if b.ID == except || b.Status == StatusCancelled {
			continue
		}
		if b.ProviderID == providerID && b.Date.Equal(d) && b.Time == t {
			return b
		}
	}
	return nil
}

func sortBookings(list []Booking) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Date.Equal(list[j].Date) {
			return list[i].Date.Before(list[j].Date)
		}
		if list[i].Time != list[j].Time {
			return list[i].Time < list[j].Time
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func (m *memStore) ListActiveAvailability(_ context.Context, providerID uuid.UUID, dayOfWeek int) ([]WeeklyAvailability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListActiveAvailability"); err != nil {
		return nil, err
	}
	var out []WeeklyAvailability
	for _, w := range m.availability {
		if w.ProviderID == providerID && w.DayOfWeek == dayOfWeek && w.Active {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memStore) ListBlockedIntervals(_ context.Context, providerID uuid.UUID, date Date) ([]BlockedInterval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BlockedInterval
	for _, b := range m.blocks {
		if b.ProviderID == providerID && b.Date.Equal(date) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) ListBookings(_ context.Context, providerID uuid.UUID, date Date, includeCancelled bool) ([]Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Booking
	for _, b := range m.bookings {
		if b.ProviderID != providerID || !b.Date.Equal(date) {
			continue
		}
		if !includeCancelled && b.Status == StatusCancelled {
			continue
		}
		out = append(out, *b)
	}
	sortBookings(out)
	return out, nil
}

func (m *memStore) FindActiveBooking(_ context.Context, providerID uuid.UUID, date Date, t TimeOfDay) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.activeAt(providerID, date, t, uuid.Nil); b != nil {
		cp := *b
		return &cp, nil
	}
	return nil, ErrBookingNotFound
}

func (m *memStore) GetBooking(_ context.Context, id uuid.UUID) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) GetBookingByExternalRef(_ context.Context, ref string) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bookings {
		if b.ExternalRef != nil && *b.ExternalRef == ref {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrBookingNotFound
}

func (m *memStore) ListOpenBookings(_ context.Context, providerID uuid.UUID, from Date) ([]Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Booking
	for _, b := range m.bookings {
		if b.ProviderID == providerID && !b.Date.Before(from) && b.Status.Open() {
			out = append(out, *b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (m *memStore) InsertBooking(_ context.Context, nb NewBooking) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertBooking"); err != nil {
		return nil, err
	}
	if m.activeAt(nb.ProviderID, nb.Date, nb.Time, uuid.Nil) != nil {
		return nil, ErrDuplicateSlot
	}
	now := m.now()
	b := &Booking{
		ID:             uuid.New(),
		ProviderID:     nb.ProviderID,
		Date:           nb.Date,
		Time:           nb.Time,
		PatientName:    nb.PatientName,
		PatientContact: nb.PatientContact,
		Status:         StatusPending,
		PaymentStatus:  PaymentPending,
		AmountCents:    nb.AmountCents,
		PaymentMethod:  nb.PaymentMethod,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.bookings[b.ID] = b
	cp := *b
	return &cp, nil
}

func (m *memStore) UpdateBookingStatus(_ context.Context, id uuid.UUID, from []BookingStatus, status BookingStatus, ps *PaymentStatus) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	if !slices.Contains(from, b.Status) {
		return nil, ErrStatusChanged
	}
	if status != StatusCancelled && m.activeAt(b.ProviderID, b.Date, b.Time, b.ID) != nil {
		return nil, ErrDuplicateSlot
	}
	b.Status = status
	if ps != nil {
		b.PaymentStatus = *ps
	}
	b.UpdatedAt = m.now()
	cp := *b
	return &cp, nil
}

func (m *memStore) UpdateBookingTime(_ context.Context, id uuid.UUID, t TimeOfDay, date *Date) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	d := b.Date
	if date != nil {
		d = *date
	}
	if b.Status != StatusCancelled && m.activeAt(b.ProviderID, d, t, b.ID) != nil {
		return nil, ErrDuplicateSlot
	}
	b.Date, b.Time = d, t
	b.UpdatedAt = m.now()
	cp := *b
	return &cp, nil
}

func (m *memStore) SetExternalRef(_ context.Context, id uuid.UUID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	b.ExternalRef = &ref
	return nil
}

func (m *memStore) ExpireStale(_ context.Context, f StaleFilter) ([]Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Booking
	for _, b := range m.bookings {
		if b.Status != StatusPending || b.PaymentStatus != PaymentPending || b.PaymentMethod == "" || !b.CreatedAt.Before(f.Cutoff) {
			continue
		}
		if f.ProviderID != uuid.Nil && b.ProviderID != f.ProviderID {
			continue
		}
		if f.Date != nil && !b.Date.Equal(*f.Date) {
			continue
		}
		if f.Time != nil && b.Time != *f.Time {
			continue
		}
		b.Status = StatusCancelled
		b.PaymentStatus = PaymentExpired
		b.UpdatedAt = m.now()
		out = append(out, *b)
	}
	sortBookings(out)
	return out, nil
}

func (m *memStore) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

type fakePayments struct {
	mu    sync.Mutex
	err   error
	calls []payment.ChargeRequest
}

func (f *fakePayments) CreateCharge(_ context.Context, req payment.ChargeRequest) (*payment.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &payment.Charge{
		ExternalRef: "ref_" + req.BookingID.String(),
		Method:      req.Method,
		CheckoutURL: "https://pay.example.com/" + req.BookingID.String(),
	}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// clock is a settable time source shared by the store and the service.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var (
	testLoc = mustLoad("America/Sao_Paulo")

	// Monday 2030-03-04 08:00 local. testDay is the following Tuesday.
	testNow = time.Date(2030, time.March, 4, 8, 0, 0, 0, testLoc)
	testDay = NewDate(2030, time.March, 5)
)

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, -3*60*60)
	}
	return loc
}

type fixture struct {
	store    *memStore
	payments *fakePayments
	notifier *recordingNotifier
	clock    *clock
	svc      *Service
	provider uuid.UUID
}

func newFixture() *fixture {
	c := &clock{t: testNow}
	store := newMemStore(c.Now)
	pay := &fakePayments{}
	rec := &recordingNotifier{}
	cfg := config.Config{
		StaleWindow:    15 * time.Minute,
		LockTTL:        5 * time.Second,
		ClinicTimezone: "America/Sao_Paulo",
	}
	svc := NewService(store, nil, pay, cfg,
		WithNotifier(rec),
		WithClock(c.Now),
	)
	return &fixture{
		store:    store,
		payments: pay,
		notifier: rec,
		clock:    c,
		svc:      svc,
		provider: uuid.New(),
	}
}

func (f *fixture) request(t string) BookingRequest {
	return BookingRequest{
		ProviderID: f.provider,
		Date:       testDay,
		Time:       MustTimeOfDay(t),
		Patient:    PatientInfo{Name: "Maria Silva", Contact: "+55 11 91234-5678"},
	}
}

// interleavingStore runs hook once, right after the next GetBooking read,
// so another writer can land between a read and the write that follows it.
type interleavingStore struct {
	*memStore
	mu   sync.Mutex
	hook func()
}

func (s *interleavingStore) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := s.memStore.GetBooking(ctx, id)

	s.mu.Lock()
	hook := s.hook
	s.hook = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return b, err
}

// interleaved returns a service over the fixture's store whose next
// booking read is followed by hook.
func (f *fixture) interleaved(hook func()) *Service {
	store := &interleavingStore{memStore: f.store, hook: hook}
	return NewService(store, nil, f.payments, f.svc.cfg,
		WithNotifier(f.notifier),
		WithClock(f.clock.Now),
	)
}
