package appointment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ChangeKind string

const (
	ChangeCreated     ChangeKind = "created"
	ChangeConfirmed   ChangeKind = "confirmed"
	ChangeCancelled   ChangeKind = "cancelled"
	ChangeRescheduled ChangeKind = "rescheduled"
	ChangeExpired     ChangeKind = "expired"
	ChangePayment     ChangeKind = "payment"
)

// ChangeEvent describes a booking row change as seen by a provider's worklist.
type ChangeEvent struct {
	Kind          ChangeKind    `json:"kind"`
	BookingID     uuid.UUID     `json:"booking_id"`
	ProviderID    uuid.UUID     `json:"provider_id"`
	Status        BookingStatus `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Date          Date          `json:"date"`
	Time          TimeOfDay     `json:"time"`
	At            time.Time     `json:"at"`
}

// Broker is a topic based pub/sub transport. Implementations must be safe
// for concurrent use.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (unsubscribe func(), err error)
}

// ChangeFeed publishes booking changes per provider over a Broker.
type ChangeFeed struct {
	broker Broker
	log    zerolog.Logger
}

func NewChangeFeed(broker Broker, log zerolog.Logger) *ChangeFeed {
	return &ChangeFeed{broker: broker, log: log}
}

func providerTopic(providerID uuid.UUID) string {
	return "bookings:provider:" + providerID.String()
}

// Publish logs broker failures instead of returning them.
func (f *ChangeFeed) Publish(ctx context.Context, kind ChangeKind, b *Booking, at time.Time) {
	ev := ChangeEvent{
		Kind:          kind,
		BookingID:     b.ID,
		ProviderID:    b.ProviderID,
		Status:        b.Status,
		PaymentStatus: b.PaymentStatus,
		Date:          b.Date,
		Time:          b.Time,
		At:            at,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		f.log.Error().Err(err).Str("booking_id", b.ID.String()).Msg("marshal change event")
		return
	}
	if err := f.broker.Publish(ctx, providerTopic(b.ProviderID), data); err != nil {
		f.log.Warn().Err(err).
			Str("booking_id", b.ID.String()).
			Str("kind", string(kind)).
			Msg("publish change event")
	}
}

func (f *ChangeFeed) Subscribe(ctx context.Context, providerID uuid.UUID, onChange func(ChangeEvent)) (func(), error) {
	unsubscribe, err := f.broker.Subscribe(ctx, providerTopic(providerID), func(payload []byte) {
		var ev ChangeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			f.log.Warn().Err(err).Msg("discarding malformed change event")
			return
		}
		onChange(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to provider %s: %w", providerID, err)
	}
	return unsubscribe, nil
}

// MemoryBroker delivers messages synchronously to in-process subscribers.
type MemoryBroker struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]func([]byte)
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{handlers: make(map[string]map[int]func([]byte))}
}

func (m *MemoryBroker) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	hs := make([]func([]byte), 0, len(m.handlers[topic]))
	for _, h := range m.handlers[topic] {
		hs = append(hs, h)
	}
	m.mu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
	return nil
}

// Subscribe registers handler until the returned function is called or ctx
// is done, whichever comes first.
func (m *MemoryBroker) Subscribe(ctx context.Context, topic string, handler func([]byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	if m.handlers[topic] == nil {
		m.handlers[topic] = make(map[int]func([]byte))
	}
	m.handlers[topic][id] = handler

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.handlers[topic], id)
			if len(m.handlers[topic]) == 0 {
				delete(m.handlers, topic)
			}
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)

	return func() {
		stop()
		unsubscribe()
	}, nil
}
