// Package notify turns booking events into short patient messages with a
// deep link. Delivery is fire-and-forget.
package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Kind string

const (
	KindNew         Kind = "new"
	KindConfirmed   Kind = "confirmed"
	KindCancelled   Kind = "cancelled"
	KindRescheduled Kind = "rescheduled"
)

type Event struct {
	Kind           Kind
	BookingID      string
	ProviderID     string
	PatientName    string
	PatientContact string
	Date           string // 2006-01-02
	Time           string // 15:04
}

type Message struct {
	Text string
	Link string
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Compose builds the message for ev. Phone contacts get a wa.me link,
// anything else links to the booking page under baseURL.
func Compose(ev Event, baseURL string) Message {
	when := ev.Time
	if d, err := time.Parse("2006-01-02", ev.Date); err == nil {
		when = d.Format("02/01/2006") + " às " + ev.Time
	}

	var text string
	switch ev.Kind {
	case KindNew:
		text = fmt.Sprintf("Olá %s, recebemos seu pedido de consulta para %s.", ev.PatientName, when)
	case KindConfirmed:
		text = fmt.Sprintf("Olá %s, sua consulta de %s está confirmada.", ev.PatientName, when)
	case KindCancelled:
		text = fmt.Sprintf("Olá %s, sua consulta de %s foi cancelada.", ev.PatientName, when)
	case KindRescheduled:
		text = fmt.Sprintf("Olá %s, propusemos um novo horário para sua consulta: %s.", ev.PatientName, when)
	default:
		text = fmt.Sprintf("Olá %s, houve uma atualização na sua consulta de %s.", ev.PatientName, when)
	}

	if phone := phoneDigits(ev.PatientContact); phone != "" {
		return Message{Text: text, Link: "https://wa.me/" + phone + "?text=" + url.QueryEscape(text)}
	}
	return Message{Text: text, Link: strings.TrimRight(baseURL, "/") + "/bookings/" + ev.BookingID}
}

// phoneDigits returns the digits of contact when it looks like a phone
// number, or "" otherwise.
func phoneDigits(contact string) string {
	if strings.Contains(contact, "@") {
		return ""
	}
	var b strings.Builder
	for _, r := range contact {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return ""
		}
	}
	if b.Len() < 10 {
		return ""
	}
	return b.String()
}

// LogNotifier records composed messages in the log.
type LogNotifier struct {
	log     zerolog.Logger
	baseURL string
}

func NewLogNotifier(log zerolog.Logger, baseURL string) *LogNotifier {
	return &LogNotifier{log: log, baseURL: baseURL}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	msg := Compose(ev, n.baseURL)
	n.log.Info().
		Str("kind", string(ev.Kind)).
		Str("booking_id", ev.BookingID).
		Str("link", msg.Link).
		Msg(msg.Text)
	return nil
}

// Dispatcher runs the wrapped Notifier in the background so callers never
// wait on delivery.
type Dispatcher struct {
	next    Notifier
	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(next Notifier, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{next: next, timeout: timeout, log: log}
}

func (d *Dispatcher) Notify(ctx context.Context, ev Event) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.next.Notify(nctx, ev); err != nil {
			d.log.Warn().Err(err).
				Str("kind", string(ev.Kind)).
				Str("booking_id", ev.BookingID).
				Msg("notification failed")
		}
	}()
	return nil
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
