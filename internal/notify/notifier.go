// Package notify turns booking events from Kafka into notification intents for customers and
// drivers. Delivery channels (push, SMS, email) are outside this service; the default sink
// only logs what would be sent.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Domenick1991/ridedispatch/internal/broadcast"
	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type Audience string

const (
	AudienceCustomer Audience = "customer"
	AudienceDriver   Audience = "driver"
)

type Intent struct {
	BookingID   string               `json:"bookingId"`
	BookingCode string               `json:"bookingCode"`
	Audience    Audience             `json:"audience"`
	RecipientID string               `json:"recipientId"`
	Template    string               `json:"template"`
	Status      domain.BookingStatus `json:"status"`
}

type Sink interface {
	Deliver(ctx context.Context, intent Intent) error
}

type LogSink struct {
	log logrus.FieldLogger
}

func NewLogSink(log logrus.FieldLogger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Deliver(_ context.Context, intent Intent) error {
	s.log.WithFields(logrus.Fields{
		"booking_id":   intent.BookingID,
		"booking_code": intent.BookingCode,
		"audience":     intent.Audience,
		"recipient_id": intent.RecipientID,
		"template":     intent.Template,
	}).Info("notification")
	return nil
}

type rule struct {
	audience Audience
	template string
}

var rules = map[domain.BookingStatus][]rule{
	domain.BookingStatusBroadcasted:         {{AudienceCustomer, "searching_for_driver"}},
	domain.BookingStatusAccepted:            {{AudienceCustomer, "driver_assigned"}, {AudienceDriver, "ride_assigned"}},
	domain.BookingStatusArrived:             {{AudienceCustomer, "driver_arrived"}},
	domain.BookingStatusStarted:             {{AudienceCustomer, "ride_started"}},
	domain.BookingStatusCompleted:           {{AudienceCustomer, "ride_completed"}, {AudienceDriver, "ride_completed"}},
	domain.BookingStatusCancelledByCustomer: {{AudienceDriver, "cancelled_by_customer"}},
	domain.BookingStatusCancelledByDriver:   {{AudienceCustomer, "cancelled_by_driver"}},
	domain.BookingStatusCancelledByAdmin:    {{AudienceCustomer, "cancelled_by_support"}, {AudienceDriver, "cancelled_by_support"}},
	domain.BookingStatusExpired:             {{AudienceCustomer, "no_driver_found"}},
}

// Notifier skips events older than one it already handled for the same booking, so a late
// ARRIVED never follows a cancellation notice.
type Notifier struct {
	sink  Sink
	order *broadcast.Ordering
	log   logrus.FieldLogger
}

func NewNotifier(sink Sink, log logrus.FieldLogger) *Notifier {
	return &Notifier{sink: sink, order: broadcast.NewOrdering(0), log: log}
}

// Intents lists who hears about a snapshot. Removals carry no booking and produce nothing.
func Intents(event broadcast.Event) []Intent {
	if event.Type != broadcast.EventSnapshot || event.Booking == nil {
		return nil
	}
	b := event.Booking
	var out []Intent
	for _, r := range rules[b.Status] {
		recipient := b.CustomerID
		if r.audience == AudienceDriver {
			if b.DriverID == nil {
				continue
			}
			recipient = *b.DriverID
		}
		out = append(out, Intent{
			BookingID:   b.ID,
			BookingCode: b.BookingCode,
			Audience:    r.audience,
			RecipientID: recipient,
			Template:    r.template,
			Status:      b.Status,
		})
	}
	return out
}

// Handle is a kafka.Handler for the booking-events topic.
func (n *Notifier) Handle(ctx context.Context, msg kafka.Message) error {
	var event broadcast.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("decode booking event: %w", err)
	}
	if !n.order.Admit(event) {
		n.log.WithFields(logrus.Fields{"booking_id": event.BookingID, "version": event.Version}).Debug("stale booking event skipped")
		return nil
	}
	intents := Intents(event)
	for _, intent := range intents {
		if err := n.sink.Deliver(ctx, intent); err != nil {
			return fmt.Errorf("deliver %s to %s: %w", intent.Template, intent.RecipientID, err)
		}
	}
	n.log.WithFields(logrus.Fields{
		"booking_id": event.BookingID,
		"status":     event.Status,
		"intents":    len(intents),
	}).Debug("booking event handled")
	return nil
}
