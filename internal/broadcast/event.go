// Package broadcast fans booking events out to topic subscribers: websocket sessions in this
// process, other instances over Redis, and external consumers over Kafka and MQTT.
package broadcast

import (
	"context"
	"strings"
	"time"

	"github.com/Domenick1991/ridedispatch/internal/domain"
)

const (
	TopicRideRequests = "ride-requests"
	TopicBookings     = "bookings"

	driverTopicPrefix = "driver/"
	userTopicPrefix   = "user/"
	stompTopicPrefix  = "/topic/"
)

type EventType string

const (
	EventSnapshot EventType = "booking.snapshot"
	EventRemoved  EventType = "booking.removed"
)

// Event is what subscribers receive. Snapshots carry the full booking; removals carry only
// the id and enough routing data for a client to prune its pending list. Events for one
// booking may be published out of order; subscribers drop stale ones by Version.
type Event struct {
	Type        EventType            `json:"type"`
	BookingID   string               `json:"bookingId"`
	Status      domain.BookingStatus `json:"status"`
	VehicleType domain.VehicleType   `json:"vehicleType"`
	Booking     *domain.Booking      `json:"booking,omitempty"`
	OccurredAt  time.Time            `json:"occurredAt"`
	// Version is the booking version the event was taken from.
	Version     int64                `json:"version"`
}

func Snapshot(b *domain.Booking) Event {
	return Event{
		Type:        EventSnapshot,
		BookingID:   b.ID,
		Status:      b.Status,
		VehicleType: b.RequestedVehicleType,
		Booking:     b.Clone(),
		OccurredAt:  b.UpdatedAt,
		Version:     b.Version,
	}
}

func Removal(b *domain.Booking) Event {
	return Event{
		Type:        EventRemoved,
		BookingID:   b.ID,
		Status:      b.Status,
		VehicleType: b.RequestedVehicleType,
		OccurredAt:  b.UpdatedAt,
		Version:     b.Version,
	}
}

type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
}

// Subscription is the consumer side, regardless of whether events are pushed or polled.
type Subscription interface {
	Events() <-chan Event
	Close()
}

func DriverTopic(vt domain.VehicleType) string {
	return driverTopicPrefix + string(vt)
}

func UserTopic(userID string) string {
	return userTopicPrefix + userID
}

// NormalizeTopic strips the STOMP "/topic/" prefix and surrounding slashes.
func NormalizeTopic(destination string) string {
	t := strings.TrimSpace(destination)
	t = strings.TrimPrefix(t, stompTopicPrefix)
	return strings.Trim(t, "/")
}

// ParseDriverTopic returns the vehicle type of a driver/{TYPE} topic.
func ParseDriverTopic(topic string) (domain.VehicleType, bool) {
	rest, ok := strings.CutPrefix(topic, driverTopicPrefix)
	if !ok {
		return "", false
	}
	vt := domain.VehicleType(rest)
	return vt, vt.Valid()
}

// ParseUserTopic returns the user id of a user/{id} topic.
func ParseUserTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, userTopicPrefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// ValidTopic reports whether topic is one the dispatch core publishes to.
func ValidTopic(topic string) bool {
	if topic == TopicRideRequests || topic == TopicBookings {
		return true
	}
	if _, ok := ParseDriverTopic(topic); ok {
		return true
	}
	_, ok := ParseUserTopic(topic)
	return ok
}
