package broadcast

import "context"

type EventProducer interface {
	PublishWithRetry(ctx context.Context, topic, key string, payload any, maxRetries int) error
}

// KafkaSink forwards the admin "bookings" stream, which carries every transition exactly
// once, to a Kafka topic keyed by booking id. Other topics are duplicates of it and skipped.
type KafkaSink struct {
	producer EventProducer
	topic    string
	retries  int
}

func NewKafkaSink(producer EventProducer, topic string, retries int) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic, retries: retries}
}

func (s *KafkaSink) Publish(ctx context.Context, topic string, event Event) error {
	if topic != TopicBookings {
		return nil
	}
	return s.producer.PublishWithRetry(ctx, s.topic, event.BookingID, event, s.retries)
}

var _ Publisher = (*KafkaSink)(nil)
