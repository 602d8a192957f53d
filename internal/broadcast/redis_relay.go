package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type envelope struct {
	Origin string `json:"origin"`
	Topic  string `json:"topic"`
	Event  Event  `json:"event"`
}

// RedisRelay shares events between instances. Publish delivers to the local publisher at once
// and forwards over Redis pub/sub; Run feeds events from other instances into the local
// publisher, skipping this instance's own echoes.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	origin  string
	local   Publisher
	log     logrus.FieldLogger
	ready   chan struct{}
}

func NewRedisRelay(client redis.UniversalClient, channel string, local Publisher, log logrus.FieldLogger) *RedisRelay {
	origin := uuid.NewString()
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  origin,
		local:   local,
		log:     log.WithFields(logrus.Fields{"component": "redis-relay", "origin": origin}),
		ready:   make(chan struct{}),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, topic string, event Event) error {
	localErr := r.local.Publish(ctx, topic, event)

	data, err := json.Marshal(envelope{Origin: r.origin, Topic: topic, Event: event})
	if err != nil {
		return errors.Join(localErr, fmt.Errorf("encode relay envelope: %w", err))
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return errors.Join(localErr, fmt.Errorf("relay publish: %w", err))
	}
	return localErr
}

// Ready is closed once Run holds a confirmed subscription.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run blocks until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	close(r.ready)
	r.log.WithField("channel", r.channel).Info("relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.WithError(err).Warn("dropping malformed relay message")
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			if err := r.local.Publish(ctx, env.Topic, env.Event); err != nil {
				r.log.WithError(err).WithField("topic", env.Topic).Warn("local delivery failed")
			}
		}
	}
}

var _ Publisher = (*RedisRelay)(nil)
