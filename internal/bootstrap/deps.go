package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/Domenick1991/ridedispatch/config"
	"github.com/Domenick1991/ridedispatch/internal/broadcast"
	"github.com/Domenick1991/ridedispatch/internal/cache"
	"github.com/Domenick1991/ridedispatch/internal/kafka"
	"github.com/Domenick1991/ridedispatch/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	connectAttempts = 5
	connectBackoff  = time.Second
)

// Store bundles the repositories behind either backend.
type Store struct {
	Bookings repository.BookingRepository
	Vehicles repository.VehicleRegistry
	Drivers  repository.DriverRepository
	Ping     HealthCheck
	Close    func()
}

// OpenStore connects to the configured backend. With postgres the schema is applied when
// initSchema is set; with memory the store is seeded from config.
func OpenStore(ctx context.Context, cfg *config.Config, initSchema bool, log logrus.FieldLogger) (*Store, error) {
	switch cfg.Database.Driver {
	case DriverMemory:
		mem, err := repository.NewSeededMemoryStore(cfg.Seed)
		if err != nil {
			return nil, err
		}
		log.WithField("drivers", len(cfg.Seed)).Warn("using in-memory store; state is lost on restart")
		return &Store{
			Bookings: mem.Bookings(),
			Vehicles: mem.Vehicles(),
			Drivers:  mem.Drivers(),
			Ping:     func(context.Context) error { return nil },
			Close:    func() {},
		}, nil

	case DriverPostgres, "":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := retry(ctx, log.WithField("target", "postgres"), pool.Ping); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if initSchema {
			if err := repository.ApplySchema(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
			log.Info("schema applied")
		}
		return &Store{
			Bookings: repository.NewBookingRepository(pool),
			Vehicles: repository.NewVehicleRegistry(pool),
			Drivers:  repository.NewDriverRepository(pool),
			Ping:     pool.Ping,
			Close:    pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// OpenRedis returns nil when no address is configured.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, log logrus.FieldLogger) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := cache.NewRedisClient(cfg)
	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if err := retry(ctx, log.WithField("target", "redis"), ping); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Fanout is the publisher chain for one process and the pieces that need lifecycle handling.
type Fanout struct {
	Hub       *broadcast.Hub
	Publisher broadcast.Publisher
	Relay     *broadcast.RedisRelay
	Producer  *kafka.Producer
	mqtt      *broadcast.MQTTBridge
	// async wraps the external sinks; closed before the clients they write to.
	async []*broadcast.Async
}

// NewFanout delivers to local websocket subscribers (through Redis when the relay is enabled)
// and mirrors to Kafka and MQTT when configured.
func NewFanout(cfg *config.Config, rdb *redis.Client, log logrus.FieldLogger) (*Fanout, error) {
	f := &Fanout{Hub: broadcast.NewHub(log)}

	var chain broadcast.Multi
	if cfg.Broadcast.Relay == "redis" {
		if rdb == nil {
			return nil, fmt.Errorf("broadcast relay redis needs redis.addr")
		}
		f.Relay = broadcast.NewRedisRelay(rdb, cfg.Broadcast.RedisChannel, f.Hub, log)
		chain = append(chain, f.Relay)
	} else {
		chain = append(chain, f.Hub)
	}

	if cfg.Kafka.Enabled() {
		f.Producer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		chain = append(chain, f.background(broadcast.NewKafkaSink(f.Producer, cfg.Kafka.BookingEventsTopic, cfg.Kafka.PublishRetries), cfg.Broadcast.QueueSize, log))
	}

	if cfg.MQTT.Enabled {
		bridge, err := broadcast.NewMQTTBridge(cfg.MQTT)
		if err != nil {
			f.Close()
			return nil, err
		}
		f.mqtt = bridge
		chain = append(chain, f.background(bridge, cfg.Broadcast.QueueSize, log))
	}

	f.Publisher = chain
	return f, nil
}

// Start runs the relay subscription until ctx ends.
func (f *Fanout) Start(ctx context.Context, log logrus.FieldLogger) {
	if f.Relay == nil {
		return
	}
	go func() {
		if err := f.Relay.Run(ctx); err != nil {
			log.WithError(err).Error("redis relay stopped")
		}
	}()
}

// background moves p off the request path.
func (f *Fanout) background(p broadcast.Publisher, size int, log logrus.FieldLogger) broadcast.Publisher {
	a := broadcast.NewAsync(p, size, log)
	f.async = append(f.async, a)
	return a
}

func (f *Fanout) Close() {
	for _, a := range f.async {
		a.Close()
	}
	if f.mqtt != nil {
		f.mqtt.Close()
	}
	if f.Producer != nil {
		_ = f.Producer.Close()
	}
	f.Hub.Close()
}

func retry(ctx context.Context, log logrus.FieldLogger, op func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		log.WithError(err).WithField("attempt", attempt).Warn("not reachable yet")
		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * connectBackoff):
		}
	}
	return err
}
