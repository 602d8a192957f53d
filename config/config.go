package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix marks environment overrides, e.g. DISPATCH_DATABASE__HOST=db.
const EnvPrefix = "DISPATCH_"

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Auth      AuthConfig      `yaml:"auth"`
	Booking   BookingConfig   `yaml:"booking"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Worker    WorkerConfig    `yaml:"worker"`
	Fare      FareConfig      `yaml:"fare"`
	Logging   LoggingConfig   `yaml:"logging"`
	Seed      []SeedDriver    `yaml:"seed"`
}

type HTTPConfig struct {
	Address     string   `yaml:"address"`
	CORSOrigins []string `yaml:"cors_origins"`
	Swagger     bool     `yaml:"swagger"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr                   string `yaml:"addr"`
	Password               string `yaml:"password"`
	DB                     int    `yaml:"db"`
	PendingCacheTTLSeconds int    `yaml:"pending_cache_ttl_seconds"`
}

func (r RedisConfig) PendingCacheTTL() time.Duration {
	return time.Duration(r.PendingCacheTTLSeconds) * time.Second
}

type KafkaConfig struct {
	Brokers            []string `yaml:"brokers"`
	BookingEventsTopic string   `yaml:"booking_events_topic"`
	NotificationsTopic string   `yaml:"notifications_topic"`
	GroupID            string   `yaml:"group_id"`
	PublishRetries     int      `yaml:"publish_retries"`
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.BookingEventsTopic != ""
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type AuthConfig struct {
	Secret          string `yaml:"secret"`
	TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
}

type BookingConfig struct {
	BroadcastTTLSeconds int `yaml:"broadcast_ttl_seconds"`
	RejectionTTLMinutes int `yaml:"rejection_ttl_minutes"`
	ScheduleSkewSeconds int `yaml:"schedule_skew_seconds"`
}

func (b BookingConfig) BroadcastTTL() time.Duration {
	return time.Duration(b.BroadcastTTLSeconds) * time.Second
}

func (b BookingConfig) RejectionTTL() time.Duration {
	return time.Duration(b.RejectionTTLMinutes) * time.Minute
}

func (b BookingConfig) ScheduleSkew() time.Duration {
	return time.Duration(b.ScheduleSkewSeconds) * time.Second
}

type BroadcastConfig struct {
	// Relay is "redis" for multi-instance fan-out or "local" for a single process.
	Relay        string `yaml:"relay"`
	RedisChannel string `yaml:"redis_channel"`
	// QueueSize bounds the events waiting for the Kafka and MQTT sinks.
	QueueSize    int    `yaml:"queue_size"`
}

type WorkerConfig struct {
	ExpirationSweepSeconds int  `yaml:"expiration_sweep_seconds"`
	Embedded               bool `yaml:"embedded"`
}

func (w WorkerConfig) SweepInterval() time.Duration {
	return time.Duration(w.ExpirationSweepSeconds) * time.Second
}

type FareConfig struct {
	Currency string              `yaml:"currency"`
	Rates    map[string]FareRate `yaml:"rates"`
}

type FareRate struct {
	Base    float64 `yaml:"base"`
	PerKm   float64 `yaml:"per_km"`
	Minimum float64 `yaml:"minimum"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SeedDriver preloads the memory store; ignored with the postgres driver.
type SeedDriver struct {
	DriverID    string `yaml:"driver_id"`
	Email       string `yaml:"email"`
	Approved    bool   `yaml:"approved"`
	VehicleID   string `yaml:"vehicle_id"`
	VehicleType string `yaml:"vehicle_type"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv layers DISPATCH_* variables over the file values; only keys present in the
// environment are touched.
func applyEnv(cfg *Config) error {
	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return err
	}
	if len(k.Keys()) == 0 {
		return nil
	}
	return k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"})
}

func (c *Config) SetDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Redis.PendingCacheTTLSeconds == 0 {
		c.Redis.PendingCacheTTLSeconds = 2
	}
	if c.Kafka.PublishRetries == 0 {
		c.Kafka.PublishRetries = 3
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "dispatch/"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "ridedispatch"
	}
	if c.Auth.TokenTTLMinutes == 0 {
		c.Auth.TokenTTLMinutes = 60
	}
	if c.Booking.BroadcastTTLSeconds == 0 {
		c.Booking.BroadcastTTLSeconds = 120
	}
	if c.Booking.RejectionTTLMinutes == 0 {
		c.Booking.RejectionTTLMinutes = 10
	}
	if c.Booking.ScheduleSkewSeconds == 0 {
		c.Booking.ScheduleSkewSeconds = 60
	}
	if c.Broadcast.Relay == "" {
		c.Broadcast.Relay = "local"
	}
	if c.Broadcast.RedisChannel == "" {
		c.Broadcast.RedisChannel = "dispatch:events"
	}
	if c.Broadcast.QueueSize == 0 {
		c.Broadcast.QueueSize = 1024
	}
	if c.Worker.ExpirationSweepSeconds == 0 {
		c.Worker.ExpirationSweepSeconds = 5
	}
	if c.Fare.Currency == "" {
		c.Fare.Currency = "INR"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	switch c.Broadcast.Relay {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("broadcast.relay: unsupported %q", c.Broadcast.Relay))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos: must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	for name := range c.Fare.Rates {
		if !validVehicleType(name) {
			errs = append(errs, fmt.Errorf("fare.rates: unknown vehicle type %q", name))
		}
	}
	for i, s := range c.Seed {
		if s.DriverID == "" || s.VehicleID == "" || !validVehicleType(s.VehicleType) {
			errs = append(errs, fmt.Errorf("seed[%d]: driver_id, vehicle_id and a valid vehicle_type are required", i))
		}
	}
	return errors.Join(errs...)
}

// ValidateWorker checks what a standalone worker process needs on top of Validate: it shares
// bookings with the API through Postgres, and its expiry events only reach API websocket
// subscribers through the Redis relay.
func (c *Config) ValidateWorker() error {
	var errs []error
	if c.Database.Driver != "postgres" {
		errs = append(errs, fmt.Errorf("database.driver: the worker needs postgres, got %q; use worker.embedded with the memory store", c.Database.Driver))
	}
	if c.Broadcast.Relay != "redis" {
		errs = append(errs, fmt.Errorf("broadcast.relay: the worker needs redis, got %q; use worker.embedded for a single process", c.Broadcast.Relay))
	}
	if c.Broadcast.Relay == "redis" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis relay"))
	}
	return errors.Join(errs...)
}

func validVehicleType(s string) bool {
	_, ok := domain.ParseVehicleType(s)
	return ok
}
