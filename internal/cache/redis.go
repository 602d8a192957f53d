package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Domenick1991/ridedispatch/config"
	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	client     redis.UniversalClient
	pendingTTL time.Duration
	now        func() time.Time
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

func NewRedisCache(client redis.UniversalClient, pendingTTL time.Duration) *RedisCache {
	return &RedisCache{
		client:     client,
		pendingTTL: pendingTTL,
		now:        time.Now,
	}
}

// GetPending returns the cached pending list for a vehicle type; (nil, nil) is a miss.
func (c *RedisCache) GetPending(ctx context.Context, vt domain.VehicleType) ([]domain.Booking, error) {
	data, err := c.client.Get(ctx, pendingKey(vt)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	bookings := make([]domain.Booking, 0)
	if err := json.Unmarshal(data, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

// setPendingScript writes the list only while the generation is still the one the caller
// read before loading it.
var setPendingScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[2]) or '0')
if current ~= tonumber(ARGV[1]) then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// PendingGeneration is read before loading the list that will be passed to SetPending.
func (c *RedisCache) PendingGeneration(ctx context.Context, vt domain.VehicleType) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(vt)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// SetPending stores bookings unless InvalidatePending ran since gen was read, in which case
// the list may predate that change and is discarded.
func (c *RedisCache) SetPending(ctx context.Context, vt domain.VehicleType, gen int64, bookings []domain.Booking) error {
	if bookings == nil {
		bookings = []domain.Booking{}
	}
	payload, err := json.Marshal(bookings)
	if err != nil {
		return err
	}
	keys := []string{pendingKey(vt), generationKey(vt)}
	return setPendingScript.Run(ctx, c.client, keys, gen, payload, c.pendingTTL.Milliseconds()).Err()
}

func (c *RedisCache) InvalidatePending(ctx context.Context, vt domain.VehicleType) error {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, generationKey(vt))
	pipe.Del(ctx, pendingKey(vt))
	_, err := pipe.Exec(ctx)
	return err
}

// AddRejection hides bookingID from driverID's pending list until ttl passes. Members are
// scored by their expiry so each rejection ages out on its own; the key itself lives as long
// as the newest member, which assumes one ttl for every call.
func (c *RedisCache) AddRejection(ctx context.Context, driverID, bookingID string, ttl time.Duration) error {
	key := rejectionsKey(driverID)
	expiresAt := c.now().Add(ttl)

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiresAt.Unix()), Member: bookingID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(c.now().Unix(), 10))
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) Rejections(ctx context.Context, driverID string) (map[string]struct{}, error) {
	ids, err := c.client.ZRangeByScore(ctx, rejectionsKey(driverID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(c.now().Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func pendingKey(vt domain.VehicleType) string {
	return fmt.Sprintf("cache:pending:%s", vt)
}

func generationKey(vt domain.VehicleType) string {
	return fmt.Sprintf("cache:pending:gen:%s", vt)
}

func rejectionsKey(driverID string) string {
	return fmt.Sprintf("rejections:driver:%s", driverID)
}
