package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Domenick1991/ridedispatch/internal/domain"
)

// LocalCache keeps rejections in process memory. It backs the memory database driver when
// no Redis is configured, and never caches pending lists.
type LocalCache struct {
	mu         sync.Mutex
	rejections map[string]map[string]time.Time
	now        func() time.Time
}

func NewLocalCache() *LocalCache {
	return &LocalCache{
		rejections: make(map[string]map[string]time.Time),
		now:        time.Now,
	}
}

func (c *LocalCache) GetPending(context.Context, domain.VehicleType) ([]domain.Booking, error) {
	return nil, nil
}

func (c *LocalCache) PendingGeneration(context.Context, domain.VehicleType) (int64, error) {
	return 0, nil
}

func (c *LocalCache) SetPending(context.Context, domain.VehicleType, int64, []domain.Booking) error {
	return nil
}

func (c *LocalCache) InvalidatePending(context.Context, domain.VehicleType) error {
	return nil
}

func (c *LocalCache) AddRejection(_ context.Context, driverID, bookingID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.rejections[driverID]
	if !ok {
		set = make(map[string]time.Time)
		c.rejections[driverID] = set
	}
	set[bookingID] = c.now().Add(ttl)
	return nil
}

func (c *LocalCache) Rejections(_ context.Context, driverID string) (map[string]struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make(map[string]struct{})
	for id, expiresAt := range c.rejections[driverID] {
		if now.Before(expiresAt) {
			out[id] = struct{}{}
			continue
		}
		delete(c.rejections[driverID], id)
	}
	return out, nil
}
