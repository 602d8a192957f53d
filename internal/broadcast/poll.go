package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/sirupsen/logrus"
)

// Lister returns the current contents of a list view, e.g. a driver's pending bookings.
type Lister func(ctx context.Context) ([]domain.Booking, error)

type pollSubscription struct {
	ch     chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type seenBooking struct {
	status      domain.BookingStatus
	updatedAt   time.Time
	vehicleType domain.VehicleType
	version     int64
}

// NewPollSubscription diffs successive results of list and emits a snapshot for every new or
// changed booking and a removal for every booking that left the list. It stops when ctx ends
// or Close is called.
func NewPollSubscription(ctx context.Context, list Lister, interval time.Duration, log logrus.FieldLogger) Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &pollSubscription{ch: make(chan Event, subscriberBuffer), cancel: cancel}
	s.wg.Add(1)
	go s.run(ctx, list, interval, log)
	return s
}

func (s *pollSubscription) run(ctx context.Context, list Lister, interval time.Duration, log logrus.FieldLogger) {
	defer s.wg.Done()
	defer close(s.ch)

	seen := make(map[string]seenBooking)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		bookings, err := list(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("poll failed")
		} else if !s.diff(ctx, seen, bookings) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// diff reports false once ctx is done.
func (s *pollSubscription) diff(ctx context.Context, seen map[string]seenBooking, bookings []domain.Booking) bool {
	current := make(map[string]struct{}, len(bookings))
	for i := range bookings {
		b := &bookings[i]
		current[b.ID] = struct{}{}
		prev, ok := seen[b.ID]
		if ok && prev.status == b.Status && prev.updatedAt.Equal(b.UpdatedAt) {
			continue
		}
		// A lagging read must not roll the view back.
		if ok && b.Version != 0 && b.Version < prev.version {
			continue
		}
		seen[b.ID] = seenBooking{status: b.Status, updatedAt: b.UpdatedAt, vehicleType: b.RequestedVehicleType, version: b.Version}
		if !s.emit(ctx, Snapshot(b)) {
			return false
		}
	}
	for id, prev := range seen {
		if _, ok := current[id]; ok {
			continue
		}
		delete(seen, id)
		removed := Event{Type: EventRemoved, BookingID: id, Status: prev.status, VehicleType: prev.vehicleType, OccurredAt: time.Now(), Version: prev.version}
		if !s.emit(ctx, removed) {
			return false
		}
	}
	return true
}

func (s *pollSubscription) emit(ctx context.Context, e Event) bool {
	select {
	case s.ch <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *pollSubscription) Events() <-chan Event { return s.ch }

func (s *pollSubscription) Close() {
	s.cancel()
	s.wg.Wait()
}
