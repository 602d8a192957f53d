package booking

import (
	"context"
	"time"

	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/sirupsen/logrus"
)

type Expirer interface {
	ExpireStaleBroadcasts(ctx context.Context) ([]domain.Booking, error)
}

// Sweeper expires broadcasts nobody accepted within the TTL. Several sweepers may run at once;
// the conditional update lets exactly one of them (or a racing accept) win each booking.
type Sweeper struct {
	svc      Expirer
	interval time.Duration
	log      logrus.FieldLogger
}

func NewSweeper(svc Expirer, interval time.Duration, log logrus.FieldLogger) *Sweeper {
	return &Sweeper{svc: svc, interval: interval, log: log}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.interval).Info("expiration sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiration sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.svc.ExpireStaleBroadcasts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.WithError(err).Error("expire stale broadcasts")
		}
		return
	}
	for _, b := range expired {
		s.log.WithFields(logrus.Fields{
			"booking_id":   b.ID,
			"vehicle_type": b.RequestedVehicleType,
		}).Debug("booking expired")
	}
}
