package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Accept outcomes recorded by the dispatch engine.
const (
	OutcomeAccepted        = "accepted"
	OutcomeAlreadyAccepted = "already_accepted"
	OutcomeNotEligible     = "not_eligible"
	OutcomeExpired         = "expired"
	OutcomeInvalid         = "invalid_transition"
	OutcomeError           = "error"
)

// Recorder receives dispatch events. Implementations must be safe for concurrent use.
type Recorder interface {
	BookingCreated(vehicleType string)
	AcceptAttempt(outcome string, latency time.Duration)
	Transition(status string)
	Expired(count int)
}

type Nop struct{}

func (Nop) BookingCreated(string) {}
func (Nop) AcceptAttempt(string, time.Duration) {}
func (Nop) Transition(string) {}
func (Nop) Expired(int) {}

// PromRecorder records dispatch events in Prometheus metrics.
type PromRecorder struct {
	created       *prometheus.CounterVec
	accepts       *prometheus.CounterVec
	acceptLatency *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	expired       prometheus.Counter
}

// NewPromRecorder registers dispatch metrics on reg (default registerer when nil).
// Collectors that are already registered are reused.
func NewPromRecorder(reg prometheus.Registerer) (*PromRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	created := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_bookings_created_total",
		Help: "Bookings created, by requested vehicle type",
	}, []string{"vehicle_type"})
	accepts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_accept_attempts_total",
		Help: "Accept calls, by outcome",
	}, []string{"outcome"})
	acceptLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_accept_duration_seconds",
		Help:    "Time spent arbitrating an accept call",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_transitions_total",
		Help: "Committed booking status transitions, by target status",
	}, []string{"status"})
	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_broadcasts_expired_total",
		Help: "Broadcasted bookings expired by the sweep",
	})

	var err error
	if created, err = register(reg, created); err != nil {
		return nil, err
	}
	if accepts, err = register(reg, accepts); err != nil {
		return nil, err
	}
	if acceptLatency, err = register(reg, acceptLatency); err != nil {
		return nil, err
	}
	if transitions, err = register(reg, transitions); err != nil {
		return nil, err
	}
	if expired, err = register(reg, expired); err != nil {
		return nil, err
	}

	return &PromRecorder{
		created:       created,
		accepts:       accepts,
		acceptLatency: acceptLatency,
		transitions:   transitions,
		expired:       expired,
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (r *PromRecorder) BookingCreated(vehicleType string) {
	r.created.WithLabelValues(vehicleType).Inc()
}

func (r *PromRecorder) AcceptAttempt(outcome string, latency time.Duration) {
	r.accepts.WithLabelValues(outcome).Inc()
	r.acceptLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

func (r *PromRecorder) Transition(status string) {
	r.transitions.WithLabelValues(status).Inc()
}

func (r *PromRecorder) Expired(count int) {
	r.expired.Add(float64(count))
}

var (
	_ Recorder = Nop{}
	_ Recorder = (*PromRecorder)(nil)
)
