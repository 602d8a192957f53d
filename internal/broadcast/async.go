package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultAsyncBuffer = 1024
	asyncDrainTimeout  = 5 * time.Second
)

var ErrQueueFull = errors.New("publish queue full")

type queued struct {
	topic string
	event Event
}

// Async hands events to next from a single background worker, so a slow broker never holds
// up the caller. Events keep their enqueue order. When the buffer is full Publish fails fast
// with ErrQueueFull.
type Async struct {
	next   Publisher
	queue  chan queued
	log    logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsync(next Publisher, buffer int, log logrus.FieldLogger) *Async {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		next:   next,
		queue:  make(chan queued, buffer),
		log:    log.WithField("component", "async-publisher"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, topic string, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.queue <- queued{topic: topic, event: event}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for q := range a.queue {
		if a.ctx.Err() != nil {
			continue
		}
		if err := a.next.Publish(a.ctx, q.topic, q.event); err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{
				"topic":      q.topic,
				"booking_id": q.event.BookingID,
			}).Warn("deliver booking event")
		}
	}
}

// Close stops accepting events and drains the queue, giving up after a few seconds.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	select {
	case <-a.done:
	case <-time.After(asyncDrainTimeout):
		a.log.Warn("publish queue not drained; abandoning")
		a.cancel()
		<-a.done
	}
	a.cancel()
}

var _ Publisher = (*Async)(nil)
