package broadcast

import "sync"

const defaultOrderWindow = 4096

type lastSeen struct {
	version int64
	typ     EventType
}

// Ordering admits an event only when it is newer than everything already admitted for the
// same booking, so a subscriber never sees a booking move backwards. A removal is admitted at
// the version of the snapshot it follows. Unversioned events always pass. It remembers the
// most recent window bookings.
type Ordering struct {
	mu     sync.Mutex
	seen   map[string]lastSeen
	fifo   []string
	window int
}

func NewOrdering(window int) *Ordering {
	if window <= 0 {
		window = defaultOrderWindow
	}
	return &Ordering{seen: make(map[string]lastSeen), window: window}
}

func (o *Ordering) Admit(e Event) bool {
	if e.Version == 0 || e.BookingID == "" {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	prev, ok := o.seen[e.BookingID]
	switch {
	case !ok:
		o.track(e.BookingID)
	case e.Version > prev.version:
	case e.Version == prev.version && e.Type == EventRemoved && prev.typ == EventSnapshot:
	default:
		return false
	}
	o.seen[e.BookingID] = lastSeen{version: e.Version, typ: e.Type}
	return true
}

func (o *Ordering) track(id string) {
	o.fifo = append(o.fifo, id)
	if len(o.fifo) <= o.window {
		return
	}
	delete(o.seen, o.fifo[0])
	o.fifo = o.fifo[1:]
}
