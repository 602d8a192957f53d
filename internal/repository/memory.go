package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Domenick1991/ridedispatch/config"
	"github.com/Domenick1991/ridedispatch/internal/domain"
)

// MemoryStore keeps bookings, vehicles and drivers in one process behind a single mutex,
// which gives every operation the same all-or-nothing behaviour as the Postgres transactions.
// It backs the "memory" database driver and the service tests.
type MemoryStore struct {
	mu       sync.Mutex
	bookings map[string]*domain.Booking
	order    []string
	vehicles map[string]*domain.Vehicle
	drivers  map[string]*domain.Driver
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*domain.Booking),
		vehicles: make(map[string]*domain.Vehicle),
		drivers:  make(map[string]*domain.Driver),
		now:      time.Now,
	}
}

// NewSeededMemoryStore registers an approved (or pending) driver with an available vehicle
// for every seed entry.
func NewSeededMemoryStore(seed []config.SeedDriver) (*MemoryStore, error) {
	s := NewMemoryStore()
	for _, d := range seed {
		vt, ok := domain.ParseVehicleType(d.VehicleType)
		if !ok {
			return nil, fmt.Errorf("seed driver %s: unknown vehicle type %q", d.DriverID, d.VehicleType)
		}
		approval := domain.ApprovalStatusPending
		if d.Approved {
			approval = domain.ApprovalStatusApproved
		}
		vehicleID := d.VehicleID
		s.PutVehicle(domain.Vehicle{ID: vehicleID, Type: vt, Status: domain.VehicleStatusAvailable, DriverID: d.DriverID})
		s.PutDriver(domain.Driver{ID: d.DriverID, Email: d.Email, ApprovalStatus: approval, VehicleID: &vehicleID})
	}
	return s, nil
}

func (s *MemoryStore) PutVehicle(v domain.Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = s.now()
	}
	s.vehicles[v.ID] = &v
}

func (s *MemoryStore) PutDriver(d domain.Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[d.ID] = &d
}

func (s *MemoryStore) Bookings() BookingRepository { return (*memoryBookings)(s) }
func (s *MemoryStore) Vehicles() VehicleRegistry   { return (*memoryVehicles)(s) }
func (s *MemoryStore) Drivers() DriverRepository   { return (*memoryDrivers)(s) }

type memoryBookings MemoryStore

func (m *memoryBookings) Create(_ context.Context, b *domain.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bookings[b.ID]; exists {
		return fmt.Errorf("insert booking: duplicate id %s", b.ID)
	}
	for _, other := range m.bookings {
		if other.BookingCode == b.BookingCode {
			return ErrDuplicateCode
		}
		if other.CustomerID == b.CustomerID && !other.Status.IsTerminal() {
			return domain.ErrActiveBookingExists
		}
	}
	b.Version = 1
	m.bookings[b.ID] = b.Clone()
	m.order = append(m.order, b.ID)
	return nil
}

func (m *memoryBookings) GetByID(_ context.Context, id string) (*domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	return b.Clone(), nil
}

func (m *memoryBookings) List(_ context.Context, filter BookingFilter) ([]domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Booking, 0)
	for _, id := range m.order {
		b := m.bookings[id]
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, b.Status) {
			continue
		}
		if filter.VehicleType != "" && b.RequestedVehicleType != filter.VehicleType {
			continue
		}
		out = append(out, *b.Clone())
	}
	return out, nil
}

func (m *memoryBookings) FindActiveForCustomer(_ context.Context, customerID string) (*domain.Booking, error) {
	return m.findActive(func(b *domain.Booking) bool { return b.CustomerID == customerID })
}

func (m *memoryBookings) FindActiveForDriver(_ context.Context, driverID string) (*domain.Booking, error) {
	return m.findActive(func(b *domain.Booking) bool { return b.IsAssignedTo(driverID) })
}

func (m *memoryBookings) findActive(match func(*domain.Booking) bool) (*domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		b := m.bookings[m.order[i]]
		if !b.Status.IsTerminal() && match(b) {
			return b.Clone(), nil
		}
	}
	return nil, domain.ErrBookingNotFound
}

func (m *memoryBookings) Transition(_ context.Context, t Transition) (*domain.Booking, error) {
	if len(t.From) == 0 || !t.To.Valid() {
		return nil, fmt.Errorf("transition %s: empty source set or unknown target %q", t.BookingID, t.To)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[t.BookingID]
	if !ok || !slices.Contains(t.From, b.Status) {
		return nil, ErrNoTransition
	}
	if t.DriverID != "" && !b.IsAssignedTo(t.DriverID) {
		return nil, ErrNoTransition
	}
	if t.CustomerID != "" && b.CustomerID != t.CustomerID {
		return nil, ErrNoTransition
	}
	if t.BroadcastedBefore != nil && (b.BroadcastedAt == nil || b.BroadcastedAt.After(*t.BroadcastedBefore)) {
		return nil, ErrNoTransition
	}

	if b.VehicleID != nil {
		vehicles := (*memoryVehicles)(m)
		var err error
		switch t.Vehicle {
		case VehicleRelease:
			err = vehicles.release(*b.VehicleID)
		case VehicleInUse:
			err = vehicles.promote(*b.VehicleID)
		}
		if err != nil {
			return nil, err
		}
	}

	b.Status = t.To
	b.Stamp(t.To, t.At)
	b.Version++
	if t.Reason != "" {
		b.CancelReason = t.Reason
	}
	return b.Clone(), nil
}

func (m *memoryBookings) Accept(_ context.Context, a Acceptance) (*domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[a.BookingID]
	if !ok || !b.Status.CanTransition(domain.BookingStatusAccepted) || b.DriverID != nil || b.VehicleID != nil {
		return nil, ErrNoTransition
	}
	for _, other := range m.bookings {
		if other.IsAssignedTo(a.DriverID) && !other.Status.IsTerminal() {
			return nil, domain.ErrDriverBusy
		}
	}
	if err := (*memoryVehicles)(m).reserve(a.VehicleID, a.BookingID); err != nil {
		return nil, err
	}

	driverID, vehicleID := a.DriverID, a.VehicleID
	b.Status = domain.BookingStatusAccepted
	b.DriverID = &driverID
	b.VehicleID = &vehicleID
	b.Stamp(domain.BookingStatusAccepted, a.At)
	b.Version++
	return b.Clone(), nil
}

func (m *memoryBookings) ExpireBroadcastedBefore(_ context.Context, deadline, at time.Time) ([]domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := make([]domain.Booking, 0)
	for _, id := range m.order {
		b := m.bookings[id]
		if b.Status != domain.BookingStatusBroadcasted || b.BroadcastedAt == nil || b.BroadcastedAt.After(deadline) {
			continue
		}
		b.Status = domain.BookingStatusExpired
		b.UpdatedAt = at
		b.Version++
		expired = append(expired, *b.Clone())
	}
	return expired, nil
}

type memoryVehicles MemoryStore

func (m *memoryVehicles) GetByID(_ context.Context, id string) (*domain.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return nil, domain.ErrVehicleNotFound
	}
	return cloneVehicle(v), nil
}

func (m *memoryVehicles) List(_ context.Context) ([]domain.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, *cloneVehicle(v))
	}
	slices.SortFunc(out, func(a, b domain.Vehicle) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *memoryVehicles) TryReserve(_ context.Context, vehicleID, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserve(vehicleID, bookingID)
}

func (m *memoryVehicles) Release(_ context.Context, vehicleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.release(vehicleID)
}

func (m *memoryVehicles) PromoteToInUse(_ context.Context, vehicleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.promote(vehicleID)
}

// reserve, release and promote expect the caller to hold the lock.
func (m *memoryVehicles) reserve(vehicleID, bookingID string) error {
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return domain.ErrVehicleNotFound
	}
	if !v.Reservable() {
		return domain.ErrVehicleNotAvailable
	}
	id := bookingID
	v.Status = domain.VehicleStatusBooked
	v.LockedForRide = true
	v.CurrentBookingID = &id
	v.UpdatedAt = m.now()
	return nil
}

func (m *memoryVehicles) release(vehicleID string) error {
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return domain.ErrVehicleNotFound
	}
	v.Status = domain.VehicleStatusAvailable
	v.LockedForRide = false
	v.CurrentBookingID = nil
	v.UpdatedAt = m.now()
	return nil
}

func (m *memoryVehicles) promote(vehicleID string) error {
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return domain.ErrVehicleNotFound
	}
	if v.Status != domain.VehicleStatusBooked {
		return domain.ErrVehicleNotAvailable
	}
	v.Status = domain.VehicleStatusInUse
	v.UpdatedAt = m.now()
	return nil
}

func cloneVehicle(v *domain.Vehicle) *domain.Vehicle {
	c := *v
	if v.CurrentBookingID != nil {
		id := *v.CurrentBookingID
		c.CurrentBookingID = &id
	}
	return &c
}

type memoryDrivers MemoryStore

func (m *memoryDrivers) GetByID(_ context.Context, id string) (*domain.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, domain.ErrDriverNotFound
	}
	c := *d
	if d.VehicleID != nil {
		vid := *d.VehicleID
		c.VehicleID = &vid
	}
	return &c, nil
}

var (
	_ BookingRepository = (*memoryBookings)(nil)
	_ VehicleRegistry   = (*memoryVehicles)(nil)
	_ DriverRepository  = (*memoryDrivers)(nil)
)
