package domain

import (
	"strings"
	"time"
)

type BookingStatus string

const (
	BookingStatusPending             BookingStatus = "PENDING"
	BookingStatusBroadcasted         BookingStatus = "BROADCASTED"
	BookingStatusAccepted            BookingStatus = "ACCEPTED"
	BookingStatusArrived             BookingStatus = "ARRIVED"
	BookingStatusStarted             BookingStatus = "STARTED"
	BookingStatusCompleted           BookingStatus = "COMPLETED"
	BookingStatusCancelledByCustomer BookingStatus = "CANCELLED_BY_CUSTOMER"
	BookingStatusCancelledByDriver   BookingStatus = "CANCELLED_BY_DRIVER"
	BookingStatusCancelledByAdmin    BookingStatus = "CANCELLED_BY_ADMIN"
	BookingStatusExpired             BookingStatus = "EXPIRED"
)

// statusAliases are accepted on input only; IN_PROGRESS is what older clients send for STARTED.
var statusAliases = map[string]BookingStatus{
	"IN_PROGRESS": BookingStatusStarted,
}

// transitions is the whole lifecycle graph. A write that is not listed here is rejected.
var transitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending: {
		BookingStatusBroadcasted,
		BookingStatusAccepted,
		BookingStatusCancelledByCustomer,
		BookingStatusCancelledByDriver,
		BookingStatusCancelledByAdmin,
	},
	BookingStatusBroadcasted: {
		BookingStatusAccepted,
		BookingStatusExpired,
		BookingStatusCancelledByCustomer,
		BookingStatusCancelledByDriver,
		BookingStatusCancelledByAdmin,
	},
	BookingStatusAccepted: {
		BookingStatusArrived,
		BookingStatusCancelledByCustomer,
		BookingStatusCancelledByDriver,
		BookingStatusCancelledByAdmin,
	},
	BookingStatusArrived: {
		BookingStatusStarted,
		BookingStatusCancelledByCustomer,
		BookingStatusCancelledByDriver,
		BookingStatusCancelledByAdmin,
	},
	BookingStatusStarted: {
		BookingStatusCompleted,
	},
}

var allStatuses = []BookingStatus{
	BookingStatusPending,
	BookingStatusBroadcasted,
	BookingStatusAccepted,
	BookingStatusArrived,
	BookingStatusStarted,
	BookingStatusCompleted,
	BookingStatusCancelledByCustomer,
	BookingStatusCancelledByDriver,
	BookingStatusCancelledByAdmin,
	BookingStatusExpired,
}

func ParseBookingStatus(s string) (BookingStatus, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if alias, ok := statusAliases[s]; ok {
		return alias, true
	}
	for _, st := range allStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func (s BookingStatus) Valid() bool {
	for _, st := range allStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether the graph has an edge from s to next.
func (s BookingStatus) CanTransition(next BookingStatus) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

func (s BookingStatus) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

func (s BookingStatus) IsCancelled() bool {
	switch s {
	case BookingStatusCancelledByCustomer, BookingStatusCancelledByDriver, BookingStatusCancelledByAdmin:
		return true
	}
	return false
}

// IsBroadcastable is true while the booking is still offered to drivers.
func (s BookingStatus) IsBroadcastable() bool {
	return s == BookingStatusPending || s == BookingStatusBroadcasted
}

// Sources returns every status that has an edge into to, in graph order.
func Sources(to BookingStatus) []BookingStatus {
	var out []BookingStatus
	for _, from := range allStatuses {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

// ActiveStatuses are the non-terminal statuses.
func ActiveStatuses() []BookingStatus {
	var out []BookingStatus
	for _, st := range allStatuses {
		if !st.IsTerminal() {
			out = append(out, st)
		}
	}
	return out
}

type VehicleType string

const (
	VehicleTypeSedan             VehicleType = "SEDAN"
	VehicleTypeSUV               VehicleType = "SUV"
	VehicleTypeBike              VehicleType = "BIKE"
	VehicleTypeAuto              VehicleType = "AUTO"
	VehicleTypeElectricalVehicle VehicleType = "ELECTRICAL_VEHICLE"
)

var vehicleCapacity = map[VehicleType]int{
	VehicleTypeBike:              1,
	VehicleTypeAuto:              3,
	VehicleTypeSedan:             4,
	VehicleTypeElectricalVehicle: 4,
	VehicleTypeSUV:               6,
}

func VehicleTypes() []VehicleType {
	return []VehicleType{
		VehicleTypeSedan,
		VehicleTypeSUV,
		VehicleTypeBike,
		VehicleTypeAuto,
		VehicleTypeElectricalVehicle,
	}
}

func ParseVehicleType(s string) (VehicleType, bool) {
	vt := VehicleType(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := vehicleCapacity[vt]
	return vt, ok
}

func (t VehicleType) Valid() bool {
	_, ok := vehicleCapacity[t]
	return ok
}

// Capacity is the maximum passenger count a vehicle of this type carries.
func (t VehicleType) Capacity() int {
	return vehicleCapacity[t]
}

type Location struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

func (l Location) ValidCoordinates() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

type Booking struct {
	ID                   string        `json:"id"`
	BookingCode          string        `json:"bookingCode"`
	CustomerID           string        `json:"customerId"`
	RequestedVehicleType VehicleType   `json:"requestedVehicleType"`
	Pickup               Location      `json:"pickup"`
	Drop                 Location      `json:"drop"`
	PassengerCount       int           `json:"passengerCount"`
	ContactNumber        string        `json:"contactNumber"`
	ScheduledTime        *time.Time    `json:"scheduledTime,omitempty"`
	DistanceKm           float64       `json:"distanceKm"`
	TotalCost            float64       `json:"totalCost"`
	Status               BookingStatus `json:"status"`
	DriverID             *string       `json:"driverId"`
	VehicleID            *string       `json:"vehicleId"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
	BroadcastedAt        *time.Time    `json:"broadcastedAt,omitempty"`
	AcceptedAt           *time.Time    `json:"acceptedAt,omitempty"`
	ArrivedAt            *time.Time    `json:"arrivedAt,omitempty"`
	StartedAt            *time.Time    `json:"startedAt,omitempty"`
	CompletedAt          *time.Time    `json:"completedAt,omitempty"`
	CancelledAt          *time.Time    `json:"cancelledAt,omitempty"`
	CancelReason         string        `json:"cancelReason,omitempty"`
	// Version starts at 1 and grows by one with every committed status change.
	Version              int64         `json:"version"`
}

// Assigned is true once a driver and vehicle hold the booking.
func (b *Booking) Assigned() bool {
	return b.DriverID != nil && b.VehicleID != nil
}

// AssignmentConsistent checks that driver and vehicle are either both set or both empty.
func (b *Booking) AssignmentConsistent() bool {
	return (b.DriverID == nil) == (b.VehicleID == nil)
}

func (b *Booking) IsAssignedTo(driverID string) bool {
	return b.DriverID != nil && *b.DriverID == driverID
}

// Stamp records the lifecycle timestamp belonging to status.
func (b *Booking) Stamp(status BookingStatus, at time.Time) {
	t := at
	switch {
	case status == BookingStatusBroadcasted:
		b.BroadcastedAt = &t
	case status == BookingStatusAccepted:
		b.AcceptedAt = &t
	case status == BookingStatusArrived:
		b.ArrivedAt = &t
	case status == BookingStatusStarted:
		b.StartedAt = &t
	case status == BookingStatusCompleted:
		b.CompletedAt = &t
	case status.IsCancelled():
		b.CancelledAt = &t
	}
	b.UpdatedAt = at
}

// Clone returns a deep copy so stored snapshots are never shared with callers.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	c.ScheduledTime = cloneTime(b.ScheduledTime)
	c.DriverID = cloneString(b.DriverID)
	c.VehicleID = cloneString(b.VehicleID)
	c.BroadcastedAt = cloneTime(b.BroadcastedAt)
	c.AcceptedAt = cloneTime(b.AcceptedAt)
	c.ArrivedAt = cloneTime(b.ArrivedAt)
	c.StartedAt = cloneTime(b.StartedAt)
	c.CompletedAt = cloneTime(b.CompletedAt)
	c.CancelledAt = cloneTime(b.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
