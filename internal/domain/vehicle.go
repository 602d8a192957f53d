package domain

import "time"

type VehicleStatus string

const (
	VehicleStatusAvailable   VehicleStatus = "AVAILABLE"
	VehicleStatusBooked      VehicleStatus = "BOOKED"
	VehicleStatusInUse       VehicleStatus = "IN_USE"
	VehicleStatusMaintenance VehicleStatus = "MAINTENANCE"
	VehicleStatusOffline     VehicleStatus = "OFFLINE"
)

type Vehicle struct {
	ID               string        `json:"id"`
	Type             VehicleType   `json:"type"`
	Status           VehicleStatus `json:"status"`
	LockedForRide    bool          `json:"lockedForRide"`
	CurrentBookingID *string       `json:"currentBookingId"`
	DriverID         string        `json:"driverId,omitempty"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Reservable mirrors the TryReserve precondition.
func (v *Vehicle) Reservable() bool {
	return v.Status == VehicleStatusAvailable && !v.LockedForRide
}

type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "PENDING"
	ApprovalStatusApproved  ApprovalStatus = "APPROVED"
	ApprovalStatusRejected  ApprovalStatus = "REJECTED"
	ApprovalStatusSuspended ApprovalStatus = "SUSPENDED"
)

type Driver struct {
	ID             string         `json:"id"`
	Email          string         `json:"email"`
	Name           string         `json:"name"`
	ApprovalStatus ApprovalStatus `json:"approvalStatus"`
	VehicleID      *string        `json:"vehicleId"`
}

func (d *Driver) Approved() bool {
	return d.ApprovalStatus == ApprovalStatusApproved
}

// Actor is who drives a lifecycle call; it picks the cancellation variant.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorDriver   Actor = "driver"
	ActorAdmin    Actor = "admin"
)

func ParseActor(s string) (Actor, bool) {
	switch Actor(s) {
	case ActorCustomer, ActorDriver, ActorAdmin:
		return Actor(s), true
	}
	return "", false
}

func (a Actor) CancelledStatus() BookingStatus {
	switch a {
	case ActorCustomer:
		return BookingStatusCancelledByCustomer
	case ActorDriver:
		return BookingStatusCancelledByDriver
	default:
		return BookingStatusCancelledByAdmin
	}
}
