package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type VehicleRegistry interface {
	GetByID(ctx context.Context, id string) (*domain.Vehicle, error)
	List(ctx context.Context) ([]domain.Vehicle, error)
	// TryReserve moves an AVAILABLE, unlocked vehicle to BOOKED for bookingID in one statement.
	TryReserve(ctx context.Context, vehicleID, bookingID string) error
	Release(ctx context.Context, vehicleID string) error
	PromoteToInUse(ctx context.Context, vehicleID string) error
}

type PGVehicleRegistry struct {
	db DBTX
}

func NewVehicleRegistry(db *pgxpool.Pool) VehicleRegistry {
	return &PGVehicleRegistry{db: db}
}

func (r *PGVehicleRegistry) withTx(tx pgx.Tx) *PGVehicleRegistry {
	return &PGVehicleRegistry{db: tx}
}

const vehicleColumns = `id, type, status, locked_for_ride, current_booking_id, driver_id, updated_at`

func scanVehicle(row pgx.Row) (*domain.Vehicle, error) {
	var (
		v       domain.Vehicle
		vType   string
		vStatus string
	)
	if err := row.Scan(&v.ID, &vType, &vStatus, &v.LockedForRide, &v.CurrentBookingID, &v.DriverID, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.Type = domain.VehicleType(vType)
	v.Status = domain.VehicleStatus(vStatus)
	return &v, nil
}

func (r *PGVehicleRegistry) GetByID(ctx context.Context, id string) (*domain.Vehicle, error) {
	v, err := scanVehicle(r.db.QueryRow(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVehicleNotFound
		}
		return nil, fmt.Errorf("get vehicle %s: %w", id, err)
	}
	return v, nil
}

func (r *PGVehicleRegistry) List(ctx context.Context) ([]domain.Vehicle, error) {
	rows, err := r.db.Query(ctx, `SELECT `+vehicleColumns+` FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	defer rows.Close()

	vehicles := make([]domain.Vehicle, 0)
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		vehicles = append(vehicles, *v)
	}
	return vehicles, rows.Err()
}

func (r *PGVehicleRegistry) TryReserve(ctx context.Context, vehicleID, bookingID string) error {
	res, err := r.db.Exec(ctx, `UPDATE vehicles
		SET status=$3, locked_for_ride=TRUE, current_booking_id=$2, updated_at=now()
		WHERE id=$1 AND status=$4 AND NOT locked_for_ride`,
		vehicleID, bookingID, string(domain.VehicleStatusBooked), string(domain.VehicleStatusAvailable))
	if err != nil {
		return fmt.Errorf("reserve vehicle %s: %w", vehicleID, err)
	}
	if res.RowsAffected() == 0 {
		return r.missReason(ctx, vehicleID)
	}
	return nil
}

func (r *PGVehicleRegistry) Release(ctx context.Context, vehicleID string) error {
	res, err := r.db.Exec(ctx, `UPDATE vehicles
		SET status=$2, locked_for_ride=FALSE, current_booking_id=NULL, updated_at=now()
		WHERE id=$1`, vehicleID, string(domain.VehicleStatusAvailable))
	if err != nil {
		return fmt.Errorf("release vehicle %s: %w", vehicleID, err)
	}
	if res.RowsAffected() == 0 {
		return domain.ErrVehicleNotFound
	}
	return nil
}

func (r *PGVehicleRegistry) PromoteToInUse(ctx context.Context, vehicleID string) error {
	res, err := r.db.Exec(ctx, `UPDATE vehicles SET status=$2, updated_at=now() WHERE id=$1 AND status=$3`,
		vehicleID, string(domain.VehicleStatusInUse), string(domain.VehicleStatusBooked))
	if err != nil {
		return fmt.Errorf("promote vehicle %s: %w", vehicleID, err)
	}
	if res.RowsAffected() == 0 {
		return r.missReason(ctx, vehicleID)
	}
	return nil
}

// missReason tells a missing vehicle apart from one in the wrong state.
func (r *PGVehicleRegistry) missReason(ctx context.Context, vehicleID string) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM vehicles WHERE id=$1)`, vehicleID).Scan(&exists); err != nil {
		return fmt.Errorf("check vehicle %s: %w", vehicleID, err)
	}
	if !exists {
		return domain.ErrVehicleNotFound
	}
	return domain.ErrVehicleNotAvailable
}

var _ VehicleRegistry = (*PGVehicleRegistry)(nil)
