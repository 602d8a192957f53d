package repository

import (
	"context"
	"errors"

	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx, so the same statements run inside or
// outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrNoTransition means a conditional update matched no row: the booking is missing or no
// longer in a source state. Callers re-read the booking to classify the miss.
var ErrNoTransition = errors.New("booking not in expected state")

// ErrDuplicateCode means the generated booking code is already taken. Nothing was written.
var ErrDuplicateCode = errors.New("booking code already in use")

// VehicleEffect is the registry operation coupled to a booking transition.
type VehicleEffect int

const (
	VehicleKeep VehicleEffect = iota
	VehicleRelease
	VehicleInUse
)

const uniqueViolation = "23505"

// constraintError maps the partial unique indexes in Schema to dispatch errors.
func constraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil
	}
	switch pgErr.ConstraintName {
	case "bookings_one_active_per_customer":
		return domain.ErrActiveBookingExists
	case "bookings_one_active_per_driver":
		return domain.ErrDriverBusy
	case "bookings_one_active_per_vehicle":
		return domain.ErrVehicleNotAvailable
	case "bookings_booking_code_key":
		return ErrDuplicateCode
	}
	return nil
}
