package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type BookingRepository interface {
	Create(ctx context.Context, booking *domain.Booking) error
	GetByID(ctx context.Context, id string) (*domain.Booking, error)
	List(ctx context.Context, filter BookingFilter) ([]domain.Booking, error)
	FindActiveForCustomer(ctx context.Context, customerID string) (*domain.Booking, error)
	FindActiveForDriver(ctx context.Context, driverID string) (*domain.Booking, error)
	// Transition is a compare-and-set on status plus the coupled vehicle effect, in one transaction.
	Transition(ctx context.Context, t Transition) (*domain.Booking, error)
	// Accept assigns driver and vehicle to an unassigned booking and reserves the vehicle,
	// rolling both back if the reservation fails.
	Accept(ctx context.Context, a Acceptance) (*domain.Booking, error)
	ExpireBroadcastedBefore(ctx context.Context, deadline, at time.Time) ([]domain.Booking, error)
}

// BookingFilter narrows List; zero values match everything.
type BookingFilter struct {
	Statuses    []domain.BookingStatus
	VehicleType domain.VehicleType
}

type Transition struct {
	BookingID string
	From      []domain.BookingStatus
	To        domain.BookingStatus
	At        time.Time
	// DriverID and CustomerID, when set, must match the booking's assignment or owner.
	DriverID   string
	CustomerID string
	// BroadcastedBefore guards expiry so a fresh broadcast is never expired.
	BroadcastedBefore *time.Time
	Reason            string
	Vehicle           VehicleEffect
}

type Acceptance struct {
	BookingID string
	DriverID  string
	VehicleID string
	At        time.Time
}

type PGBookingRepository struct {
	db       *pgxpool.Pool
	vehicles *PGVehicleRegistry
}

func NewBookingRepository(db *pgxpool.Pool) BookingRepository {
	return &PGBookingRepository{db: db, vehicles: &PGVehicleRegistry{db: db}}
}

const bookingColumns = `id, booking_code, customer_id, vehicle_type,
	pickup_address, pickup_lat, pickup_lng, drop_address, drop_lat, drop_lng,
	passenger_count, contact_number, scheduled_time, distance_km, total_cost, status,
	driver_id, vehicle_id, created_at, updated_at, broadcasted_at, accepted_at,
	arrived_at, started_at, completed_at, cancelled_at, cancel_reason, version`

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var (
		b       domain.Booking
		vType   string
		bStatus string
	)
	err := row.Scan(
		&b.ID, &b.BookingCode, &b.CustomerID, &vType,
		&b.Pickup.Address, &b.Pickup.Lat, &b.Pickup.Lng, &b.Drop.Address, &b.Drop.Lat, &b.Drop.Lng,
		&b.PassengerCount, &b.ContactNumber, &b.ScheduledTime, &b.DistanceKm, &b.TotalCost, &bStatus,
		&b.DriverID, &b.VehicleID, &b.CreatedAt, &b.UpdatedAt, &b.BroadcastedAt, &b.AcceptedAt,
		&b.ArrivedAt, &b.StartedAt, &b.CompletedAt, &b.CancelledAt, &b.CancelReason, &b.Version,
	)
	if err != nil {
		return nil, err
	}
	b.RequestedVehicleType = domain.VehicleType(vType)
	b.Status = domain.BookingStatus(bStatus)
	return &b, nil
}

func scanBookings(rows pgx.Rows) ([]domain.Booking, error) {
	defer rows.Close()
	bookings := make([]domain.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

// Create inserts b at version 1.
func (r *PGBookingRepository) Create(ctx context.Context, b *domain.Booking) error {
	b.Version = 1
	_, err := r.db.Exec(ctx, `INSERT INTO bookings (
		id, booking_code, customer_id, vehicle_type,
		pickup_address, pickup_lat, pickup_lng, drop_address, drop_lat, drop_lng,
		passenger_count, contact_number, scheduled_time, distance_km, total_cost, status,
		created_at, updated_at, broadcasted_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, 1)`,
		b.ID, b.BookingCode, b.CustomerID, string(b.RequestedVehicleType),
		b.Pickup.Address, b.Pickup.Lat, b.Pickup.Lng, b.Drop.Address, b.Drop.Lat, b.Drop.Lng,
		b.PassengerCount, b.ContactNumber, b.ScheduledTime, b.DistanceKm, b.TotalCost, string(b.Status),
		b.CreatedAt, b.UpdatedAt, b.BroadcastedAt)
	if err != nil {
		if cerr := constraintError(err); cerr != nil {
			return cerr
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (r *PGBookingRepository) GetByID(ctx context.Context, id string) (*domain.Booking, error) {
	b, err := scanBooking(r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrBookingNotFound
		}
		return nil, fmt.Errorf("get booking %s: %w", id, err)
	}
	return b, nil
}

func (r *PGBookingRepository) List(ctx context.Context, filter BookingFilter) ([]domain.Booking, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		args = append(args, statusStrings(filter.Statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.VehicleType != "" {
		args = append(args, string(filter.VehicleType))
		where = append(where, fmt.Sprintf("vehicle_type = $%d", len(args)))
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return scanBookings(rows)
}

func (r *PGBookingRepository) FindActiveForCustomer(ctx context.Context, customerID string) (*domain.Booking, error) {
	return r.findActive(ctx, "customer_id", customerID)
}

func (r *PGBookingRepository) FindActiveForDriver(ctx context.Context, driverID string) (*domain.Booking, error) {
	return r.findActive(ctx, "driver_id", driverID)
}

func (r *PGBookingRepository) findActive(ctx context.Context, column, id string) (*domain.Booking, error) {
	b, err := scanBooking(r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE `+column+`=$1 AND status = ANY($2)
		ORDER BY created_at DESC LIMIT 1`, id, statusStrings(domain.ActiveStatuses())))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrBookingNotFound
		}
		return nil, fmt.Errorf("find active booking by %s: %w", column, err)
	}
	return b, nil
}

func (r *PGBookingRepository) Transition(ctx context.Context, t Transition) (*domain.Booking, error) {
	if len(t.From) == 0 || !t.To.Valid() {
		return nil, fmt.Errorf("transition %s: empty source set or unknown target %q", t.BookingID, t.To)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	set := []string{"status=$1", "updated_at=$2", "version=version+1"}
	if col := stampColumn(t.To); col != "" {
		set = append(set, col+"=$2")
	}
	args := []any{string(t.To), t.At, t.BookingID, statusStrings(t.From)}
	where := []string{"id=$3", "status = ANY($4)"}
	if t.Reason != "" {
		args = append(args, t.Reason)
		set = append(set, fmt.Sprintf("cancel_reason=$%d", len(args)))
	}
	if t.DriverID != "" {
		args = append(args, t.DriverID)
		where = append(where, fmt.Sprintf("driver_id=$%d", len(args)))
	}
	if t.CustomerID != "" {
		args = append(args, t.CustomerID)
		where = append(where, fmt.Sprintf("customer_id=$%d", len(args)))
	}
	if t.BroadcastedBefore != nil {
		args = append(args, *t.BroadcastedBefore)
		where = append(where, fmt.Sprintf("broadcasted_at <= $%d", len(args)))
	}

	query := `UPDATE bookings SET ` + strings.Join(set, ", ") +
		` WHERE ` + strings.Join(where, " AND ") +
		` RETURNING ` + bookingColumns
	b, err := scanBooking(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoTransition
		}
		return nil, fmt.Errorf("transition booking %s to %s: %w", t.BookingID, t.To, err)
	}

	if b.VehicleID != nil {
		vehicles := r.vehicles.withTx(tx)
		switch t.Vehicle {
		case VehicleRelease:
			err = vehicles.Release(ctx, *b.VehicleID)
		case VehicleInUse:
			err = vehicles.PromoteToInUse(ctx, *b.VehicleID)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return b, nil
}

func (r *PGBookingRepository) Accept(ctx context.Context, a Acceptance) (*domain.Booking, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := scanBooking(tx.QueryRow(ctx, `UPDATE bookings
		SET status=$1, driver_id=$2, vehicle_id=$3, accepted_at=$4, updated_at=$4, version=version+1
		WHERE id=$5 AND status = ANY($6) AND driver_id IS NULL AND vehicle_id IS NULL
		RETURNING `+bookingColumns,
		string(domain.BookingStatusAccepted), a.DriverID, a.VehicleID, a.At, a.BookingID,
		statusStrings(domain.Sources(domain.BookingStatusAccepted))))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoTransition
		}
		if cerr := constraintError(err); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("accept booking %s: %w", a.BookingID, err)
	}

	if err := r.vehicles.withTx(tx).TryReserve(ctx, a.VehicleID, a.BookingID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit accept: %w", err)
	}
	return b, nil
}

func (r *PGBookingRepository) ExpireBroadcastedBefore(ctx context.Context, deadline, at time.Time) ([]domain.Booking, error) {
	rows, err := r.db.Query(ctx, `UPDATE bookings SET status=$1, updated_at=$2, version=version+1
		WHERE status=$3 AND broadcasted_at <= $4
		RETURNING `+bookingColumns,
		string(domain.BookingStatusExpired), at, string(domain.BookingStatusBroadcasted), deadline)
	if err != nil {
		return nil, fmt.Errorf("expire broadcasts: %w", err)
	}
	return scanBookings(rows)
}

// stampColumn is the lifecycle timestamp column written with status.
func stampColumn(status domain.BookingStatus) string {
	switch {
	case status == domain.BookingStatusBroadcasted:
		return "broadcasted_at"
	case status == domain.BookingStatusAccepted:
		return "accepted_at"
	case status == domain.BookingStatusArrived:
		return "arrived_at"
	case status == domain.BookingStatusStarted:
		return "started_at"
	case status == domain.BookingStatusCompleted:
		return "completed_at"
	case status.IsCancelled():
		return "cancelled_at"
	}
	return ""
}

func statusStrings(statuses []domain.BookingStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var _ BookingRepository = (*PGBookingRepository)(nil)
