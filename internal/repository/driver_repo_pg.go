package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DriverRepository is a read-only view; drivers are registered and approved elsewhere.
type DriverRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Driver, error)
}

type PGDriverRepository struct {
	db DBTX
}

func NewDriverRepository(db *pgxpool.Pool) DriverRepository {
	return &PGDriverRepository{db: db}
}

func (r *PGDriverRepository) GetByID(ctx context.Context, id string) (*domain.Driver, error) {
	var (
		d      domain.Driver
		status string
	)
	err := r.db.QueryRow(ctx, `SELECT id, email, name, approval_status, vehicle_id FROM drivers WHERE id=$1`, id).
		Scan(&d.ID, &d.Email, &d.Name, &status, &d.VehicleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDriverNotFound
		}
		return nil, fmt.Errorf("get driver %s: %w", id, err)
	}
	d.ApprovalStatus = domain.ApprovalStatus(status)
	return &d, nil
}

var _ DriverRepository = (*PGDriverRepository)(nil)
