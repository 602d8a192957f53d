package vehicles

import (
	"context"

	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/Domenick1991/ridedispatch/internal/repository"
)

type VehicleUseCase interface {
	List(ctx context.Context) ([]domain.Vehicle, error)
	GetByID(ctx context.Context, id string) (*domain.Vehicle, error)
	Availability(ctx context.Context) ([]TypeAvailability, error)
}

// TypeAvailability summarises the registry for one vehicle type.
type TypeAvailability struct {
	VehicleType domain.VehicleType `json:"vehicleType"`
	Available   int                `json:"available"`
	Booked      int                `json:"booked"`
	InUse       int                `json:"inUse"`
	Unavailable int                `json:"unavailable"`
}

// VehicleService is the read side of the registry. Reservation state only changes through
// booking transitions.
type VehicleService struct {
	registry repository.VehicleRegistry
}

func NewVehicleService(registry repository.VehicleRegistry) *VehicleService {
	return &VehicleService{registry: registry}
}

func (s *VehicleService) List(ctx context.Context) ([]domain.Vehicle, error) {
	return s.registry.List(ctx)
}

func (s *VehicleService) GetByID(ctx context.Context, id string) (*domain.Vehicle, error) {
	return s.registry.GetByID(ctx, id)
}

func (s *VehicleService) Availability(ctx context.Context) ([]TypeAvailability, error) {
	vehicles, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	byType := make(map[domain.VehicleType]*TypeAvailability)
	out := make([]TypeAvailability, 0, len(domain.VehicleTypes()))
	for _, vt := range domain.VehicleTypes() {
		out = append(out, TypeAvailability{VehicleType: vt})
	}
	for i := range out {
		byType[out[i].VehicleType] = &out[i]
	}

	for _, v := range vehicles {
		row, ok := byType[v.Type]
		if !ok {
			continue
		}
		switch {
		case v.Reservable():
			row.Available++
		case v.Status == domain.VehicleStatusBooked:
			row.Booked++
		case v.Status == domain.VehicleStatusInUse:
			row.InUse++
		default:
			row.Unavailable++
		}
	}
	return out, nil
}

var _ VehicleUseCase = (*VehicleService)(nil)
