package fare

import (
	"math"
	"strings"

	"github.com/Domenick1991/ridedispatch/config"
	"github.com/Domenick1991/ridedispatch/internal/domain"
)

const earthRadiusKm = 6371.0

type Estimate struct {
	DistanceKm float64 `json:"distanceKm"`
	Cost       float64 `json:"cost"`
	Currency   string  `json:"currency"`
}

// Estimator is the pricing/routing collaborator. It must be pure: same input, same output.
type Estimator interface {
	Estimate(pickup, drop domain.Location, vehicleType domain.VehicleType) (Estimate, error)
}

type Rate struct {
	Base    float64
	PerKm   float64
	Minimum float64
}

var defaultRates = map[domain.VehicleType]Rate{
	domain.VehicleTypeBike:              {Base: 20, PerKm: 6, Minimum: 30},
	domain.VehicleTypeAuto:              {Base: 30, PerKm: 9, Minimum: 45},
	domain.VehicleTypeSedan:             {Base: 50, PerKm: 12, Minimum: 80},
	domain.VehicleTypeElectricalVehicle: {Base: 50, PerKm: 11, Minimum: 80},
	domain.VehicleTypeSUV:               {Base: 80, PerKm: 16, Minimum: 120},
}

// HaversineEstimator prices the great-circle distance between pickup and drop.
type HaversineEstimator struct {
	rates    map[domain.VehicleType]Rate
	currency string
}

func NewHaversineEstimator(cfg config.FareConfig) *HaversineEstimator {
	rates := make(map[domain.VehicleType]Rate, len(defaultRates))
	for vt, r := range defaultRates {
		rates[vt] = r
	}
	for name, r := range cfg.Rates {
		if vt, ok := domain.ParseVehicleType(name); ok {
			rates[vt] = Rate{Base: r.Base, PerKm: r.PerKm, Minimum: r.Minimum}
		}
	}
	currency := strings.ToUpper(cfg.Currency)
	if currency == "" {
		currency = "INR"
	}
	return &HaversineEstimator{rates: rates, currency: currency}
}

func (e *HaversineEstimator) Estimate(pickup, drop domain.Location, vehicleType domain.VehicleType) (Estimate, error) {
	if !pickup.ValidCoordinates() || !drop.ValidCoordinates() {
		return Estimate{}, domain.Validation("coordinates out of range")
	}
	rate, ok := e.rates[vehicleType]
	if !ok {
		return Estimate{}, domain.Validation("no fare for vehicle type %q", vehicleType)
	}

	distance := round2(DistanceKm(pickup, drop))
	cost := math.Max(rate.Minimum, rate.Base+rate.PerKm*distance)
	return Estimate{DistanceKm: distance, Cost: round2(cost), Currency: e.currency}, nil
}

// DistanceKm is the haversine distance between two points.
func DistanceKm(a, b domain.Location) float64 {
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

var _ Estimator = (*HaversineEstimator)(nil)
