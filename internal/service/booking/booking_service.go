package booking

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Domenick1991/ridedispatch/config"
	"github.com/Domenick1991/ridedispatch/internal/broadcast"
	"github.com/Domenick1991/ridedispatch/internal/cache"
	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/Domenick1991/ridedispatch/internal/fare"
	"github.com/Domenick1991/ridedispatch/internal/metrics"
	"github.com/Domenick1991/ridedispatch/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type BookingUseCase interface {
	CreateBooking(ctx context.Context, customerID string, input CreateBookingInput) (*domain.Booking, error)
	AcceptBooking(ctx context.Context, bookingID, driverID string) (*domain.Booking, error)
	MarkArrived(ctx context.Context, bookingID, driverID string) (*domain.Booking, error)
	StartRide(ctx context.Context, bookingID, driverID string) (*domain.Booking, error)
	CompleteRide(ctx context.Context, bookingID, driverID string) (*domain.Booking, error)
	CancelBooking(ctx context.Context, bookingID string, actor domain.Actor, userID, reason string) (*domain.Booking, error)
	RejectBooking(ctx context.Context, bookingID, driverID string) error
	ExpireBroadcast(ctx context.Context, bookingID string) (*domain.Booking, error)
	ExpireStaleBroadcasts(ctx context.Context) ([]domain.Booking, error)
	GetBooking(ctx context.Context, bookingID string, actor domain.Actor, userID string) (*domain.Booking, error)
	ListPending(ctx context.Context, actor domain.Actor, userID, vehicleType string) ([]domain.Booking, error)
	ListAll(ctx context.Context) ([]domain.Booking, error)
	ActiveBooking(ctx context.Context, actor domain.Actor, userID string) (*domain.Booking, error)
	EstimateFare(ctx context.Context, pickup, drop domain.Location, vehicleType string) (fare.Estimate, error)
}

// Cache holds the short-lived pending lists and the per-driver reject lists.
type Cache interface {
	GetPending(ctx context.Context, vt domain.VehicleType) ([]domain.Booking, error)
	// PendingGeneration changes on every InvalidatePending; SetPending with an older
	// generation is a no-op.
	PendingGeneration(ctx context.Context, vt domain.VehicleType) (int64, error)
	SetPending(ctx context.Context, vt domain.VehicleType, gen int64, bookings []domain.Booking) error
	InvalidatePending(ctx context.Context, vt domain.VehicleType) error
	AddRejection(ctx context.Context, driverID, bookingID string, ttl time.Duration) error
	Rejections(ctx context.Context, driverID string) (map[string]struct{}, error)
}

type BookingService struct {
	bookings     repository.BookingRepository
	vehicles     repository.VehicleRegistry
	drivers      repository.DriverRepository
	estimator    fare.Estimator
	publisher    broadcast.Publisher
	cache        Cache
	metrics      metrics.Recorder
	log          logrus.FieldLogger
	broadcastTTL time.Duration
	rejectionTTL time.Duration
	scheduleSkew time.Duration
	now          func() time.Time
	newID        func() string
}

type CreateBookingInput struct {
	Pickup         domain.Location `json:"pickup"`
	Drop           domain.Location `json:"drop"`
	VehicleType    string          `json:"vehicleType"`
	PassengerCount int             `json:"passengerCount"`
	ContactNumber  string          `json:"contactNumber"`
	ScheduledTime  *time.Time      `json:"scheduledTime,omitempty"`
}

type BookingServiceOption func(*BookingService)

func WithCache(c Cache) BookingServiceOption {
	return func(s *BookingService) {
		s.cache = c
	}
}

func WithMetrics(r metrics.Recorder) BookingServiceOption {
	return func(s *BookingService) {
		s.metrics = r
	}
}

func WithLogger(log logrus.FieldLogger) BookingServiceOption {
	return func(s *BookingService) {
		s.log = log
	}
}

func WithClock(now func() time.Time) BookingServiceOption {
	return func(s *BookingService) {
		s.now = now
	}
}

func NewBookingService(
	bookings repository.BookingRepository,
	vehicles repository.VehicleRegistry,
	drivers repository.DriverRepository,
	estimator fare.Estimator,
	publisher broadcast.Publisher,
	cfg config.BookingConfig,
	opts ...BookingServiceOption,
) *BookingService {
	service := &BookingService{
		bookings:     bookings,
		vehicles:     vehicles,
		drivers:      drivers,
		estimator:    estimator,
		publisher:    publisher,
		cache:        cache.NewLocalCache(),
		metrics:      metrics.Nop{},
		log:          logrus.StandardLogger(),
		broadcastTTL: cfg.BroadcastTTL(),
		rejectionTTL: cfg.RejectionTTL(),
		scheduleSkew: cfg.ScheduleSkew(),
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

var contactNumberPattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

const (
	maxCancelReason   = 500
	bookingCodeLength = 10
	createAttempts    = 3
)

func (s *BookingService) CreateBooking(ctx context.Context, customerID string, input CreateBookingInput) (*domain.Booking, error) {
	vt, err := s.validateCreate(customerID, input)
	if err != nil {
		return nil, err
	}

	switch _, err := s.bookings.FindActiveForCustomer(ctx, customerID); {
	case err == nil:
		return nil, domain.ErrActiveBookingExists
	case !errors.Is(err, domain.ErrBookingNotFound):
		return nil, err
	}

	estimate, err := s.estimator.Estimate(input.Pickup, input.Drop, vt)
	if err != nil {
		return nil, err
	}

	var booking *domain.Booking
	for attempt := 1; ; attempt++ {
		now := s.now()
		id := s.newID()
		booking = &domain.Booking{
			ID:                   id,
			BookingCode:          bookingCode(id),
			CustomerID:           customerID,
			RequestedVehicleType: vt,
			Pickup:               input.Pickup,
			Drop:                 input.Drop,
			PassengerCount:       input.PassengerCount,
			ContactNumber:        normalizeContact(input.ContactNumber),
			ScheduledTime:        input.ScheduledTime,
			DistanceKm:           estimate.DistanceKm,
			TotalCost:            estimate.Cost,
			Status:               domain.BookingStatusPending,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		err = s.bookings.Create(ctx, booking)
		if !errors.Is(err, repository.ErrDuplicateCode) || attempt == createAttempts {
			break
		}
		s.log.WithField("booking_code", booking.BookingCode).Warn("booking code taken, retrying with a new id")
	}
	if err != nil {
		return nil, err
	}

	broadcasted, err := s.bookings.Transition(ctx, repository.Transition{
		BookingID: booking.ID,
		From:      []domain.BookingStatus{domain.BookingStatusPending},
		To:        domain.BookingStatusBroadcasted,
		At:        s.now(),
	})
	if err != nil {
		if errors.Is(err, repository.ErrNoTransition) {
			// Cancelled between insert and broadcast; report what is stored.
			return s.bookings.GetByID(ctx, booking.ID)
		}
		return nil, fmt.Errorf("broadcast booking %s: %w", booking.ID, err)
	}

	s.metrics.BookingCreated(string(vt))
	s.log.WithFields(logrus.Fields{
		"booking_id":   broadcasted.ID,
		"customer_id":  customerID,
		"vehicle_type": vt,
	}).Info("booking broadcasted")
	s.publishTransition(ctx, broadcasted, false)
	return broadcasted, nil
}

func (s *BookingService) validateCreate(customerID string, input CreateBookingInput) (domain.VehicleType, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", domain.Validation("customer id is required")
	}
	if strings.TrimSpace(input.Pickup.Address) == "" || !input.Pickup.ValidCoordinates() {
		return "", domain.Validation("pickup address and valid coordinates are required")
	}
	if strings.TrimSpace(input.Drop.Address) == "" || !input.Drop.ValidCoordinates() {
		return "", domain.Validation("drop address and valid coordinates are required")
	}
	vt, ok := domain.ParseVehicleType(input.VehicleType)
	if !ok {
		return "", domain.Validation("unknown vehicle type %q", input.VehicleType)
	}
	if input.PassengerCount < 1 || input.PassengerCount > vt.Capacity() {
		return "", domain.Validation("passenger count must be between 1 and %d for %s", vt.Capacity(), vt)
	}
	if !contactNumberPattern.MatchString(normalizeContact(input.ContactNumber)) {
		return "", domain.Validation("contact number must have 7 to 15 digits")
	}
	if input.ScheduledTime != nil && input.ScheduledTime.Before(s.now().Add(-s.scheduleSkew)) {
		return "", domain.Validation("scheduled time is in the past")
	}
	return vt, nil
}

func normalizeContact(s string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(s))
}

// codeEncoding is Crockford's base32 alphabet, which leaves out I, L, O and U.
var codeEncoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// bookingCode is the customer-facing reference, taken from the leading random bits of the id.
func bookingCode(id string) string {
	u, err := uuid.Parse(id)
	if err != nil {
		compact := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
		if len(compact) > bookingCodeLength {
			compact = compact[:bookingCodeLength]
		}
		return "RD-" + compact
	}
	return "RD-" + codeEncoding.EncodeToString(u[:])[:bookingCodeLength]
}

func (s *BookingService) AcceptBooking(ctx context.Context, bookingID, driverID string) (*domain.Booking, error) {
	started := s.now()
	accepted, err := s.acceptBooking(ctx, bookingID, driverID)
	s.metrics.AcceptAttempt(acceptOutcome(err), s.now().Sub(started))

	log := s.log.WithFields(logrus.Fields{"booking_id": bookingID, "driver_id": driverID})
	switch {
	case err == nil:
		log.Info("booking accepted")
	case domain.CodeOf(err) != "":
		log.WithError(err).Debug("accept rejected")
	default:
		log.WithError(err).Error("accept failed")
	}
	return accepted, err
}

func (s *BookingService) acceptBooking(ctx context.Context, bookingID, driverID string) (*domain.Booking, error) {
	current, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := acceptable(current); err != nil {
		return nil, err
	}

	vehicle, err := s.eligibleVehicle(ctx, driverID, current.RequestedVehicleType)
	if err != nil {
		return nil, err
	}

	switch _, err := s.bookings.FindActiveForDriver(ctx, driverID); {
	case err == nil:
		return nil, domain.ErrDriverBusy
	case !errors.Is(err, domain.ErrBookingNotFound):
		return nil, err
	}

	accepted, err := s.bookings.Accept(ctx, repository.Acceptance{
		BookingID: bookingID,
		DriverID:  driverID,
		VehicleID: vehicle.ID,
		At:        s.now(),
	})
	if errors.Is(err, repository.ErrNoTransition) {
		return nil, s.classifyAcceptMiss(ctx, bookingID)
	}
	if err != nil {
		return nil, err
	}

	s.publishTransition(ctx, accepted, true)
	return accepted, nil
}

// acceptable maps a stored status to the accept outcome it implies.
func acceptable(b *domain.Booking) error {
	switch {
	case b.Status == domain.BookingStatusExpired:
		return domain.ErrExpired
	case b.Status.IsCancelled():
		return domain.InvalidTransition(b.Status, domain.BookingStatusAccepted)
	case !b.Status.CanTransition(domain.BookingStatusAccepted) || b.DriverID != nil:
		return domain.ErrAlreadyAccepted
	}
	return nil
}

func (s *BookingService) classifyAcceptMiss(ctx context.Context, bookingID string) error {
	current, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if err := acceptable(current); err != nil {
		return err
	}
	return domain.ErrAlreadyAccepted
}

// eligibleVehicle re-checks approval, vehicle type and vehicle state; nothing from the broadcast is trusted.
func (s *BookingService) eligibleVehicle(ctx context.Context, driverID string, vt domain.VehicleType) (*domain.Vehicle, error) {
	driver, err := s.drivers.GetByID(ctx, driverID)
	if errors.Is(err, domain.ErrDriverNotFound) {
		return nil, domain.NotEligible("driver %s is not registered", driverID)
	}
	if err != nil {
		return nil, err
	}
	if !driver.Approved() {
		return nil, domain.NotEligible("driver %s is not approved (%s)", driverID, driver.ApprovalStatus)
	}
	if driver.VehicleID == nil {
		return nil, domain.NotEligible("driver %s has no vehicle", driverID)
	}

	vehicle, err := s.vehicles.GetByID(ctx, *driver.VehicleID)
	if err != nil {
		return nil, err
	}
	if vehicle.Type != vt {
		return nil, domain.NotEligible("vehicle type %s does not match requested %s", vehicle.Type, vt)
	}
	if !vehicle.Reservable() {
		return nil, domain.ErrVehicleNotAvailable
	}
	return vehicle, nil
}

func acceptOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeAccepted
	case errors.Is(err, domain.ErrAlreadyAccepted):
		return metrics.OutcomeAlreadyAccepted
	case errors.Is(err, domain.ErrNotEligible):
		return metrics.OutcomeNotEligible
	case errors.Is(err, domain.ErrExpired):
		return metrics.OutcomeExpired
	case errors.Is(err, domain.ErrInvalidTransition):
		return metrics.OutcomeInvalid
	}
	return metrics.OutcomeError
}

func (s *BookingService) MarkArrived(ctx context.Context, bookingID, driverID string) (*domain.Booking, error) {
	return s.advance(ctx, bookingID, driverID, domain.BookingStatusArrived, repository.VehicleKeep)
}

func (s *BookingService) StartRide(ctx context.Context, bookingID, driverID string) (*domain.Booking, error) {
	return s.advance(ctx, bookingID, driverID, domain.BookingStatusStarted, repository.VehicleInUse)
}

func (s *BookingService) CompleteRide(ctx context.Context, bookingID, driverID string) (*domain.Booking, error) {
	return s.advance(ctx, bookingID, driverID, domain.BookingStatusCompleted, repository.VehicleRelease)
}

// advance moves a booking along the driver-driven part of the lifecycle.
func (s *BookingService) advance(ctx context.Context, bookingID, driverID string, to domain.BookingStatus, effect repository.VehicleEffect) (*domain.Booking, error) {
	updated, err := s.bookings.Transition(ctx, repository.Transition{
		BookingID: bookingID,
		From:      domain.Sources(to),
		To:        to,
		At:        s.now(),
		DriverID:  driverID,
		Vehicle:   effect,
	})
	if errors.Is(err, repository.ErrNoTransition) {
		return nil, s.classifyMiss(ctx, bookingID, to, func(b *domain.Booking) error {
			if !b.IsAssignedTo(driverID) {
				return notYours(bookingID)
			}
			return nil
		})
	}
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"driver_id":  driverID,
		"status":     to,
	}).Info("booking advanced")
	s.publishTransition(ctx, updated, false)
	return updated, nil
}

// classifyMiss explains why a conditional update matched nothing.
func (s *BookingService) classifyMiss(ctx context.Context, bookingID string, to domain.BookingStatus, owner func(*domain.Booking) error) error {
	current, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(to) {
		return domain.InvalidTransition(current.Status, to)
	}
	if owner != nil {
		if err := owner(current); err != nil {
			return err
		}
	}
	// The row moved between the write and this read.
	return domain.InvalidTransition(current.Status, to)
}

func notYours(bookingID string) error {
	return domain.NewError(domain.CodeForbidden, "booking %s does not belong to the caller", bookingID)
}

func (s *BookingService) CancelBooking(ctx context.Context, bookingID string, actor domain.Actor, userID, reason string) (*domain.Booking, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > maxCancelReason {
		return nil, domain.Validation("cancel reason must be at most %d characters", maxCancelReason)
	}

	to := actor.CancelledStatus()
	t := repository.Transition{
		BookingID: bookingID,
		From:      domain.Sources(to),
		To:        to,
		At:        s.now(),
		Reason:    reason,
		Vehicle:   repository.VehicleRelease,
	}
	var owner func(*domain.Booking) error
	switch actor {
	case domain.ActorCustomer:
		t.CustomerID = userID
		owner = func(b *domain.Booking) error {
			if b.CustomerID != userID {
				return notYours(bookingID)
			}
			return nil
		}
	case domain.ActorDriver:
		t.DriverID = userID
		owner = func(b *domain.Booking) error {
			if !b.IsAssignedTo(userID) {
				return notYours(bookingID)
			}
			return nil
		}
	case domain.ActorAdmin:
	default:
		return nil, domain.Validation("unknown actor %q", actor)
	}

	updated, err := s.bookings.Transition(ctx, t)
	if errors.Is(err, repository.ErrNoTransition) {
		return nil, s.classifyMiss(ctx, bookingID, to, owner)
	}
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"actor":      actor,
		"user_id":    userID,
		"status":     updated.Status,
	}).Info("booking cancelled")
	// An unassigned booking was still on offer, so drivers must drop it.
	s.publishTransition(ctx, updated, !updated.Assigned())
	return updated, nil
}

func (s *BookingService) RejectBooking(ctx context.Context, bookingID, driverID string) error {
	current, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if !current.Status.IsBroadcastable() {
		return domain.NewError(domain.CodeInvalidTransition, "booking %s is no longer open (%s)", bookingID, current.Status)
	}
	if err := s.cache.AddRejection(ctx, driverID, bookingID, s.rejectionTTL); err != nil {
		return fmt.Errorf("record rejection: %w", err)
	}
	s.log.WithFields(logrus.Fields{"booking_id": bookingID, "driver_id": driverID}).Debug("booking rejected by driver")
	return nil
}

func (s *BookingService) ExpireBroadcast(ctx context.Context, bookingID string) (*domain.Booking, error) {
	now := s.now()
	deadline := now.Add(-s.broadcastTTL)
	updated, err := s.bookings.Transition(ctx, repository.Transition{
		BookingID:         bookingID,
		From:              domain.Sources(domain.BookingStatusExpired),
		To:                domain.BookingStatusExpired,
		At:                now,
		BroadcastedBefore: &deadline,
	})
	if errors.Is(err, repository.ErrNoTransition) {
		current, err := s.bookings.GetByID(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		if current.Status == domain.BookingStatusBroadcasted {
			return nil, domain.NewError(domain.CodeInvalidTransition, "booking %s is still within its broadcast window", bookingID)
		}
		return nil, domain.InvalidTransition(current.Status, domain.BookingStatusExpired)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.Expired(1)
	s.publishTransition(ctx, updated, true)
	return updated, nil
}

func (s *BookingService) ExpireStaleBroadcasts(ctx context.Context) ([]domain.Booking, error) {
	now := s.now()
	expired, err := s.bookings.ExpireBroadcastedBefore(ctx, now.Add(-s.broadcastTTL), now)
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return expired, nil
	}

	s.metrics.Expired(len(expired))
	s.log.WithField("count", len(expired)).Info("expired stale broadcasts")
	for i := range expired {
		s.publishTransition(ctx, &expired[i], true)
	}
	return expired, nil
}

func (s *BookingService) GetBooking(ctx context.Context, bookingID string, actor domain.Actor, userID string) (*domain.Booking, error) {
	b, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch actor {
	case domain.ActorAdmin:
		return b, nil
	case domain.ActorCustomer:
		if b.CustomerID == userID {
			return b, nil
		}
	case domain.ActorDriver:
		if b.IsAssignedTo(userID) || b.Status.IsBroadcastable() {
			return b, nil
		}
	}
	return nil, notYours(bookingID)
}

var openStatuses = []domain.BookingStatus{domain.BookingStatusPending, domain.BookingStatusBroadcasted}

// ListPending returns the bookings still on offer. Drivers see their own vehicle type minus
// the bookings they rejected; admins may ask for one type or all of them.
func (s *BookingService) ListPending(ctx context.Context, actor domain.Actor, userID, vehicleType string) ([]domain.Booking, error) {
	switch actor {
	case domain.ActorAdmin:
		if vehicleType == "" {
			return s.bookings.List(ctx, repository.BookingFilter{Statuses: openStatuses})
		}
		vt, ok := domain.ParseVehicleType(vehicleType)
		if !ok {
			return nil, domain.Validation("unknown vehicle type %q", vehicleType)
		}
		return s.pendingFor(ctx, vt)
	case domain.ActorDriver:
		return s.pendingForDriver(ctx, userID, vehicleType)
	}
	return nil, domain.NewError(domain.CodeForbidden, "only drivers and admins can list pending bookings")
}

func (s *BookingService) pendingForDriver(ctx context.Context, driverID, vehicleType string) ([]domain.Booking, error) {
	driver, err := s.drivers.GetByID(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if driver.VehicleID == nil {
		return nil, domain.NotEligible("driver %s has no vehicle", driverID)
	}
	vehicle, err := s.vehicles.GetByID(ctx, *driver.VehicleID)
	if err != nil {
		return nil, err
	}
	if vehicleType != "" {
		vt, ok := domain.ParseVehicleType(vehicleType)
		if !ok {
			return nil, domain.Validation("unknown vehicle type %q", vehicleType)
		}
		if vt != vehicle.Type {
			return nil, domain.NotEligible("driver %s drives %s, not %s", driverID, vehicle.Type, vt)
		}
	}

	pending, err := s.pendingFor(ctx, vehicle.Type)
	if err != nil {
		return nil, err
	}
	rejected, err := s.cache.Rejections(ctx, driverID)
	if err != nil {
		s.log.WithError(err).WithField("driver_id", driverID).Warn("load rejections")
		return pending, nil
	}
	if len(rejected) == 0 {
		return pending, nil
	}
	visible := make([]domain.Booking, 0, len(pending))
	for _, b := range pending {
		if _, hidden := rejected[b.ID]; !hidden {
			visible = append(visible, b)
		}
	}
	return visible, nil
}

func (s *BookingService) pendingFor(ctx context.Context, vt domain.VehicleType) ([]domain.Booking, error) {
	cached, err := s.cache.GetPending(ctx, vt)
	if err != nil {
		s.log.WithError(err).WithField("vehicle_type", vt).Warn("read pending cache")
	}
	if cached != nil {
		return cached, nil
	}

	gen, genErr := s.cache.PendingGeneration(ctx, vt)
	pending, err := s.bookings.List(ctx, repository.BookingFilter{Statuses: openStatuses, VehicleType: vt})
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		s.log.WithError(genErr).WithField("vehicle_type", vt).Warn("read pending cache generation")
		return pending, nil
	}
	if err := s.cache.SetPending(ctx, vt, gen, pending); err != nil {
		s.log.WithError(err).WithField("vehicle_type", vt).Warn("write pending cache")
	}
	return pending, nil
}

func (s *BookingService) ListAll(ctx context.Context) ([]domain.Booking, error) {
	return s.bookings.List(ctx, repository.BookingFilter{})
}

// ActiveBooking returns nil, nil when the user has no booking in progress.
func (s *BookingService) ActiveBooking(ctx context.Context, actor domain.Actor, userID string) (*domain.Booking, error) {
	var (
		b   *domain.Booking
		err error
	)
	switch actor {
	case domain.ActorCustomer:
		b, err = s.bookings.FindActiveForCustomer(ctx, userID)
	case domain.ActorDriver:
		b, err = s.bookings.FindActiveForDriver(ctx, userID)
	default:
		return nil, domain.NewError(domain.CodeForbidden, "active booking is tracked for customers and drivers only")
	}
	if errors.Is(err, domain.ErrBookingNotFound) {
		return nil, nil
	}
	return b, err
}

func (s *BookingService) EstimateFare(_ context.Context, pickup, drop domain.Location, vehicleType string) (fare.Estimate, error) {
	vt, ok := domain.ParseVehicleType(vehicleType)
	if !ok {
		return fare.Estimate{}, domain.Validation("unknown vehicle type %q", vehicleType)
	}
	return s.estimator.Estimate(pickup, drop, vt)
}

// publishTransition fans a committed state out to subscribers. Failures are logged only:
// the transition already happened and subscribers resync from REST.
func (s *BookingService) publishTransition(ctx context.Context, b *domain.Booking, removal bool) {
	ctx = context.WithoutCancel(ctx)
	vt := b.RequestedVehicleType

	topics := []string{broadcast.TopicBookings, broadcast.UserTopic(b.CustomerID)}
	if b.DriverID != nil {
		topics = append(topics, broadcast.UserTopic(*b.DriverID))
	}
	if b.Status.IsBroadcastable() {
		topics = append(topics, broadcast.TopicRideRequests, broadcast.DriverTopic(vt))
	}
	snapshot := broadcast.Snapshot(b)
	for _, topic := range topics {
		s.publish(ctx, topic, snapshot)
	}
	if removal {
		removed := broadcast.Removal(b)
		s.publish(ctx, broadcast.TopicRideRequests, removed)
		s.publish(ctx, broadcast.DriverTopic(vt), removed)
	}

	if b.Status.IsBroadcastable() || removal {
		if err := s.cache.InvalidatePending(ctx, vt); err != nil {
			s.log.WithError(err).WithField("vehicle_type", vt).Warn("invalidate pending cache")
		}
	}
	s.metrics.Transition(string(b.Status))
}

func (s *BookingService) publish(ctx context.Context, topic string, event broadcast.Event) {
	if err := s.publisher.Publish(ctx, topic, event); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"topic":      topic,
			"booking_id": event.BookingID,
			"event":      event.Type,
		}).Warn("publish booking event")
	}
}

var _ BookingUseCase = (*BookingService)(nil)
