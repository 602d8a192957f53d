package booking

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/Domenick1991/ridedispatch/internal/broadcast"
	"github.com/Domenick1991/ridedispatch/internal/cache"
	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/Domenick1991/ridedispatch/internal/fare"
	"github.com/Domenick1991/ridedispatch/internal/logger"
	"github.com/Domenick1991/ridedispatch/internal/metrics"
	"github.com/Domenick1991/ridedispatch/internal/repository"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock структуры

type MockBookingRepository struct {
	mock.Mock
}

func (m *MockBookingRepository) Create(ctx context.Context, b *domain.Booking) error {
	args := m.Called(ctx, b)
	return args.Error(0)
}

func (m *MockBookingRepository) GetByID(ctx context.Context, id string) (*domain.Booking, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking), args.Error(1)
}

func (m *MockBookingRepository) List(ctx context.Context, filter repository.BookingFilter) ([]domain.Booking, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]domain.Booking), args.Error(1)
}

func (m *MockBookingRepository) FindActiveForCustomer(ctx context.Context, customerID string) (*domain.Booking, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking), args.Error(1)
}

func (m *MockBookingRepository) FindActiveForDriver(ctx context.Context, driverID string) (*domain.Booking, error) {
	args := m.Called(ctx, driverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking), args.Error(1)
}

func (m *MockBookingRepository) Transition(ctx context.Context, t repository.Transition) (*domain.Booking, error) {
	args := m.Called(ctx, t)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking), args.Error(1)
}

func (m *MockBookingRepository) Accept(ctx context.Context, a repository.Acceptance) (*domain.Booking, error) {
	args := m.Called(ctx, a)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking), args.Error(1)
}

func (m *MockBookingRepository) ExpireBroadcastedBefore(ctx context.Context, deadline, at time.Time) ([]domain.Booking, error) {
	args := m.Called(ctx, deadline, at)
	return args.Get(0).([]domain.Booking), args.Error(1)
}

type MockVehicleRegistry struct {
	mock.Mock
}

func (m *MockVehicleRegistry) GetByID(ctx context.Context, id string) (*domain.Vehicle, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Vehicle), args.Error(1)
}

func (m *MockVehicleRegistry) List(ctx context.Context) ([]domain.Vehicle, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.Vehicle), args.Error(1)
}

func (m *MockVehicleRegistry) TryReserve(ctx context.Context, vehicleID, bookingID string) error {
	return m.Called(ctx, vehicleID, bookingID).Error(0)
}

func (m *MockVehicleRegistry) Release(ctx context.Context, vehicleID string) error {
	return m.Called(ctx, vehicleID).Error(0)
}

func (m *MockVehicleRegistry) PromoteToInUse(ctx context.Context, vehicleID string) error {
	return m.Called(ctx, vehicleID).Error(0)
}

type MockDriverRepository struct {
	mock.Mock
}

func (m *MockDriverRepository) GetByID(ctx context.Context, id string) (*domain.Driver, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Driver), args.Error(1)
}

type MockCache struct {
	mock.Mock
}

func (m *MockCache) GetPending(ctx context.Context, vt domain.VehicleType) ([]domain.Booking, error) {
	args := m.Called(ctx, vt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Booking), args.Error(1)
}

func (m *MockCache) PendingGeneration(ctx context.Context, vt domain.VehicleType) (int64, error) {
	args := m.Called(ctx, vt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCache) SetPending(ctx context.Context, vt domain.VehicleType, gen int64, bookings []domain.Booking) error {
	return m.Called(ctx, vt, gen, bookings).Error(0)
}

func (m *MockCache) InvalidatePending(ctx context.Context, vt domain.VehicleType) error {
	return m.Called(ctx, vt).Error(0)
}

func (m *MockCache) AddRejection(ctx context.Context, driverID, bookingID string, ttl time.Duration) error {
	return m.Called(ctx, driverID, bookingID, ttl).Error(0)
}

func (m *MockCache) Rejections(ctx context.Context, driverID string) (map[string]struct{}, error) {
	args := m.Called(ctx, driverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]struct{}), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, event broadcast.Event) error {
	return m.Called(ctx, topic, event).Error(0)
}

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newMockedService(bookings *MockBookingRepository, vehicles *MockVehicleRegistry, drivers *MockDriverRepository, c *MockCache, pub *MockPublisher) *BookingService {
	return &BookingService{
		bookings:     bookings,
		vehicles:     vehicles,
		drivers:      drivers,
		estimator:    fare.NewHaversineEstimator(testFareConfig),
		publisher:    pub,
		cache:        c,
		metrics:      metrics.Nop{},
		log:          logger.Discard(),
		broadcastTTL: 2 * time.Minute,
		rejectionTTL: 10 * time.Minute,
		scheduleSkew: time.Minute,
		now:          func() time.Time { return testNow },
		newID:        func() string { return "7f3a9c21-0000-4000-8000-000000000001" },
	}
}

func validInput() CreateBookingInput {
	return CreateBookingInput{
		Pickup:         domain.Location{Address: "MG Road", Lat: 12.9756, Lng: 77.6050},
		Drop:           domain.Location{Address: "Airport", Lat: 13.1986, Lng: 77.7066},
		VehicleType:    "sedan",
		PassengerCount: 2,
		ContactNumber:  "+91 98450-12345",
	}
}

func strPtr(s string) *string { return &s }

func publishedTopics(pub *MockPublisher) map[string][]broadcast.EventType {
	out := make(map[string][]broadcast.EventType)
	for _, call := range pub.Calls {
		if call.Method != "Publish" {
			continue
		}
		event := call.Arguments.Get(2).(broadcast.Event)
		topic := call.Arguments.String(1)
		out[topic] = append(out[topic], event.Type)
	}
	return out
}

// ============================ CreateBooking ============================

func TestBookingService_CreateBooking_Success(t *testing.T) {
	bookings := &MockBookingRepository{}
	c := &MockCache{}
	pub := &MockPublisher{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, c, pub)

	bookings.On("FindActiveForCustomer", mock.Anything, "c1").Return(nil, domain.ErrBookingNotFound)
	bookings.On("Create", mock.Anything, mock.MatchedBy(func(b *domain.Booking) bool {
		return b.Status == domain.BookingStatusPending &&
			b.RequestedVehicleType == domain.VehicleTypeSedan &&
			b.ContactNumber == "+919845012345" &&
			b.BookingCode == bookingCode("7f3a9c21-0000-4000-8000-000000000001") &&
			b.DriverID == nil && b.VehicleID == nil &&
			b.TotalCost > 0
	})).Return(nil)

	broadcasted := &domain.Booking{
		ID:                   "7f3a9c21-0000-4000-8000-000000000001",
		CustomerID:           "c1",
		RequestedVehicleType: domain.VehicleTypeSedan,
		Status:               domain.BookingStatusBroadcasted,
		BroadcastedAt:        &testNow,
	}
	bookings.On("Transition", mock.Anything, mock.MatchedBy(func(tr repository.Transition) bool {
		return tr.To == domain.BookingStatusBroadcasted &&
			len(tr.From) == 1 && tr.From[0] == domain.BookingStatusPending
	})).Return(broadcasted, nil)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.On("InvalidatePending", mock.Anything, domain.VehicleTypeSedan).Return(nil)

	got, err := svc.CreateBooking(context.Background(), "c1", validInput())

	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusBroadcasted, got.Status)
	topics := publishedTopics(pub)
	assert.Len(t, topics, 4)
	for _, topic := range []string{"bookings", "user/c1", "ride-requests", "driver/SEDAN"} {
		assert.Equal(t, []broadcast.EventType{broadcast.EventSnapshot}, topics[topic], topic)
	}
	bookings.AssertExpectations(t)
	c.AssertExpectations(t)
}

func TestBookingCode(t *testing.T) {
	format := regexp.MustCompile(`^RD-[0-9A-HJKMNP-TV-Z]{10}$`)

	a := bookingCode("7f3a9c21-0000-4000-8000-000000000001")
	b := bookingCode("7f3a9c55-1111-4111-9111-111111111111")
	assert.Regexp(t, format, a)
	assert.Regexp(t, format, b)
	assert.NotEqual(t, a, b, "ids sharing a short hex prefix still get distinct codes")
	assert.Equal(t, a, bookingCode("7f3a9c21-0000-4000-8000-000000000001"))

	assert.Equal(t, "RD-B1", bookingCode("b1"))
}

func TestBookingService_CreateBooking_RetriesTakenCode(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	ids := []string{"7f3a9c21-0000-4000-8000-000000000001", "2b8e4d10-0000-4000-8000-000000000002"}
	taken := &domain.Booking{
		ID:                   "earlier",
		BookingCode:          bookingCode(ids[0]),
		CustomerID:           "c0",
		RequestedVehicleType: domain.VehicleTypeSedan,
		Status:               domain.BookingStatusCompleted,
	}
	require.NoError(t, f.store.Bookings().Create(ctx, taken))

	var next int
	f.svc.newID = func() string {
		id := ids[next%len(ids)]
		next++
		return id
	}

	b, err := f.svc.CreateBooking(ctx, "c1", validInput())
	require.NoError(t, err)
	assert.Equal(t, ids[1], b.ID)
	assert.Equal(t, bookingCode(ids[1]), b.BookingCode)
	assert.Equal(t, 2, next)
}

func TestBookingService_CreateBooking_GivesUpAfterRepeatedCollisions(t *testing.T) {
	bookings := &MockBookingRepository{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, &MockCache{}, &MockPublisher{})

	bookings.On("FindActiveForCustomer", mock.Anything, "c1").Return(nil, domain.ErrBookingNotFound)
	bookings.On("Create", mock.Anything, mock.Anything).Return(repository.ErrDuplicateCode)

	_, err := svc.CreateBooking(context.Background(), "c1", validInput())

	assert.ErrorIs(t, err, repository.ErrDuplicateCode)
	bookings.AssertNumberOfCalls(t, "Create", createAttempts)
	bookings.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything)
}

func TestBookingService_CreateBooking_ValidationTouchesNothing(t *testing.T) {
	past := testNow.Add(-time.Hour)
	testCases := []struct {
		name   string
		mutate func(*CreateBookingInput)
	}{
		{"missing pickup address", func(in *CreateBookingInput) { in.Pickup.Address = " " }},
		{"drop latitude out of range", func(in *CreateBookingInput) { in.Drop.Lat = 91 }},
		{"unknown vehicle type", func(in *CreateBookingInput) { in.VehicleType = "TRUCK" }},
		{"zero passengers", func(in *CreateBookingInput) { in.PassengerCount = 0 }},
		{"bike over capacity", func(in *CreateBookingInput) { in.VehicleType = "BIKE"; in.PassengerCount = 2 }},
		{"short contact", func(in *CreateBookingInput) { in.ContactNumber = "12345" }},
		{"letters in contact", func(in *CreateBookingInput) { in.ContactNumber = "98450abcde" }},
		{"scheduled in the past", func(in *CreateBookingInput) { in.ScheduledTime = &past }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bookings := &MockBookingRepository{}
			pub := &MockPublisher{}
			svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, &MockCache{}, pub)

			input := validInput()
			tc.mutate(&input)
			_, err := svc.CreateBooking(context.Background(), "c1", input)

			assert.ErrorIs(t, err, domain.ErrValidation)
			bookings.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
			pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestBookingService_CreateBooking_CustomerAlreadyRiding(t *testing.T) {
	bookings := &MockBookingRepository{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, &MockCache{}, &MockPublisher{})
	bookings.On("FindActiveForCustomer", mock.Anything, "c1").
		Return(&domain.Booking{ID: "old", Status: domain.BookingStatusAccepted}, nil)

	_, err := svc.CreateBooking(context.Background(), "c1", validInput())

	assert.ErrorIs(t, err, domain.ErrActiveBookingExists)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
	bookings.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestBookingService_CreateBooking_PublishFailureIsNotReturned(t *testing.T) {
	bookings := &MockBookingRepository{}
	c := &MockCache{}
	pub := &MockPublisher{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, c, pub)

	bookings.On("FindActiveForCustomer", mock.Anything, "c1").Return(nil, domain.ErrBookingNotFound)
	bookings.On("Create", mock.Anything, mock.Anything).Return(nil)
	bookings.On("Transition", mock.Anything, mock.Anything).Return(&domain.Booking{
		ID: "b1", CustomerID: "c1", RequestedVehicleType: domain.VehicleTypeSedan, Status: domain.BookingStatusBroadcasted,
	}, nil)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))
	c.On("InvalidatePending", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	got, err := svc.CreateBooking(context.Background(), "c1", validInput())

	require.NoError(t, err)
	assert.Equal(t, "b1", got.ID)
}

// ============================ AcceptBooking ============================

func broadcastedBooking() *domain.Booking {
	return &domain.Booking{
		ID:                   "b1",
		CustomerID:           "c1",
		RequestedVehicleType: domain.VehicleTypeSedan,
		Status:               domain.BookingStatusBroadcasted,
		BroadcastedAt:        &testNow,
	}
}

func approvedDriver() *domain.Driver {
	return &domain.Driver{ID: "d1", ApprovalStatus: domain.ApprovalStatusApproved, VehicleID: strPtr("v1")}
}

func availableSedan() *domain.Vehicle {
	return &domain.Vehicle{ID: "v1", Type: domain.VehicleTypeSedan, Status: domain.VehicleStatusAvailable}
}

func TestBookingService_AcceptBooking_Success(t *testing.T) {
	bookings := &MockBookingRepository{}
	vehicles := &MockVehicleRegistry{}
	drivers := &MockDriverRepository{}
	c := &MockCache{}
	pub := &MockPublisher{}
	svc := newMockedService(bookings, vehicles, drivers, c, pub)

	bookings.On("GetByID", mock.Anything, "b1").Return(broadcastedBooking(), nil)
	drivers.On("GetByID", mock.Anything, "d1").Return(approvedDriver(), nil)
	vehicles.On("GetByID", mock.Anything, "v1").Return(availableSedan(), nil)
	bookings.On("FindActiveForDriver", mock.Anything, "d1").Return(nil, domain.ErrBookingNotFound)

	accepted := broadcastedBooking()
	accepted.Status = domain.BookingStatusAccepted
	accepted.DriverID = strPtr("d1")
	accepted.VehicleID = strPtr("v1")
	bookings.On("Accept", mock.Anything, repository.Acceptance{
		BookingID: "b1", DriverID: "d1", VehicleID: "v1", At: testNow,
	}).Return(accepted, nil)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.On("InvalidatePending", mock.Anything, domain.VehicleTypeSedan).Return(nil)

	got, err := svc.AcceptBooking(context.Background(), "b1", "d1")

	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusAccepted, got.Status)
	topics := publishedTopics(pub)
	assert.Equal(t, []broadcast.EventType{broadcast.EventSnapshot}, topics["user/d1"])
	assert.Equal(t, []broadcast.EventType{broadcast.EventRemoved}, topics["driver/SEDAN"])
	assert.Equal(t, []broadcast.EventType{broadcast.EventRemoved}, topics["ride-requests"])
	bookings.AssertExpectations(t)
}

func TestBookingService_AcceptBooking_Ineligible(t *testing.T) {
	testCases := []struct {
		name    string
		driver  *domain.Driver
		vehicle *domain.Vehicle
		want    error
	}{
		{
			name:   "driver pending approval",
			driver: &domain.Driver{ID: "d1", ApprovalStatus: domain.ApprovalStatusPending, VehicleID: strPtr("v1")},
			want:   domain.ErrNotEligible,
		},
		{
			name:   "driver without vehicle",
			driver: &domain.Driver{ID: "d1", ApprovalStatus: domain.ApprovalStatusApproved},
			want:   domain.ErrNotEligible,
		},
		{
			name:    "wrong vehicle type",
			driver:  approvedDriver(),
			vehicle: &domain.Vehicle{ID: "v1", Type: domain.VehicleTypeBike, Status: domain.VehicleStatusAvailable},
			want:    domain.ErrNotEligible,
		},
		{
			name:    "vehicle in maintenance",
			driver:  approvedDriver(),
			vehicle: &domain.Vehicle{ID: "v1", Type: domain.VehicleTypeSedan, Status: domain.VehicleStatusMaintenance},
			want:    domain.ErrVehicleNotAvailable,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bookings := &MockBookingRepository{}
			vehicles := &MockVehicleRegistry{}
			drivers := &MockDriverRepository{}
			pub := &MockPublisher{}
			svc := newMockedService(bookings, vehicles, drivers, &MockCache{}, pub)

			bookings.On("GetByID", mock.Anything, "b1").Return(broadcastedBooking(), nil)
			drivers.On("GetByID", mock.Anything, "d1").Return(tc.driver, nil)
			if tc.vehicle != nil {
				vehicles.On("GetByID", mock.Anything, "v1").Return(tc.vehicle, nil)
			}

			_, err := svc.AcceptBooking(context.Background(), "b1", "d1")

			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, domain.CodeNotEligible, domain.CodeOf(err))
			bookings.AssertNotCalled(t, "Accept", mock.Anything, mock.Anything)
			pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestBookingService_AcceptBooking_UnknownDriverIsNotEligible(t *testing.T) {
	bookings := &MockBookingRepository{}
	drivers := &MockDriverRepository{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, drivers, &MockCache{}, &MockPublisher{})

	bookings.On("GetByID", mock.Anything, "b1").Return(broadcastedBooking(), nil)
	drivers.On("GetByID", mock.Anything, "ghost").Return(nil, domain.ErrDriverNotFound)

	_, err := svc.AcceptBooking(context.Background(), "b1", "ghost")

	assert.ErrorIs(t, err, domain.ErrNotEligible)
}

func TestBookingService_AcceptBooking_StoredStatus(t *testing.T) {
	testCases := []struct {
		status domain.BookingStatus
		want   error
	}{
		{domain.BookingStatusExpired, domain.ErrExpired},
		{domain.BookingStatusAccepted, domain.ErrAlreadyAccepted},
		{domain.BookingStatusStarted, domain.ErrAlreadyAccepted},
		{domain.BookingStatusCompleted, domain.ErrAlreadyAccepted},
		{domain.BookingStatusCancelledByCustomer, domain.ErrInvalidTransition},
	}
	for _, tc := range testCases {
		t.Run(string(tc.status), func(t *testing.T) {
			bookings := &MockBookingRepository{}
			drivers := &MockDriverRepository{}
			svc := newMockedService(bookings, &MockVehicleRegistry{}, drivers, &MockCache{}, &MockPublisher{})

			b := broadcastedBooking()
			b.Status = tc.status
			bookings.On("GetByID", mock.Anything, "b1").Return(b, nil)

			_, err := svc.AcceptBooking(context.Background(), "b1", "d1")

			assert.ErrorIs(t, err, tc.want)
			drivers.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
		})
	}
}

func TestBookingService_AcceptBooking_LostRace(t *testing.T) {
	bookings := &MockBookingRepository{}
	vehicles := &MockVehicleRegistry{}
	drivers := &MockDriverRepository{}
	pub := &MockPublisher{}
	svc := newMockedService(bookings, vehicles, drivers, &MockCache{}, pub)

	taken := broadcastedBooking()
	taken.Status = domain.BookingStatusAccepted
	taken.DriverID = strPtr("d2")
	taken.VehicleID = strPtr("v2")

	bookings.On("GetByID", mock.Anything, "b1").Return(broadcastedBooking(), nil).Once()
	bookings.On("GetByID", mock.Anything, "b1").Return(taken, nil).Once()
	drivers.On("GetByID", mock.Anything, "d1").Return(approvedDriver(), nil)
	vehicles.On("GetByID", mock.Anything, "v1").Return(availableSedan(), nil)
	bookings.On("FindActiveForDriver", mock.Anything, "d1").Return(nil, domain.ErrBookingNotFound)
	bookings.On("Accept", mock.Anything, mock.Anything).Return(nil, repository.ErrNoTransition)

	_, err := svc.AcceptBooking(context.Background(), "b1", "d1")

	assert.ErrorIs(t, err, domain.ErrAlreadyAccepted)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "ride already taken", de.Message)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	bookings.AssertExpectations(t)
}

func TestBookingService_AcceptBooking_DriverBusy(t *testing.T) {
	bookings := &MockBookingRepository{}
	vehicles := &MockVehicleRegistry{}
	drivers := &MockDriverRepository{}
	svc := newMockedService(bookings, vehicles, drivers, &MockCache{}, &MockPublisher{})

	bookings.On("GetByID", mock.Anything, "b1").Return(broadcastedBooking(), nil)
	drivers.On("GetByID", mock.Anything, "d1").Return(approvedDriver(), nil)
	vehicles.On("GetByID", mock.Anything, "v1").Return(availableSedan(), nil)
	bookings.On("FindActiveForDriver", mock.Anything, "d1").Return(&domain.Booking{ID: "b0"}, nil)

	_, err := svc.AcceptBooking(context.Background(), "b1", "d1")

	assert.ErrorIs(t, err, domain.ErrDriverBusy)
	bookings.AssertNotCalled(t, "Accept", mock.Anything, mock.Anything)
}

// ============================ lifecycle ============================

func TestBookingService_CompleteRide_FromPendingIsInvalid(t *testing.T) {
	bookings := &MockBookingRepository{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, &MockCache{}, &MockPublisher{})

	bookings.On("Transition", mock.Anything, mock.MatchedBy(func(tr repository.Transition) bool {
		return tr.To == domain.BookingStatusCompleted && tr.DriverID == "d1" && tr.Vehicle == repository.VehicleRelease
	})).Return(nil, repository.ErrNoTransition)
	bookings.On("GetByID", mock.Anything, "b1").Return(&domain.Booking{ID: "b1", Status: domain.BookingStatusPending}, nil)

	_, err := svc.CompleteRide(context.Background(), "b1", "d1")

	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestBookingService_MarkArrived_OtherDriverIsForbidden(t *testing.T) {
	bookings := &MockBookingRepository{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, &MockCache{}, &MockPublisher{})

	b := broadcastedBooking()
	b.Status = domain.BookingStatusAccepted
	b.DriverID = strPtr("d1")
	b.VehicleID = strPtr("v1")
	bookings.On("Transition", mock.Anything, mock.Anything).Return(nil, repository.ErrNoTransition)
	bookings.On("GetByID", mock.Anything, "b1").Return(b, nil)

	_, err := svc.MarkArrived(context.Background(), "b1", "intruder")

	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestBookingService_StartRide_PromotesVehicle(t *testing.T) {
	bookings := &MockBookingRepository{}
	pub := &MockPublisher{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, &MockCache{}, pub)

	started := broadcastedBooking()
	started.Status = domain.BookingStatusStarted
	started.DriverID = strPtr("d1")
	started.VehicleID = strPtr("v1")
	bookings.On("Transition", mock.Anything, repository.Transition{
		BookingID: "b1",
		From:      []domain.BookingStatus{domain.BookingStatusArrived},
		To:        domain.BookingStatusStarted,
		At:        testNow,
		DriverID:  "d1",
		Vehicle:   repository.VehicleInUse,
	}).Return(started, nil)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, err := svc.StartRide(context.Background(), "b1", "d1")

	require.NoError(t, err)
	topics := publishedTopics(pub)
	assert.NotContains(t, topics, "ride-requests")
	assert.Contains(t, topics, "user/d1")
	bookings.AssertExpectations(t)
}

func TestBookingService_CancelBooking_Guards(t *testing.T) {
	bookings := &MockBookingRepository{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, &MockCache{}, &MockPublisher{})

	bookings.On("Transition", mock.Anything, mock.MatchedBy(func(tr repository.Transition) bool {
		return tr.To == domain.BookingStatusCancelledByCustomer && tr.CustomerID == "c2" && tr.Vehicle == repository.VehicleRelease
	})).Return(nil, repository.ErrNoTransition)
	bookings.On("GetByID", mock.Anything, "b1").Return(broadcastedBooking(), nil)

	_, err := svc.CancelBooking(context.Background(), "b1", domain.ActorCustomer, "c2", "changed plans")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.CancelBooking(context.Background(), "b1", domain.Actor("robot"), "x", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBookingService_CancelBooking_BroadcastEmitsRemoval(t *testing.T) {
	bookings := &MockBookingRepository{}
	c := &MockCache{}
	pub := &MockPublisher{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, c, pub)

	cancelled := broadcastedBooking()
	cancelled.Status = domain.BookingStatusCancelledByAdmin
	cancelled.CancelReason = "duplicate"
	bookings.On("Transition", mock.Anything, mock.MatchedBy(func(tr repository.Transition) bool {
		return tr.To == domain.BookingStatusCancelledByAdmin && tr.CustomerID == "" && tr.DriverID == "" && tr.Reason == "duplicate"
	})).Return(cancelled, nil)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.On("InvalidatePending", mock.Anything, domain.VehicleTypeSedan).Return(nil)

	_, err := svc.CancelBooking(context.Background(), "b1", domain.ActorAdmin, "a1", "  duplicate ")

	require.NoError(t, err)
	topics := publishedTopics(pub)
	assert.Equal(t, []broadcast.EventType{broadcast.EventRemoved}, topics["driver/SEDAN"])
	assert.Equal(t, []broadcast.EventType{broadcast.EventSnapshot}, topics["user/c1"])
	c.AssertExpectations(t)
}

// ============================ expiry ============================

func TestBookingService_ExpireBroadcast_WithinWindow(t *testing.T) {
	bookings := &MockBookingRepository{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, &MockCache{}, &MockPublisher{})

	bookings.On("Transition", mock.Anything, mock.MatchedBy(func(tr repository.Transition) bool {
		return tr.BroadcastedBefore != nil && tr.BroadcastedBefore.Equal(testNow.Add(-2*time.Minute))
	})).Return(nil, repository.ErrNoTransition)
	bookings.On("GetByID", mock.Anything, "b1").Return(broadcastedBooking(), nil)

	_, err := svc.ExpireBroadcast(context.Background(), "b1")

	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestBookingService_ExpireStaleBroadcasts_PublishesRemovals(t *testing.T) {
	bookings := &MockBookingRepository{}
	c := &MockCache{}
	pub := &MockPublisher{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, c, pub)

	expired := []domain.Booking{
		{ID: "b1", CustomerID: "c1", RequestedVehicleType: domain.VehicleTypeSedan, Status: domain.BookingStatusExpired},
		{ID: "b2", CustomerID: "c2", RequestedVehicleType: domain.VehicleTypeBike, Status: domain.BookingStatusExpired},
	}
	bookings.On("ExpireBroadcastedBefore", mock.Anything, testNow.Add(-2*time.Minute), testNow).Return(expired, nil)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.On("InvalidatePending", mock.Anything, mock.Anything).Return(nil)

	got, err := svc.ExpireStaleBroadcasts(context.Background())

	require.NoError(t, err)
	assert.Len(t, got, 2)
	topics := publishedTopics(pub)
	assert.Equal(t, []broadcast.EventType{broadcast.EventRemoved}, topics["driver/SEDAN"])
	assert.Equal(t, []broadcast.EventType{broadcast.EventRemoved}, topics["driver/BIKE"])
	assert.Len(t, topics["ride-requests"], 2)
}

// ============================ reads ============================

func TestBookingService_ListPending_DriverUsesCacheAndHidesRejected(t *testing.T) {
	bookings := &MockBookingRepository{}
	vehicles := &MockVehicleRegistry{}
	drivers := &MockDriverRepository{}
	c := &MockCache{}
	svc := newMockedService(bookings, vehicles, drivers, c, &MockPublisher{})

	drivers.On("GetByID", mock.Anything, "d1").Return(approvedDriver(), nil)
	vehicles.On("GetByID", mock.Anything, "v1").Return(availableSedan(), nil)
	c.On("GetPending", mock.Anything, domain.VehicleTypeSedan).Return([]domain.Booking{{ID: "b1"}, {ID: "b2"}}, nil)
	c.On("Rejections", mock.Anything, "d1").Return(map[string]struct{}{"b2": {}}, nil)

	got, err := svc.ListPending(context.Background(), domain.ActorDriver, "d1", "")

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b1", got[0].ID)
	bookings.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
}

func TestBookingService_ListPending_CacheMissFillsCache(t *testing.T) {
	bookings := &MockBookingRepository{}
	c := &MockCache{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, c, &MockPublisher{})

	pending := []domain.Booking{{ID: "b1", Status: domain.BookingStatusBroadcasted}}
	c.On("GetPending", mock.Anything, domain.VehicleTypeSUV).Return(nil, nil)
	bookings.On("List", mock.Anything, repository.BookingFilter{
		Statuses:    []domain.BookingStatus{domain.BookingStatusPending, domain.BookingStatusBroadcasted},
		VehicleType: domain.VehicleTypeSUV,
	}).Return(pending, nil)
	c.On("PendingGeneration", mock.Anything, domain.VehicleTypeSUV).Return(int64(4), nil)
	c.On("SetPending", mock.Anything, domain.VehicleTypeSUV, int64(4), pending).Return(nil)

	got, err := svc.ListPending(context.Background(), domain.ActorAdmin, "a1", "suv")

	require.NoError(t, err)
	assert.Equal(t, pending, got)
	c.AssertExpectations(t)
}

func TestBookingService_ListPending_FillRacingAnAcceptIsDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisCache := cache.NewRedisCache(client, 2*time.Second)

	bookings := &MockBookingRepository{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, nil, &MockPublisher{})
	svc.cache = redisCache
	ctx := context.Background()

	stale := []domain.Booking{{ID: "b1", Status: domain.BookingStatusBroadcasted, RequestedVehicleType: domain.VehicleTypeSedan}}
	bookings.On("List", mock.Anything, mock.Anything).Return(stale, nil).Run(func(mock.Arguments) {
		// b1 is accepted after the list was read but before the cache is filled.
		require.NoError(t, redisCache.InvalidatePending(ctx, domain.VehicleTypeSedan))
	}).Once()

	got, err := svc.ListPending(ctx, domain.ActorAdmin, "a1", "SEDAN")
	require.NoError(t, err)
	assert.Equal(t, stale, got)

	cached, err := redisCache.GetPending(ctx, domain.VehicleTypeSedan)
	require.NoError(t, err)
	assert.Nil(t, cached, "a list read before the invalidation must not be cached")
}

func TestBookingService_ListPending_CustomerForbidden(t *testing.T) {
	svc := newMockedService(&MockBookingRepository{}, &MockVehicleRegistry{}, &MockDriverRepository{}, &MockCache{}, &MockPublisher{})

	_, err := svc.ListPending(context.Background(), domain.ActorCustomer, "c1", "")

	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestBookingService_ActiveBooking_NoneIsNil(t *testing.T) {
	bookings := &MockBookingRepository{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, &MockCache{}, &MockPublisher{})
	bookings.On("FindActiveForDriver", mock.Anything, "d1").Return(nil, domain.ErrBookingNotFound)

	got, err := svc.ActiveBooking(context.Background(), domain.ActorDriver, "d1")

	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBookingService_GetBooking_Visibility(t *testing.T) {
	bookings := &MockBookingRepository{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, &MockCache{}, &MockPublisher{})
	bookings.On("GetByID", mock.Anything, "b1").Return(broadcastedBooking(), nil)

	_, err := svc.GetBooking(context.Background(), "b1", domain.ActorCustomer, "c1")
	assert.NoError(t, err)
	_, err = svc.GetBooking(context.Background(), "b1", domain.ActorDriver, "d9")
	assert.NoError(t, err, "open bookings are visible to drivers")
	_, err = svc.GetBooking(context.Background(), "b1", domain.ActorCustomer, "c2")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestBookingService_RejectBooking(t *testing.T) {
	bookings := &MockBookingRepository{}
	c := &MockCache{}
	svc := newMockedService(bookings, &MockVehicleRegistry{}, &MockDriverRepository{}, c, &MockPublisher{})

	bookings.On("GetByID", mock.Anything, "b1").Return(broadcastedBooking(), nil)
	c.On("AddRejection", mock.Anything, "d1", "b1", 10*time.Minute).Return(nil)

	require.NoError(t, svc.RejectBooking(context.Background(), "b1", "d1"))
	c.AssertExpectations(t)
}

func TestBookingService_EstimateFare(t *testing.T) {
	svc := newMockedService(&MockBookingRepository{}, &MockVehicleRegistry{}, &MockDriverRepository{}, &MockCache{}, &MockPublisher{})
	in := validInput()

	est, err := svc.EstimateFare(context.Background(), in.Pickup, in.Drop, "SEDAN")
	require.NoError(t, err)
	assert.Greater(t, est.DistanceKm, 20.0)
	assert.Equal(t, "INR", est.Currency)

	_, err = svc.EstimateFare(context.Background(), in.Pickup, in.Drop, "TRUCK")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
