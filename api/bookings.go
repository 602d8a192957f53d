package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/Domenick1991/ridedispatch/internal/service/booking"
	"github.com/gin-gonic/gin"
)

type BookingHandler struct {
	service booking.BookingUseCase
}

type createBookingRequest struct {
	Pickup         domain.Location `json:"pickup"`
	Drop           domain.Location `json:"drop"`
	VehicleType    string          `json:"vehicleType"`
	PassengerCount int             `json:"passengerCount"`
	ContactNumber  string          `json:"contactNumber"`
	ScheduledTime  *time.Time      `json:"scheduledTime,omitempty"`
}

type estimateRequest struct {
	Pickup      domain.Location `json:"pickup"`
	Drop        domain.Location `json:"drop"`
	VehicleType string          `json:"vehicleType"`
}

// acceptRequest is what older driver apps send. Identity comes from the token and the
// acceptance time from the server, so both fields are ignored.
type acceptRequest struct {
	DriverEmail string     `json:"driverEmail,omitempty"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func NewBookingHandler(service booking.BookingUseCase) *BookingHandler {
	return &BookingHandler{service: service}
}

func (h *BookingHandler) Register(router *gin.RouterGroup) {
	driver := RequireRole(domain.ActorDriver)

	router.POST("", RequireRole(domain.ActorCustomer), h.create)
	router.POST("/estimate", h.estimate)
	router.GET("/pending", RequireRole(domain.ActorDriver, domain.ActorAdmin), h.pending)
	router.GET("/all", RequireRole(domain.ActorAdmin), h.all)
	router.GET("/:id", h.get)
	// :id is the role here; gin needs one wildcard name per path segment.
	router.GET("/:id/active", h.active)
	router.POST("/:id/accept", driver, h.accept)
	router.POST("/:id/reject", driver, h.reject)
	router.POST("/:id/arrived", driver, h.arrived)
	router.POST("/:id/start", driver, h.start)
	router.POST("/:id/complete", driver, h.complete)
	router.POST("/:id/cancel", h.cancel)
}

func (h *BookingHandler) create(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	created, err := h.service.CreateBooking(c.Request.Context(), identity(c).UserID, booking.CreateBookingInput{
		Pickup:         req.Pickup,
		Drop:           req.Drop,
		VehicleType:    req.VehicleType,
		PassengerCount: req.PassengerCount,
		ContactNumber:  req.ContactNumber,
		ScheduledTime:  req.ScheduledTime,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *BookingHandler) estimate(c *gin.Context) {
	var req estimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	estimate, err := h.service.EstimateFare(c.Request.Context(), req.Pickup, req.Drop, req.VehicleType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, estimate)
}

func (h *BookingHandler) pending(c *gin.Context) {
	id := identity(c)
	bookings, err := h.service.ListPending(c.Request.Context(), id.Role, id.UserID, c.Query("vehicleType"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bookings)
}

func (h *BookingHandler) all(c *gin.Context) {
	bookings, err := h.service.ListAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bookings)
}

func (h *BookingHandler) get(c *gin.Context) {
	id := identity(c)
	b, err := h.service.GetBooking(c.Request.Context(), c.Param("id"), id.Role, id.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *BookingHandler) active(c *gin.Context) {
	id := identity(c)
	role, ok := domain.ParseActor(c.Param("id"))
	if !ok || role == domain.ActorAdmin {
		respondError(c, domain.Validation("role must be customer or driver"))
		return
	}
	if role != id.Role {
		respondError(c, domain.NewError(domain.CodeForbidden, "token role %s cannot read the %s view", id.Role, role))
		return
	}

	b, err := h.service.ActiveBooking(c.Request.Context(), role, id.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	if b == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *BookingHandler) accept(c *gin.Context) {
	if c.Request.ContentLength > 0 {
		var req acceptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	h.driverStep(c, h.service.AcceptBooking)
}

func (h *BookingHandler) arrived(c *gin.Context) {
	h.driverStep(c, h.service.MarkArrived)
}

func (h *BookingHandler) start(c *gin.Context) {
	h.driverStep(c, h.service.StartRide)
}

func (h *BookingHandler) complete(c *gin.Context) {
	h.driverStep(c, h.service.CompleteRide)
}

type driverAction func(ctx context.Context, bookingID, driverID string) (*domain.Booking, error)

func (h *BookingHandler) driverStep(c *gin.Context, action driverAction) {
	b, err := action(c.Request.Context(), c.Param("id"), identity(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *BookingHandler) reject(c *gin.Context) {
	if err := h.service.RejectBooking(c.Request.Context(), c.Param("id"), identity(c).UserID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *BookingHandler) cancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	id := identity(c)
	b, err := h.service.CancelBooking(c.Request.Context(), c.Param("id"), id.Role, id.UserID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}
