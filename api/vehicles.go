package api

import (
	"errors"
	"net/http"

	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/Domenick1991/ridedispatch/internal/service/vehicles"
	"github.com/gin-gonic/gin"
)

type VehicleHandler struct {
	service vehicles.VehicleUseCase
}

func NewVehicleHandler(service vehicles.VehicleUseCase) *VehicleHandler {
	return &VehicleHandler{service: service}
}

func (h *VehicleHandler) Register(router *gin.RouterGroup) {
	router.GET("", h.list)
	router.GET("/availability", h.availability)
	router.GET("/:id", h.get)
}

func (h *VehicleHandler) list(c *gin.Context) {
	list, err := h.service.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *VehicleHandler) availability(c *gin.Context) {
	rows, err := h.service.Availability(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *VehicleHandler) get(c *gin.Context) {
	vehicle, err := h.service.GetByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, domain.ErrVehicleNotFound) {
		respondError(c, domain.NewError(domain.CodeNotFound, "vehicle %s not found", c.Param("id")))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, vehicle)
}
