package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ridehail/internal/domain"
	"ridehail/internal/service"
)

// RideHandler handles HTTP requests for rides.
type RideHandler struct {
	rideService *service.RideService
}

// NewRideHandler creates a new RideHandler.
func NewRideHandler(rideService *service.RideService) *RideHandler {
	return &RideHandler{rideService: rideService}
}

// RequestRideRequest is the HTTP request body for requesting a ride.
type RequestRideRequest struct {
	PassengerID string  `json:"passenger_id"`
	FromLat     float64 `json:"from_lat"`
	FromLong    float64 `json:"from_long"`
	ToLat       float64 `json:"to_lat"`
	ToLong      float64 `json:"to_long"`
}

// AcceptRideRequest is the HTTP request body for accepting a ride.
type AcceptRideRequest struct {
	DriverID string `json:"driver_id"`
}

// PositionRequest is the HTTP request body for one position sample.
type PositionRequest struct {
	Lat  *float64 `json:"lat"`
	Long *float64 `json:"long"`
}

// PositionResponse is one entry of a ride's position trail.
type PositionResponse struct {
	Sequence   int64     `json:"sequence"`
	Lat        float64   `json:"lat"`
	Long       float64   `json:"long"`
	RecordedAt time.Time `json:"recorded_at"`
}

// NearbyRideResponse is one ride around a point.
type NearbyRideResponse struct {
	RideID     string  `json:"ride_id"`
	Lat        float64 `json:"lat"`
	Long       float64 `json:"long"`
	DistanceKm float64 `json:"distance_km"`
}

// RequestRide handles POST /v1/rides
func (h *RideHandler) RequestRide(c *gin.Context) {
	var req RequestRideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	ride, err := h.rideService.RequestRide(c.Request.Context(), service.RequestRideRequest{
		PassengerID: req.PassengerID,
		FromLat:     req.FromLat,
		FromLong:    req.FromLong,
		ToLat:       req.ToLat,
		ToLong:      req.ToLong,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusCreated, service.NewRideView(ride))
}

// GetRide handles GET /v1/rides/:id
func (h *RideHandler) GetRide(c *gin.Context) {
	view, err := h.rideService.GetRide(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, view)
}

// AcceptRide handles POST /v1/rides/:id/accept
func (h *RideHandler) AcceptRide(c *gin.Context) {
	var req AcceptRideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	ride, err := h.rideService.AcceptRide(c.Request.Context(), c.Param("id"), req.DriverID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, service.NewRideView(ride))
}

// StartRide handles POST /v1/rides/:id/start
func (h *RideHandler) StartRide(c *gin.Context) {
	ride, err := h.rideService.StartRide(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, service.NewRideView(ride))
}

// UpdatePosition handles POST /v1/rides/:id/positions
func (h *RideHandler) UpdatePosition(c *gin.Context) {
	var req PositionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Lat == nil || req.Long == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "lat and long are required"})
		return
	}

	ride, err := h.rideService.UpdatePosition(c.Request.Context(), service.UpdatePositionRequest{
		RideID: c.Param("id"),
		Lat:    *req.Lat,
		Long:   *req.Long,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, service.NewRideView(ride))
}

// CompleteRide handles POST /v1/rides/:id/complete. A ride whose completion
// event could not be published yet is still completed and answered with 202.
func (h *RideHandler) CompleteRide(c *gin.Context) {
	ride, err := h.rideService.CompleteRide(c.Request.Context(), c.Param("id"))
	if err != nil {
		if ride != nil && errors.Is(err, domain.ErrDispatch) {
			respondJSON(c, http.StatusAccepted, service.NewRideView(ride))
			return
		}
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, service.NewRideView(ride))
}

// GetPositions handles GET /v1/rides/:id/positions
func (h *RideHandler) GetPositions(c *gin.Context) {
	positions, err := h.rideService.GetRidePositions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	response := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		response = append(response, PositionResponse{
			Sequence:   p.Sequence,
			Lat:        p.Lat,
			Long:       p.Long,
			RecordedAt: p.RecordedAt,
		})
	}

	respondJSON(c, http.StatusOK, response)
}

// NearbyRides handles GET /v1/rides/nearby?lat=&long=&radius_km=
func (h *RideHandler) NearbyRides(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("long"), 64)
	if errLat != nil || errLng != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "lat and long query parameters are required"})
		return
	}
	if err := (domain.Coordinate{Lat: lat, Long: lng}).Validate(); err != nil {
		respondError(c, err)
		return
	}

	var radius float64
	if raw := c.Query("radius_km"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid radius_km"})
			return
		}
		radius = parsed
	}

	rides, err := h.rideService.NearbyRides(c.Request.Context(), lat, lng, radius)
	if err != nil {
		respondError(c, err)
		return
	}

	response := make([]NearbyRideResponse, 0, len(rides))
	for _, r := range rides {
		response = append(response, NearbyRideResponse{
			RideID:     r.RideID,
			Lat:        r.Lat,
			Long:       r.Lng,
			DistanceKm: r.Distance,
		})
	}

	respondJSON(c, http.StatusOK, response)
}
