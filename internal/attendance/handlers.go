package attendance

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/auth"
)

// Handler provides HTTP endpoints for attendance.
type Handler struct {
	recorder *Recorder
}

// NewHandler creates a new attendance handler.
func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterProtectedRoutes sets up routes that need an identified volunteer.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/attendance/check-in", h.CheckIn)
	r.POST("/attendance/check-out", h.CheckOut)
	r.GET("/visits/:id", h.GetVisit)
	r.GET("/visits/:id/samples", h.ListSamples)
	r.GET("/events/:id/visits", h.ListByEvent)
}

// CheckIn handles POST /v1/attendance/check-in
func (h *Handler) CheckIn(c *gin.Context) {
	var req CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "eventId, lat and lng are required",
		})
		return
	}
	req.VolunteerID = auth.ActorID(c)

	res, err := h.recorder.CheckIn(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// CheckOut handles POST /v1/attendance/check-out
func (h *Handler) CheckOut(c *gin.Context) {
	var req CheckOutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "eventId, lat and lng are required",
		})
		return
	}
	req.VolunteerID = auth.ActorID(c)

	res, err := h.recorder.CheckOut(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetVisit handles GET /v1/visits/:id
func (h *Handler) GetVisit(c *gin.Context) {
	v, err := h.recorder.Visit(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"visit": v})
}

// ListSamples handles GET /v1/visits/:id/samples
func (h *Handler) ListSamples(c *gin.Context) {
	samples, err := h.recorder.Samples(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples, "count": len(samples)})
}

// ListByEvent handles GET /v1/events/:id/visits
func (h *Handler) ListByEvent(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	visits, err := h.recorder.ListByEvent(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"visits": visits, "count": len(visits)})
}

func respondError(c *gin.Context, err error) {
	status, body := apperr.Response(err)
	c.JSON(status, body)
}
