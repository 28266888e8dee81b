package hours

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/auth"
	"github.com/mbd888/voltrust/internal/disputes"
)

// Handler provides HTTP endpoints for hour entries.
type Handler struct {
	service *Service
}

// NewHandler creates a new hour entry handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes that need an identified actor.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/hours/:id", h.GetEntry)
	r.GET("/volunteers/:id/hours", h.ListByVolunteer)
	r.GET("/events/:id/hours", h.ListByEvent)
	r.POST("/hours/:id/dispute", h.RaiseDispute)
}

// RegisterAdminRoutes sets up admin review routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/hours/:id/approve", h.Approve)
	r.POST("/hours/:id/adjust", h.Adjust)
	r.POST("/hours/:id/reject", h.Reject)
}

// AdjustRequest is the body of POST /v1/admin/hours/:id/adjust
type AdjustRequest struct {
	NewHours *float64 `json:"newHours" binding:"required"`
	Reason   string   `json:"reason" binding:"required"`
}

// ReasonRequest carries a mandatory reason.
type ReasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// GetEntry handles GET /v1/hours/:id
func (h *Handler) GetEntry(c *gin.Context) {
	entry, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// ListByVolunteer handles GET /v1/volunteers/:id/hours
func (h *Handler) ListByVolunteer(c *gin.Context) {
	entries, err := h.service.ListByVolunteer(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// ListByEvent handles GET /v1/events/:id/hours
func (h *Handler) ListByEvent(c *gin.Context) {
	entries, err := h.service.ListByEvent(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// RaiseDispute handles POST /v1/hours/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	actor, _ := auth.GetActor(c)
	entry, dispute, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"),
		disputes.SubmitterRole(actor.Role), actor.ID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry, "dispute": dispute})
}

// Approve handles POST /v1/admin/hours/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	entry, err := h.service.Approve(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// Adjust handles POST /v1/admin/hours/:id/adjust
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "newHours and reason are required",
		})
		return
	}

	entry, err := h.service.Adjust(c.Request.Context(), c.Param("id"), *req.NewHours, req.Reason, auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// Reject handles POST /v1/admin/hours/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	entry, err := h.service.Reject(c.Request.Context(), c.Param("id"), req.Reason, auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

func respondError(c *gin.Context, err error) {
	status, body := apperr.Response(err)
	c.JSON(status, body)
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	return limit
}
