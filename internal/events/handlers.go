package events

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/auth"
	"github.com/mbd888/voltrust/internal/moderation"
)

// Handler provides HTTP endpoints for events.
type Handler struct {
	service *Service
}

// NewHandler creates a new event handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events/:id", h.Get)
	r.GET("/organizations/:id/events", h.ListByOrganization)
}

// RegisterProtectedRoutes sets up organizer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/events", h.Create)
	r.POST("/events/:id/publish", h.lifecycle((*Service).Publish))
	r.POST("/events/:id/activate", h.lifecycle((*Service).Activate))
	r.POST("/events/:id/complete", h.lifecycle((*Service).Complete))
	r.POST("/events/:id/cancel", h.lifecycle((*Service).Cancel))
}

// RegisterAdminRoutes sets up moderation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/events/:id/review", h.BeginReview)
	r.POST("/events/:id/moderate", h.Moderate)
	r.PUT("/events/:id/risk", h.SetRiskScore)
}

// Create handles POST /v1/events
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "organizationId, title, startsAt and endsAt are required",
		})
		return
	}
	e, err := h.service.Create(c.Request.Context(), req, auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event": e})
}

// Get handles GET /v1/events/:id
func (h *Handler) Get(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": e})
}

// ListByOrganization handles GET /v1/organizations/:id/events
func (h *Handler) ListByOrganization(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.service.ListByOrganization(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "count": len(list)})
}

type lifecycleFunc func(s *Service, ctx context.Context, id, actorID string) (*Event, error)

func (h *Handler) lifecycle(fn lifecycleFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := fn(h.service, c.Request.Context(), c.Param("id"), auth.ActorID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"event": e})
	}
}

// BeginReview handles POST /v1/admin/events/:id/review
func (h *Handler) BeginReview(c *gin.Context) {
	e, err := h.service.BeginReview(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": e})
}

// Moderate handles POST /v1/admin/events/:id/moderate
func (h *Handler) Moderate(c *gin.Context) {
	var req struct {
		Decision moderation.Decision `json:"decision" binding:"required"`
		Note     string              `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "decision is required",
		})
		return
	}
	e, err := h.service.Moderate(c.Request.Context(), c.Param("id"), req.Decision, auth.ActorID(c), req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": e})
}

// SetRiskScore handles PUT /v1/admin/events/:id/risk
func (h *Handler) SetRiskScore(c *gin.Context) {
	var req struct {
		RiskScore *float64 `json:"riskScore" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "riskScore is required",
		})
		return
	}
	e, err := h.service.SetRiskScore(c.Request.Context(), c.Param("id"), *req.RiskScore, auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": e, "complianceScore": e.ComplianceScore()})
}

func respondError(c *gin.Context, err error) {
	status, body := apperr.Response(err)
	c.JSON(status, body)
}
