package orgs

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/auth"
	"github.com/mbd888/voltrust/internal/moderation"
)

// Handler provides HTTP endpoints for organizations.
type Handler struct {
	service *Service
}

// NewHandler creates a new organization handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/organizations", h.List)
	r.GET("/organizations/:id", h.Get)
}

// RegisterProtectedRoutes sets up routes that need an identified actor.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/organizations", h.Create)
	r.PUT("/organizations/:id/compliance", h.UpdateCompliance)
}

// RegisterAdminRoutes sets up moderation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/organizations/:id/review", h.BeginReview)
	r.POST("/organizations/:id/moderate", h.Moderate)
	r.PUT("/organizations/:id/compliance-score", h.SetComplianceScore)
}

// ModerateRequest is the body of a moderation decision.
type ModerateRequest struct {
	Decision moderation.Decision `json:"decision" binding:"required"`
	Note     string              `json:"note"`
}

// Create handles POST /v1/organizations
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "name is required",
		})
		return
	}
	o, err := h.service.Create(c.Request.Context(), req, auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"organization": o})
}

// Get handles GET /v1/organizations/:id
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization": o, "complianceScore": o.ComplianceScore()})
}

// List handles GET /v1/organizations
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organizations": list, "count": len(list)})
}

// UpdateCompliance handles PUT /v1/organizations/:id/compliance
func (h *Handler) UpdateCompliance(c *gin.Context) {
	var flags ComplianceFlags
	if err := c.ShouldBindJSON(&flags); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid compliance flags",
		})
		return
	}
	o, err := h.service.UpdateCompliance(c.Request.Context(), c.Param("id"), flags, auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization": o})
}

// BeginReview handles POST /v1/admin/organizations/:id/review
func (h *Handler) BeginReview(c *gin.Context) {
	o, err := h.service.BeginReview(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization": o})
}

// Moderate handles POST /v1/admin/organizations/:id/moderate
func (h *Handler) Moderate(c *gin.Context) {
	var req ModerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "decision is required",
		})
		return
	}
	o, err := h.service.Moderate(c.Request.Context(), c.Param("id"), req.Decision, auth.ActorID(c), req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization": o})
}

// SetComplianceScore handles PUT /v1/admin/organizations/:id/compliance-score
func (h *Handler) SetComplianceScore(c *gin.Context) {
	var body struct {
		Score *float64 `json:"score"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	o, err := h.service.SetComplianceScore(c.Request.Context(), c.Param("id"), body.Score, auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization": o, "complianceScore": o.ComplianceScore()})
}

func respondError(c *gin.Context, err error) {
	status, body := apperr.Response(err)
	c.JSON(status, body)
}
