package disputes

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/auth"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	resolver *Resolver
}

// NewHandler creates a new dispute handler.
func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// RegisterProtectedRoutes sets up routes that need an identified actor.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/disputes", h.ListBySubject)
	r.POST("/events/:id/disputes", h.OpenEventDispute)
}

// RegisterAdminRoutes sets up the resolution routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListByStatus)
	r.POST("/disputes/:id/investigate", h.StartInvestigation)
	r.POST("/disputes/:id/resolve", h.Resolve)
	r.POST("/disputes/:id/dismiss", h.Dismiss)
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.resolver.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListBySubject handles GET /v1/disputes?subjectKind=hour_entry&subjectId=...
func (h *Handler) ListBySubject(c *gin.Context) {
	kind := SubjectKind(c.Query("subjectKind"))
	subjectID := c.Query("subjectId")
	if (kind != SubjectHourEntry && kind != SubjectEvent) || subjectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "subjectKind (hour_entry|event) and subjectId are required",
		})
		return
	}
	list, err := h.resolver.ListBySubject(c.Request.Context(), kind, subjectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// OpenEventDispute handles POST /v1/events/:id/disputes
func (h *Handler) OpenEventDispute(c *gin.Context) {
	var body struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	actor, _ := auth.GetActor(c)
	d, err := h.resolver.OpenEventDispute(c.Request.Context(),
		OpenRequest{EventID: c.Param("id"), Reason: body.Reason},
		SubmitterRole(actor.Role), actor.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListByStatus handles GET /v1/admin/disputes?status=open
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusOpen)))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.resolver.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// StartInvestigation handles POST /v1/admin/disputes/:id/investigate
func (h *Handler) StartInvestigation(c *gin.Context) {
	d, err := h.resolver.StartInvestigation(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "decision and note are required",
		})
		return
	}

	d, err := h.resolver.Resolve(c.Request.Context(), c.Param("id"), req, auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Dismiss handles POST /v1/admin/disputes/:id/dismiss
func (h *Handler) Dismiss(c *gin.Context) {
	var body struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	d, err := h.resolver.Dismiss(c.Request.Context(), c.Param("id"), body.Reason, auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func respondError(c *gin.Context, err error) {
	status, body := apperr.Response(err)
	c.JSON(status, body)
}
