package certificates

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/auth"
	"github.com/mbd888/voltrust/internal/validation"
)

// Handler provides HTTP endpoints for certificates.
type Handler struct {
	service *Service
}

// NewHandler creates a new certificate handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterPublicRoutes sets up the unauthenticated verification routes.
func (h *Handler) RegisterPublicRoutes(r gin.IRoutes) {
	r.GET("/cert/:serial", h.Lookup)
	r.POST("/cert/:serial/verify", h.Verify)
	r.GET("/cert/:serial/qr", h.QR)
	r.GET("/cert/:serial/pdf", h.PDF)
}

// RegisterProtectedRoutes sets up volunteer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/volunteers/:id/certificates", h.ListByVolunteer)
}

// RegisterAdminRoutes sets up issuance and revocation.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/certificates", h.Issue)
	r.GET("/certificates/:serial", h.Get)
	r.POST("/certificates/:serial/revoke", h.Revoke)
}

// Lookup handles GET /cert/:serial
func (h *Handler) Lookup(c *gin.Context) {
	res, err := h.service.Verify(c.Request.Context(), c.Param("serial"), nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Verify handles POST /cert/:serial/verify with the payload the caller holds.
func (h *Handler) Verify(c *gin.Context) {
	var req struct {
		Payload *Payload `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body must be {\"payload\": {...}}",
		})
		return
	}
	res, err := h.service.Verify(c.Request.Context(), c.Param("serial"), req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// QR handles GET /cert/:serial/qr
func (h *Handler) QR(c *gin.Context) {
	cert, err := h.service.Get(c.Request.Context(), c.Param("serial"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"serial": cert.Serial, "url": h.service.VerifyURL(cert.Serial)})
}

// PDF handles GET /cert/:serial/pdf
func (h *Handler) PDF(c *gin.Context) {
	cert, err := h.service.Get(c.Request.Context(), c.Param("serial"))
	if err != nil {
		respondError(c, err)
		return
	}
	doc, err := RenderPDF(cert, h.service.VerifyURL(cert.Serial))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", "inline; filename=\""+cert.Serial+".pdf\"")
	c.Data(http.StatusOK, "application/pdf", doc)
}

// ListByVolunteer handles GET /v1/volunteers/:id/certificates
func (h *Handler) ListByVolunteer(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.service.ListByVolunteer(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificates": list, "count": len(list)})
}

// Issue handles POST /v1/admin/certificates
func (h *Handler) Issue(c *gin.Context) {
	var req struct {
		HourEntryID string `json:"hourEntryId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "hourEntryId is required",
		})
		return
	}
	cert, err := h.service.Issue(c.Request.Context(), req.HourEntryID, auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"certificate": cert, "verifyUrl": h.service.VerifyURL(cert.Serial)})
}

// Get handles GET /v1/admin/certificates/:serial
func (h *Handler) Get(c *gin.Context) {
	cert, err := h.service.Get(c.Request.Context(), c.Param("serial"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificate": cert})
}

// Revoke handles POST /v1/admin/certificates/:serial/revoke
func (h *Handler) Revoke(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, 1000)
	cert, err := h.service.Revoke(c.Request.Context(), c.Param("serial"), reason, auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificate": cert})
}

func respondError(c *gin.Context, err error) {
	status, body := apperr.Response(err)
	c.JSON(status, body)
}
