package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the reconciliation report to operators.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up operator-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation", h.GetReport)
	r.POST("/admin/reconciliation", h.RunNow)
}

// GetReport handles GET /admin/reconciliation
func (h *Handler) GetReport(c *gin.Context) {
	report := h.service.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_report", "message": "No reconciliation sweep has completed yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// RunNow handles POST /admin/reconciliation, sweeping synchronously.
func (h *Handler) RunNow(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_error", "message": "Sweep failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
