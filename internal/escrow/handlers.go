package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/techswap/marketplace/internal/logging"
)

// Handler provides operator HTTP endpoints for escrow.
type Handler struct {
	ledger *Ledger
	timer  *Timer
}

// NewHandler creates a new escrow handler. timer may be nil.
func NewHandler(ledger *Ledger, timer *Timer) *Handler {
	return &Handler{ledger: ledger, timer: timer}
}

// RegisterAdminRoutes sets up operator-only escrow routes. The group must
// already require the operator role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/stats", h.Stats)
	r.POST("/escrow/sweep", h.Sweep)
}

// Stats handles GET /v1/admin/escrow/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load escrow stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load escrow stats",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// Sweep handles POST /v1/admin/escrow/sweep, running one auto-release pass now.
func (h *Handler) Sweep(c *gin.Context) {
	if h.timer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "sweep_unavailable",
			"message": "Auto-release timer is not configured",
		})
		return
	}

	result, err := h.timer.Sweep(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual escrow sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": "Auto-release sweep failed",
		})
		return
	}
	if result.Skipped {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "sweep_in_progress",
			"message": "A sweep is already running",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}
