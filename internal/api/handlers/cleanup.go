package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/candle-sync/internal/services"
)

// CleanupInterface defines the interface for cleanup operations
type CleanupInterface interface {
	Stats(ctx context.Context) (*services.CleanupStats, error)
	RunCleanup(ctx context.Context) (*services.CleanupResult, error)
}

// CleanupHandler handles cleanup-related API endpoints
type CleanupHandler struct {
	cleanupService CleanupInterface
}

// NewCleanupHandler creates a new cleanup handler
func NewCleanupHandler(cleanupService CleanupInterface) *CleanupHandler {
	return &CleanupHandler{
		cleanupService: cleanupService,
	}
}

// GetDataStats returns task and gap counts per status
func (h *CleanupHandler) GetDataStats(c *gin.Context) {
	stats, err := h.cleanupService.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to get data statistics")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// TriggerCleanup manually triggers a cleanup operation
func (h *CleanupHandler) TriggerCleanup(c *gin.Context) {
	result, err := h.cleanupService.RunCleanup(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to run cleanup")
		return
	}

	stats, err := h.cleanupService.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Cleanup completed but failed to get updated statistics",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Cleanup completed successfully",
		"result":  result,
		"stats":   stats,
	})
}
