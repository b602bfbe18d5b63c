package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/services"
)

// ConfigManager reads and writes runtime config.
type ConfigManager interface {
	Snapshot() *services.Snapshot
	Update(ctx context.Context, key, value string) error
}

// JobScheduler exposes the dynamic scheduler.
type JobScheduler interface {
	Jobs() []services.JobInfo
	Refresh(ctx context.Context) error
}

type ConfigHandler struct {
	config    ConfigManager
	scheduler JobScheduler
}

func NewConfigHandler(config ConfigManager, scheduler JobScheduler) *ConfigHandler {
	return &ConfigHandler{config: config, scheduler: scheduler}
}

type UpdateConfigRequest struct {
	Value *string `json:"value" binding:"required"`
}

// ConfigResponse lists effective values: stored values over defaults.
type ConfigResponse struct {
	Version int64             `json:"version"`
	Values  map[string]string `json:"values"`
}

func (h *ConfigHandler) response() ConfigResponse {
	values := make(map[string]string, len(models.ConfigDefaults))
	for k, v := range models.ConfigDefaults {
		values[k] = v
	}
	var version int64
	if snap := h.config.Snapshot(); snap != nil {
		version = snap.Version
		for k, v := range snap.Values {
			values[k] = v
		}
	}
	return ConfigResponse{Version: version, Values: values}
}

func (h *ConfigHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.response())
}

// UpdateConfig stores one value. Cron keys are parsed up front so a bad
// expression never reaches the store.
func (h *ConfigHandler) UpdateConfig(c *gin.Context) {
	key := c.Param("key")
	var req UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}
	if strings.HasSuffix(key, ".cron") {
		if err := services.ValidateCron(strings.TrimSpace(*req.Value)); err != nil {
			badRequest(c, "Invalid cron expression: "+err.Error())
			return
		}
	}

	if err := h.config.Update(c.Request.Context(), key, *req.Value); err != nil {
		respondError(c, err, "Failed to update config")
		return
	}
	c.JSON(http.StatusOK, h.response())
}

// RefreshConfig force-reloads config and reschedules changed jobs.
func (h *ConfigHandler) RefreshConfig(c *gin.Context) {
	if err := h.scheduler.Refresh(c.Request.Context()); err != nil {
		respondError(c, err, "Failed to refresh config")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"config": h.response(),
		"jobs":   h.scheduler.Jobs(),
	})
}

func (h *ConfigHandler) ListJobs(c *gin.Context) {
	jobs := h.scheduler.Jobs()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}
