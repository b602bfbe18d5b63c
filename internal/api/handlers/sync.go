package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/services"
)

// HistorySyncer runs REST backfills.
type HistorySyncer interface {
	SyncRange(ctx context.Context, symbolID int64, interval models.Interval, start, end time.Time) (*services.SyncResult, error)
	SyncIncremental(ctx context.Context, symbolID int64, interval models.Interval) (*services.SyncResult, error)
}

// RealtimeManager controls live subscriptions.
type RealtimeManager interface {
	StartRealtimeSync(ctx context.Context, symbolID int64) ([]services.SubscriptionInfo, error)
	StopRealtimeSync(symbolID int64) int
	Subscriptions() []services.SubscriptionInfo
}

// TaskReader reads the sync task log.
type TaskReader interface {
	Get(ctx context.Context, id int64) (*models.SyncTask, error)
	List(ctx context.Context, filter models.TaskFilter) ([]models.SyncTask, error)
}

// StatusReader reads per-series sync progress.
type StatusReader interface {
	Status(ctx context.Context, symbolID int64) ([]models.SyncStatus, error)
}

// SyncHandler serves history, realtime and task endpoints.
type SyncHandler struct {
	history  HistorySyncer
	realtime RealtimeManager
	tasks    TaskReader
	status   StatusReader
}

func NewSyncHandler(history HistorySyncer, realtime RealtimeManager, tasks TaskReader, status StatusReader) *SyncHandler {
	return &SyncHandler{
		history:  history,
		realtime: realtime,
		tasks:    tasks,
		status:   status,
	}
}

// HistorySyncRequest asks for a backfill of [start, end].
type HistorySyncRequest struct {
	SymbolID int64     `json:"symbol_id" binding:"required"`
	Interval string    `json:"interval" binding:"required"`
	Start    time.Time `json:"start" binding:"required"`
	End      time.Time `json:"end" binding:"required"`
}

type IncrementalSyncRequest struct {
	SymbolID int64  `json:"symbol_id" binding:"required"`
	Interval string `json:"interval" binding:"required"`
}

// SyncHistory backfills one series over an explicit range.
func (h *SyncHandler) SyncHistory(c *gin.Context) {
	var req HistorySyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}
	interval, err := models.ParseInterval(req.Interval)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.history.SyncRange(c.Request.Context(), req.SymbolID, interval, req.Start.UTC(), req.End.UTC())
	if err != nil {
		respondError(c, err, "Failed to sync history")
		return
	}
	c.JSON(http.StatusOK, result)
}

// SyncIncremental resumes one series from its last stored candle.
func (h *SyncHandler) SyncIncremental(c *gin.Context) {
	var req IncrementalSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}
	interval, err := models.ParseInterval(req.Interval)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.history.SyncIncremental(c.Request.Context(), req.SymbolID, interval)
	if err != nil {
		respondError(c, err, "Failed to sync history")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *SyncHandler) StartRealtime(c *gin.Context) {
	symbolID, ok := parseIDParam(c, "symbolId")
	if !ok {
		return
	}
	subs, err := h.realtime.StartRealtimeSync(c.Request.Context(), symbolID)
	if err != nil {
		respondError(c, err, "Failed to start realtime sync")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol_id":     symbolID,
		"subscriptions": subs,
	})
}

func (h *SyncHandler) StopRealtime(c *gin.Context) {
	symbolID, ok := parseIDParam(c, "symbolId")
	if !ok {
		return
	}
	closed := h.realtime.StopRealtimeSync(symbolID)
	c.JSON(http.StatusOK, gin.H{
		"symbol_id": symbolID,
		"closed":    closed,
	})
}

func (h *SyncHandler) ListSubscriptions(c *gin.Context) {
	subs := h.realtime.Subscriptions()
	c.JSON(http.StatusOK, gin.H{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

func (h *SyncHandler) ListTasks(c *gin.Context) {
	var filter models.TaskFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		badRequest(c, "Invalid query: "+err.Error())
		return
	}
	tasks, err := h.tasks.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, "Failed to list sync tasks")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (h *SyncHandler) GetTask(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	task, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to get sync task")
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListStatus returns status records of one symbol, or all of them when
// symbol_id is absent.
func (h *SyncHandler) ListStatus(c *gin.Context) {
	var query struct {
		SymbolID int64 `form:"symbol_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "Invalid query: "+err.Error())
		return
	}
	statuses, err := h.status.Status(c.Request.Context(), query.SymbolID)
	if err != nil {
		respondError(c, err, "Failed to get sync status")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"statuses": statuses,
		"count":    len(statuses),
	})
}
