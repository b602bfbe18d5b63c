package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/services"
)

// GapDetectorService finds and lists gaps.
type GapDetectorService interface {
	DetectSymbol(ctx context.Context, symbolID int64, interval string) ([]services.DetectResult, error)
	DetectAll(ctx context.Context) (*services.DetectAllSummary, error)
	ListGaps(ctx context.Context, filter models.GapFilter) ([]models.DataGap, error)
	GetGap(ctx context.Context, id int64) (*models.DataGap, error)
}

// GapFillerService repairs gaps.
type GapFillerService interface {
	Fill(ctx context.Context, gapID int64) (*services.FillResult, error)
	BatchFill(ctx context.Context, gapIDs []int64) (*services.BatchFillResult, error)
	AutoFill(ctx context.Context) (*services.BatchFillResult, error)
	ResetFailed(ctx context.Context, gapID int64) (*models.DataGap, error)
	SetAutoGapFill(ctx context.Context, symbolID int64, interval models.Interval, enabled bool) error
}

type GapHandler struct {
	detector GapDetectorService
	filler   GapFillerService
}

func NewGapHandler(detector GapDetectorService, filler GapFillerService) *GapHandler {
	return &GapHandler{detector: detector, filler: filler}
}

// DetectGapsRequest narrows detection to one symbol and optionally one
// interval. An empty body scans every history-enabled series.
type DetectGapsRequest struct {
	SymbolID int64  `json:"symbol_id"`
	Interval string `json:"interval"`
}

type BatchFillRequest struct {
	GapIDs []int64 `json:"gap_ids" binding:"required,min=1"`
}

type AutoGapFillRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *GapHandler) DetectGaps(c *gin.Context) {
	var req DetectGapsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request format: "+err.Error())
			return
		}
	}

	ctx := c.Request.Context()
	if req.SymbolID <= 0 {
		if req.Interval != "" {
			badRequest(c, "interval requires symbol_id")
			return
		}
		summary, err := h.detector.DetectAll(ctx)
		if err != nil {
			respondError(c, err, "Failed to detect gaps")
			return
		}
		c.JSON(http.StatusOK, summary)
		return
	}

	results, err := h.detector.DetectSymbol(ctx, req.SymbolID, req.Interval)
	if err != nil {
		respondError(c, err, "Failed to detect gaps")
		return
	}
	found, inserted := 0, 0
	for _, r := range results {
		found += r.Found
		inserted += r.Inserted
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol_id": req.SymbolID,
		"results":   results,
		"found":     found,
		"inserted":  inserted,
	})
}

func (h *GapHandler) ListGaps(c *gin.Context) {
	var filter models.GapFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		badRequest(c, "Invalid query: "+err.Error())
		return
	}
	gaps, err := h.detector.ListGaps(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, "Failed to list gaps")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"gaps":  gaps,
		"count": len(gaps),
	})
}

func (h *GapHandler) GetGap(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	gap, err := h.detector.GetGap(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to get gap")
		return
	}
	c.JSON(http.StatusOK, gap)
}

// FillGap fills one gap. A gap that is not PENDING yields a 400.
func (h *GapHandler) FillGap(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	result, err := h.filler.Fill(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to fill gap")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *GapHandler) BatchFill(c *gin.Context) {
	var req BatchFillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}
	result, err := h.filler.BatchFill(c.Request.Context(), req.GapIDs)
	if err != nil {
		respondError(c, err, "Failed to fill gaps")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *GapHandler) ResetGap(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	gap, err := h.filler.ResetFailed(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to reset gap")
		return
	}
	c.JSON(http.StatusOK, gap)
}

// AutoFill runs one automatic fill pass. When the global switch is off the
// result comes back with disabled set and nothing attempted.
func (h *GapHandler) AutoFill(c *gin.Context) {
	result, err := h.filler.AutoFill(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to run auto fill")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *GapHandler) SetAutoGapFill(c *gin.Context) {
	symbolID, ok := parseIDParam(c, "symbolId")
	if !ok {
		return
	}
	interval, err := models.ParseInterval(c.Param("interval"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	var req AutoGapFillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}

	if err := h.filler.SetAutoGapFill(c.Request.Context(), symbolID, interval, *req.Enabled); err != nil {
		respondError(c, err, "Failed to update auto gap fill")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol_id": symbolID,
		"interval":  interval,
		"enabled":   *req.Enabled,
	})
}
