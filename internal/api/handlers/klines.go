package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/candle-sync/internal/database"
	"github.com/irfndi/candle-sync/internal/models"
)

// KlineStore queries and deletes stored candles.
type KlineStore interface {
	Query(ctx context.Context, series models.Series, start, end time.Time, limit int) ([]models.Candle, error)
	DeleteSeries(ctx context.Context, series models.Series) (database.DeleteResult, error)
	DeleteRange(ctx context.Context, series models.Series, start, end time.Time) (database.DeleteResult, error)
	DeleteSymbol(ctx context.Context, symbolID int64) (database.DeleteResult, error)
}

type KlineHandler struct {
	klines KlineStore
}

func NewKlineHandler(klines KlineStore) *KlineHandler {
	return &KlineHandler{klines: klines}
}

// DeleteKlinesQuery selects what to delete. Without an interval every
// series of the symbol goes; with one but no range the whole series goes.
type DeleteKlinesQuery struct {
	SymbolID int64     `form:"symbol_id" binding:"required"`
	Interval string    `form:"interval"`
	Start    time.Time `form:"start" time_format:"2006-01-02T15:04:05Z07:00"`
	End      time.Time `form:"end" time_format:"2006-01-02T15:04:05Z07:00"`
}

func (h *KlineHandler) GetKlines(c *gin.Context) {
	var query models.CandleQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "Invalid query: "+err.Error())
		return
	}
	interval, err := models.ParseInterval(query.Interval)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	series := models.Series{SymbolID: query.SymbolID, Interval: interval}
	candles, err := h.klines.Query(c.Request.Context(), series, query.Start.UTC(), query.End.UTC(), query.Limit)
	if err != nil {
		respondError(c, err, "Failed to query klines")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol_id": query.SymbolID,
		"interval":  interval,
		"klines":    candles,
		"count":     len(candles),
	})
}

func (h *KlineHandler) DeleteKlines(c *gin.Context) {
	var query DeleteKlinesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "Invalid query: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	var (
		result database.DeleteResult
		err    error
	)
	switch {
	case query.Interval == "":
		if !query.Start.IsZero() || !query.End.IsZero() {
			badRequest(c, "a time range requires interval")
			return
		}
		result, err = h.klines.DeleteSymbol(ctx, query.SymbolID)
	default:
		interval, perr := models.ParseInterval(query.Interval)
		if perr != nil {
			badRequest(c, perr.Error())
			return
		}
		series := models.Series{SymbolID: query.SymbolID, Interval: interval}
		if query.Start.IsZero() && query.End.IsZero() {
			result, err = h.klines.DeleteSeries(ctx, series)
		} else {
			result, err = h.klines.DeleteRange(ctx, series, query.Start.UTC(), query.End.UTC())
		}
	}
	if err != nil {
		respondError(c, err, "Failed to delete klines")
		return
	}
	c.JSON(http.StatusOK, result)
}
