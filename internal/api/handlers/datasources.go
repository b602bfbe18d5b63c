package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/candle-sync/internal/exchange"
)

// ConnectionTester checks connectivity of a data source.
type ConnectionTester interface {
	TestConnection(ctx context.Context, dataSourceID int64) (*exchange.ConnectionResult, error)
}

// DataSourceHandler serves data source maintenance endpoints.
type DataSourceHandler struct {
	tester ConnectionTester
}

func NewDataSourceHandler(tester ConnectionTester) *DataSourceHandler {
	return &DataSourceHandler{tester: tester}
}

// TestConnection pings the exchange behind a data source and reports
// round trip latency and clock skew in milliseconds.
func (h *DataSourceHandler) TestConnection(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	result, err := h.tester.TestConnection(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Connection test failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data_source_id": id,
		"success":        true,
		"latency_ms":     result.Latency.Milliseconds(),
		"server_time":    result.ServerTime,
		"clock_skew_ms":  result.ClockSkew.Milliseconds(),
	})
}
