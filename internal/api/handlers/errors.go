package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/candle-sync/internal/exchange"
	"github.com/irfndi/candle-sync/internal/middleware"
	"github.com/irfndi/candle-sync/internal/utils"
)

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case utils.IsValidationError(err):
		return http.StatusBadRequest
	case utils.IsNotFound(err):
		return http.StatusNotFound
	case exchange.IsTransportError(err), errors.Is(err, exchange.ErrRateLimitExceeded):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err inline. Unexpected errors carry the fallback
// summary in "error" and the failure reason in "message".
func respondError(c *gin.Context, err error, fallback string) {
	status := statusFor(err)
	_ = c.Error(err)
	middleware.RecordError(c, err, fallback)
	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{
			"error":   fallback,
			"message": err.Error(),
		})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}

// parseIDParam parses a positive integer path parameter.
func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Invalid "+name)
		return 0, false
	}
	return id, true
}
