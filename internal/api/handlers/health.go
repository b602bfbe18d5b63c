package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/candle-sync/internal/exchange"
	"github.com/irfndi/candle-sync/internal/services"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var startTime = time.Now()

// HealthChecker is anything that can report its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RealtimeCounter reports live subscription counts.
type RealtimeCounter interface {
	SubscriptionCount() int
	ConnectedCount() int
}

type HealthHandler struct {
	db        HealthChecker
	redis     HealthChecker
	realtime  RealtimeCounter
	hostStats func() HostStats
	limits    func() map[int64]exchange.LimiterStats
	breakers  func() map[string]services.CircuitBreakerStats
}

// HostStats is a point-in-time view of the host.
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	MemoryTotalMB uint64  `json:"memory_total_mb"`
}

type RealtimeHealth struct {
	Subscriptions int `json:"subscriptions"`
	Connected     int `json:"connected"`
}

// ExchangeHealth shows the weight budget of every data source client and
// the backfill circuit breakers.
type ExchangeHealth struct {
	RateLimits map[int64]exchange.LimiterStats       `json:"rate_limits"`
	Breakers   map[string]services.CircuitBreakerStats `json:"breakers"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Realtime  *RealtimeHealth   `json:"realtime,omitempty"`
	Exchange  *ExchangeHealth   `json:"exchange,omitempty"`
	Host      HostStats         `json:"host"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
}

func NewHealthHandler(db, redis HealthChecker, realtime RealtimeCounter) *HealthHandler {
	return &HealthHandler{
		db:        db,
		redis:     redis,
		realtime:  realtime,
		hostStats: readHostStats,
	}
}

// WithExchangeStats adds limiter and breaker state to the health report.
func (h *HealthHandler) WithExchangeStats(limits func() map[int64]exchange.LimiterStats,
	breakers func() map[string]services.CircuitBreakerStats) *HealthHandler {
	h.limits = limits
	h.breakers = breakers
	return h
}

func readHostStats() HostStats {
	var stats HostStats
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = memInfo.UsedPercent
		stats.MemoryUsedMB = memInfo.Used / 1024 / 1024
		stats.MemoryTotalMB = memInfo.Total / 1024 / 1024
	}
	return stats
}

func checkStatus(ctx context.Context, checker HealthChecker) string {
	if checker == nil {
		return "unhealthy: not configured"
	}
	if err := checker.HealthCheck(ctx); err != nil {
		return "unhealthy: " + err.Error()
	}
	return "healthy"
}

// HealthCheck reports storage health, live subscriptions and host load.
// Any unhealthy dependency turns the response into a 503.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	services := map[string]string{
		"database": checkStatus(ctx, h.db),
		"redis":    checkStatus(ctx, h.redis),
	}

	overallStatus := "healthy"
	for _, status := range services {
		if status != "healthy" {
			overallStatus = "unhealthy"
			break
		}
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC(),
		Services:  services,
		Host:      h.hostStats(),
		Version:   os.Getenv("APP_VERSION"),
		Uptime:    time.Since(startTime).String(),
	}
	if h.realtime != nil {
		response.Realtime = &RealtimeHealth{
			Subscriptions: h.realtime.SubscriptionCount(),
			Connected:     h.realtime.ConnectedCount(),
		}
	}

	if h.limits != nil || h.breakers != nil {
		response.Exchange = &ExchangeHealth{}
		if h.limits != nil {
			response.Exchange.RateLimits = h.limits()
		}
		if h.breakers != nil {
			response.Exchange.Breakers = h.breakers()
		}
	}

	if overallStatus == "healthy" {
		c.JSON(http.StatusOK, response)
		return
	}
	c.JSON(http.StatusServiceUnavailable, response)
}

// ReadinessCheck only passes when the database answers.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	status := checkStatus(c.Request.Context(), h.db)
	if status != "healthy" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ready":    false,
			"services": gin.H{"database": "not ready"},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ready":    true,
		"services": gin.H{"database": "ready"},
	})
}

// Liveness check for container restarts
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
