package api

import (
	"github.com/gin-gonic/gin"
	"github.com/irfndi/candle-sync/internal/api/handlers"
	"github.com/irfndi/candle-sync/internal/middleware"
)

// Handlers bundles every endpoint group.
type Handlers struct {
	Health      *handlers.HealthHandler
	Sync        *handlers.SyncHandler
	Gaps        *handlers.GapHandler
	Config      *handlers.ConfigHandler
	Klines      *handlers.KlineHandler
	Cleanup     *handlers.CleanupHandler
	DataSources *handlers.DataSourceHandler
}

// SetupRoutes registers the REST surface. Reads are open; anything that
// starts work or changes state requires the admin key.
func SetupRoutes(router *gin.Engine, h Handlers, admin *middleware.AdminMiddleware) {
	router.GET("/health", h.Health.HealthCheck)
	router.GET("/ready", h.Health.ReadinessCheck)
	router.GET("/live", h.Health.LivenessCheck)

	requireAdmin := admin.RequireAdminAuth()

	v1 := router.Group("/api/v1")
	{
		sync := v1.Group("/sync")
		{
			sync.GET("/realtime/subscriptions", h.Sync.ListSubscriptions)
			sync.GET("/tasks", h.Sync.ListTasks)
			sync.GET("/tasks/:id", h.Sync.GetTask)
			sync.GET("/status", h.Sync.ListStatus)

			sync.POST("/history", requireAdmin, h.Sync.SyncHistory)
			sync.POST("/history/incremental", requireAdmin, h.Sync.SyncIncremental)
			sync.POST("/realtime/:symbolId/start", requireAdmin, h.Sync.StartRealtime)
			sync.POST("/realtime/:symbolId/stop", requireAdmin, h.Sync.StopRealtime)
		}

		gaps := v1.Group("/gaps")
		{
			gaps.GET("", h.Gaps.ListGaps)
			gaps.GET("/:id", h.Gaps.GetGap)

			gaps.POST("/detect", requireAdmin, h.Gaps.DetectGaps)
			gaps.POST("/batch-fill", requireAdmin, h.Gaps.BatchFill)
			gaps.POST("/auto-fill", requireAdmin, h.Gaps.AutoFill)
			gaps.PUT("/auto-fill/:symbolId/:interval", requireAdmin, h.Gaps.SetAutoGapFill)
			gaps.POST("/:id/fill", requireAdmin, h.Gaps.FillGap)
			gaps.POST("/:id/reset", requireAdmin, h.Gaps.ResetGap)
		}

		cfg := v1.Group("/config")
		{
			cfg.GET("", h.Config.GetConfig)
			cfg.POST("/refresh", requireAdmin, h.Config.RefreshConfig)
			cfg.PUT("/:key", requireAdmin, h.Config.UpdateConfig)
		}

		v1.GET("/scheduler/jobs", h.Config.ListJobs)

		klines := v1.Group("/klines")
		{
			klines.GET("", h.Klines.GetKlines)
			klines.DELETE("", requireAdmin, h.Klines.DeleteKlines)
		}

		cleanup := v1.Group("/cleanup")
		{
			cleanup.GET("/stats", h.Cleanup.GetDataStats)
			cleanup.POST("/run", requireAdmin, h.Cleanup.TriggerCleanup)
		}

		v1.POST("/datasources/:id/test-connection", requireAdmin, h.DataSources.TestConnection)
	}
}
