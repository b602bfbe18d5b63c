package services

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/candle-sync/internal/config"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/sirupsen/logrus"
)

// CleanupResult reports one retention pass.
type CleanupResult struct {
	PurgedTasks int64 `json:"purged_tasks"`
	PurgedGaps  int64 `json:"purged_gaps"`
}

// CleanupService handles automatic cleanup of finished tasks and resolved
// gaps.
type CleanupService struct {
	tasks  TaskStore
	gaps   GapStore
	config config.CleanupConfig
	logger *logrus.Entry
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(tasks TaskStore, gaps GapStore, cfg config.CleanupConfig, logger *logrus.Logger) *CleanupService {
	if cfg.TaskRetentionHours <= 0 {
		cfg.TaskRetentionHours = 168
	}
	if cfg.GapRetentionHours <= 0 {
		cfg.GapRetentionHours = 168
	}
	if cfg.CleanupIntervalMinutes <= 0 {
		cfg.CleanupIntervalMinutes = 60
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CleanupService{
		tasks:  tasks,
		gaps:   gaps,
		config: cfg,
		logger: logger.WithField("component", "cleanup"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the cleanup service with periodic cleanup
func (c *CleanupService) Start() {
	c.logger.WithFields(logrus.Fields{
		"task_retention_hours": c.config.TaskRetentionHours,
		"gap_retention_hours":  c.config.GapRetentionHours,
	}).Info("Starting cleanup service")

	// Run initial cleanup
	go func() {
		if _, err := c.RunCleanup(c.ctx); err != nil {
			c.logger.WithError(err).Warn("Initial cleanup failed")
		}
	}()

	ticker := time.NewTicker(time.Duration(c.config.CleanupIntervalMinutes) * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.RunCleanup(c.ctx); err != nil {
					c.logger.WithError(err).Warn("Cleanup failed")
				}
			}
		}
	}()
}

// Stop stops the cleanup service
func (c *CleanupService) Stop() {
	c.logger.Info("Stopping cleanup service")
	c.cancel()
}

// RunCleanup performs one retention pass.
func (c *CleanupService) RunCleanup(ctx context.Context) (*CleanupResult, error) {
	now := c.now().UTC()
	result := &CleanupResult{}

	taskCutoff := now.Add(-time.Duration(c.config.TaskRetentionHours) * time.Hour)
	n, err := c.tasks.PurgeFinished(ctx, taskCutoff)
	if err != nil {
		return result, fmt.Errorf("failed to cleanup sync tasks: %w", err)
	}
	result.PurgedTasks = n

	gapCutoff := now.Add(-time.Duration(c.config.GapRetentionHours) * time.Hour)
	n, err = c.gaps.PurgeResolved(ctx, gapCutoff)
	if err != nil {
		return result, fmt.Errorf("failed to cleanup resolved gaps: %w", err)
	}
	result.PurgedGaps = n

	if result.PurgedTasks > 0 || result.PurgedGaps > 0 {
		c.logger.WithFields(logrus.Fields{
			"tasks": result.PurgedTasks,
			"gaps":  result.PurgedGaps,
		}).Info("Cleaned up old records")
	}
	return result, nil
}

// InterruptedTaskMessage is recorded on tasks failed by RecoverInterrupted.
const InterruptedTaskMessage = "interrupted by service restart"

// RecoveryResult reports the startup sweep.
type RecoveryResult struct {
	FailedTasks int64 `json:"failed_tasks"`
	ResetGaps   int64 `json:"reset_gaps"`
}

// RecoverInterrupted repairs state left by a previous run: FILLING gaps go
// back to PENDING and unfinished tasks are marked FAILED. Only rows last
// touched before startedAt are considered. Call it before any sync work
// starts.
func (c *CleanupService) RecoverInterrupted(ctx context.Context, startedAt time.Time) (*RecoveryResult, error) {
	result := &RecoveryResult{}

	n, err := c.gaps.ResetInterrupted(ctx, startedAt)
	if err != nil {
		return result, fmt.Errorf("failed to reset interrupted gaps: %w", err)
	}
	result.ResetGaps = n

	n, err = c.tasks.FailInterrupted(ctx, startedAt, InterruptedTaskMessage)
	if err != nil {
		return result, fmt.Errorf("failed to fail interrupted tasks: %w", err)
	}
	result.FailedTasks = n

	if result.ResetGaps > 0 || result.FailedTasks > 0 {
		c.logger.WithFields(logrus.Fields{
			"gaps":  result.ResetGaps,
			"tasks": result.FailedTasks,
		}).Warn("Recovered work interrupted by a previous run")
	}
	return result, nil
}

// CleanupStats counts tasks and gaps per status.
type CleanupStats struct {
	Tasks map[models.TaskStatus]int64 `json:"tasks"`
	Gaps  map[models.GapStatus]int64  `json:"gaps"`
}

// Stats returns statistics about current task and gap storage
func (c *CleanupService) Stats(ctx context.Context) (*CleanupStats, error) {
	tasks, err := c.tasks.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	gaps, err := c.gaps.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count gaps: %w", err)
	}
	return &CleanupStats{Tasks: tasks, Gaps: gaps}, nil
}
