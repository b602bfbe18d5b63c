package services

import (
	"context"
	"time"

	"github.com/irfndi/candle-sync/internal/models"
	"github.com/sirupsen/logrus"
)

// maxTaskErrorLength bounds the error text stored on a task.
const maxTaskErrorLength = 1000

// taskTracker creates audit tasks before work starts and finalizes each
// exactly once.
type taskTracker struct {
	tasks  TaskStore
	logger *logrus.Entry
}

func newTaskTracker(tasks TaskStore, logger *logrus.Entry) *taskTracker {
	return &taskTracker{tasks: tasks, logger: logger}
}

// begin creates a task and moves it to RUNNING.
func (t *taskTracker) begin(ctx context.Context, series models.Series, kind models.TaskType, start, end *time.Time) (*models.SyncTask, error) {
	task, err := t.tasks.Create(ctx, &models.SyncTask{
		SymbolID:  series.SymbolID,
		Interval:  series.Interval,
		TaskType:  kind,
		StartTime: start,
		EndTime:   end,
	})
	if err != nil {
		return nil, err
	}
	if err := t.tasks.Start(ctx, task.ID); err != nil {
		return nil, err
	}
	task.Status = models.TaskRunning
	return task, nil
}

func (t *taskTracker) progress(ctx context.Context, taskID, synced int64) {
	if err := t.tasks.UpdateProgress(ctx, taskID, synced); err != nil {
		t.logger.WithError(err).WithField("task_id", taskID).Warn("Failed to record task progress")
	}
}

// finish marks the task SUCCESS when cause is nil and FAILED otherwise.
// Finalization uses a fresh context so a cancelled caller still leaves a
// terminal record behind.
func (t *taskTracker) finish(ctx context.Context, taskID, synced int64, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var err error
	if cause == nil {
		err = t.tasks.Complete(fctx, taskID, synced)
	} else {
		err = t.tasks.Fail(fctx, taskID, synced, truncateError(cause.Error()))
	}
	if err != nil {
		t.logger.WithError(err).WithField("task_id", taskID).Error("Failed to finalize task")
	}
}

func truncateError(msg string) string {
	if len(msg) > maxTaskErrorLength {
		return msg[:maxTaskErrorLength]
	}
	return msg
}
