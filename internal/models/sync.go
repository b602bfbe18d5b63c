package models

import "time"

// SyncStatus tracks per-series progress. LastKlineTime never moves backward
// except when every candle of the series is deleted.
type SyncStatus struct {
	ID                 int64      `json:"id" db:"id"`
	SymbolID           int64      `json:"symbol_id" db:"symbol_id"`
	Interval           Interval   `json:"interval" db:"interval"`
	LastSyncTime       *time.Time `json:"last_sync_time,omitempty" db:"last_sync_time"`
	LastKlineTime      *time.Time `json:"last_kline_time,omitempty" db:"last_kline_time"`
	TotalKlines        int64      `json:"total_klines" db:"total_klines"`
	AutoGapFillEnabled bool       `json:"auto_gap_fill_enabled" db:"auto_gap_fill_enabled"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// TaskType is the kind of sync work a task audits.
type TaskType string

const (
	TaskRealtime TaskType = "REALTIME"
	TaskHistory  TaskType = "HISTORY"
	TaskGapFill  TaskType = "GAP_FILL"
)

// TaskStatus moves strictly forward: PENDING, RUNNING, then SUCCESS or FAILED.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskRunning TaskStatus = "RUNNING"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskFailed  TaskStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

// SyncTask is an audit record for one unit of sync work.
type SyncTask struct {
	ID           int64      `json:"id" db:"id"`
	SymbolID     int64      `json:"symbol_id" db:"symbol_id"`
	Interval     Interval   `json:"interval" db:"interval"`
	TaskType     TaskType   `json:"task_type" db:"task_type"`
	Status       TaskStatus `json:"status" db:"status"`
	StartTime    *time.Time `json:"start_time,omitempty" db:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty" db:"end_time"`
	SyncedCount  int64      `json:"synced_count" db:"synced_count"`
	RetryCount   int        `json:"retry_count" db:"retry_count"`
	MaxRetries   int        `json:"max_retries" db:"max_retries"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	SymbolID int64      `form:"symbol_id"`
	TaskType TaskType   `form:"task_type"`
	Status   TaskStatus `form:"status"`
	Limit    int        `form:"limit"`
}

// GapStatus is the lifecycle of a detected gap.
type GapStatus string

const (
	GapPending     GapStatus = "PENDING"
	GapFilling     GapStatus = "FILLING"
	GapFilled      GapStatus = "FILLED"
	GapFilledEmpty GapStatus = "FILLED_EMPTY"
	GapFailed      GapStatus = "FAILED"
)

// Resolved reports whether the gap needs no further work.
func (s GapStatus) Resolved() bool {
	return s == GapFilled || s == GapFilledEmpty
}

// DataGap is a run of missing candles. GapStart and GapEnd are the inclusive
// open times of the first and last missing candle.
type DataGap struct {
	ID           int64     `json:"id" db:"id"`
	SymbolID     int64     `json:"symbol_id" db:"symbol_id"`
	Interval     Interval  `json:"interval" db:"interval"`
	GapStart     time.Time `json:"gap_start" db:"gap_start"`
	GapEnd       time.Time `json:"gap_end" db:"gap_end"`
	MissingCount int64     `json:"missing_count" db:"missing_count"`
	Status       GapStatus `json:"status" db:"status"`
	RetryCount   int       `json:"retry_count" db:"retry_count"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Series returns the series the gap belongs to.
func (g *DataGap) Series() Series {
	return Series{SymbolID: g.SymbolID, Interval: g.Interval}
}

// Overlaps reports whether [start, end] intersects the gap.
func (g *DataGap) Overlaps(start, end time.Time) bool {
	return !g.GapStart.After(end) && !g.GapEnd.Before(start)
}

// GapFilter narrows gap listings.
type GapFilter struct {
	SymbolID int64     `form:"symbol_id"`
	Interval string    `form:"interval"`
	Status   GapStatus `form:"status"`
	Limit    int       `form:"limit"`
}
