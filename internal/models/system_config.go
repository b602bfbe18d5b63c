package models

import "time"

// Runtime switches and schedules stored in the system_config table.
const (
	ConfigSymbolSyncCron    = "sync.symbol.cron"
	ConfigRealtimeEnabled   = "sync.realtime.enabled"
	ConfigHistorySyncCron   = "sync.history.cron"
	ConfigHistoryAutoSync   = "sync.history.auto"
	ConfigGapDetectCron     = "sync.gap_detect.cron"
	ConfigGapFillAuto       = "sync.gap_fill.auto"
	ConfigGapFillMaxRetry   = "sync.gap_fill.max_retry"
	ConfigGapFillBatchSize  = "sync.gap_fill.batch_size"
	ConfigGapFillIntervalMs = "sync.gap_fill.interval_ms"
)

// ConfigDefaults holds the value used for any key absent from the store.
var ConfigDefaults = map[string]string{
	ConfigSymbolSyncCron:    "0 0 2 * * ?",
	ConfigRealtimeEnabled:   "true",
	ConfigHistorySyncCron:   "0 30 3 * * ?",
	ConfigHistoryAutoSync:   "true",
	ConfigGapDetectCron:     "0 0 * * * ?",
	ConfigGapFillAuto:       "false",
	ConfigGapFillMaxRetry:   "3",
	ConfigGapFillBatchSize:  "10",
	ConfigGapFillIntervalMs: "1000",
}

// SystemConfig is one stored key/value pair.
type SystemConfig struct {
	Key         string    `json:"key" db:"config_key"`
	Value       string    `json:"value" db:"config_value"`
	Description string    `json:"description,omitempty" db:"description"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
