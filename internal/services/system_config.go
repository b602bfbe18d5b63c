package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/sirupsen/logrus"
)

// ConfigCache shares config values between instances.
type ConfigCache interface {
	Get(ctx context.Context) (map[string]string, bool)
	Set(ctx context.Context, values map[string]string) error
	Invalidate(ctx context.Context) error
	Publish(ctx context.Context, sender string) error
	Subscribe(ctx context.Context) (<-chan string, error)
}

// Snapshot is an immutable view of every config value. Version increases
// whenever a refresh observes different values.
type Snapshot struct {
	Version  int64             `json:"version"`
	Values   map[string]string `json:"values"`
	LoadedAt time.Time         `json:"loaded_at"`
}

// ConfigChange describes one key whose effective value changed.
type ConfigChange struct {
	Key      string `json:"key"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// ConfigListener is called synchronously for each changed key.
type ConfigListener func(ctx context.Context, change ConfigChange)

// SystemConfigService serves runtime switches and schedules from a
// versioned snapshot, backed by Postgres and shared through Redis.
type SystemConfigService struct {
	store      ConfigStore
	cache      ConfigCache
	logger     *logrus.Entry
	instanceID string

	snapshot  atomic.Pointer[Snapshot]
	refreshMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []ConfigListener
}

func NewSystemConfigService(store ConfigStore, cache ConfigCache, logger *logrus.Logger) *SystemConfigService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &SystemConfigService{
		store:      store,
		cache:      cache,
		logger:     logger.WithField("component", "system_config"),
		instanceID: uuid.NewString(),
	}
	s.snapshot.Store(&Snapshot{Values: withDefaults(nil), LoadedAt: time.Now().UTC()})
	return s
}

func withDefaults(stored map[string]string) map[string]string {
	values := make(map[string]string, len(models.ConfigDefaults)+len(stored))
	for k, v := range models.ConfigDefaults {
		values[k] = v
	}
	for k, v := range stored {
		values[k] = v
	}
	return values
}

// Snapshot returns the current snapshot. It is never nil.
func (s *SystemConfigService) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// OnChange registers a listener for changed keys.
func (s *SystemConfigService) OnChange(listener ConfigListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Refresh reloads the snapshot. Unless forced, a shared cached copy is
// preferred over the database. Listeners are notified of every key whose
// value differs from the previous snapshot.
func (s *SystemConfigService) Refresh(ctx context.Context, force bool) (*Snapshot, error) {
	s.refreshMu.Lock()
	values, err := s.load(ctx, force)
	if err != nil {
		s.refreshMu.Unlock()
		return nil, err
	}

	prev := s.snapshot.Load()
	changes := diffValues(prev.Values, values)
	next := prev
	if len(changes) > 0 {
		next = &Snapshot{Version: prev.Version + 1, Values: values, LoadedAt: time.Now().UTC()}
		s.snapshot.Store(next)
	}
	s.refreshMu.Unlock()

	if len(changes) > 0 {
		s.logger.WithFields(logrus.Fields{
			"version": next.Version,
			"changed": len(changes),
		}).Info("System config snapshot updated")
		s.notify(ctx, changes)
	}
	return next, nil
}

func (s *SystemConfigService) load(ctx context.Context, force bool) (map[string]string, error) {
	if !force && s.cache != nil {
		if cached, ok := s.cache.Get(ctx); ok {
			return withDefaults(cached), nil
		}
	}

	rows, err := s.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load system config: %w", err)
	}
	stored := make(map[string]string, len(rows))
	for _, row := range rows {
		stored[row.Key] = row.Value
	}
	values := withDefaults(stored)

	if s.cache != nil {
		if err := s.cache.Set(ctx, values); err != nil {
			s.logger.WithError(err).Warn("Failed to cache system config")
		}
	}
	return values, nil
}

func diffValues(prev, next map[string]string) []ConfigChange {
	var changes []ConfigChange
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			changes = append(changes, ConfigChange{Key: k, OldValue: prev[k], NewValue: v})
		}
	}
	for k, v := range prev {
		if _, ok := next[k]; !ok {
			changes = append(changes, ConfigChange{Key: k, OldValue: v})
		}
	}
	return changes
}

func (s *SystemConfigService) notify(ctx context.Context, changes []ConfigChange) {
	s.listenersMu.RLock()
	listeners := make([]ConfigListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, change := range changes {
		for _, l := range listeners {
			l(ctx, change)
		}
	}
}

// Update validates and stores one value, invalidates the shared cache,
// tells peer instances and refreshes the local snapshot.
func (s *SystemConfigService) Update(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return utils.NewValidationError("config key is required")
	}
	if err := validateConfigValue(key, value); err != nil {
		return err
	}

	if err := s.store.Set(ctx, key, value); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.logger.WithError(err).Warn("Failed to invalidate config cache")
		}
		if err := s.cache.Publish(ctx, s.instanceID); err != nil {
			s.logger.WithError(err).Warn("Failed to publish config invalidation")
		}
	}

	s.logger.WithFields(logrus.Fields{"key": key, "value": value}).Info("System config updated")
	_, err := s.Refresh(ctx, true)
	return err
}

// positiveConfigKeys hold integers that must be at least 1.
var positiveConfigKeys = map[string]bool{
	models.ConfigGapFillMaxRetry:  true,
	models.ConfigGapFillBatchSize: true,
}

func validateConfigValue(key, value string) error {
	if strings.HasSuffix(key, ".cron") {
		if err := ValidateCron(value); err != nil {
			return utils.NewValidationErrorf("%s is not a valid cron expression: %v", key, err)
		}
		return nil
	}
	def, known := models.ConfigDefaults[key]
	if !known {
		return nil
	}
	if _, err := strconv.ParseBool(def); err == nil {
		if _, err := strconv.ParseBool(value); err != nil {
			return utils.NewValidationErrorf("%s must be true or false", key)
		}
		return nil
	}
	if _, err := strconv.Atoi(def); err == nil {
		n, err := strconv.Atoi(value)
		if positiveConfigKeys[key] {
			if err != nil || n < 1 {
				return utils.NewValidationErrorf("%s must be a positive integer", key)
			}
			return nil
		}
		if err != nil || n < 0 {
			return utils.NewValidationErrorf("%s must be a non-negative integer", key)
		}
		return nil
	}
	if value == "" {
		return utils.NewValidationErrorf("%s must not be empty", key)
	}
	return nil
}

// ListenInvalidations refreshes the snapshot whenever a peer instance
// updates a value. It blocks until ctx is done.
func (s *SystemConfigService) ListenInvalidations(ctx context.Context) error {
	if s.cache == nil {
		<-ctx.Done()
		return nil
	}
	payloads, err := s.cache.Subscribe(ctx)
	if err != nil {
		return err
	}
	for sender := range payloads {
		if sender == s.instanceID {
			continue
		}
		if _, err := s.Refresh(ctx, true); err != nil {
			s.logger.WithError(err).Warn("Failed to refresh config after peer update")
		}
	}
	return nil
}

func (s *SystemConfigService) raw(key string) string {
	if v, ok := s.Snapshot().Values[key]; ok {
		return v
	}
	return models.ConfigDefaults[key]
}

// String returns the value of key, or def when it is empty.
func (s *SystemConfigService) String(key, def string) string {
	if v := strings.TrimSpace(s.raw(key)); v != "" {
		return v
	}
	return def
}

// Bool parses key as a boolean, falling back to def.
func (s *SystemConfigService) Bool(key string, def bool) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(s.raw(key))); err == nil {
		return b
	}
	return def
}

// Int parses key as an int, falling back to def.
func (s *SystemConfigService) Int(key string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(s.raw(key))); err == nil {
		return n
	}
	return def
}

// Int64 parses key as an int64, falling back to def.
func (s *SystemConfigService) Int64(key string, def int64) int64 {
	if n, err := strconv.ParseInt(strings.TrimSpace(s.raw(key)), 10, 64); err == nil {
		return n
	}
	return def
}

// Duration reads key as a number of milliseconds, falling back to def.
func (s *SystemConfigService) Duration(key string, def time.Duration) time.Duration {
	if n, err := strconv.ParseInt(strings.TrimSpace(s.raw(key)), 10, 64); err == nil && n >= 0 {
		return time.Duration(n) * time.Millisecond
	}
	return def
}

func (s *SystemConfigService) RealtimeEnabled() bool {
	return s.Bool(models.ConfigRealtimeEnabled, true)
}

func (s *SystemConfigService) HistoryAutoSync() bool {
	return s.Bool(models.ConfigHistoryAutoSync, true)
}

func (s *SystemConfigService) GapFillAuto() bool {
	return s.Bool(models.ConfigGapFillAuto, false)
}

func (s *SystemConfigService) GapFillMaxRetry() int {
	return s.Int(models.ConfigGapFillMaxRetry, 3)
}

func (s *SystemConfigService) GapFillBatchSize() int {
	return s.Int(models.ConfigGapFillBatchSize, 10)
}

func (s *SystemConfigService) GapFillInterval() time.Duration {
	return s.Duration(models.ConfigGapFillIntervalMs, time.Second)
}

func (s *SystemConfigService) SymbolSyncCron() string {
	return s.String(models.ConfigSymbolSyncCron, models.ConfigDefaults[models.ConfigSymbolSyncCron])
}

func (s *SystemConfigService) HistorySyncCron() string {
	return s.String(models.ConfigHistorySyncCron, models.ConfigDefaults[models.ConfigHistorySyncCron])
}

func (s *SystemConfigService) GapDetectCron() string {
	return s.String(models.ConfigGapDetectCron, models.ConfigDefaults[models.ConfigGapDetectCron])
}
