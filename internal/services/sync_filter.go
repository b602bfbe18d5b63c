package services

import (
	"context"

	"github.com/irfndi/candle-sync/internal/database"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/utils"
)

// SyncKind selects which per-symbol switch an action requires.
type SyncKind int

const (
	SyncRealtime SyncKind = iota
	SyncHistory
)

func (k SyncKind) String() string {
	if k == SyncRealtime {
		return "realtime"
	}
	return "history"
}

// SyncFilter decides which series may be synced, combining the global
// switches with the symbol, market and data source switches.
type SyncFilter struct {
	catalog CatalogStore
	config  *SystemConfigService
}

func NewSyncFilter(catalog CatalogStore, config *SystemConfigService) *SyncFilter {
	return &SyncFilter{catalog: catalog, config: config}
}

// ValidIntervals returns the symbol's configured intervals that are supported.
func (f *SyncFilter) ValidIntervals(symbol *models.Symbol) []models.Interval {
	return symbol.Intervals()
}

// RealtimeTargets lists symbols to stream, or none when realtime sync is
// switched off globally.
func (f *SyncFilter) RealtimeTargets(ctx context.Context) ([]models.SymbolTarget, error) {
	if !f.config.RealtimeEnabled() {
		return nil, nil
	}
	return f.targets(ctx, database.TargetFilter{RealtimeEnabled: true})
}

// HistoryTargets lists symbols for scheduled backfill, or none when
// automatic history sync is off.
func (f *SyncFilter) HistoryTargets(ctx context.Context) ([]models.SymbolTarget, error) {
	if !f.config.HistoryAutoSync() {
		return nil, nil
	}
	return f.targets(ctx, database.TargetFilter{HistoryEnabled: true})
}

// GapDetectTargets lists history-enabled symbols regardless of the
// automatic switches.
func (f *SyncFilter) GapDetectTargets(ctx context.Context) ([]models.SymbolTarget, error) {
	return f.targets(ctx, database.TargetFilter{HistoryEnabled: true})
}

// AutoGapFillTargets lists symbols whose gaps may be filled automatically.
func (f *SyncFilter) AutoGapFillTargets(ctx context.Context) ([]models.SymbolTarget, error) {
	if !f.config.GapFillAuto() {
		return nil, nil
	}
	return f.GapDetectTargets(ctx)
}

func (f *SyncFilter) targets(ctx context.Context, filter database.TargetFilter) ([]models.SymbolTarget, error) {
	all, err := f.catalog.ListTargets(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.Usable() && len(t.Intervals()) > 0 {
			out = append(out, t)
		}
	}
	return out, nil
}

// IsEligibleForRealtime checks a single series against the realtime switches.
func (f *SyncFilter) IsEligibleForRealtime(target *models.SymbolTarget, interval models.Interval) bool {
	return f.eligibility(target, interval, SyncRealtime) == nil
}

// IsEligibleForHistory checks a single series against the history switches.
func (f *SyncFilter) IsEligibleForHistory(target *models.SymbolTarget, interval models.Interval) bool {
	return f.eligibility(target, interval, SyncHistory) == nil
}

func (f *SyncFilter) eligibility(target *models.SymbolTarget, interval models.Interval, kind SyncKind) error {
	if !interval.Valid() {
		return utils.NewValidationErrorf("unsupported interval %q", interval)
	}
	switch kind {
	case SyncRealtime:
		if !target.Symbol.RealtimeSyncEnabled {
			return utils.NewValidationErrorf("realtime sync is disabled for symbol %s", target.Symbol.Symbol)
		}
	case SyncHistory:
		if !target.Symbol.HistorySyncEnabled {
			return utils.NewValidationErrorf("history sync is disabled for symbol %s", target.Symbol.Symbol)
		}
	}
	if !target.Market.Enabled {
		return utils.NewValidationErrorf("market %s is disabled", target.Market.Name)
	}
	if !target.DataSource.Usable() {
		return utils.NewValidationErrorf("data source %s is disabled or deleted", target.DataSource.Name)
	}
	if len(target.Intervals()) == 0 {
		return utils.NewValidationErrorf("symbol %s has no valid sync intervals", target.Symbol.Symbol)
	}
	return nil
}

// Resolve loads a symbol's target and checks that the series may be synced.
// Ineligible series yield a ValidationError.
func (f *SyncFilter) Resolve(ctx context.Context, symbolID int64, interval models.Interval, kind SyncKind) (*models.SymbolTarget, error) {
	if !interval.Valid() {
		return nil, utils.NewValidationErrorf("unsupported interval %q", interval)
	}
	target, err := f.catalog.FindTarget(ctx, symbolID)
	if err != nil {
		return nil, err
	}
	if err := f.eligibility(target, interval, kind); err != nil {
		return nil, err
	}
	return target, nil
}
