package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/irfndi/candle-sync/internal/config"
	"github.com/irfndi/candle-sync/internal/database"
	"github.com/irfndi/candle-sync/internal/exchange"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// MockExchangeClient implements ExchangeClient for testing.
type MockExchangeClient struct {
	mock.Mock
}

func (m *MockExchangeClient) GetKlines(ctx context.Context, symbol string, interval models.Interval, start, end time.Time, limit int) ([]exchange.Kline, error) {
	args := m.Called(ctx, symbol, interval, start, end, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]exchange.Kline), args.Error(1)
}

func (m *MockExchangeClient) ExchangeInfo(ctx context.Context) ([]models.SymbolInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SymbolInfo), args.Error(1)
}

func (m *MockExchangeClient) TestConnection(ctx context.Context) (*exchange.ConnectionResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.ConnectionResult), args.Error(1)
}

type staticProvider struct {
	client ExchangeClient
	err    error
}

func (p staticProvider) ClientFor(*models.DataSource) (ExchangeClient, error) {
	return p.client, p.err
}

// klinesBetween builds one kline per step in [from, to].
func klinesBetween(symbol string, iv models.Interval, from, to time.Time) []exchange.Kline {
	var out []exchange.Kline
	for t := from; !t.After(to); t = iv.Next(t) {
		out = append(out, exchange.Kline{
			Symbol:    symbol,
			OpenTime:  t,
			CloseTime: iv.Next(t).Add(-time.Millisecond),
			Open:      decimal.NewFromInt(100),
			High:      decimal.NewFromInt(110),
			Low:       decimal.NewFromInt(90),
			Close:     decimal.NewFromInt(105),
			Volume:    decimal.NewFromInt(1),
			Closed:    true,
		})
	}
	return out
}

func candleAt(series models.Series, openTime time.Time) models.Candle {
	return exchange.Kline{
		OpenTime:  openTime,
		CloseTime: series.Interval.Next(openTime).Add(-time.Millisecond),
		Open:      decimal.NewFromInt(1),
		High:      decimal.NewFromInt(2),
		Low:       decimal.NewFromInt(1),
		Close:     decimal.NewFromInt(2),
	}.Candle(series)
}

// memDB is an in-memory stand-in for the Postgres repositories with the
// same upsert, status and transition semantics.
type memDB struct {
	mu sync.Mutex

	candles map[models.Series]map[int64]models.Candle
	status  map[models.Series]*models.SyncStatus
	gaps    map[int64]*models.DataGap
	tasks   map[int64]*models.SyncTask
	targets map[int64]models.SymbolTarget
	config  map[string]string
	symbols map[string]models.SymbolInfo

	nextGapID  int64
	nextTaskID int64
	upsertErr  error
}

func newMemDB() *memDB {
	return &memDB{
		candles: make(map[models.Series]map[int64]models.Candle),
		status:  make(map[models.Series]*models.SyncStatus),
		gaps:    make(map[int64]*models.DataGap),
		tasks:   make(map[int64]*models.SyncTask),
		targets: make(map[int64]models.SymbolTarget),
		config:  make(map[string]string),
		symbols: make(map[string]models.SymbolInfo),
	}
}

func testTarget(symbolID int64, symbol, intervals string) models.SymbolTarget {
	return models.SymbolTarget{
		Symbol: models.Symbol{
			ID: symbolID, MarketID: 1, Symbol: symbol,
			RealtimeSyncEnabled: true, HistorySyncEnabled: true, SyncIntervals: intervals,
		},
		Market:     models.Market{ID: 1, DataSourceID: 1, Name: "spot", MarketType: models.MarketSpot, Enabled: true},
		DataSource: models.DataSource{ID: 1, Name: "binance", BaseURL: "https://api.binance.com", Enabled: true},
	}
}

func (db *memDB) addTarget(target models.SymbolTarget) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.targets[target.Symbol.ID] = target
}

func (db *memDB) seedCandles(series models.Series, openTimes ...time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rows := db.candles[series]
	if rows == nil {
		rows = make(map[int64]models.Candle)
		db.candles[series] = rows
	}
	for _, ot := range openTimes {
		rows[ot.UnixMilli()] = candleAt(series, ot)
	}
}

func (db *memDB) candleCount(series models.Series) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.candles[series])
}

func (db *memDB) statusOf(series models.Series) *models.SyncStatus {
	db.mu.Lock()
	defer db.mu.Unlock()
	if st, ok := db.status[series]; ok {
		cp := *st
		return &cp
	}
	return nil
}

func (db *memDB) gap(id int64) models.DataGap {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.gaps[id]
}

func (db *memDB) allTasks() []models.SyncTask {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]models.SyncTask, 0, len(db.tasks))
	for _, task := range db.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (db *memDB) addGap(gap models.DataGap) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextGapID++
	gap.ID = db.nextGapID
	if gap.Status == "" {
		gap.Status = models.GapPending
	}
	gap.CreatedAt = t0.Add(time.Duration(gap.ID) * time.Second)
	db.gaps[gap.ID] = &gap
	return gap.ID
}

type memCandles struct{ db *memDB }

func (s memCandles) Upsert(_ context.Context, candles []models.Candle) (models.SaveResult, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.upsertErr != nil {
		return models.SaveResult{}, db.upsertErr
	}
	var res models.SaveResult
	for _, c := range candles {
		series := models.Series{SymbolID: c.SymbolID, Interval: c.Interval}
		rows := db.candles[series]
		if rows == nil {
			rows = make(map[int64]models.Candle)
			db.candles[series] = rows
		}
		if _, ok := rows[c.OpenTime.UnixMilli()]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		rows[c.OpenTime.UnixMilli()] = c
		ot := c.OpenTime
		res.Add(models.SaveResult{MaxOpenTime: &ot})
	}
	return res, nil
}

func (s memCandles) StreamOpenTimes(_ context.Context, series models.Series, fn func(time.Time) error) error {
	s.db.mu.Lock()
	var keys []int64
	for k := range s.db.candles[series] {
		keys = append(keys, k)
	}
	s.db.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if err := fn(time.UnixMilli(k).UTC()); err != nil {
			return err
		}
	}
	return nil
}

func (s memCandles) Find(_ context.Context, series models.Series, start, end time.Time, limit int) ([]models.Candle, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Candle
	for _, c := range s.db.candles[series] {
		if !c.OpenTime.Before(start) && !c.OpenTime.After(end) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memCandles) deleteWhere(series models.Series, keep func(models.Candle) bool, start, end time.Time) database.DeleteResult {
	db := s.db
	var res database.DeleteResult
	for k, c := range db.candles[series] {
		if !keep(c) {
			delete(db.candles[series], k)
			res.DeletedCandles++
		}
	}
	for id, g := range db.gaps {
		if g.Series() == series && g.Overlaps(start, end) {
			delete(db.gaps, id)
			res.DeletedGaps++
		}
	}
	if st, ok := db.status[series]; ok {
		st.LastKlineTime = nil
		st.TotalKlines = int64(len(db.candles[series]))
		st.AutoGapFillEnabled = false
		for _, c := range db.candles[series] {
			if st.LastKlineTime == nil || c.OpenTime.After(*st.LastKlineTime) {
				ot := c.OpenTime
				st.LastKlineTime = &ot
			}
		}
	}
	return res
}

func (s memCandles) DeleteRange(_ context.Context, series models.Series, start, end time.Time) (database.DeleteResult, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.deleteWhere(series, func(c models.Candle) bool {
		return c.OpenTime.Before(start) || c.OpenTime.After(end)
	}, start, end), nil
}

func (s memCandles) DeleteSeries(_ context.Context, series models.Series) (database.DeleteResult, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.deleteWhere(series, func(models.Candle) bool { return false },
		time.Time{}, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)), nil
}

func (s memCandles) DeleteSymbol(ctx context.Context, symbolID int64) (database.DeleteResult, error) {
	s.db.mu.Lock()
	var series []models.Series
	for k := range s.db.candles {
		if k.SymbolID == symbolID {
			series = append(series, k)
		}
	}
	s.db.mu.Unlock()
	var total database.DeleteResult
	for _, k := range series {
		res, _ := s.DeleteSeries(ctx, k)
		total.DeletedCandles += res.DeletedCandles
		total.DeletedGaps += res.DeletedGaps
	}
	return total, nil
}

type memStatus struct{ db *memDB }

func (s memStatus) Get(_ context.Context, series models.Series) (*models.SyncStatus, error) {
	return s.db.statusOf(series), nil
}

func (s memStatus) ListBySymbol(_ context.Context, symbolID int64) ([]models.SyncStatus, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.SyncStatus
	for k, st := range s.db.status {
		if symbolID == 0 || k.SymbolID == symbolID {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s memStatus) Advance(_ context.Context, series models.Series, last *time.Time, inserted int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	st, ok := s.db.status[series]
	if !ok {
		st = &models.SyncStatus{SymbolID: series.SymbolID, Interval: series.Interval}
		s.db.status[series] = st
	}
	now := time.Now().UTC()
	st.LastSyncTime = &now
	if last != nil && (st.LastKlineTime == nil || last.After(*st.LastKlineTime)) {
		lt := *last
		st.LastKlineTime = &lt
	}
	st.TotalKlines += inserted
	return nil
}

func (s memStatus) SetAutoGapFill(_ context.Context, series models.Series, enabled bool) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	st, ok := s.db.status[series]
	if !ok {
		st = &models.SyncStatus{SymbolID: series.SymbolID, Interval: series.Interval}
		s.db.status[series] = st
	}
	st.AutoGapFillEnabled = enabled
	return nil
}

type memTasks struct{ db *memDB }

func (s memTasks) Create(_ context.Context, task *models.SyncTask) (*models.SyncTask, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.nextTaskID++
	cp := *task
	cp.ID = s.db.nextTaskID
	cp.Status = models.TaskPending
	cp.CreatedAt = time.Now().UTC()
	s.db.tasks[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s memTasks) Get(_ context.Context, id int64) (*models.SyncTask, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	task, ok := s.db.tasks[id]
	if !ok {
		return nil, utils.NewNotFoundError("sync task", id)
	}
	cp := *task
	return &cp, nil
}

func (s memTasks) List(_ context.Context, filter models.TaskFilter) ([]models.SyncTask, error) {
	var out []models.SyncTask
	for _, task := range s.db.allTasks() {
		if filter.SymbolID != 0 && task.SymbolID != filter.SymbolID {
			continue
		}
		if filter.TaskType != "" && task.TaskType != filter.TaskType {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func (s memTasks) transition(id int64, from []models.TaskStatus, apply func(*models.SyncTask)) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	task, ok := s.db.tasks[id]
	if !ok {
		return database.ErrInvalidTransition
	}
	for _, f := range from {
		if task.Status == f {
			apply(task)
			return nil
		}
	}
	return fmt.Errorf("task %d is %s: %w", id, task.Status, database.ErrInvalidTransition)
}

func (s memTasks) Start(_ context.Context, id int64) error {
	return s.transition(id, []models.TaskStatus{models.TaskPending}, func(t *models.SyncTask) {
		t.Status = models.TaskRunning
	})
}

func (s memTasks) UpdateProgress(_ context.Context, id int64, synced int64) error {
	return s.transition(id, []models.TaskStatus{models.TaskRunning}, func(t *models.SyncTask) {
		t.SyncedCount = synced
	})
}

func (s memTasks) Complete(_ context.Context, id int64, synced int64) error {
	return s.transition(id, []models.TaskStatus{models.TaskRunning}, func(t *models.SyncTask) {
		t.Status = models.TaskSuccess
		t.SyncedCount = synced
	})
}

func (s memTasks) Fail(_ context.Context, id int64, synced int64, message string) error {
	return s.transition(id, []models.TaskStatus{models.TaskPending, models.TaskRunning}, func(t *models.SyncTask) {
		t.Status = models.TaskFailed
		t.SyncedCount = synced
		t.ErrorMessage = message
	})
}

func (s memTasks) FailInterrupted(_ context.Context, before time.Time, message string) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for _, task := range s.db.tasks {
		if task.Status.Terminal() || !task.CreatedAt.Before(before) {
			continue
		}
		task.Status = models.TaskFailed
		task.ErrorMessage = message
		n++
	}
	return n, nil
}

func (s memTasks) PurgeFinished(_ context.Context, before time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for id, task := range s.db.tasks {
		if task.Status.Terminal() && task.CreatedAt.Before(before) {
			delete(s.db.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s memTasks) CountByStatus(context.Context) (map[models.TaskStatus]int64, error) {
	out := make(map[models.TaskStatus]int64)
	for _, task := range s.db.allTasks() {
		out[task.Status]++
	}
	return out, nil
}

type memGaps struct{ db *memDB }

func (s memGaps) InsertIfNoOverlap(_ context.Context, gap models.DataGap) (*models.DataGap, error) {
	s.db.mu.Lock()
	for _, g := range s.db.gaps {
		if g.Series() == gap.Series() && g.Overlaps(gap.GapStart, gap.GapEnd) {
			s.db.mu.Unlock()
			return nil, nil
		}
	}
	s.db.mu.Unlock()
	id := s.db.addGap(gap)
	out := s.db.gap(id)
	return &out, nil
}

func (s memGaps) Get(_ context.Context, id int64) (*models.DataGap, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	g, ok := s.db.gaps[id]
	if !ok {
		return nil, utils.NewNotFoundError("gap", id)
	}
	cp := *g
	return &cp, nil
}

func (s memGaps) sorted(match func(*models.DataGap) bool, limit int) []models.DataGap {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.DataGap
	for _, g := range s.db.gaps {
		if match(g) {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s memGaps) List(_ context.Context, filter models.GapFilter) ([]models.DataGap, error) {
	return s.sorted(func(g *models.DataGap) bool {
		return (filter.SymbolID == 0 || g.SymbolID == filter.SymbolID) &&
			(filter.Interval == "" || string(g.Interval) == filter.Interval) &&
			(filter.Status == "" || g.Status == filter.Status)
	}, filter.Limit), nil
}

func (s memGaps) ListPending(_ context.Context, limit int) ([]models.DataGap, error) {
	return s.sorted(func(g *models.DataGap) bool { return g.Status == models.GapPending }, limit), nil
}

func (s memGaps) Count(context.Context) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return int64(len(s.db.gaps)), nil
}

func (s memGaps) transition(id int64, from models.GapStatus, apply func(*models.DataGap)) (*models.DataGap, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	g, ok := s.db.gaps[id]
	if !ok || g.Status != from {
		return nil, fmt.Errorf("gap %d is not %s: %w", id, from, database.ErrInvalidTransition)
	}
	apply(g)
	cp := *g
	return &cp, nil
}

func (s memGaps) MarkFilling(_ context.Context, id int64) error {
	_, err := s.transition(id, models.GapPending, func(g *models.DataGap) { g.Status = models.GapFilling })
	return err
}

func (s memGaps) MarkResolved(_ context.Context, id int64, status models.GapStatus) error {
	_, err := s.transition(id, models.GapFilling, func(g *models.DataGap) {
		g.Status = status
		g.ErrorMessage = ""
	})
	return err
}

func (s memGaps) RecordFailure(_ context.Context, id int64, maxRetries int, message string) (*models.DataGap, error) {
	return s.transition(id, models.GapFilling, func(g *models.DataGap) {
		g.RetryCount++
		g.ErrorMessage = message
		g.Status = models.GapPending
		if g.RetryCount >= maxRetries {
			g.Status = models.GapFailed
		}
	})
}

func (s memGaps) ResetFailed(_ context.Context, id int64) error {
	_, err := s.transition(id, models.GapFailed, func(g *models.DataGap) {
		g.Status = models.GapPending
		g.RetryCount = 0
		g.ErrorMessage = ""
	})
	return err
}

func (s memGaps) ResetInterrupted(_ context.Context, before time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for _, g := range s.db.gaps {
		if g.Status == models.GapFilling && g.CreatedAt.Before(before) {
			g.Status = models.GapPending
			n++
		}
	}
	return n, nil
}

func (s memGaps) PurgeResolved(_ context.Context, before time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for id, g := range s.db.gaps {
		if g.Status.Resolved() && g.CreatedAt.Before(before) {
			delete(s.db.gaps, id)
			n++
		}
	}
	return n, nil
}

func (s memGaps) CountByStatus(context.Context) (map[models.GapStatus]int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make(map[models.GapStatus]int64)
	for _, g := range s.db.gaps {
		out[g.Status]++
	}
	return out, nil
}

type memCatalog struct{ db *memDB }

func (s memCatalog) FindTarget(_ context.Context, symbolID int64) (*models.SymbolTarget, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	target, ok := s.db.targets[symbolID]
	if !ok {
		return nil, utils.NewNotFoundError("symbol", symbolID)
	}
	return &target, nil
}

func (s memCatalog) FindSymbol(ctx context.Context, id int64) (*models.Symbol, error) {
	target, err := s.FindTarget(ctx, id)
	if err != nil {
		return nil, err
	}
	return &target.Symbol, nil
}

func (s memCatalog) FindMarket(_ context.Context, id int64) (*models.Market, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, target := range s.db.targets {
		if target.Market.ID == id {
			m := target.Market
			return &m, nil
		}
	}
	return nil, utils.NewNotFoundError("market", id)
}

func (s memCatalog) FindDataSource(_ context.Context, id int64) (*models.DataSource, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, target := range s.db.targets {
		if target.DataSource.ID == id {
			d := target.DataSource
			return &d, nil
		}
	}
	return nil, utils.NewNotFoundError("data source", id)
}

func (s memCatalog) ListTargets(_ context.Context, filter database.TargetFilter) ([]models.SymbolTarget, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.SymbolTarget
	for _, target := range s.db.targets {
		if filter.SymbolID != 0 && target.Symbol.ID != filter.SymbolID {
			continue
		}
		if filter.RealtimeEnabled && !target.Symbol.RealtimeSyncEnabled {
			continue
		}
		if filter.HistoryEnabled && !target.Symbol.HistorySyncEnabled {
			continue
		}
		out = append(out, target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol.ID < out[j].Symbol.ID })
	return out, nil
}

func (s memCatalog) ListSyncableMarkets(_ context.Context) ([]database.MarketSource, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	seen := make(map[int64]bool)
	var out []database.MarketSource
	for _, target := range s.db.targets {
		if seen[target.Market.ID] || !target.Usable() {
			continue
		}
		seen[target.Market.ID] = true
		out = append(out, database.MarketSource{Market: target.Market, DataSource: target.DataSource})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market.ID < out[j].Market.ID })
	return out, nil
}

func (s memCatalog) UpsertSymbol(_ context.Context, marketID int64, info models.SymbolInfo) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	key := fmt.Sprintf("%d/%s", marketID, models.NormalizeSymbol(info.Symbol))
	_, exists := s.db.symbols[key]
	s.db.symbols[key] = info
	return !exists, nil
}

type memConfig struct{ db *memDB }

func (s memConfig) All(context.Context) ([]models.SystemConfig, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.SystemConfig
	for k, v := range s.db.config {
		out = append(out, models.SystemConfig{Key: k, Value: v})
	}
	return out, nil
}

func (s memConfig) Get(_ context.Context, key string) (string, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	v, ok := s.db.config[key]
	return v, ok, nil
}

func (s memConfig) Set(_ context.Context, key, value string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.config[key] = value
	return nil
}

// testEnv wires every service over one memDB.
type testEnv struct {
	db       *memDB
	client   *MockExchangeClient
	config   *SystemConfigService
	filter   *SyncFilter
	klines   *KlineService
	history  *HistorySyncService
	detector *GapDetector
	filler   *GapFiller
}

func newTestEnv(t *testing.T, overrides map[string]string) *testEnv {
	t.Helper()
	db := newMemDB()
	for k, v := range overrides {
		db.config[k] = v
	}
	logger := quietLogger()

	cfgSvc := NewSystemConfigService(memConfig{db}, nil, logger)
	_, err := cfgSvc.Refresh(context.Background(), true)
	require.NoError(t, err)

	client := &MockExchangeClient{}
	provider := staticProvider{client: client}
	filter := NewSyncFilter(memCatalog{db}, cfgSvc)
	klines := NewKlineService(memCandles{db}, memStatus{db}, logger)
	history := NewHistorySyncService(filter, provider, klines, memStatus{db}, memTasks{db}, exchangeConfigForTest(), logger)
	history.now = func() time.Time { return t0.Add(365 * 24 * time.Hour) }
	filler := NewGapFiller(filter, provider, klines, memGaps{db}, memStatus{db}, memTasks{db}, cfgSvc, 0, logger)
	filler.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	return &testEnv{
		db:       db,
		client:   client,
		config:   cfgSvc,
		filter:   filter,
		klines:   klines,
		history:  history,
		detector: NewGapDetector(filter, memCandles{db}, memGaps{db}, logger),
		filler:   filler,
	}
}

var errUpstream = errors.New("upstream unavailable")

func exchangeConfigForTest() config.ExchangeConfig {
	return config.ExchangeConfig{SegmentDays: 30, PageLimit: 1000, BreakerFailures: 2}
}
