package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irfndi/candle-sync/internal/config"
	"github.com/irfndi/candle-sync/internal/exchange"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/publisher"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultEventBuffer      = 1024
	defaultCatchUpThreshold = time.Minute
	defaultDialsPerSecond   = 5
	catchUpQueueSize        = 64
)

// SubscriptionKey identifies one live series.
type SubscriptionKey struct {
	DataSourceID int64           `json:"data_source_id"`
	SymbolID     int64           `json:"symbol_id"`
	Interval     models.Interval `json:"interval"`
}

func (k SubscriptionKey) String() string {
	return fmt.Sprintf("%d:%d:%s", k.DataSourceID, k.SymbolID, k.Interval)
}

func (k SubscriptionKey) Series() models.Series {
	return models.Series{SymbolID: k.SymbolID, Interval: k.Interval}
}

// KlineStreamer is a live candle subscription.
type KlineStreamer interface {
	ID() string
	Start()
	Close()
	State() exchange.StreamState
}

// StreamFactory opens the stream of one series. Events must be delivered
// on the given channel.
type StreamFactory func(target *models.SymbolTarget, interval models.Interval, events chan<- exchange.StreamEvent) (KlineStreamer, error)

// NewStreamFactory returns a factory for exchange websocket streams. All
// dials share one limiter so reconnect storms respect the exchange's
// connection rate.
func NewStreamFactory(cfg config.RealtimeConfig, logger *logrus.Logger) StreamFactory {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	perSecond := cfg.DialsPerSecond
	if perSecond <= 0 {
		perSecond = defaultDialsPerSecond
	}
	burst := cfg.DialBurst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	entry := logger.WithField("component", "kline_stream")

	return func(target *models.SymbolTarget, interval models.Interval, events chan<- exchange.StreamEvent) (KlineStreamer, error) {
		dialer, err := exchange.NewStreamDialer(&target.DataSource, 0)
		if err != nil {
			return nil, err
		}
		url := exchange.StreamURL(&target.DataSource, target.Symbol.Symbol, interval)
		return exchange.NewKlineStream(url, exchange.StreamConfig{
			ReconnectBase: cfg.ReconnectBase,
			ReconnectMax:  cfg.ReconnectMax,
			MaxAttempts:   cfg.MaxReconnectAttempts,
			Dialer:        dialer,
			DialLimiter:   limiter,
			Logger:        entry.WithField("symbol", target.Symbol.Symbol),
		}, events), nil
	}
}

// CatchUpSyncer backfills the span a stream missed while disconnected.
type CatchUpSyncer interface {
	CatchUp(ctx context.Context, symbolID int64, interval models.Interval, from time.Time) (*SyncResult, error)
}

// ClientEvictor drops the cached REST client of a data source.
type ClientEvictor interface {
	Evict(dataSourceID int64)
}

// SubscriptionInfo describes a live subscription.
type SubscriptionInfo struct {
	Key          SubscriptionKey      `json:"key"`
	Symbol       string               `json:"symbol"`
	StreamID     string               `json:"stream_id"`
	State        exchange.StreamState `json:"state"`
	TaskID       int64                `json:"task_id"`
	Synced       int64                `json:"synced"`
	SubscribedAt time.Time            `json:"subscribed_at"`
}

type subscription struct {
	key          SubscriptionKey
	symbol       string
	stream       KlineStreamer
	taskID       int64
	subscribedAt time.Time
	synced       atomic.Int64

	// Only touched by the event loop.
	disconnectedAt time.Time
}

func (s *subscription) info() SubscriptionInfo {
	return SubscriptionInfo{
		Key:          s.key,
		Symbol:       s.symbol,
		StreamID:     s.stream.ID(),
		State:        s.stream.State(),
		TaskID:       s.taskID,
		Synced:       s.synced.Load(),
		SubscribedAt: s.subscribedAt,
	}
}

type catchUpRequest struct {
	key  SubscriptionKey
	from time.Time
}

// RealtimeSyncService keeps one stream per subscribed series and writes
// every streamed candle through the kline service.
type RealtimeSyncService struct {
	filter    *SyncFilter
	klines    *KlineService
	catchUp   CatchUpSyncer
	config    *SystemConfigService
	tasks     *taskTracker
	publisher publisher.CandlePublisher
	streams   StreamFactory
	evictor   ClientEvictor
	cfg       config.RealtimeConfig
	logger    *logrus.Entry

	events   chan exchange.StreamEvent
	catchUps chan catchUpRequest

	mu       sync.RWMutex
	subs     map[SubscriptionKey]*subscription
	byStream map[string]*subscription
	bySource map[int64]map[SubscriptionKey]struct{}
	bySymbol map[int64]map[SubscriptionKey]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewRealtimeSyncService(filter *SyncFilter, klines *KlineService, catchUp CatchUpSyncer, cfgSvc *SystemConfigService,
	tasks TaskStore, pub publisher.CandlePublisher, streams StreamFactory, cfg config.RealtimeConfig, logger *logrus.Logger) *RealtimeSyncService {

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if pub == nil {
		pub = publisher.Nop{}
	}
	if streams == nil {
		streams = NewStreamFactory(cfg, logger)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.CatchUpThreshold <= 0 {
		cfg.CatchUpThreshold = defaultCatchUpThreshold
	}
	entry := logger.WithField("component", "realtime_sync")
	ctx, cancel := context.WithCancel(context.Background())

	s := &RealtimeSyncService{
		filter:    filter,
		klines:    klines,
		catchUp:   catchUp,
		config:    cfgSvc,
		tasks:     newTaskTracker(tasks, entry),
		publisher: pub,
		streams:   streams,
		cfg:       cfg,
		logger:    entry,
		events:    make(chan exchange.StreamEvent, cfg.EventBuffer),
		catchUps:  make(chan catchUpRequest, catchUpQueueSize),
		subs:      make(map[SubscriptionKey]*subscription),
		byStream:  make(map[string]*subscription),
		bySource:  make(map[int64]map[SubscriptionKey]struct{}),
		bySymbol:  make(map[int64]map[SubscriptionKey]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	cfgSvc.OnChange(s.onConfigChange)
	return s
}

// SetClientEvictor makes Reconcile drop the REST clients of data sources
// that were disabled or deleted.
func (s *RealtimeSyncService) SetClientEvictor(evictor ClientEvictor) {
	s.evictor = evictor
}

// Start launches the event loop and the catch-up worker. With auto start
// configured, every realtime target is subscribed.
func (s *RealtimeSyncService) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.eventLoop()
		go s.catchUpWorker()
	})
	if !s.cfg.AutoStart {
		return nil
	}
	_, err := s.StartAll(ctx)
	return err
}

// Stop closes every subscription and waits for the workers to exit.
func (s *RealtimeSyncService) Stop() {
	s.stopOnce.Do(func() {
		n := s.UnsubscribeAll()
		s.cancel()
		s.wg.Wait()
		s.logger.WithField("closed", n).Info("Realtime sync stopped")
	})
}

// Subscribe starts streaming one series. Subscribing an active series
// returns the existing subscription.
func (s *RealtimeSyncService) Subscribe(ctx context.Context, symbolID int64, interval models.Interval) (*SubscriptionInfo, error) {
	if !s.config.RealtimeEnabled() {
		return nil, utils.NewValidationError("realtime sync is disabled")
	}
	target, err := s.filter.Resolve(ctx, symbolID, interval, SyncRealtime)
	if err != nil {
		return nil, err
	}
	key := SubscriptionKey{DataSourceID: target.DataSource.ID, SymbolID: symbolID, Interval: interval}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subs[key]; ok {
		info := sub.info()
		return &info, nil
	}

	task, err := s.tasks.begin(ctx, key.Series(), models.TaskRealtime, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create realtime task: %w", err)
	}
	stream, err := s.streams(target, interval, s.events)
	if err != nil {
		s.tasks.finish(ctx, task.ID, 0, err)
		return nil, fmt.Errorf("failed to open stream for %s: %w", key, err)
	}

	sub := &subscription{
		key:          key,
		symbol:       target.Symbol.Symbol,
		stream:       stream,
		taskID:       task.ID,
		subscribedAt: time.Now().UTC(),
	}
	s.addLocked(sub)
	stream.Start()

	s.logger.WithFields(logrus.Fields{
		"key":     key.String(),
		"symbol":  sub.symbol,
		"task_id": task.ID,
	}).Info("Realtime subscription started")

	info := sub.info()
	return &info, nil
}

func (s *RealtimeSyncService) addLocked(sub *subscription) {
	s.subs[sub.key] = sub
	s.byStream[sub.stream.ID()] = sub
	addIndex(s.bySource, sub.key.DataSourceID, sub.key)
	addIndex(s.bySymbol, sub.key.SymbolID, sub.key)
}

func (s *RealtimeSyncService) removeLocked(key SubscriptionKey) *subscription {
	sub, ok := s.subs[key]
	if !ok {
		return nil
	}
	delete(s.subs, key)
	delete(s.byStream, sub.stream.ID())
	removeIndex(s.bySource, key.DataSourceID, key)
	removeIndex(s.bySymbol, key.SymbolID, key)
	return sub
}

func addIndex(index map[int64]map[SubscriptionKey]struct{}, id int64, key SubscriptionKey) {
	keys, ok := index[id]
	if !ok {
		keys = make(map[SubscriptionKey]struct{})
		index[id] = keys
	}
	keys[key] = struct{}{}
}

func removeIndex(index map[int64]map[SubscriptionKey]struct{}, id int64, key SubscriptionKey) {
	if keys, ok := index[id]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(index, id)
		}
	}
}

// Unsubscribe closes one subscription. It reports whether one existed.
func (s *RealtimeSyncService) Unsubscribe(key SubscriptionKey) bool {
	s.mu.Lock()
	sub := s.removeLocked(key)
	s.mu.Unlock()
	if sub == nil {
		return false
	}
	s.closeSubscription(sub, nil)
	return true
}

// UnsubscribeBySymbol closes every subscription of a symbol.
func (s *RealtimeSyncService) UnsubscribeBySymbol(symbolID int64) int {
	return s.unsubscribeIndexed(s.bySymbol, symbolID)
}

// UnsubscribeByDataSource closes every subscription of a data source.
func (s *RealtimeSyncService) UnsubscribeByDataSource(dataSourceID int64) int {
	return s.unsubscribeIndexed(s.bySource, dataSourceID)
}

func (s *RealtimeSyncService) unsubscribeIndexed(index map[int64]map[SubscriptionKey]struct{}, id int64) int {
	s.mu.Lock()
	var removed []*subscription
	for key := range index[id] {
		if sub := s.removeLocked(key); sub != nil {
			removed = append(removed, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range removed {
		s.closeSubscription(sub, nil)
	}
	return len(removed)
}

// UnsubscribeAll closes every subscription before returning.
func (s *RealtimeSyncService) UnsubscribeAll() int {
	s.mu.Lock()
	removed := make([]*subscription, 0, len(s.subs))
	for key := range s.subs {
		removed = append(removed, s.removeLocked(key))
	}
	s.mu.Unlock()

	for _, sub := range removed {
		s.closeSubscription(sub, nil)
	}
	if len(removed) > 0 {
		s.logger.WithField("count", len(removed)).Info("All realtime subscriptions closed")
	}
	return len(removed)
}

// closeSubscription stops the stream and finalizes its task: SUCCESS when
// cause is nil, FAILED otherwise.
func (s *RealtimeSyncService) closeSubscription(sub *subscription, cause error) {
	sub.stream.Close()
	s.tasks.finish(s.ctx, sub.taskID, sub.synced.Load(), cause)
	s.logger.WithFields(logrus.Fields{
		"key":    sub.key.String(),
		"synced": sub.synced.Load(),
	}).Info("Realtime subscription closed")
}

// StartRealtimeSync subscribes every valid interval of a symbol.
func (s *RealtimeSyncService) StartRealtimeSync(ctx context.Context, symbolID int64) ([]SubscriptionInfo, error) {
	target, err := s.filter.catalog.FindTarget(ctx, symbolID)
	if err != nil {
		return nil, err
	}
	intervals := s.filter.ValidIntervals(&target.Symbol)
	if len(intervals) == 0 {
		return nil, utils.NewValidationErrorf("symbol %s has no valid sync intervals", target.Symbol.Symbol)
	}

	var (
		infos []SubscriptionInfo
		errs  []error
	)
	for _, iv := range intervals {
		info, err := s.Subscribe(ctx, symbolID, iv)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", iv, err))
			continue
		}
		infos = append(infos, *info)
	}
	if len(infos) == 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		s.logger.WithError(err).WithField("symbol_id", symbolID).Warn("Realtime subscription failed")
	}
	return infos, nil
}

// StopRealtimeSync closes every subscription of a symbol.
func (s *RealtimeSyncService) StopRealtimeSync(symbolID int64) int {
	return s.UnsubscribeBySymbol(symbolID)
}

// StartAll subscribes every series of every realtime target.
func (s *RealtimeSyncService) StartAll(ctx context.Context) (int, error) {
	targets, err := s.filter.RealtimeTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list realtime targets: %w", err)
	}
	started := 0
	for i := range targets {
		target := &targets[i]
		for _, iv := range target.Intervals() {
			if _, err := s.Subscribe(ctx, target.Symbol.ID, iv); err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"symbol":   target.Symbol.Symbol,
					"interval": iv,
				}).Warn("Realtime subscription failed")
				continue
			}
			started++
		}
	}
	s.logger.WithField("subscriptions", started).Info("Realtime sync started")
	return started, nil
}

// Subscriptions lists active subscriptions ordered by key.
func (s *RealtimeSyncService) Subscriptions() []SubscriptionInfo {
	s.mu.RLock()
	out := make([]SubscriptionInfo, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub.info())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.DataSourceID != b.DataSourceID {
			return a.DataSourceID < b.DataSourceID
		}
		if a.SymbolID != b.SymbolID {
			return a.SymbolID < b.SymbolID
		}
		return a.Interval < b.Interval
	})
	return out
}

func (s *RealtimeSyncService) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// ConnectedCount is the number of subscriptions with an open connection.
func (s *RealtimeSyncService) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sub := range s.subs {
		if sub.stream.State() == exchange.StateConnected {
			n++
		}
	}
	return n
}

// Reconcile re-checks every subscription against the catalog and closes
// those whose symbol, market or data source may no longer stream. It
// returns the number of closed subscriptions.
func (s *RealtimeSyncService) Reconcile(ctx context.Context) (int, error) {
	s.mu.RLock()
	bySymbol := make(map[int64][]SubscriptionKey, len(s.bySymbol))
	for symbolID, keys := range s.bySymbol {
		for key := range keys {
			bySymbol[symbolID] = append(bySymbol[symbolID], key)
		}
	}
	s.mu.RUnlock()

	var (
		closed      int
		errs        []error
		deadSources = make(map[int64]struct{})
	)
	for symbolID, keys := range bySymbol {
		target, err := s.filter.catalog.FindTarget(ctx, symbolID)
		if utils.IsNotFound(err) {
			closed += s.UnsubscribeBySymbol(symbolID)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !target.DataSource.Usable() {
			for _, key := range keys {
				deadSources[key.DataSourceID] = struct{}{}
			}
			continue
		}
		for _, key := range keys {
			if key.DataSourceID != target.DataSource.ID ||
				!containsInterval(target.Intervals(), key.Interval) ||
				!s.filter.IsEligibleForRealtime(target, key.Interval) {
				if s.Unsubscribe(key) {
					closed++
				}
			}
		}
	}

	for sourceID := range deadSources {
		closed += s.UnsubscribeByDataSource(sourceID)
		if s.evictor != nil {
			s.evictor.Evict(sourceID)
		}
		s.logger.WithField("data_source_id", sourceID).Info("Data source no longer usable, streams closed")
	}
	if closed > 0 {
		s.logger.WithField("closed", closed).Info("Realtime subscriptions reconciled")
	}
	return closed, errors.Join(errs...)
}

func containsInterval(intervals []models.Interval, iv models.Interval) bool {
	for _, candidate := range intervals {
		if candidate == iv {
			return true
		}
	}
	return false
}

func (s *RealtimeSyncService) onConfigChange(ctx context.Context, change ConfigChange) {
	if change.Key != models.ConfigRealtimeEnabled {
		return
	}
	enabled, err := strconv.ParseBool(change.NewValue)
	if err != nil {
		return
	}
	if !enabled {
		n := s.UnsubscribeAll()
		s.logger.WithField("closed", n).Info("Realtime sync switched off")
		return
	}
	if _, err := s.StartAll(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to start realtime sync after switch-on")
	}
}

func (s *RealtimeSyncService) lookup(streamID string) *subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byStream[streamID]
}

func (s *RealtimeSyncService) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *RealtimeSyncService) handleEvent(ev exchange.StreamEvent) {
	sub := s.lookup(ev.StreamID)
	if sub == nil {
		return
	}
	switch ev.Type {
	case exchange.EventKline:
		s.handleKline(sub, ev.Kline)
	case exchange.EventState:
		s.handleState(sub, ev)
	case exchange.EventGaveUp:
		s.mu.Lock()
		removed := s.removeLocked(sub.key)
		s.mu.Unlock()
		if removed != nil {
			cause := ev.Err
			if cause == nil {
				cause = errors.New("stream gave up reconnecting")
			}
			s.closeSubscription(removed, cause)
		}
	}
}

func (s *RealtimeSyncService) handleKline(sub *subscription, k *exchange.Kline) {
	if k == nil {
		return
	}
	series := sub.key.Series()
	candle := k.Candle(series)

	res, err := s.klines.Save(s.ctx, series, []models.Candle{candle})
	if err != nil {
		s.logger.WithError(err).WithField("key", sub.key.String()).Warn("Failed to save streamed candle")
		return
	}
	sub.synced.Add(res.Total())

	if err := s.publisher.Publish(s.ctx, sub.symbol, candle); err != nil {
		s.logger.WithError(err).WithField("key", sub.key.String()).Debug("Failed to publish candle")
	}
}

func (s *RealtimeSyncService) handleState(sub *subscription, ev exchange.StreamEvent) {
	switch ev.State {
	case exchange.StateClosed, exchange.StateFailed:
		if sub.disconnectedAt.IsZero() {
			sub.disconnectedAt = ev.At
		}
	case exchange.StateConnected:
		if sub.disconnectedAt.IsZero() {
			return
		}
		outage := ev.At.Sub(sub.disconnectedAt)
		from := sub.key.Interval.Prev(sub.disconnectedAt)
		sub.disconnectedAt = time.Time{}
		if outage < s.cfg.CatchUpThreshold || s.catchUp == nil {
			return
		}
		select {
		case s.catchUps <- catchUpRequest{key: sub.key, from: from}:
			s.logger.WithFields(logrus.Fields{
				"key":    sub.key.String(),
				"outage": outage,
			}).Info("Catch-up queued after reconnect")
		default:
			s.logger.WithField("key", sub.key.String()).Warn("Catch-up queue full, dropping request")
		}
	}
}

func (s *RealtimeSyncService) catchUpWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.catchUps:
			res, err := s.catchUp.CatchUp(s.ctx, req.key.SymbolID, req.key.Interval, req.from)
			if err != nil {
				s.logger.WithError(err).WithField("key", req.key.String()).Warn("Catch-up sync failed")
				continue
			}
			s.logger.WithFields(logrus.Fields{
				"key":    req.key.String(),
				"synced": res.Synced,
			}).Info("Catch-up sync completed")
		}
	}
}
