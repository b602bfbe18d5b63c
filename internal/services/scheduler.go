package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irfndi/candle-sync/internal/config"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/telemetry"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Names of the built-in scheduled jobs.
const (
	JobSymbolSync  = "symbolSync"
	JobHistorySync = "historySync"
	JobGapDetect   = "gapDetect"
)

const (
	defaultWorkerPoolSize  = 4
	defaultRefreshInterval = 5 * time.Minute
	schedulerStopTimeout   = 30 * time.Second
)

// cronParser accepts six fields with seconds first. "?" is read as "*".
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron reports whether expr is a valid six-field expression.
func ValidateCron(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

// JobInfo describes a registered job.
type JobInfo struct {
	Name       string     `json:"name"`
	ConfigKey  string     `json:"config_key"`
	Expression string     `json:"expression"`
	Scheduled  bool       `json:"scheduled"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Running    bool       `json:"running"`
}

type scheduledJob struct {
	name      string
	configKey string
	fn        JobFunc

	// Guarded by Scheduler.mu.
	expr    string
	entryID cron.EntryID
	lastRun time.Time
	lastErr string

	running atomic.Bool
}

// Scheduler fires config-driven cron jobs on a fixed worker pool. A job
// still running when it fires again is skipped.
type Scheduler struct {
	cron     *cron.Cron
	config   *SystemConfigService
	logger   *logrus.Entry
	poolSize int

	mu   sync.RWMutex
	jobs map[string]*scheduledJob
	work chan *scheduledJob

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	// lifecycle serializes Start and Stop; a stopped scheduler never starts.
	lifecycle sync.Mutex
	stopped   bool
}

func NewScheduler(cfgSvc *SystemConfigService, cfg config.SchedulerConfig, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	size := cfg.WorkerPoolSize
	if size <= 0 {
		size = defaultWorkerPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:     cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC)),
		config:   cfgSvc,
		logger:   logger.WithField("component", "scheduler"),
		poolSize: size,
		jobs:     make(map[string]*scheduledJob),
		work:     make(chan *scheduledJob, size),
		ctx:      ctx,
		cancel:   cancel,
	}
	cfgSvc.OnChange(s.onConfigChange)
	return s
}

// Register adds a job whose expression is read from configKey.
func (s *Scheduler) Register(name, configKey string, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &scheduledJob{name: name, configKey: configKey, fn: fn}
}

// Start schedules every registered job and starts the worker pool.
func (s *Scheduler) Start() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.stopped {
		return
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.poolSize; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.reschedule()
	s.cron.Start()
	s.logger.WithField("workers", s.poolSize).Info("Scheduler started")
}

// Stop halts future firings and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stopped = true

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(schedulerStopTimeout):
		s.logger.Warn("Timed out waiting for cron dispatch to stop")
	}

	s.mu.Lock()
	wasStarted := s.started
	s.started = false
	s.mu.Unlock()
	if wasStarted {
		close(s.work)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(schedulerStopTimeout):
		s.logger.Warn("Timed out waiting for scheduled jobs to finish")
	}
	s.cancel()
	s.logger.Info("Scheduler stopped")
}

// Refresh force-reloads the system config and reschedules jobs whose
// expression changed.
func (s *Scheduler) Refresh(ctx context.Context) error {
	if _, err := s.config.Refresh(ctx, true); err != nil {
		return fmt.Errorf("failed to refresh config: %w", err)
	}
	s.reschedule()
	return nil
}

// Cancel removes future firings of a job. A running invocation finishes.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok || job.entryID == 0 {
		return false
	}
	s.cron.Remove(job.entryID)
	job.entryID = 0
	job.expr = ""
	return true
}

// Trigger dispatches a job now, outside its schedule.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.dispatch(job)
}

func (s *Scheduler) reschedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	for _, job := range s.jobs {
		expr := s.config.String(job.configKey, models.ConfigDefaults[job.configKey])
		if expr == job.expr && job.entryID != 0 {
			continue
		}
		if err := ValidateCron(expr); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"job":        job.name,
				"expression": expr,
				"current":    job.expr,
			}).Error("Invalid cron expression, keeping current schedule")
			continue
		}

		j := job
		id, err := s.cron.AddFunc(expr, func() { s.dispatch(j) })
		if err != nil {
			s.logger.WithError(err).WithField("job", job.name).Error("Failed to schedule job")
			continue
		}
		if job.entryID != 0 {
			s.cron.Remove(job.entryID)
		}
		previous := job.expr
		job.entryID = id
		job.expr = expr

		s.logger.WithFields(logrus.Fields{
			"job":        job.name,
			"expression": expr,
			"previous":   previous,
		}).Info("Job scheduled")
	}
}

// dispatch hands a firing to the pool. It is skipped when the previous
// invocation is still running or every worker is busy.
func (s *Scheduler) dispatch(job *scheduledJob) bool {
	if !job.running.CompareAndSwap(false, true) {
		s.logger.WithField("job", job.name).Warn("Previous run still in progress, skipping")
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		job.running.Store(false)
		return false
	}
	select {
	case s.work <- job:
		return true
	default:
		job.running.Store(false)
		s.logger.WithField("job", job.name).Warn("Worker pool saturated, skipping run")
		return false
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for job := range s.work {
		s.execute(job)
	}
}

func (s *Scheduler) execute(job *scheduledJob) {
	defer job.running.Store(false)

	start := time.Now()
	ctx, span := telemetry.StartJobSpan(s.ctx, job.name)
	err := job.fn(ctx)
	telemetry.EndSpan(span, err)

	s.mu.Lock()
	job.lastRun = start.UTC()
	job.lastErr = ""
	if err != nil {
		job.lastErr = err.Error()
	}
	s.mu.Unlock()

	entry := s.logger.WithFields(logrus.Fields{"job": job.name, "duration": time.Since(start)})
	if err != nil {
		entry.WithError(err).Error("Scheduled job failed")
		return
	}
	entry.Info("Scheduled job completed")
}

// Jobs reports every registered job ordered by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, job := range s.jobs {
		info := JobInfo{
			Name:       job.name,
			ConfigKey:  job.configKey,
			Expression: job.expr,
			Scheduled:  job.entryID != 0,
			LastError:  job.lastErr,
			Running:    job.running.Load(),
		}
		if job.entryID != 0 {
			if next := s.cron.Entry(job.entryID).Next; !next.IsZero() {
				info.NextRun = &next
			}
		}
		if !job.lastRun.IsZero() {
			last := job.lastRun
			info.LastRun = &last
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) onConfigChange(_ context.Context, change ConfigChange) {
	s.mu.RLock()
	relevant := false
	for _, job := range s.jobs {
		if job.configKey == change.Key {
			relevant = true
			break
		}
	}
	s.mu.RUnlock()
	if relevant {
		s.reschedule()
	}
}

// RegisterSyncJobs wires the built-in jobs.
func RegisterSyncJobs(s *Scheduler, cfgSvc *SystemConfigService, symbols *SymbolSyncService, history *HistorySyncService,
	detector *GapDetector, filler *GapFiller) {

	s.Register(JobSymbolSync, models.ConfigSymbolSyncCron, func(ctx context.Context) error {
		_, err := symbols.SyncAll(ctx)
		return err
	})
	s.Register(JobHistorySync, models.ConfigHistorySyncCron, func(ctx context.Context) error {
		if !cfgSvc.HistoryAutoSync() {
			s.logger.WithField("job", JobHistorySync).Debug("Automatic history sync is off")
			return nil
		}
		_, err := history.SyncAllIncremental(ctx)
		return err
	})
	s.Register(JobGapDetect, models.ConfigGapDetectCron, func(ctx context.Context) error {
		if _, err := detector.DetectAll(ctx); err != nil {
			return err
		}
		_, err := filler.AutoFill(ctx)
		return err
	})
}

// ConfigRefresher periodically reloads the system config and reschedules
// jobs, picking up changes made by other instances or directly in the
// database.
type ConfigRefresher struct {
	scheduler   *Scheduler
	interval    time.Duration
	logger      *logrus.Entry
	reconcilers []Reconciler

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

// Reconciler brings running work back in line with the catalog.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

func NewConfigRefresher(scheduler *Scheduler, interval time.Duration, logger *logrus.Logger) *ConfigRefresher {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConfigRefresher{
		scheduler: scheduler,
		interval:  interval,
		logger:    logger.WithField("component", "config_refresher"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// AddReconciler runs rec after every periodic refresh. It must be called
// before Start.
func (r *ConfigRefresher) AddReconciler(rec Reconciler) {
	r.reconcilers = append(r.reconcilers, rec)
}

// Tick refreshes the schedule, then runs every reconciler.
func (r *ConfigRefresher) Tick(ctx context.Context) {
	if err := r.scheduler.Refresh(ctx); err != nil {
		r.logger.WithError(err).Warn("Periodic config refresh failed")
	}
	for _, rec := range r.reconcilers {
		if _, err := rec.Reconcile(ctx); err != nil {
			r.logger.WithError(err).Warn("Reconcile failed")
		}
	}
}

func (r *ConfigRefresher) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	ticker := time.NewTicker(r.interval)
	go func() {
		defer close(r.done)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.Tick(r.ctx)
			}
		}
	}()
}

func (r *ConfigRefresher) Stop() {
	r.cancel()
	if r.started.Load() {
		<-r.done
	}
}
