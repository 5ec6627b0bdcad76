package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/model"
)

// JobFunc is one run of a maintenance job
type JobFunc func(ctx context.Context) error

// Housekeeper runs recurring maintenance jobs such as history retention
// and metric snapshots on cron expressions with a seconds field.
type Housekeeper struct {
	logger *zap.Logger
	cron   *cron.Cron
	parser cron.Parser
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	jobs map[string]*housekeepingEntry
}

type housekeepingEntry struct {
	job     *model.MaintenanceJob
	entryID cron.EntryID
	run     JobFunc
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewHousekeeper creates a housekeeper. Jobs only fire after Start.
func NewHousekeeper(logger *zap.Logger) *Housekeeper {
	logger = logger.Named("housekeeping")
	cl := &cronLogger{logger: logger.Named("cron")}
	ctx, cancel := context.WithCancel(context.Background())

	return &Housekeeper{
		logger: logger,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser: cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*housekeepingEntry),
	}
}

// Start begins firing jobs
func (h *Housekeeper) Start() {
	h.cron.Start()
	h.logger.Info("Housekeeping started", zap.Int("jobs", len(h.ListJobs())))
}

// Stop cancels running jobs and waits for them to return
func (h *Housekeeper) Stop() {
	h.cancel()
	<-h.cron.Stop().Done()
	h.logger.Info("Housekeeping stopped")
}

// AddJob registers run under a cron expression
func (h *Housekeeper) AddJob(name, expression string, run JobFunc) (*model.MaintenanceJob, error) {
	if run == nil {
		return nil, fmt.Errorf("job %s has no function", name)
	}
	spec, err := h.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	now := time.Now()
	next := spec.Next(now)
	job := &model.MaintenanceJob{
		ID:          uuid.New().String(),
		Name:        name,
		Expression:  expression,
		NextRunTime: &next,
		CreatedAt:   now,
	}
	entry := &housekeepingEntry{job: job, run: run}

	h.mu.Lock()
	defer h.mu.Unlock()

	entryID := h.cron.Schedule(spec, cron.FuncJob(func() { h.execute(entry) }))
	entry.entryID = entryID
	h.jobs[job.ID] = entry

	h.logger.Info("Added maintenance job",
		zap.String("id", job.ID),
		zap.String("name", name),
		zap.String("expression", expression),
		zap.Time("next_run", next))

	c := *job
	return &c, nil
}

// RemoveJob unregisters a job
func (h *Housekeeper) RemoveJob(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.jobs[id]
	if !ok {
		return fmt.Errorf("maintenance job not found: %s", id)
	}
	h.cron.Remove(entry.entryID)
	delete(h.jobs, id)

	h.logger.Info("Removed maintenance job", zap.String("id", id), zap.String("name", entry.job.Name))
	return nil
}

// GetJob returns a copy of a job
func (h *Housekeeper) GetJob(id string) (*model.MaintenanceJob, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entry, ok := h.jobs[id]
	if !ok {
		return nil, fmt.Errorf("maintenance job not found: %s", id)
	}
	c := *entry.job
	return &c, nil
}

// ListJobs returns copies of every job
func (h *Housekeeper) ListJobs() []*model.MaintenanceJob {
	h.mu.RLock()
	defer h.mu.RUnlock()

	jobs := make([]*model.MaintenanceJob, 0, len(h.jobs))
	for _, entry := range h.jobs {
		c := *entry.job
		jobs = append(jobs, &c)
	}
	return jobs
}

// RunJob runs a job immediately and returns its error
func (h *Housekeeper) RunJob(id string) error {
	h.mu.RLock()
	entry, ok := h.jobs[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("maintenance job not found: %s", id)
	}
	return h.execute(entry)
}

func (h *Housekeeper) execute(entry *housekeepingEntry) error {
	start := time.Now()
	err := entry.run(h.ctx)

	h.mu.Lock()
	entry.job.LastRunTime = &start
	entry.job.LastError = ""
	if err != nil {
		entry.job.LastError = err.Error()
	}
	if e := h.cron.Entry(entry.entryID); e.Valid() {
		next := e.Next
		entry.job.NextRunTime = &next
	}
	name := entry.job.Name
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("Maintenance job failed",
			zap.String("name", name),
			zap.Error(err))
		return err
	}
	h.logger.Debug("Maintenance job finished",
		zap.String("name", name),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// HistoryPruner is the part of task history storage retention needs
type HistoryPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// RetentionJob deletes history records older than retention
func RetentionJob(history HistoryPruner, retention time.Duration, logger *zap.Logger) JobFunc {
	return func(ctx context.Context) error {
		cutoff := time.Now().Add(-retention)
		deleted, err := history.DeleteBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune task history: %w", err)
		}
		if deleted > 0 {
			logger.Info("Pruned task history",
				zap.Int64("deleted", deleted),
				zap.Time("cutoff", cutoff))
		}
		return nil
	}
}
