package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/events"
	"github.com/ethank2222/TriniTeam/internal/model"
)

// HistoryRecorder turns task events into attempt records. Each
// task.started opens a record; the next terminal event for the same task
// closes it.
type HistoryRecorder struct {
	logger  *zap.Logger
	storage TaskHistoryStorage

	mu   sync.Mutex
	open map[string]*TaskHistory // task ID -> open attempt
}

// NewHistoryRecorder creates a recorder writing to storage
func NewHistoryRecorder(storage TaskHistoryStorage, logger *zap.Logger) *HistoryRecorder {
	return &HistoryRecorder{
		logger:  logger.Named("history-recorder"),
		storage: storage,
		open:    make(map[string]*TaskHistory),
	}
}

// Run consumes events until ctx is done or the channel closes
func (r *HistoryRecorder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			r.Handle(ctx, event)
		}
	}
}

// Handle applies one event
func (r *HistoryRecorder) Handle(ctx context.Context, event events.Event) {
	if event.TaskID == "" {
		return
	}

	switch event.Type {
	case events.TypeTaskStarted:
		r.start(ctx, event)
	case events.TypeTaskCompleted:
		r.finish(ctx, event, model.TaskStatusCompleted)
	case events.TypeTaskFailed, events.TypeTaskRetried, events.TypeTaskTimedOut:
		r.finish(ctx, event, model.TaskStatusFailed)
	case events.TypeProjectReset:
		r.mu.Lock()
		r.open = make(map[string]*TaskHistory)
		r.mu.Unlock()
	}
}

// OpenAttempts returns the number of attempts without an outcome
func (r *HistoryRecorder) OpenAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

func (r *HistoryRecorder) start(ctx context.Context, event events.Event) {
	r.mu.Lock()
	if _, exists := r.open[event.TaskID]; exists {
		// A continuation of the same attempt
		r.mu.Unlock()
		return
	}
	record := &TaskHistory{
		ID:          uuid.New().String(),
		TaskID:      event.TaskID,
		ProjectID:   event.ProjectID,
		AgentID:     event.AgentID,
		Kind:        model.TaskKind(dataString(event, "kind")),
		Description: dataString(event, "description"),
		Status:      model.TaskStatusInProgress,
		Attempt:     dataInt(event, "retry_count") + 1,
		StartedAt:   eventTime(event),
	}
	r.open[event.TaskID] = record
	r.mu.Unlock()

	if err := r.storage.Store(ctx, record); err != nil {
		r.logger.Error("Failed to store task attempt",
			zap.String("task_id", event.TaskID),
			zap.Error(err))
	}
}

func (r *HistoryRecorder) finish(ctx context.Context, event events.Event, status model.TaskStatus) {
	r.mu.Lock()
	record, ok := r.open[event.TaskID]
	if ok {
		delete(r.open, event.TaskID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	completedAt := eventTime(event)
	record.Status = status
	record.CompletedAt = &completedAt
	record.Duration = completedAt.Sub(record.StartedAt)
	record.Output = dataString(event, "output")
	record.Error = dataString(event, "error")
	if record.Error == "" && status == model.TaskStatusFailed {
		record.Error = event.Message
	}

	if err := r.storage.Update(ctx, record); err != nil {
		r.logger.Error("Failed to update task attempt",
			zap.String("task_id", event.TaskID),
			zap.Error(err))
	}
}

func eventTime(event events.Event) time.Time {
	if event.Timestamp.IsZero() {
		return time.Now()
	}
	return event.Timestamp
}

func dataString(event events.Event, key string) string {
	if event.Data == nil {
		return ""
	}
	s, _ := event.Data[key].(string)
	return s
}

func dataInt(event events.Event, key string) int {
	if event.Data == nil {
		return 0
	}
	switch v := event.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
