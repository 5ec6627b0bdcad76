package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/model"
)

// TaskGraph owns every task of the current project and its dependency
// edges. Readers get clones; all transitions happen under the graph lock.
type TaskGraph struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	tasks      map[string]*model.Task // Map of task ID to task
	dependents map[string][]string    // Reverse edges: task ID -> tasks waiting on it
	seq        uint64
	retry      RetryStrategy
	now        func() time.Time
}

// NewTaskGraph creates an empty task graph. A nil strategy re-queues failed
// tasks immediately.
func NewTaskGraph(retry RetryStrategy, logger *zap.Logger) *TaskGraph {
	if retry == nil {
		retry = ImmediateRetry{}
	}
	return &TaskGraph{
		logger:     logger.Named("task-graph"),
		tasks:      make(map[string]*model.Task),
		dependents: make(map[string][]string),
		retry:      retry,
		now:        time.Now,
	}
}

// AddTask registers a task and its dependency edges. The task is stored as
// Pending; the caller's copy is updated with the assigned ID and defaults.
func (g *TaskGraph) AddTask(task *model.Task) error {
	if task == nil {
		return ErrInvalidTask
	}
	if len(strings.TrimSpace(task.Description)) < model.MinDescriptionLength {
		return fmt.Errorf("%w: description shorter than %d characters", ErrInvalidTask, model.MinDescriptionLength)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	if err := g.checkCircularDependencies(task.ID, task.Dependencies); err != nil {
		return err
	}

	now := g.now()
	t := task.Clone()
	t.Status = model.TaskStatusPending
	if t.Priority == 0 {
		t.Priority = model.DefaultPriority
	}
	t.Priority = model.ClampPriority(t.Priority)
	if t.MaxRetries <= 0 {
		t.MaxRetries = model.DefaultMaxRetries
	}
	if t.Kind == "" {
		t.Kind = model.TaskKindWork
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.QueuedAt = now
	g.seq++
	t.Seq = g.seq

	g.tasks[t.ID] = t
	for _, depID := range t.Dependencies {
		if _, ok := g.tasks[depID]; !ok {
			g.logger.Warn("Task depends on unknown task",
				zap.String("task_id", t.ID),
				zap.String("dependency", depID))
		}
		g.dependents[depID] = append(g.dependents[depID], t.ID)
	}

	*task = *t.Clone()

	g.logger.Debug("Task added",
		zap.String("task_id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.Int("priority", t.Priority),
		zap.String("agent_id", t.AgentID))

	return nil
}

// ReadyTasks returns every Pending task whose dependencies are all Completed
// and whose agent is eligible to run it, highest priority first and FIFO
// within a priority. Returned tasks are moved to InProgress before the lock
// is released, so a task is never handed out twice. A nil eligible accepts
// any task that names an agent.
func (g *TaskGraph) ReadyTasks(eligible func(agentID, taskID string) bool) []*model.Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var candidates []*model.Task
	for _, t := range g.tasks {
		if t.Status != model.TaskStatusPending || t.AgentID == "" {
			continue
		}
		if now.Before(t.NotBefore) || !g.dependenciesSatisfied(t) {
			continue
		}
		if eligible != nil && !eligible(t.AgentID, t.ID) {
			continue
		}
		candidates = append(candidates, t)
	}

	ready := drainByPriority(candidates)
	result := make([]*model.Task, 0, len(ready))
	for _, t := range ready {
		started := now
		t.Status = model.TaskStatusInProgress
		t.StartedAt = &started
		result = append(result, t.Clone())
	}
	return result
}

// CompleteTask marks an InProgress task Completed. It reports false and
// changes nothing if the task is not InProgress.
func (g *TaskGraph) CompleteTask(id, output string, artifacts []string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok || t.Status != model.TaskStatusInProgress {
		return false
	}
	g.completeLocked(t, output, artifacts)
	return true
}

// CompleteTaskFor is CompleteTask guarded by the agent that ran the task.
func (g *TaskGraph) CompleteTaskFor(id, agentID, output string, artifacts []string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok || t.Status != model.TaskStatusInProgress || t.AgentID != agentID {
		return false
	}
	g.completeLocked(t, output, artifacts)
	return true
}

func (g *TaskGraph) completeLocked(t *model.Task, output string, artifacts []string) {
	now := g.now()
	t.Status = model.TaskStatusCompleted
	t.CompletedAt = &now
	t.Output = output
	t.Error = ""
	for _, name := range artifacts {
		if !containsString(t.Artifacts, name) {
			t.Artifacts = append(t.Artifacts, name)
		}
	}

	g.logger.Info("Task completed",
		zap.String("task_id", t.ID),
		zap.String("agent_id", t.AgentID),
		zap.Int("artifacts", len(t.Artifacts)))
}

// FailTask records a failed attempt. The task goes back to Pending while
// RetryCount <= MaxRetries and is permanently Failed after that. The
// returned bool reports a permanent failure.
func (g *TaskGraph) FailTask(id string, cause error) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status.Terminal() {
		return false, fmt.Errorf("%w: %s", ErrTaskImmutable, id)
	}
	return g.failLocked(t, cause, false), nil
}

// FailTaskFor is FailTask guarded by the agent that ran the task.
func (g *TaskGraph) FailTaskFor(id, agentID string, cause error) (bool, error) {
	return g.failFor(id, agentID, cause, false)
}

// FailAndRelease fails the task like FailTaskFor and also clears its agent,
// so a retry is routed by the assignment passes instead of waiting on the
// agent that timed out.
func (g *TaskGraph) FailAndRelease(id, agentID string, cause error) (bool, error) {
	return g.failFor(id, agentID, cause, true)
}

func (g *TaskGraph) failFor(id, agentID string, cause error, release bool) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != model.TaskStatusInProgress || t.AgentID != agentID {
		return false, fmt.Errorf("%w: %s", ErrStaleDispatch, id)
	}
	return g.failLocked(t, cause, release), nil
}

func (g *TaskGraph) failLocked(t *model.Task, cause error, release bool) bool {
	now := g.now()
	t.RetryCount++
	if cause != nil {
		t.Error = cause.Error()
	}

	if t.RetryCount > t.MaxRetries {
		t.Status = model.TaskStatusFailed
		t.CompletedAt = &now
		g.logger.Warn("Task failed permanently",
			zap.String("task_id", t.ID),
			zap.String("agent_id", t.AgentID),
			zap.Int("retry_count", t.RetryCount),
			zap.Strings("blocked_dependents", g.dependents[t.ID]),
			zap.String("error", t.Error))
		return true
	}

	t.Status = model.TaskStatusPending
	t.StartedAt = nil
	t.QueuedAt = now
	t.NotBefore = now.Add(g.retry.NextRetry(t.RetryCount))
	if release {
		t.AgentID = ""
	}

	g.logger.Info("Task scheduled for retry",
		zap.String("task_id", t.ID),
		zap.Int("retry_count", t.RetryCount),
		zap.Time("not_before", t.NotBefore))
	return false
}

// RecordOutput stores the latest output of a task that is still running.
func (g *TaskGraph) RecordOutput(id, agentID, output string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok || t.Status != model.TaskStatusInProgress || t.AgentID != agentID {
		return false
	}
	t.Output = output
	return true
}

// DependenciesSatisfied reports whether every dependency of the task is
// Completed. Unknown ids are never satisfied.
func (g *TaskGraph) DependenciesSatisfied(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.tasks[id]
	if !ok {
		return false
	}
	return g.dependenciesSatisfied(t)
}

// Dispatchable reports whether a Pending task could run now if it had an agent.
func (g *TaskGraph) Dispatchable(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.tasks[id]
	if !ok || t.Status != model.TaskStatusPending {
		return false
	}
	return !g.now().Before(t.NotBefore) && g.dependenciesSatisfied(t)
}

// UnsatisfiedDependencies returns the dependencies that are not Completed,
// and the subset of those that can never complete (unknown or Failed).
func (g *TaskGraph) UnsatisfiedDependencies(id string) (unsatisfied, dead []string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.tasks[id]
	if !ok {
		return nil, nil
	}
	for _, depID := range t.Dependencies {
		dep, exists := g.tasks[depID]
		switch {
		case !exists:
			unsatisfied = append(unsatisfied, depID)
			dead = append(dead, depID)
		case dep.Status == model.TaskStatusFailed:
			unsatisfied = append(unsatisfied, depID)
			dead = append(dead, depID)
		case dep.Status != model.TaskStatusCompleted:
			unsatisfied = append(unsatisfied, depID)
		}
	}
	return unsatisfied, dead
}

// PruneDependencies drops the given ids from a Pending task's dependency set.
// This is a policy decision made by the force pass and is always logged.
func (g *TaskGraph) PruneDependencies(id string, deps []string, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != model.TaskStatusPending {
		return fmt.Errorf("%w: %s", ErrTaskNotPending, id)
	}

	kept := t.Dependencies[:0]
	for _, depID := range t.Dependencies {
		if containsString(deps, depID) {
			g.removeDependent(depID, id)
			continue
		}
		kept = append(kept, depID)
	}
	t.Dependencies = kept

	g.logger.Warn("Pruned task dependencies",
		zap.String("task_id", id),
		zap.Strings("dependencies", deps),
		zap.String("reason", reason))
	return nil
}

// Assign sets the agent a Pending task is routed to.
func (g *TaskGraph) Assign(id, agentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != model.TaskStatusPending {
		return fmt.Errorf("%w: %s", ErrTaskNotPending, id)
	}
	t.AgentID = agentID
	return nil
}

// Get returns a copy of a task
func (g *TaskGraph) Get(id string) (*model.Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// List returns copies of all tasks in creation order
func (g *TaskGraph) List() []*model.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*model.Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		tasks = append(tasks, t.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks
}

// Pending returns copies of Pending tasks, highest priority first
func (g *TaskGraph) Pending() []*model.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var pending []*model.Task
	for _, t := range g.tasks {
		if t.Status == model.TaskStatusPending {
			pending = append(pending, t.Clone())
		}
	}
	return drainByPriority(pending)
}

// InProgress returns copies of InProgress tasks
func (g *TaskGraph) InProgress() []*model.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var running []*model.Task
	for _, t := range g.tasks {
		if t.Status == model.TaskStatusInProgress {
			running = append(running, t.Clone())
		}
	}
	sort.Slice(running, func(i, j int) bool { return running[i].Seq < running[j].Seq })
	return running
}

// Counts returns the number of tasks in each status
func (g *TaskGraph) Counts() model.TaskCounts {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var c model.TaskCounts
	for _, t := range g.tasks {
		switch t.Status {
		case model.TaskStatusPending:
			c.Pending++
		case model.TaskStatusInProgress:
			c.InProgress++
		case model.TaskStatusCompleted:
			c.Completed++
		case model.TaskStatusFailed:
			c.Failed++
		}
	}
	return c
}

// Drained reports whether no task is Pending or InProgress
func (g *TaskGraph) Drained() bool {
	c := g.Counts()
	return c.Pending == 0 && c.InProgress == 0
}

// Len returns the number of tasks
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Reset drops every task
func (g *TaskGraph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tasks = make(map[string]*model.Task)
	g.dependents = make(map[string][]string)
	g.seq = 0
}

func (g *TaskGraph) dependenciesSatisfied(t *model.Task) bool {
	for _, depID := range t.Dependencies {
		dep, exists := g.tasks[depID]
		if !exists || dep.Status != model.TaskStatusCompleted {
			return false
		}
	}
	return true
}

func (g *TaskGraph) removeDependent(depID, taskID string) {
	list := g.dependents[depID]
	for i, id := range list {
		if id == taskID {
			g.dependents[depID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(g.dependents[depID]) == 0 {
		delete(g.dependents, depID)
	}
}

// checkCircularDependencies checks if adding the given dependencies would
// create a cycle among known tasks. Unknown ids cannot close a cycle.
func (g *TaskGraph) checkCircularDependencies(taskID string, deps []string) error {
	edges := make([]toposort.Edge, 0, len(g.tasks)+len(deps))

	addEdges := func(id string, ds []string) error {
		linked := false
		for _, depID := range ds {
			if depID == id {
				return fmt.Errorf("%w: task %s depends on itself", ErrCircularDependency, id)
			}
			if _, known := g.tasks[depID]; !known && depID != taskID {
				continue
			}
			// Edge (dep, id) means dep must come before id
			edges = append(edges, toposort.Edge{depID, id})
			linked = true
		}
		if !linked {
			edges = append(edges, toposort.Edge{nil, id})
		}
		return nil
	}

	for id, t := range g.tasks {
		if err := addEdges(id, t.Dependencies); err != nil {
			return err
		}
	}
	if err := addEdges(taskID, deps); err != nil {
		return err
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: task %s: %v", ErrCircularDependency, taskID, err)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
