package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/model"
)

func newTask(id, agentID string, priority int, deps ...string) *model.Task {
	return &model.Task{
		ID:           id,
		Description:  "Task " + id + " description",
		AgentID:      agentID,
		Priority:     priority,
		Dependencies: deps,
	}
}

func taskIDs(tasks []*model.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestTaskGraph(t *testing.T) {
	t.Run("Dependencies Gate Readiness Before Priority", func(t *testing.T) {
		g := NewTaskGraph(nil, zap.NewNop())
		require.NoError(t, g.AddTask(newTask("t1", "a1", 5)))
		require.NoError(t, g.AddTask(newTask("t2", "a1", 9, "t1")))

		ready := g.ReadyTasks(nil)
		assert.Equal(t, []string{"t1"}, taskIDs(ready))
		assert.Equal(t, model.TaskStatusInProgress, ready[0].Status)
		assert.NotNil(t, ready[0].StartedAt)

		// Already handed out
		assert.Empty(t, g.ReadyTasks(nil))

		require.True(t, g.CompleteTask("t1", "done", nil))
		assert.Equal(t, []string{"t2"}, taskIDs(g.ReadyTasks(nil)))
	})

	t.Run("Priority Order With FIFO Ties", func(t *testing.T) {
		g := NewTaskGraph(nil, zap.NewNop())
		require.NoError(t, g.AddTask(newTask("low", "a1", 2)))
		require.NoError(t, g.AddTask(newTask("high-1", "a1", 8)))
		require.NoError(t, g.AddTask(newTask("high-2", "a1", 8)))
		require.NoError(t, g.AddTask(newTask("mid", "a1", 5)))

		assert.Equal(t, []string{"high-1", "high-2", "mid", "low"}, taskIDs(g.ReadyTasks(nil)))
	})

	t.Run("Eligibility Filter", func(t *testing.T) {
		g := NewTaskGraph(nil, zap.NewNop())
		require.NoError(t, g.AddTask(newTask("t1", "a1", 5)))
		require.NoError(t, g.AddTask(newTask("t2", "a2", 5)))
		require.NoError(t, g.AddTask(newTask("t3", "", 5)))

		ready := g.ReadyTasks(func(agentID, taskID string) bool { return agentID == "a2" })
		assert.Equal(t, []string{"t2"}, taskIDs(ready))

		task, err := g.Get("t1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, task.Status)
	})

	t.Run("Defaults And Validation", func(t *testing.T) {
		g := NewTaskGraph(nil, zap.NewNop())

		task := &model.Task{Description: "Write the README file", Priority: 42}
		require.NoError(t, g.AddTask(task))
		assert.NotEmpty(t, task.ID)
		assert.Equal(t, model.MaxPriority, task.Priority)
		assert.Equal(t, model.DefaultMaxRetries, task.MaxRetries)
		assert.Equal(t, model.TaskKindWork, task.Kind)
		assert.Equal(t, model.TaskStatusPending, task.Status)

		assert.ErrorIs(t, g.AddTask(&model.Task{Description: "short"}), ErrInvalidTask)
		assert.ErrorIs(t, g.AddTask(nil), ErrInvalidTask)
		assert.ErrorIs(t, g.AddTask(&model.Task{ID: task.ID, Description: "Write the README file"}), ErrDuplicateTask)
	})

	t.Run("Rejects Cycles", func(t *testing.T) {
		g := NewTaskGraph(nil, zap.NewNop())
		require.NoError(t, g.AddTask(newTask("a", "x", 5, "b")))
		require.NoError(t, g.AddTask(newTask("b", "x", 5, "c")))

		err := g.AddTask(newTask("c", "x", 5, "a"))
		assert.ErrorIs(t, err, ErrCircularDependency)
		assert.Equal(t, 2, g.Len())

		assert.ErrorIs(t, g.AddTask(newTask("self", "x", 5, "self")), ErrCircularDependency)
	})

	t.Run("Unknown Dependency Accepted But Never Satisfied", func(t *testing.T) {
		g := NewTaskGraph(nil, zap.NewNop())
		require.NoError(t, g.AddTask(newTask("t1", "a1", 5, "ghost")))

		assert.False(t, g.DependenciesSatisfied("t1"))
		assert.Empty(t, g.ReadyTasks(nil))

		unsatisfied, dead := g.UnsatisfiedDependencies("t1")
		assert.Equal(t, []string{"ghost"}, unsatisfied)
		assert.Equal(t, []string{"ghost"}, dead)

		require.NoError(t, g.PruneDependencies("t1", dead, "test"))
		assert.True(t, g.DependenciesSatisfied("t1"))
		assert.Equal(t, []string{"t1"}, taskIDs(g.ReadyTasks(nil)))
	})

	t.Run("Retries Until Max Then Fails", func(t *testing.T) {
		g := NewTaskGraph(nil, zap.NewNop())
		task := newTask("t1", "a1", 5)
		task.MaxRetries = 3
		require.NoError(t, g.AddTask(task))

		for attempt := 1; attempt <= 3; attempt++ {
			require.Len(t, g.ReadyTasks(nil), 1)
			permanent, err := g.FailTask("t1", errors.New("boom"))
			require.NoError(t, err)
			assert.False(t, permanent, "attempt %d", attempt)

			current, err := g.Get("t1")
			require.NoError(t, err)
			assert.Equal(t, model.TaskStatusPending, current.Status)
			assert.Equal(t, attempt, current.RetryCount)
			assert.Equal(t, "a1", current.AgentID)
		}

		require.Len(t, g.ReadyTasks(nil), 1)
		permanent, err := g.FailTask("t1", errors.New("boom"))
		require.NoError(t, err)
		assert.True(t, permanent)

		current, err := g.Get("t1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusFailed, current.Status)
		assert.Equal(t, "boom", current.Error)
		assert.Empty(t, g.ReadyTasks(nil))

		_, err = g.FailTask("t1", errors.New("again"))
		assert.ErrorIs(t, err, ErrTaskImmutable)
	})

	t.Run("Retry Delay Honored", func(t *testing.T) {
		now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		g := NewTaskGraph(&ExponentialBackoff{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}, zap.NewNop())
		g.now = func() time.Time { return now }

		require.NoError(t, g.AddTask(newTask("t1", "a1", 5)))
		require.Len(t, g.ReadyTasks(nil), 1)
		_, err := g.FailTask("t1", errors.New("boom"))
		require.NoError(t, err)

		assert.Empty(t, g.ReadyTasks(nil))
		assert.False(t, g.Dispatchable("t1"))

		now = now.Add(2 * time.Second)
		assert.True(t, g.Dispatchable("t1"))
		assert.Len(t, g.ReadyTasks(nil), 1)
	})

	t.Run("Agent Guarded Transitions", func(t *testing.T) {
		g := NewTaskGraph(nil, zap.NewNop())
		require.NoError(t, g.AddTask(newTask("t1", "a1", 5)))

		assert.False(t, g.CompleteTask("t1", "early", nil), "pending task cannot complete")
		require.Len(t, g.ReadyTasks(nil), 1)

		assert.False(t, g.CompleteTaskFor("t1", "a2", "wrong agent", nil))
		assert.False(t, g.RecordOutput("t1", "a2", "partial"))
		assert.True(t, g.RecordOutput("t1", "a1", "partial"))

		_, err := g.FailTaskFor("t1", "a2", errors.New("boom"))
		assert.ErrorIs(t, err, ErrStaleDispatch)

		assert.True(t, g.CompleteTaskFor("t1", "a1", "done", []string{"app.py", "app.py"}))
		task, err := g.Get("t1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, task.Status)
		assert.Equal(t, []string{"app.py"}, task.Artifacts)
		assert.Equal(t, "done", task.Output)

		assert.False(t, g.CompleteTaskFor("t1", "a1", "again", nil), "completion is applied once")
	})

	t.Run("Second Completion Leaves First Result", func(t *testing.T) {
		g := NewTaskGraph(nil, zap.NewNop())
		now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		g.now = func() time.Time { return now }
		require.NoError(t, g.AddTask(newTask("t1", "a1", 5)))
		require.Len(t, g.ReadyTasks(nil), 1)

		require.True(t, g.CompleteTask("t1", "first", []string{"app.py"}))
		completedAt := now

		now = now.Add(time.Minute)
		assert.False(t, g.CompleteTask("t1", "second", []string{"other.py"}))
		assert.False(t, g.CompleteTaskFor("t1", "a1", "third", nil))

		task, err := g.Get("t1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, task.Status)
		assert.Equal(t, "first", task.Output)
		assert.Equal(t, []string{"app.py"}, task.Artifacts)
		require.NotNil(t, task.CompletedAt)
		assert.Equal(t, completedAt, *task.CompletedAt)
	})

	t.Run("Fail And Release Clears Agent", func(t *testing.T) {
		g := NewTaskGraph(nil, zap.NewNop())
		require.NoError(t, g.AddTask(newTask("t1", "a1", 5)))
		require.Len(t, g.ReadyTasks(nil), 1)

		permanent, err := g.FailAndRelease("t1", "a1", ErrHardTimeout)
		require.NoError(t, err)
		assert.False(t, permanent)

		task, err := g.Get("t1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, task.Status)
		assert.Empty(t, task.AgentID)
		assert.Equal(t, 1, task.RetryCount)
		assert.Nil(t, task.StartedAt)
	})

	t.Run("Assign Only Pending", func(t *testing.T) {
		g := NewTaskGraph(nil, zap.NewNop())
		require.NoError(t, g.AddTask(newTask("t1", "", 5)))
		require.NoError(t, g.Assign("t1", "a1"))
		require.Len(t, g.ReadyTasks(nil), 1)

		assert.ErrorIs(t, g.Assign("t1", "a2"), ErrTaskNotPending)
		assert.ErrorIs(t, g.Assign("missing", "a2"), ErrTaskNotFound)
	})

	t.Run("Counts And Drained", func(t *testing.T) {
		g := NewTaskGraph(nil, zap.NewNop())
		assert.True(t, g.Drained())

		require.NoError(t, g.AddTask(newTask("t1", "a1", 5)))
		require.NoError(t, g.AddTask(newTask("t2", "a1", 5)))
		task := newTask("t3", "a1", 5)
		task.MaxRetries = 1
		require.NoError(t, g.AddTask(task))
		assert.False(t, g.Drained())

		g.ReadyTasks(nil)
		require.True(t, g.CompleteTask("t1", "ok", nil))
		_, _ = g.FailTask("t3", errors.New("x"))
		_, _ = g.FailTask("t3", errors.New("x"))

		counts := g.Counts()
		assert.Equal(t, model.TaskCounts{Pending: 0, InProgress: 1, Completed: 1, Failed: 1}, counts)
		assert.Equal(t, 3, counts.Total())

		g.Reset()
		assert.Equal(t, 0, g.Len())
	})

	t.Run("Concurrent Ready Calls Never Share Tasks", func(t *testing.T) {
		g := NewTaskGraph(nil, zap.NewNop())
		for i := 0; i < 50; i++ {
			require.NoError(t, g.AddTask(&model.Task{Description: "Concurrent task body", AgentID: "a1"}))
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, task := range g.ReadyTasks(nil) {
					mu.Lock()
					seen[task.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, 50)
		for id, n := range seen {
			assert.Equal(t, 1, n, id)
		}
	})
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, b.NextRetry(1))
	assert.Equal(t, 2*time.Second, b.NextRetry(2))
	assert.Equal(t, 4*time.Second, b.NextRetry(3))
	assert.Equal(t, 5*time.Second, b.NextRetry(4))

	assert.Equal(t, time.Duration(0), ImmediateRetry{}.NextRetry(3))
}
