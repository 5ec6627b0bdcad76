package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/events"
	"github.com/ethank2222/TriniTeam/internal/model"
	"github.com/ethank2222/TriniTeam/internal/storage"
	"github.com/ethank2222/TriniTeam/internal/testutil"
)

const (
	testProject = "Build a todo list application with a Flask API"

	twoTaskPlan = "Here is the plan.\n```json\n" + `{"tasks": [
    {"agent": "Developer1", "description": "Write the Flask backend service", "priority": 8, "dependencies": [], "files_expected": ["app.py"]},
    {"agent": "Developer2", "description": "Write the landing page markup", "priority": 5, "dependencies": ["1"]}
]}` + "\n```\nTASK COMPLETED"

	oneTaskPlan = "```json\n" + `{"tasks": [
    {"agent": "Developer1", "description": "Write the Flask backend service", "priority": 5}
]}` + "\n```\nTASK COMPLETED"

	emptyPlan = "Nothing to split up here. TASK COMPLETED"

	backendReply = "```filename: app.py\nfrom flask import Flask\napp = Flask(__name__)\n```\nTASK COMPLETED"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ string, event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type schedulerFixture struct {
	s         *Scheduler
	client    *testutil.ScriptedClient
	artifacts *storage.ArtifactStore
	events    *recordingPublisher
	clock     *testClock
}

func newSchedulerFixture(t *testing.T, responder testutil.Responder, mutate func(*Config)) *schedulerFixture {
	t.Helper()
	logger := zap.NewNop()

	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}

	clock := newTestClock()
	graph := NewTaskGraph(nil, logger)
	graph.now = clock.Now
	roster, err := NewAgentRoster(model.DefaultRoster(), logger)
	require.NoError(t, err)
	roster.now = clock.Now

	f := &schedulerFixture{
		client:    testutil.NewScriptedClient(responder),
		artifacts: storage.NewArtifactStore(logger),
		events:    &recordingPublisher{},
		clock:     clock,
	}
	f.s = New(cfg, graph, roster, f.client, f.artifacts, f.events, logger)
	f.s.now = clock.Now
	f.s.policy.now = clock.Now

	t.Cleanup(func() { _ = f.s.Reset() })
	return f
}

func (f *schedulerFixture) start(t *testing.T) {
	t.Helper()
	_, err := f.s.StartProject(context.Background(), testProject)
	require.NoError(t, err)
}

// step runs one tick and waits for its dispatches
func (f *schedulerFixture) step() {
	f.s.Tick(context.Background())
	f.s.Wait()
}

func (f *schedulerFixture) stepUntil(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 20 && !cond(); i++ {
		f.step()
	}
	require.True(t, cond(), "condition not reached within 20 ticks")
}

func (f *schedulerFixture) tasksOfKind(kind model.TaskKind) []*model.Task {
	var out []*model.Task
	for _, t := range f.s.Graph().List() {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (f *schedulerFixture) state() model.ProjectStatus {
	return f.s.Status().State
}

func TestSchedulerProjectFlow(t *testing.T) {
	t.Run("Plan Work Review And Finish", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(map[string]string{
			"PROJECT PLANNING":       twoTaskPlan,
			"REVIEW TASK COMPLETION": "The work looks solid. TASK COMPLETED",
			"FINAL PROJECT REVIEW":   "All requirements are met. PROJECT COMPLETED",
		}, backendReply), nil)
		f.start(t)

		f.stepUntil(t, func() bool { return f.state() == model.ProjectStatusReviewed })

		counts := f.s.Graph().Counts()
		assert.Equal(t, 6, counts.Completed)
		assert.Equal(t, 0, counts.Failed)
		assert.Len(t, f.tasksOfKind(model.TaskKindReview), 2)
		assert.Len(t, f.tasksOfKind(model.TaskKindFinalReview), 1)
		assert.Equal(t, 1, f.client.CallsFor("FINAL PROJECT REVIEW"))
		assert.Contains(t, f.artifacts.Names(), "app.py")
		assert.NotEmpty(t, f.s.Messages())
		assert.Equal(t, 1, f.events.count(events.TypeProjectReviewed))

		for _, a := range f.s.Roster().List() {
			assert.Equal(t, model.AgentStatusIdle, a.Status, a.Name)
		}
	})

	t.Run("Spawned Tasks Resolve Dependencies And Get Reviews", func(t *testing.T) {
		plan := "```json\n" + `{"tasks": [
    {"agent": "Developer1", "description": "Write the Flask backend service", "priority": 7},
    {"agent": "Developer2", "description": "Write the landing page markup", "dependencies": ["task 1"]},
    {"agent": "Developer3", "description": "Write deployment scripts", "dependencies": ["write the flask backend service", "ghost"]}
]}` + "\n```\nTASK COMPLETED"
		f := newSchedulerFixture(t, testutil.Route(map[string]string{"PROJECT PLANNING": plan}, ""), nil)
		f.start(t)
		f.step()

		work := f.tasksOfKind(model.TaskKindWork)
		require.Len(t, work, 3)
		byDescription := make(map[string]*model.Task)
		for _, w := range work {
			byDescription[w.Description] = w
		}
		backend := byDescription["Write the Flask backend service"]
		landing := byDescription["Write the landing page markup"]
		deploy := byDescription["Write deployment scripts"]
		require.NotNil(t, backend)
		require.NotNil(t, landing)
		require.NotNil(t, deploy)

		assert.Equal(t, 7, backend.Priority)
		assert.Equal(t, []string{backend.ID}, landing.Dependencies)
		assert.Equal(t, []string{backend.ID, "ghost"}, deploy.Dependencies)
		assert.Equal(t, agentByName(t, f.s.Roster(), "Developer3").ID, deploy.AgentID)

		reviews := f.tasksOfKind(model.TaskKindReview)
		require.Len(t, reviews, 3)
		coordinator := f.s.Roster().Coordinator()
		for _, r := range reviews {
			assert.Equal(t, coordinator.ID, r.AgentID)
			require.Len(t, r.Dependencies, 1)
			assert.Equal(t, byID(work, r.Dependencies[0]).Priority, r.Priority)
		}
	})

	t.Run("Review Tasks Can Be Disabled", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(map[string]string{"PROJECT PLANNING": twoTaskPlan}, ""),
			func(c *Config) { c.ReviewPerTask = false })
		f.start(t)
		f.step()

		assert.Len(t, f.tasksOfKind(model.TaskKindWork), 2)
		assert.Empty(t, f.tasksOfKind(model.TaskKindReview))
	})

	t.Run("Worker Without Files Gets Starter Files And Follow Up", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(map[string]string{
			"PROJECT PLANNING": oneTaskPlan,
		}, "The service is in place. Next task: add integration tests. TASK COMPLETED"),
			func(c *Config) { c.ReviewPerTask = false })
		f.start(t)
		f.step()
		f.step()

		work := f.tasksOfKind(model.TaskKindWork)
		require.Len(t, work, 1)
		assert.Equal(t, model.TaskStatusCompleted, work[0].Status)
		assert.ElementsMatch(t, []string{"app.py", "requirements.txt"}, work[0].Artifacts)
		assert.ElementsMatch(t, []string{"app.py", "requirements.txt"}, f.artifacts.Names())

		followUps := f.tasksOfKind(model.TaskKindFollowUp)
		require.Len(t, followUps, 1)
		assert.Equal(t, followUpPriority, followUps[0].Priority)
		assert.Equal(t, f.s.Roster().Coordinator().ID, followUps[0].AgentID)
		assert.Equal(t, work[0].ID, followUps[0].ParentID)
		assert.Contains(t, followUps[0].Description, "Developer1")
	})

	t.Run("Starter Files Keep Existing Content", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(map[string]string{
			"PROJECT PLANNING": oneTaskPlan,
		}, "Done with the service. TASK COMPLETED"),
			func(c *Config) { c.ReviewPerTask = false })
		f.start(t)
		require.NoError(t, f.artifacts.Put("app.py", "print('mine')"))
		f.step()
		f.step()

		content, err := f.artifacts.Get("app.py")
		require.NoError(t, err)
		assert.Equal(t, "print('mine')", content)
		assert.Contains(t, f.artifacts.Names(), "requirements.txt")
	})
}

func TestSchedulerFailures(t *testing.T) {
	t.Run("Error Text Is Retried Then Fails", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(map[string]string{
			"PROJECT PLANNING": "[API Error] overloaded",
		}, ""), nil)
		f.start(t)

		planning := f.tasksOfKind(model.TaskKindPlan)[0]
		f.stepUntil(t, func() bool {
			task, err := f.s.Graph().Get(planning.ID)
			return err == nil && task.Status == model.TaskStatusFailed
		})

		task, err := f.s.Graph().Get(planning.ID)
		require.NoError(t, err)
		assert.Equal(t, model.DefaultMaxRetries+1, task.RetryCount)
		assert.Contains(t, task.Error, "overloaded")
		assert.Equal(t, model.DefaultMaxRetries+1, f.client.CallsFor("PROJECT PLANNING"))
		assert.Equal(t, model.DefaultMaxRetries, f.events.count(events.TypeTaskRetried))
		assert.Equal(t, 1, f.events.count(events.TypeTaskFailed))
		assert.GreaterOrEqual(t, f.events.count(events.TypeGenerationError), model.DefaultMaxRetries+1)
	})

	t.Run("Client Error Is Retried", func(t *testing.T) {
		var calls atomic.Int32
		f := newSchedulerFixture(t, func(_ context.Context, call testutil.Call) (string, error) {
			if !strings.Contains(testutil.TaskLine(call), "PROJECT PLANNING") {
				return "", nil
			}
			if calls.Add(1) == 1 {
				return "", errors.New("connection reset")
			}
			return emptyPlan, nil
		}, nil)
		f.start(t)
		f.step()
		f.step()

		planning := f.tasksOfKind(model.TaskKindPlan)[0]
		assert.Equal(t, model.TaskStatusCompleted, planning.Status)
		assert.Equal(t, 1, planning.RetryCount)
		assert.Equal(t, f.s.Roster().Coordinator().ID, planning.AgentID)
	})

	t.Run("Hard Timeout Requeues Without Agent", func(t *testing.T) {
		release := make(chan struct{})
		var workerCalls atomic.Int32
		planner := testutil.Route(map[string]string{"PROJECT PLANNING": oneTaskPlan}, "")
		f := newSchedulerFixture(t, func(ctx context.Context, call testutil.Call) (string, error) {
			if !strings.Contains(testutil.TaskLine(call), "Write the Flask backend service") {
				return planner(ctx, call)
			}
			if workerCalls.Add(1) == 1 {
				select {
				case <-release:
					return "Still wiring up the routes", nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			return backendReply, nil
		}, func(c *Config) { c.ReviewPerTask = false })
		f.start(t)
		f.step()

		work := f.tasksOfKind(model.TaskKindWork)
		require.Len(t, work, 1)
		taskID := work[0].ID
		dev1 := agentByName(t, f.s.Roster(), "Developer1")

		ctx := context.Background()
		f.s.Tick(ctx)
		task, err := f.s.Graph().Get(taskID)
		require.NoError(t, err)
		require.Equal(t, model.TaskStatusInProgress, task.Status)
		require.Equal(t, dev1.ID, task.AgentID)

		f.clock.Advance(f.s.Config().HardTimeout + time.Second)
		f.s.Tick(ctx)

		task, err = f.s.Graph().Get(taskID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, task.Status)
		assert.Empty(t, task.AgentID)
		assert.Equal(t, 1, task.RetryCount)
		assert.Equal(t, ErrHardTimeout.Error(), task.Error)

		agent, err := f.s.Roster().Get(dev1.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AgentStatusIdle, agent.Status)
		assert.Equal(t, 1, f.events.count(events.TypeTaskTimedOut))
		assert.Equal(t, 1, f.events.count(events.TypeAgentStuck))

		// scavenged on the next tick
		f.s.Tick(ctx)
		task, err = f.s.Graph().Get(taskID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusInProgress, task.Status)
		assert.NotEmpty(t, task.AgentID)

		close(release)
		f.s.Wait()

		task, err = f.s.Graph().Get(taskID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, task.Status)
		assert.Equal(t, int32(2), workerCalls.Load())
	})

	t.Run("Panicking Client Does Not Stop The Loop", func(t *testing.T) {
		f := newSchedulerFixture(t, func(context.Context, testutil.Call) (string, error) {
			panic("boom")
		}, nil)
		f.start(t)

		assert.NotPanics(t, f.step)
		assert.True(t, f.s.Running())
	})
}

func TestSchedulerContinuation(t *testing.T) {
	var calls atomic.Int32
	f := newSchedulerFixture(t, func(_ context.Context, call testutil.Call) (string, error) {
		if !strings.Contains(testutil.TaskLine(call), "PROJECT PLANNING") {
			return "", nil
		}
		if calls.Add(1) == 1 {
			return "Still thinking about the architecture", nil
		}
		return emptyPlan, nil
	}, nil)
	f.start(t)
	f.step()

	planning := f.tasksOfKind(model.TaskKindPlan)[0]
	assert.Equal(t, model.TaskStatusInProgress, planning.Status)
	assert.Equal(t, "Still thinking about the architecture", planning.Output)
	assert.Equal(t, 0, planning.RetryCount)

	f.step()

	planning = f.tasksOfKind(model.TaskKindPlan)[0]
	assert.Equal(t, model.TaskStatusCompleted, planning.Status)

	recorded := f.client.Calls()
	require.Len(t, recorded, 2)
	assert.NotContains(t, recorded[0].UserPrompt, "YOUR PREVIOUS RESPONSE")
	assert.Contains(t, recorded[1].UserPrompt, "YOUR PREVIOUS RESPONSE")
	assert.Contains(t, recorded[1].UserPrompt, "Still thinking about the architecture")
}

// assertWorkingMatchesRunning checks that every Working agent holds exactly
// one InProgress task and every InProgress task of an active agent is held
func (f *schedulerFixture) assertWorkingMatchesRunning(t *testing.T, when string) {
	t.Helper()
	roster := f.s.Roster()

	running := make(map[string]string)
	for _, task := range f.s.Graph().InProgress() {
		if roster.IsActive(task.AgentID) {
			running[task.ID] = task.AgentID
		}
	}

	working := roster.WorkingAgents()
	assert.Len(t, working, len(running), when)
	for _, a := range working {
		assert.Equal(t, a.ID, running[a.CurrentTaskID], "%s: %s holds %s", when, a.Name, a.CurrentTaskID)
	}
}

func TestSchedulerWorkingAgentsMatchRunningTasks(t *testing.T) {
	const stalledReply = "Still wiring up the routes"
	var stalled atomic.Bool
	stalled.Store(true)

	f := newSchedulerFixture(t, func(_ context.Context, call testutil.Call) (string, error) {
		line := testutil.TaskLine(call)
		switch {
		case strings.Contains(line, "PROJECT PLANNING"):
			return twoTaskPlan, nil
		case strings.Contains(line, "FINAL PROJECT REVIEW"):
			return "All requirements are met. PROJECT COMPLETED", nil
		case strings.Contains(line, "REVIEW TASK COMPLETION"):
			return "The work looks solid. TASK COMPLETED", nil
		case strings.Contains(line, "Write the Flask backend service"):
			if stalled.Load() {
				return stalledReply, nil
			}
			return backendReply, nil
		default:
			return "```filename: index.html\n<!DOCTYPE html>\n<html><body>Todo</body></html>\n```\nTASK COMPLETED", nil
		}
	}, nil)
	f.start(t)
	f.assertWorkingMatchesRunning(t, "after start")

	// plan, then the backend task starts and keeps continuing
	for i := 0; i < 4; i++ {
		f.step()
		f.assertWorkingMatchesRunning(t, fmt.Sprintf("plan and continue tick %d", i))
	}
	work := f.tasksOfKind(model.TaskKindWork)
	require.Len(t, work, 2)
	backend := taskWithDescription(work, "Write the Flask backend service")
	require.Equal(t, model.TaskStatusInProgress, backend.Status)
	require.Len(t, f.s.Roster().WorkingAgents(), 1)

	// hard timeout frees the agent, then scavenging hands the task out again
	f.clock.Advance(f.s.Config().HardTimeout + time.Second)
	f.step()
	f.assertWorkingMatchesRunning(t, "after hard timeout")
	backend, err := f.s.Graph().Get(backend.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, backend.Status)
	assert.Empty(t, f.s.Roster().WorkingAgents())

	for i := 0; i < 3; i++ {
		f.step()
		f.assertWorkingMatchesRunning(t, fmt.Sprintf("scavenged tick %d", i))
	}
	backend, err = f.s.Graph().Get(backend.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusInProgress, backend.Status)
	assert.NotEmpty(t, backend.AgentID)

	stalled.Store(false)
	for i := 0; i < 20 && f.state() != model.ProjectStatusReviewed; i++ {
		f.step()
		f.assertWorkingMatchesRunning(t, fmt.Sprintf("finish tick %d", i))
	}
	require.Equal(t, model.ProjectStatusReviewed, f.state())
	assert.Empty(t, f.s.Roster().WorkingAgents())
	assert.Equal(t, 1, f.events.count(events.TypeTaskTimedOut))
}

func TestSchedulerContinuationKeepsAgentActive(t *testing.T) {
	f := newSchedulerFixture(t, testutil.Route(map[string]string{
		"PROJECT PLANNING": oneTaskPlan,
	}, "Still wiring up the routes"), func(c *Config) { c.ReviewPerTask = false })
	f.start(t)
	f.step()
	f.step()

	work := f.tasksOfKind(model.TaskKindWork)
	require.Len(t, work, 1)
	require.Equal(t, model.TaskStatusInProgress, work[0].Status)

	// answering every tick keeps the rescue window from expiring
	for i := 0; i < 4; i++ {
		f.clock.Advance(f.s.Config().RescueWindow / 2)
		f.step()
	}
	assert.Zero(t, f.events.count(events.TypeAgentStuck))

	agent, err := f.s.Roster().Get(work[0].AgentID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusWorking, agent.Status)
	assert.True(t, agent.LastActivity.After(agent.WorkingSince))

	// the hard timeout still counts from when the task was taken
	f.clock.Advance(f.s.Config().HardTimeout)
	f.step()
	assert.Equal(t, 1, f.events.count(events.TypeTaskTimedOut))
}

func TestSchedulerFinalReview(t *testing.T) {
	stalling := testutil.Route(map[string]string{
		"PROJECT PLANNING":     emptyPlan,
		"FINAL PROJECT REVIEW": "Still going through the files",
	}, "")

	t.Run("Created Exactly Once", func(t *testing.T) {
		f := newSchedulerFixture(t, stalling, nil)
		f.start(t)

		f.stepUntil(t, func() bool { return f.client.CallsFor("FINAL PROJECT REVIEW") > 0 })
		for i := 0; i < 5; i++ {
			f.step()
		}

		assert.Len(t, f.tasksOfKind(model.TaskKindFinalReview), 1)
		assert.Greater(t, f.client.CallsFor("FINAL PROJECT REVIEW"), 1)
		assert.Equal(t, model.ProjectStatusRunning, f.state())
		assert.NotEmpty(t, f.s.Project().FinalReviewTaskID)
	})

	t.Run("Ceiling Forces Review", func(t *testing.T) {
		f := newSchedulerFixture(t, stalling, func(c *Config) { c.FinalReviewCeiling = time.Minute })
		f.start(t)
		f.stepUntil(t, func() bool { return f.client.CallsFor("FINAL PROJECT REVIEW") > 0 })

		f.clock.Advance(time.Minute + time.Second)
		f.step()

		assert.Equal(t, model.ProjectStatusReviewed, f.state())
		review := f.tasksOfKind(model.TaskKindFinalReview)
		require.Len(t, review, 1)
		assert.Equal(t, model.TaskStatusCompleted, review[0].Status)
		assert.Equal(t, hardTimeoutOutput, review[0].Output)
		assert.Equal(t, model.AgentStatusIdle, f.s.Roster().Coordinator().Status)
	})

	t.Run("Not Created While Work Remains", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(map[string]string{
			"PROJECT PLANNING": oneTaskPlan,
		}, "Thinking about it"), func(c *Config) { c.ReviewPerTask = false })
		f.start(t)
		for i := 0; i < 4; i++ {
			f.step()
		}

		assert.Empty(t, f.tasksOfKind(model.TaskKindFinalReview))
		assert.Empty(t, f.s.Project().FinalReviewTaskID)
	})
}

func TestSchedulerSession(t *testing.T) {
	t.Run("Start Twice", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(nil, ""), nil)
		f.start(t)

		_, err := f.s.StartProject(context.Background(), testProject)
		assert.ErrorIs(t, err, ErrProjectRunning)

		planning := f.tasksOfKind(model.TaskKindPlan)
		require.Len(t, planning, 1)
		assert.Equal(t, planningPriority, planning[0].Priority)
		assert.Equal(t, f.s.Roster().Coordinator().ID, planning[0].AgentID)
	})

	t.Run("Stop Writes Default Files", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(nil, ""), nil)
		f.start(t)

		project, err := f.s.StopProject()
		require.NoError(t, err)
		assert.Equal(t, model.ProjectStatusCompleted, project.Status)
		assert.NotNil(t, project.StoppedAt)
		assert.False(t, f.s.Running())
		assert.Contains(t, f.artifacts.Names(), "README.md")
		assert.Len(t, f.artifacts.Names(), len(DefaultArtifacts(testProject)))
		assert.Equal(t, 1, f.events.count(events.TypeProjectCompleted))

		again, err := f.s.StopProject()
		require.NoError(t, err)
		assert.Equal(t, model.ProjectStatusCompleted, again.Status)
		assert.Equal(t, 1, f.events.count(events.TypeProjectCompleted))
	})

	t.Run("Stop Applies In-Flight Results", func(t *testing.T) {
		release := make(chan struct{})
		f := newSchedulerFixture(t, func(ctx context.Context, call testutil.Call) (string, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return backendReply, nil
		}, nil)
		f.start(t)
		f.s.Tick(context.Background())

		planning := f.tasksOfKind(model.TaskKindPlan)[0]
		require.Equal(t, model.TaskStatusInProgress, planning.Status)

		project, err := f.s.StopProject()
		require.NoError(t, err)
		assert.Equal(t, model.ProjectStatusCompleted, project.Status)

		close(release)
		f.s.Wait()

		planning, err = f.s.Graph().Get(planning.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, planning.Status)
		assert.Equal(t, backendReply, planning.Output)
		assert.Contains(t, planning.Artifacts, "app.py")

		content, err := f.artifacts.Get("app.py")
		require.NoError(t, err)
		assert.Contains(t, content, "from flask import Flask")
		assert.Equal(t, model.AgentStatusIdle, f.s.Roster().Coordinator().Status)
	})

	t.Run("Stop Keeps Produced Files", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(nil, ""), nil)
		f.start(t)
		require.NoError(t, f.artifacts.Put("main.go", "package main"))

		_, err := f.s.StopProject()
		require.NoError(t, err)
		assert.Equal(t, []string{"main.go"}, f.artifacts.Names())
	})

	t.Run("Stop Without Project", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(nil, ""), nil)
		_, err := f.s.StopProject()
		assert.ErrorIs(t, err, ErrNoProject)
	})

	t.Run("Restart After Stop", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(nil, ""), nil)
		f.start(t)
		_, err := f.s.StopProject()
		require.NoError(t, err)

		f.start(t)
		assert.Equal(t, model.ProjectStatusRunning, f.state())
		assert.Equal(t, 1, f.s.Graph().Len())
		assert.Zero(t, f.artifacts.Len())
	})

	t.Run("Reset Clears Everything", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(map[string]string{"PROJECT PLANNING": twoTaskPlan}, backendReply), nil)
		f.start(t)
		f.step()
		f.step()
		require.NotZero(t, f.s.Graph().Len())

		require.NoError(t, f.s.Reset())

		status := f.s.Status()
		assert.Equal(t, model.ProjectStatusIdle, status.State)
		assert.False(t, status.Running)
		assert.Zero(t, status.Tasks.Total())
		assert.Zero(t, status.ArtifactCount)
		assert.Len(t, status.Agents, len(model.DefaultRoster()))
		assert.Nil(t, f.s.Project())
		assert.Empty(t, f.s.Messages())
		assert.Equal(t, 1, f.events.count(events.TypeProjectReset))
	})

	t.Run("Tick Is A No-op When Stopped", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(nil, ""), nil)
		f.step()
		assert.Zero(t, f.client.CallCount())
	})

	t.Run("Message Log Is Capped", func(t *testing.T) {
		f := newSchedulerFixture(t, testutil.Route(nil, ""), nil)
		for i := 0; i < maxMessages+50; i++ {
			f.s.appendMessage("tester", "", "", fmt.Sprintf("message %d", i))
		}

		messages := f.s.Messages()
		require.Len(t, messages, maxMessages)
		assert.Equal(t, "message 50", messages[0].Content)
		assert.Equal(t, fmt.Sprintf("message %d", maxMessages+49), messages[maxMessages-1].Content)
	})
}

func byID(tasks []*model.Task, id string) *model.Task {
	for _, t := range tasks {
		if t.ID == id {
			return t
		}
	}
	return &model.Task{}
}

func taskWithDescription(tasks []*model.Task, description string) *model.Task {
	for _, t := range tasks {
		if t.Description == description {
			return t
		}
	}
	return &model.Task{}
}

func TestTruncatePreview(t *testing.T) {
	assert.Equal(t, "plain", truncate("  plain  ", 10))
	assert.Equal(t, "日本...", truncate("日本語のテキスト", 2))
}
