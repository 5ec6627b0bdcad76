// Package scheduler drives a project: it owns the task graph and the agent
// roster, routes work to agents, dispatches it to the generation capability
// and applies the interpreted results.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ethank2222/TriniTeam/internal/events"
	"github.com/ethank2222/TriniTeam/internal/generation"
	"github.com/ethank2222/TriniTeam/internal/interpreter"
	"github.com/ethank2222/TriniTeam/internal/model"
)

// Config tunes the scheduler loop
type Config struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	RescueWindow       time.Duration `mapstructure:"rescue_window"`
	HardTimeout        time.Duration `mapstructure:"hard_timeout"`
	FinalReviewCeiling time.Duration `mapstructure:"final_review_ceiling"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	MaxRetries         int           `mapstructure:"max_retries"`
	ReviewPerTask      bool          `mapstructure:"review_per_task"`
	// Balancing names the strategy that picks among idle workers
	Balancing string `mapstructure:"balancing"`

	Coordinator generation.Profile `mapstructure:"coordinator"`
	Worker      generation.Profile `mapstructure:"worker"`
	FinalReview generation.Profile `mapstructure:"final_review"`
}

// DefaultConfig returns the stock timings and generation profiles
func DefaultConfig() Config {
	return Config{
		TickInterval:       defaultTickInterval,
		RescueWindow:       defaultRescueWindow,
		HardTimeout:        defaultHardTimeout,
		FinalReviewCeiling: defaultFinalReviewCeiling,
		MaxConcurrent:      defaultMaxConcurrent,
		MaxRetries:         model.DefaultMaxRetries,
		ReviewPerTask:      true,
		Balancing:          StrategyLeastLoad,
		Coordinator:        generation.CoordinatorProfile,
		Worker:             generation.WorkerProfile,
		FinalReview:        generation.FinalReviewProfile,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.RescueWindow <= 0 {
		c.RescueWindow = d.RescueWindow
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = d.HardTimeout
	}
	if c.FinalReviewCeiling <= 0 {
		c.FinalReviewCeiling = d.FinalReviewCeiling
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Coordinator.MaxTokens <= 0 {
		c.Coordinator = d.Coordinator
	}
	if c.Worker.MaxTokens <= 0 {
		c.Worker = d.Worker
	}
	if c.FinalReview.MaxTokens <= 0 {
		c.FinalReview = d.FinalReview
	}
}

// ArtifactWriter is where extracted files end up
type ArtifactWriter interface {
	Put(name, content string) error
	Names() []string
	Len() int
	Reset()
}

// Scheduler is the control loop of one session. At most one project runs
// at a time; StartProject after StopProject begins a fresh one.
type Scheduler struct {
	logger      *zap.Logger
	cfg         Config
	graph       *TaskGraph
	roster      *AgentRoster
	policy      *AssignmentPolicy
	interpreter *interpreter.Interpreter
	client      generation.Client
	artifacts   ArtifactWriter
	events      events.Publisher

	mu            sync.RWMutex
	project       *model.Project
	running       bool
	finalReviewAt time.Time
	messages      []model.Message
	inFlight      map[string]int       // task/agent key -> running dispatches
	warned        map[string]time.Time // agent/task key -> first soft-timeout warning
	stop          chan struct{}
	loopDone      chan struct{}
	cancel        context.CancelFunc

	dispatches sync.WaitGroup
	now        func() time.Time
}

// New creates a scheduler over the given stores. A nil publisher discards
// events.
func New(cfg Config, graph *TaskGraph, roster *AgentRoster, client generation.Client, artifacts ArtifactWriter, publisher events.Publisher, logger *zap.Logger) *Scheduler {
	cfg.applyDefaults()
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Scheduler{
		logger:      logger.Named("scheduler"),
		cfg:         cfg,
		graph:       graph,
		roster:      roster,
		policy:      NewAssignmentPolicy(graph, roster, StrategyByName(cfg.Balancing), cfg.RescueWindow, logger),
		interpreter: interpreter.New(logger),
		client:      client,
		artifacts:   artifacts,
		events:      publisher,
		inFlight:    make(map[string]int),
		warned:      make(map[string]time.Time),
		now:         time.Now,
	}
}

// Graph returns the task graph the scheduler drives
func (s *Scheduler) Graph() *TaskGraph { return s.graph }

// Roster returns the agent roster the scheduler drives
func (s *Scheduler) Roster() *AgentRoster { return s.roster }

// Config returns the effective configuration
func (s *Scheduler) Config() Config { return s.cfg }

// StartProject resets the graph and roster, seeds the planning task for the
// coordinator and starts the loop. The loop outlives ctx cancellation of the
// caller; it ends on StopProject or Reset.
func (s *Scheduler) StartProject(ctx context.Context, description string) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, ErrProjectRunning
	}

	// Dispatches left over from a stopped project cannot apply to the new graph
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	s.graph.Reset()
	if err := s.roster.Reset(); err != nil {
		return nil, fmt.Errorf("failed to reset roster: %w", err)
	}
	s.artifacts.Reset()
	s.messages = nil
	s.inFlight = make(map[string]int)
	s.warned = make(map[string]time.Time)
	s.finalReviewAt = time.Time{}

	project := &model.Project{
		ID:          uuid.New().String(),
		Description: description,
		Status:      model.ProjectStatusRunning,
		CreatedAt:   s.now(),
	}

	coordinator := s.roster.Coordinator()
	planning := &model.Task{
		Description: planningDescription(description, s.roster.Workers()),
		Kind:        model.TaskKindPlan,
		AgentID:     coordinator.ID,
		Priority:    planningPriority,
		MaxRetries:  s.cfg.MaxRetries,
	}
	if err := s.graph.AddTask(planning); err != nil {
		return nil, fmt.Errorf("failed to add planning task: %w", err)
	}

	s.project = project
	s.running = true
	s.appendMessageLocked("system", "", "", "Project started: "+truncate(description, summaryPreview))

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.run(loopCtx, s.stop, s.loopDone)

	s.logger.Info("Project started",
		zap.String("project_id", project.ID),
		zap.String("planning_task_id", planning.ID))

	started := s.projectEvent(events.TypeProjectStarted, project)
	started.Message = description
	s.events.Publish(events.TopicProject, started)
	s.events.Publish(events.TopicTask, s.taskEvent(events.TypeTaskCreated, planning, project.ID))

	p := *project
	return &p, nil
}

// StopProject ends the loop and marks the project Completed. In-flight
// dispatches keep running and their results are still applied. A project
// that produced no files gets the default artifact set.
func (s *Scheduler) StopProject() (*model.Project, error) {
	s.mu.Lock()
	if s.project == nil {
		s.mu.Unlock()
		return nil, ErrNoProject
	}
	wasRunning := s.running
	done := s.haltLocked()
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	if !wasRunning {
		return s.Project(), nil
	}

	if s.artifacts.Len() == 0 {
		project := s.Project()
		s.logger.Info("No artifacts produced, writing default project files",
			zap.String("project_id", project.ID))
		s.writeArtifacts(DefaultArtifacts(project.Description), "system", "")
	}

	s.mu.Lock()
	now := s.now()
	s.project.Status = model.ProjectStatusCompleted
	s.project.StoppedAt = &now
	s.appendMessageLocked("system", "", "", "Project stopped")
	project := *s.project
	s.mu.Unlock()

	s.logger.Info("Project stopped",
		zap.String("project_id", project.ID),
		zap.Int("artifacts", s.artifacts.Len()))
	s.events.Publish(events.TopicProject, s.projectEvent(events.TypeProjectCompleted, &project))

	return &project, nil
}

// Reset stops the loop, cancels in-flight dispatches and clears every store.
// The roster is reinitialised to its fixed team.
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	done := s.haltLocked()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	if cancel != nil {
		cancel()
	}
	s.dispatches.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.graph.Reset()
	s.artifacts.Reset()
	if err := s.roster.Reset(); err != nil {
		return fmt.Errorf("failed to reset roster: %w", err)
	}
	s.project = nil
	s.messages = nil
	s.inFlight = make(map[string]int)
	s.warned = make(map[string]time.Time)
	s.finalReviewAt = time.Time{}

	s.logger.Info("Scheduler reset")
	s.events.Publish(events.TopicProject, events.New(events.TopicProject, events.TypeProjectReset))
	return nil
}

// haltLocked clears the running flag and signals the loop. It returns the
// loop's done channel, or nil if no loop was running.
func (s *Scheduler) haltLocked() chan struct{} {
	if !s.running {
		return nil
	}
	s.running = false
	close(s.stop)
	return s.loopDone
}

// Wait blocks until every dispatch started so far has been applied
func (s *Scheduler) Wait() {
	s.dispatches.Wait()
}

// Running reports whether the loop is active
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Project returns a copy of the current project, or nil
func (s *Scheduler) Project() *model.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return nil
	}
	p := *s.project
	return &p
}

// Status reports the project state, task counts and agent summaries
func (s *Scheduler) Status() model.ProjectStatusReport {
	s.mu.RLock()
	report := model.ProjectStatusReport{
		State:   model.ProjectStatusIdle,
		Running: s.running,
	}
	if s.project != nil {
		report.ProjectID = s.project.ID
		report.Description = s.project.Description
		report.State = s.project.Status
	}
	s.mu.RUnlock()

	report.Tasks = s.graph.Counts()
	report.Agents = s.roster.Summaries()
	report.ArtifactCount = s.artifacts.Len()
	return report
}

// Messages returns the message log, oldest first
func (s *Scheduler) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Message(nil), s.messages...)
}

func (s *Scheduler) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass of the loop: assignment, dispatch of ready work,
// timeout handling and the drain check. Dispatches run in the background;
// Wait blocks until they are applied.
func (s *Scheduler) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic in scheduler tick",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	if !s.Running() {
		return
	}

	s.policy.Assign()

	batch := s.graph.ReadyTasks(s.roster.IsWorkingOn)
	s.releaseUnpromoted()
	batch = append(batch, s.continuations(batch)...)

	if s.Running() {
		s.dispatch(ctx, batch)
	}

	s.checkTimeouts()
	s.checkDrained()
	s.checkFinalReviewCeiling()
}

// releaseUnpromoted frees agents holding a reservation ReadyTasks did not
// turn into running work
func (s *Scheduler) releaseUnpromoted() {
	for _, a := range s.roster.WorkingAgents() {
		t, err := s.graph.Get(a.CurrentTaskID)
		if err == nil && t.Status == model.TaskStatusInProgress && t.AgentID == a.ID {
			continue
		}
		if s.roster.ReleaseIfCurrent(a.ID, a.CurrentTaskID) {
			s.logger.Debug("Released unused reservation",
				zap.String("agent_id", a.ID),
				zap.String("task_id", a.CurrentTaskID))
		}
	}
}

// continuations returns running tasks whose last response was not a
// completion and that have no dispatch in flight
func (s *Scheduler) continuations(promoted []*model.Task) []*model.Task {
	fresh := make(map[string]bool, len(promoted))
	for _, t := range promoted {
		fresh[t.ID] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Task
	for _, t := range s.graph.InProgress() {
		if fresh[t.ID] || s.inFlight[dispatchKey(t.ID, t.AgentID)] > 0 {
			continue
		}
		if s.roster.IsWorkingOn(t.AgentID, t.ID) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Scheduler) dispatch(ctx context.Context, batch []*model.Task) {
	if len(batch) == 0 {
		return
	}

	s.mu.Lock()
	for _, t := range batch {
		s.inFlight[dispatchKey(t.ID, t.AgentID)]++
	}
	s.mu.Unlock()

	s.dispatches.Add(1)
	go func() {
		defer s.dispatches.Done()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.MaxConcurrent)
		for _, t := range batch {
			t := t
			g.Go(func() error {
				s.runTask(gctx, t)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (s *Scheduler) runTask(ctx context.Context, t *model.Task) {
	defer s.finishDispatch(t)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic in dispatch",
				zap.String("task_id", t.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	agent, err := s.roster.Get(t.AgentID)
	if err != nil {
		s.logger.Warn("Dispatched task has no agent",
			zap.String("task_id", t.ID),
			zap.String("agent_id", t.AgentID))
		return
	}

	systemPrompt, err := SystemPrompt(agent, s.roster.Workers())
	if err != nil {
		s.handleFailure(t, agent, err)
		return
	}
	userPrompt, err := UserPrompt(s.taskContext(t, agent))
	if err != nil {
		s.handleFailure(t, agent, err)
		return
	}

	s.events.Publish(events.TopicTask, s.taskEvent(events.TypeTaskStarted, t, s.projectID()))

	profile := s.profileFor(agent, t)
	start := s.now()
	text, err := s.client.Generate(ctx, systemPrompt, userPrompt, profile.MaxTokens, profile.Temperature)
	if err == nil && generation.IsErrorText(text) {
		err = fmt.Errorf("%w: %s", generation.ErrGeneration, truncate(text, summaryPreview))
	}

	call := events.New(events.TopicGeneration, events.TypeGenerationCall)
	call.ProjectID = s.projectID()
	call.TaskID = t.ID
	call.AgentID = agent.ID
	call.Data = map[string]interface{}{
		"agent_kind":  string(agent.Kind),
		"duration_ms": s.now().Sub(start).Milliseconds(),
		"success":     err == nil,
	}
	s.events.Publish(events.TopicGeneration, call)

	if err != nil {
		s.logger.Warn("Generation failed",
			zap.String("task_id", t.ID),
			zap.String("agent", agent.Name),
			zap.Error(err))
		genErr := events.New(events.TopicGeneration, events.TypeGenerationError)
		genErr.ProjectID = call.ProjectID
		genErr.TaskID = t.ID
		genErr.AgentID = agent.ID
		genErr.Message = err.Error()
		s.events.Publish(events.TopicGeneration, genErr)

		s.handleFailure(t, agent, err)
		return
	}

	s.handleResponse(t, agent, text)
}

func (s *Scheduler) finishDispatch(t *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dispatchKey(t.ID, t.AgentID)
	if s.inFlight[key] <= 1 {
		delete(s.inFlight, key)
		return
	}
	s.inFlight[key]--
}

func (s *Scheduler) handleFailure(t *model.Task, agent *model.Agent, cause error) {
	permanent, err := s.graph.FailTaskFor(t.ID, agent.ID, cause)
	if err != nil {
		s.logger.Info("Discarding stale failure",
			zap.String("task_id", t.ID),
			zap.String("agent_id", agent.ID),
			zap.Error(err))
		return
	}
	s.roster.ReleaseIfCurrent(agent.ID, t.ID)
	s.roster.RecordFailure(agent.ID)

	eventType := events.TypeTaskRetried
	if permanent {
		eventType = events.TypeTaskFailed
	}
	event := s.taskEvent(eventType, t, s.projectID())
	event.Data["error"] = cause.Error()
	event.Message = cause.Error()
	s.events.Publish(events.TopicTask, event)

	s.appendMessage(agent.Name, "", t.ID, "Task failed: "+cause.Error())
}

func (s *Scheduler) handleResponse(t *model.Task, agent *model.Agent, text string) {
	res := s.interpreter.Interpret(text, interpreter.Input{
		AgentKind: agent.Kind,
		TaskKind:  t.Kind,
		Agents:    s.roster.List(),
	})

	if !res.Completed {
		if !s.graph.RecordOutput(t.ID, agent.ID, text) {
			s.logger.Info("Discarding stale response", zap.String("task_id", t.ID))
			return
		}
		if s.roster.Touch(agent.ID, t.ID) {
			s.mu.Lock()
			delete(s.warned, dispatchKey(t.ID, agent.ID))
			s.mu.Unlock()
		}
		s.appendMessage(agent.Name, "", t.ID, text)
		s.writeArtifacts(res.Artifacts, agent.Name, t.ID)
		s.logger.Info("Response not marked complete, task will continue",
			zap.String("task_id", t.ID),
			zap.String("agent", agent.Name))
		return
	}

	artifacts := res.Artifacts
	if agent.Kind == model.AgentKindWorker && len(artifacts) == 0 {
		artifacts = s.missingStarterArtifacts(t.Description)
	}
	names := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		names = append(names, a.Name)
	}

	if !s.graph.CompleteTaskFor(t.ID, agent.ID, text, names) {
		s.logger.Info("Discarding stale completion",
			zap.String("task_id", t.ID),
			zap.String("agent_id", agent.ID))
		return
	}
	s.roster.ReleaseIfCurrent(agent.ID, t.ID)
	s.roster.RecordCompletion(agent.ID)

	s.appendMessage(agent.Name, "", t.ID, text)
	s.writeArtifacts(artifacts, agent.Name, t.ID)

	completed := s.taskEvent(events.TypeTaskCompleted, t, s.projectID())
	completed.Data["output"] = truncate(text, previousPreview)
	completed.Data["signal"] = string(res.Signal)
	s.events.Publish(events.TopicTask, completed)

	if len(res.NewTasks) > 0 {
		s.spawnTasks(t, res.NewTasks)
	}
	if res.FollowUpRequested {
		s.addFollowUp(t, agent, text)
	}
	if t.Kind == model.TaskKindFinalReview && res.ProjectComplete {
		s.markReviewed(false)
	}
}

// missingStarterArtifacts returns the starter files for a description,
// leaving out names that already exist
func (s *Scheduler) missingStarterArtifacts(description string) []model.Artifact {
	existing := make(map[string]bool)
	for _, name := range s.artifacts.Names() {
		existing[name] = true
	}
	var out []model.Artifact
	for _, a := range StarterArtifacts(description) {
		if !existing[a.Name] {
			out = append(out, a)
		}
	}
	return out
}

func (s *Scheduler) writeArtifacts(artifacts []model.Artifact, author, taskID string) []string {
	projectID := s.projectID()
	written := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if err := s.artifacts.Put(a.Name, a.Content); err != nil {
			s.logger.Warn("Failed to write artifact",
				zap.String("name", a.Name),
				zap.Error(err))
			continue
		}
		written = append(written, a.Name)

		event := events.New(events.TopicArtifact, events.TypeArtifactWritten)
		event.ProjectID = projectID
		event.TaskID = taskID
		event.Message = a.Name
		event.Data = map[string]interface{}{
			"name":   a.Name,
			"size":   len(a.Content),
			"author": author,
		}
		s.events.Publish(events.TopicArtifact, event)
	}
	return written
}

// spawnTasks registers the tasks a coordinator response asked for.
// Dependencies may name another entry of the same list by its position
// ("2", "task 2") or its description; anything else is kept verbatim.
func (s *Scheduler) spawnTasks(parent *model.Task, specs []model.TaskSpec) {
	ids := make([]string, len(specs))
	refs := make(map[string]string, 3*len(specs))
	for i, spec := range specs {
		ids[i] = uuid.New().String()
		n := strconv.Itoa(i + 1)
		refs[n] = ids[i]
		refs["task "+n] = ids[i]
		refs[strings.ToLower(spec.Description)] = ids[i]
	}

	coordinator := s.roster.Coordinator()
	projectID := s.projectID()
	added := 0
	for i, spec := range specs {
		deps := make([]string, 0, len(spec.Dependencies))
		for _, d := range spec.Dependencies {
			if id, ok := refs[strings.ToLower(strings.TrimSpace(d))]; ok && id != ids[i] {
				deps = append(deps, id)
				continue
			}
			deps = append(deps, d)
		}

		task := &model.Task{
			ID:            ids[i],
			Description:   spec.Description,
			Kind:          model.TaskKindWork,
			AgentID:       spec.AgentID,
			Priority:      spec.Priority,
			Dependencies:  deps,
			FilesExpected: spec.FilesExpected,
			ParentID:      parent.ID,
			MaxRetries:    s.cfg.MaxRetries,
		}
		if err := s.graph.AddTask(task); err != nil {
			s.logger.Warn("Discarding spawned task",
				zap.String("parent_id", parent.ID),
				zap.String("agent", spec.Agent),
				zap.Error(err))
			continue
		}
		added++
		s.events.Publish(events.TopicTask, s.taskEvent(events.TypeTaskCreated, task, projectID))

		if !s.cfg.ReviewPerTask || coordinator == nil || task.AgentID == coordinator.ID {
			continue
		}
		workerName := spec.Agent
		if a, err := s.roster.Get(task.AgentID); err == nil {
			workerName = a.Name
		}
		review := &model.Task{
			Description:  reviewDescription(workerName, task.Description),
			Kind:         model.TaskKindReview,
			AgentID:      coordinator.ID,
			Priority:     task.Priority,
			Dependencies: []string{task.ID},
			ParentID:     task.ID,
			MaxRetries:   s.cfg.MaxRetries,
		}
		if err := s.graph.AddTask(review); err != nil {
			s.logger.Warn("Failed to add review task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		s.events.Publish(events.TopicTask, s.taskEvent(events.TypeTaskCreated, review, projectID))
	}

	s.logger.Info("Tasks created from response",
		zap.String("parent_id", parent.ID),
		zap.Int("requested", len(specs)),
		zap.Int("added", added))
}

func (s *Scheduler) addFollowUp(parent *model.Task, worker *model.Agent, text string) {
	coordinator := s.roster.Coordinator()
	if coordinator == nil {
		return
	}
	task := &model.Task{
		Description: followUpDescription(worker.Name, text),
		Kind:        model.TaskKindFollowUp,
		AgentID:     coordinator.ID,
		Priority:    followUpPriority,
		ParentID:    parent.ID,
		MaxRetries:  s.cfg.MaxRetries,
	}
	if err := s.graph.AddTask(task); err != nil {
		s.logger.Warn("Failed to add follow-up task", zap.Error(err))
		return
	}
	s.logger.Info("Follow-up task created",
		zap.String("task_id", task.ID),
		zap.String("worker", worker.Name))
	s.events.Publish(events.TopicTask, s.taskEvent(events.TypeTaskCreated, task, s.projectID()))
}

// checkTimeouts applies both timeout tiers. Agents past the rescue window
// are reported once and left alone; the assignment passes may route their
// queued work elsewhere. Agents past the hard timeout are freed and their
// task is failed back to Pending without an agent.
func (s *Scheduler) checkTimeouts() {
	for _, st := range s.roster.Overdue(s.cfg.RescueWindow) {
		key := dispatchKey(st.TaskID, st.AgentID)
		s.mu.Lock()
		_, seen := s.warned[key]
		if !seen {
			s.warned[key] = s.now()
		}
		s.mu.Unlock()
		if seen {
			continue
		}

		s.logger.Warn("Agent exceeded rescue window",
			zap.String("agent_id", st.AgentID),
			zap.String("task_id", st.TaskID),
			zap.Duration("working_for", s.now().Sub(st.Since)))
		event := events.New(events.TopicAgent, events.TypeAgentStuck)
		event.ProjectID = s.projectID()
		event.AgentID = st.AgentID
		event.TaskID = st.TaskID
		event.Data = map[string]interface{}{"since": st.Since}
		s.events.Publish(events.TopicAgent, event)
	}

	for _, st := range s.roster.ResetStuck(s.cfg.HardTimeout) {
		s.mu.Lock()
		delete(s.warned, dispatchKey(st.TaskID, st.AgentID))
		s.mu.Unlock()

		permanent, err := s.graph.FailAndRelease(st.TaskID, st.AgentID, ErrHardTimeout)
		if err != nil {
			s.logger.Debug("Timed out agent held no running task",
				zap.String("agent_id", st.AgentID),
				zap.String("task_id", st.TaskID),
				zap.Error(err))
			continue
		}
		s.roster.RecordFailure(st.AgentID)

		t, _ := s.graph.Get(st.TaskID)
		if t == nil {
			continue
		}
		event := s.taskEvent(events.TypeTaskTimedOut, t, s.projectID())
		event.AgentID = st.AgentID
		event.Message = ErrHardTimeout.Error()
		event.Data["permanent"] = permanent
		s.events.Publish(events.TopicTask, event)
	}
}

// checkDrained creates the final review the first time nothing is left to do
func (s *Scheduler) checkDrained() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.project == nil || s.project.FinalReviewTaskID != "" {
		return
	}
	if s.graph.Len() == 0 || !s.graph.Drained() || len(s.roster.WorkingAgents()) > 0 {
		return
	}
	coordinator := s.roster.Coordinator()
	if coordinator == nil {
		return
	}

	var work []completedWork
	for _, t := range s.graph.List() {
		if t.Status != model.TaskStatusCompleted {
			continue
		}
		name := "Unknown"
		if a, err := s.roster.Get(t.AgentID); err == nil {
			name = a.Name
		}
		work = append(work, completedWork{AgentName: name, Description: t.Description})
	}

	review := &model.Task{
		Description: finalReviewDescription(s.project.Description, work, s.artifacts.Names()),
		Kind:        model.TaskKindFinalReview,
		AgentID:     coordinator.ID,
		Priority:    model.MaxPriority,
		MaxRetries:  s.cfg.MaxRetries,
	}
	if err := s.graph.AddTask(review); err != nil {
		s.logger.Error("Failed to add final review task", zap.Error(err))
		return
	}
	s.project.FinalReviewTaskID = review.ID
	s.finalReviewAt = s.now()

	s.logger.Info("All tasks finished, final review created",
		zap.String("project_id", s.project.ID),
		zap.String("task_id", review.ID),
		zap.Int("completed_tasks", len(work)))
	s.events.Publish(events.TopicTask, s.taskEvent(events.TypeTaskCreated, review, s.project.ID))
}

// checkFinalReviewCeiling forces the project to Reviewed when the final
// review has run for too long
func (s *Scheduler) checkFinalReviewCeiling() {
	s.mu.RLock()
	overdue := s.project != nil &&
		s.project.Status == model.ProjectStatusRunning &&
		s.project.FinalReviewTaskID != "" &&
		s.now().Sub(s.finalReviewAt) > s.cfg.FinalReviewCeiling
	var reviewID string
	if overdue {
		reviewID = s.project.FinalReviewTaskID
	}
	s.mu.RUnlock()
	if !overdue {
		return
	}

	if t, err := s.graph.Get(reviewID); err == nil && t.Status == model.TaskStatusInProgress {
		if s.graph.CompleteTaskFor(t.ID, t.AgentID, hardTimeoutOutput, nil) {
			s.roster.ReleaseIfCurrent(t.AgentID, t.ID)
		}
	}
	s.logger.Warn("Final review exceeded ceiling, forcing review",
		zap.String("task_id", reviewID),
		zap.Duration("ceiling", s.cfg.FinalReviewCeiling))
	s.markReviewed(true)
}

func (s *Scheduler) markReviewed(forced bool) {
	s.mu.Lock()
	if s.project == nil || s.project.Status != model.ProjectStatusRunning {
		s.mu.Unlock()
		return
	}
	now := s.now()
	s.project.Status = model.ProjectStatusReviewed
	s.project.ReviewedAt = &now
	s.appendMessageLocked("system", "", s.project.FinalReviewTaskID, "Project reviewed")
	project := *s.project
	s.mu.Unlock()

	s.logger.Info("Project reviewed",
		zap.String("project_id", project.ID),
		zap.Bool("forced", forced))
	event := s.projectEvent(events.TypeProjectReviewed, &project)
	event.Data = map[string]interface{}{"forced": forced}
	s.events.Publish(events.TopicProject, event)
}

func (s *Scheduler) taskContext(t *model.Task, agent *model.Agent) TaskContext {
	tc := TaskContext{
		Task:   t,
		Agent:  agent,
		Counts: s.graph.Counts(),
		Files:  s.artifacts.Names(),
	}
	if agent.Kind == model.AgentKindCoordinator {
		tc.Team = s.roster.Workers()
	}
	if t.Output != "" {
		tc.Previous = truncate(t.Output, previousPreview)
	}

	s.mu.RLock()
	if s.project != nil {
		tc.Project = s.project.Description
	}
	from := len(s.messages) - recentMessages
	if from < 0 {
		from = 0
	}
	for _, m := range s.messages[from:] {
		tc.Messages = append(tc.Messages, truncate(m.Content, messagePreview))
	}
	s.mu.RUnlock()

	return tc
}

func (s *Scheduler) profileFor(agent *model.Agent, t *model.Task) generation.Profile {
	switch {
	case t.Kind == model.TaskKindFinalReview:
		return s.cfg.FinalReview
	case agent.Kind == model.AgentKindCoordinator:
		return s.cfg.Coordinator
	default:
		return s.cfg.Worker
	}
}

func (s *Scheduler) appendMessage(from, to, taskID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendMessageLocked(from, to, taskID, content)
}

func (s *Scheduler) appendMessageLocked(from, to, taskID, content string) {
	msg := model.Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		TaskID:    taskID,
		Content:   content,
		Timestamp: s.now(),
	}
	s.messages = append(s.messages, msg)
	if over := len(s.messages) - maxMessages; over > 0 {
		s.messages = append([]model.Message(nil), s.messages[over:]...)
	}

	event := events.New(events.TopicMessage, events.TypeMessage)
	event.TaskID = taskID
	event.Message = truncate(content, previousPreview)
	event.Data = map[string]interface{}{"from": from}
	if s.project != nil {
		event.ProjectID = s.project.ID
	}
	s.events.Publish(events.TopicMessage, event)
}

func (s *Scheduler) projectID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return ""
	}
	return s.project.ID
}

func (s *Scheduler) taskEvent(eventType string, t *model.Task, projectID string) events.Event {
	event := events.New(events.TopicTask, eventType)
	event.ProjectID = projectID
	event.TaskID = t.ID
	event.AgentID = t.AgentID
	event.Data = map[string]interface{}{
		"kind":        string(t.Kind),
		"description": t.Description,
		"priority":    t.Priority,
		"retry_count": t.RetryCount,
	}
	return event
}

func (s *Scheduler) projectEvent(eventType string, p *model.Project) events.Event {
	event := events.New(events.TopicProject, eventType)
	event.ProjectID = p.ID
	event.Data = map[string]interface{}{"status": string(p.Status)}
	return event
}

func dispatchKey(taskID, agentID string) string {
	return taskID + "/" + agentID
}

