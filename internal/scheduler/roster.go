package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/model"
)

// StuckAgent identifies an agent that has been Working past a threshold
type StuckAgent struct {
	AgentID string
	TaskID  string
	Since   time.Time
}

// AgentRoster owns the fixed team of agents and their status transitions.
type AgentRoster struct {
	logger *zap.Logger
	mu     sync.RWMutex
	agents map[string]*model.Agent
	specs  []model.AgentSpec
	now    func() time.Time
}

// NewAgentRoster creates a roster from the given specs. Exactly one
// coordinator is required.
func NewAgentRoster(specs []model.AgentSpec, logger *zap.Logger) (*AgentRoster, error) {
	r := &AgentRoster{
		logger: logger.Named("agent-roster"),
		specs:  append([]model.AgentSpec(nil), specs...),
		now:    time.Now,
	}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *AgentRoster) init() error {
	r.agents = make(map[string]*model.Agent)

	coordinators := 0
	for i, spec := range r.specs {
		if spec.Kind == model.AgentKindCoordinator {
			coordinators++
		}
		if _, err := r.register(spec, i); err != nil {
			return err
		}
	}
	if coordinators != 1 {
		return fmt.Errorf("%w: found %d coordinators", ErrNoCoordinator, coordinators)
	}
	return nil
}

func (r *AgentRoster) register(spec model.AgentSpec, order int) (*model.Agent, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if spec.Kind != model.AgentKindCoordinator && spec.Kind != model.AgentKindWorker {
		return nil, fmt.Errorf("agent %s has unknown kind %q", spec.Name, spec.Kind)
	}
	for _, existing := range r.agents {
		if strings.EqualFold(existing.Name, spec.Name) {
			return nil, fmt.Errorf("agent %s already registered", spec.Name)
		}
	}

	agent := &model.Agent{
		ID:           uuid.New().String(),
		Name:         spec.Name,
		Role:         spec.Role,
		Kind:         spec.Kind,
		Skills:       append([]string(nil), spec.Skills...),
		Status:       model.AgentStatusIdle,
		Active:       true,
		LastActivity: r.now(),
		Registered:   order,
	}
	r.agents[agent.ID] = agent

	r.logger.Debug("Agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.String("kind", string(agent.Kind)))

	return agent, nil
}

// Reset discards every agent and re-creates the fixed roster
func (r *AgentRoster) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.init(); err != nil {
		return err
	}
	r.logger.Info("Agent roster reset", zap.Int("agents", len(r.agents)))
	return nil
}

// Get returns a copy of an agent
func (r *AgentRoster) Get(agentID string) (*model.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return a.Clone(), nil
}

// List returns copies of all agents in registration order
func (r *AgentRoster) List() []*model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterLocked(func(*model.Agent) bool { return true })
}

// Coordinator returns a copy of the coordinator
func (r *AgentRoster) Coordinator() *model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.agents {
		if a.Kind == model.AgentKindCoordinator {
			return a.Clone()
		}
	}
	return nil
}

// Workers returns copies of every worker in registration order
func (r *AgentRoster) Workers() []*model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterLocked(func(a *model.Agent) bool { return a.Kind == model.AgentKindWorker })
}

// IdleAgents returns active Idle agents of the given kind in registration order
func (r *AgentRoster) IdleAgents(kind model.AgentKind) []*model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterLocked(func(a *model.Agent) bool {
		return a.Active && a.Kind == kind && a.Status == model.AgentStatusIdle
	})
}

// WorkingAgents returns copies of every Working agent
func (r *AgentRoster) WorkingAgents() []*model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterLocked(func(a *model.Agent) bool { return a.Status == model.AgentStatusWorking })
}

// MarkWorking moves an Idle agent to Working on the given task
func (r *AgentRoster) MarkWorking(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if !a.Active {
		return fmt.Errorf("%w: %s", ErrAgentInactive, a.Name)
	}
	if a.Status != model.AgentStatusIdle {
		return fmt.Errorf("%w: %s is %s", ErrAgentBusy, a.Name, a.Status)
	}

	now := r.now()
	a.Status = model.AgentStatusWorking
	a.CurrentTaskID = taskID
	a.LastActivity = now
	a.WorkingSince = now
	return nil
}

// Touch records activity for an agent still working on taskID. It moves
// the rescue window but not the hard timeout, which counts from
// WorkingSince.
func (r *AgentRoster) Touch(agentID, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok || a.Status != model.AgentStatusWorking || a.CurrentTaskID != taskID {
		return false
	}
	a.LastActivity = r.now()
	return true
}

// MarkIdle returns an agent to Idle and clears its current task
func (r *AgentRoster) MarkIdle(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	r.idleLocked(a)
	return nil
}

// ReleaseIfCurrent idles the agent only if it is still working on taskID
func (r *AgentRoster) ReleaseIfCurrent(agentID, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok || a.Status != model.AgentStatusWorking || a.CurrentTaskID != taskID {
		return false
	}
	r.idleLocked(a)
	return true
}

func (r *AgentRoster) idleLocked(a *model.Agent) {
	a.Status = model.AgentStatusIdle
	a.CurrentTaskID = ""
	a.LastActivity = r.now()
	a.WorkingSince = time.Time{}
}

// IsWorkingOn reports whether an active agent is Working on the given task
func (r *AgentRoster) IsWorkingOn(agentID, taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	return ok && a.Active && a.Status == model.AgentStatusWorking && a.CurrentTaskID == taskID
}

// IsActive reports whether the id names an active agent
func (r *AgentRoster) IsActive(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	return ok && a.Active
}

// SetActive toggles the soft-disable flag of an agent
func (r *AgentRoster) SetActive(agentID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	a.Active = active
	r.logger.Info("Agent activity changed",
		zap.String("agent_id", agentID),
		zap.Bool("active", active))
	return nil
}

// RecordCompletion bumps the completed counter of an agent
func (r *AgentRoster) RecordCompletion(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[agentID]; ok {
		a.TasksCompleted++
	}
}

// RecordFailure bumps the failed counter of an agent
func (r *AgentRoster) RecordFailure(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[agentID]; ok {
		a.TasksFailed++
	}
}

// Overdue lists Working agents with no activity for longer than threshold
// without changing them
func (r *AgentRoster) Overdue(threshold time.Duration) []StuckAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overdueLocked(threshold, func(a *model.Agent) time.Time { return a.LastActivity })
}

// ResetStuck forces every agent Working on the same task for longer than
// timeout back to Idle and returns what they were holding so the caller can
// re-queue it. Activity on the task does not extend the timeout.
func (r *AgentRoster) ResetStuck(timeout time.Duration) []StuckAgent {
	r.mu.Lock()
	defer r.mu.Unlock()

	stuck := r.overdueLocked(timeout, func(a *model.Agent) time.Time { return a.WorkingSince })
	for _, s := range stuck {
		a := r.agents[s.AgentID]
		r.idleLocked(a)
		r.logger.Warn("Agent reset after timeout",
			zap.String("agent_id", a.ID),
			zap.String("name", a.Name),
			zap.String("task_id", s.TaskID),
			zap.Time("working_since", s.Since))
	}
	return stuck
}

func (r *AgentRoster) overdueLocked(threshold time.Duration, since func(*model.Agent) time.Time) []StuckAgent {
	now := r.now()
	var stuck []StuckAgent
	for _, a := range r.agents {
		if a.Status != model.AgentStatusWorking {
			continue
		}
		if t := since(a); now.Sub(t) > threshold {
			stuck = append(stuck, StuckAgent{AgentID: a.ID, TaskID: a.CurrentTaskID, Since: t})
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].Since.Before(stuck[j].Since) })
	return stuck
}

// Summaries returns the status view of every agent
func (r *AgentRoster) Summaries() []model.AgentSummary {
	agents := r.List()
	summaries := make([]model.AgentSummary, 0, len(agents))
	for _, a := range agents {
		summaries = append(summaries, a.Summary())
	}
	return summaries
}

func (r *AgentRoster) filterLocked(keep func(*model.Agent) bool) []*model.Agent {
	var out []*model.Agent
	for _, a := range r.agents {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Registered < out[j].Registered })
	return out
}
