package scheduler

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/model"
)

// Keywords routing a task description to the coordinator. Checked before
// workerKeywords.
var coordinatorKeywords = []string{
	"PLANNING", "REVIEW", "FOLLOW-UP", "ARCHITECTURE", "DESIGN",
	"PROJECT PLAN", "TASK BREAKDOWN", "ASSIGNMENT", "COORDINATION",
	"MANAGEMENT", "LEADERSHIP", "STRATEGY", "ANALYSIS", "EVALUATION",
	"ASSESSMENT", "APPROVAL", "VALIDATION", "VERIFICATION", "CHECK",
	"INSPECTION", "AUDIT", "COMPLIANCE", "STANDARDS", "QUALITY",
	"TESTING PLAN", "DEPLOYMENT PLAN", "INTEGRATION PLAN",
	"DOCUMENTATION PLAN", "SECURITY REVIEW", "PERFORMANCE REVIEW",
}

var workerKeywords = []string{
	"IMPLEMENT", "CODE", "DEVELOP", "BUILD", "CREATE", "WRITE",
	"PROGRAM", "SCRIPT", "CONFIGURE", "SETUP", "INSTALL", "DEPLOY",
	"TEST", "DEBUG", "FIX", "OPTIMIZE", "REFACTOR", "UPDATE",
	"MAINTAIN", "SUPPORT", "MONITOR", "BACKUP", "RESTORE",
	"FRONTEND", "BACKEND", "API", "DATABASE", "UI", "UX",
	"COMPONENT", "MODULE", "SERVICE", "FUNCTION", "CLASS",
	"FILE", "DIRECTORY", "STRUCTURE", "TEMPLATE", "STYLE",
	"DOCKER", "CONTAINER", "PIPELINE", "CI/CD", "INFRASTRUCTURE",
}

// Classify decides which kind of agent should run a task that has no usable
// agent. Coordinator task kinds always go to the coordinator; work is routed
// by keywords, then by description length.
func Classify(task *model.Task) model.AgentKind {
	switch task.Kind {
	case model.TaskKindPlan, model.TaskKindReview, model.TaskKindFollowUp, model.TaskKindFinalReview:
		return model.AgentKindCoordinator
	}

	upper := strings.ToUpper(task.Description)
	for _, kw := range coordinatorKeywords {
		if strings.Contains(upper, kw) {
			return model.AgentKindCoordinator
		}
	}
	for _, kw := range workerKeywords {
		if strings.Contains(upper, kw) {
			return model.AgentKindWorker
		}
	}
	if len(task.Description) < coordinatorLengthThreshold {
		return model.AgentKindWorker
	}
	return model.AgentKindCoordinator
}

// AssignmentReport counts what one Assign call did
type AssignmentReport struct {
	Direct    int
	Scavenged int
	Forced    int
	Pruned    int
}

// Total returns the number of reservations made
func (r AssignmentReport) Total() int {
	return r.Direct + r.Scavenged + r.Forced
}

// AssignmentPolicy saturates idle agents with pending work. It only
// reserves agents (Idle -> Working on a task id); the TaskGraph promotes
// the reserved tasks to InProgress in ReadyTasks.
type AssignmentPolicy struct {
	graph        *TaskGraph
	roster       *AgentRoster
	strategy     BalancingStrategy
	rescueWindow time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewAssignmentPolicy creates a policy over the given stores. A nil
// strategy defaults to LeastLoadStrategy.
func NewAssignmentPolicy(graph *TaskGraph, roster *AgentRoster, strategy BalancingStrategy, rescueWindow time.Duration, logger *zap.Logger) *AssignmentPolicy {
	if strategy == nil {
		strategy = LeastLoadStrategy{}
	}
	if rescueWindow <= 0 {
		rescueWindow = defaultRescueWindow
	}
	return &AssignmentPolicy{
		graph:        graph,
		roster:       roster,
		strategy:     strategy,
		rescueWindow: rescueWindow,
		logger:       logger.Named("assignment"),
		now:          time.Now,
	}
}

// Assign runs the direct, scavenging and force passes in that order
func (p *AssignmentPolicy) Assign() AssignmentReport {
	var report AssignmentReport
	report.Direct = p.assignDirect()
	report.Scavenged = p.scavenge()
	report.Forced, report.Pruned = p.forceAssign()

	if report.Total() > 0 {
		p.logger.Debug("Assignment passes finished",
			zap.Int("direct", report.Direct),
			zap.Int("scavenged", report.Scavenged),
			zap.Int("forced", report.Forced),
			zap.Int("pruned", report.Pruned))
	}
	return report
}

// assignDirect reserves the declared agent of every dispatchable task
// whose agent is idle.
func (p *AssignmentPolicy) assignDirect() int {
	assigned := 0
	for _, t := range p.graph.Pending() {
		if t.AgentID == "" || p.roster.IsWorkingOn(t.AgentID, t.ID) {
			continue
		}
		if !p.graph.Dispatchable(t.ID) {
			continue
		}
		if err := p.roster.MarkWorking(t.AgentID, t.ID); err != nil {
			continue
		}
		assigned++
	}
	return assigned
}

// scavenge re-routes dispatchable tasks whose agent is missing, inactive,
// or has been busy elsewhere for longer than the rescue window.
func (p *AssignmentPolicy) scavenge() int {
	assigned := 0
	now := p.now()
	for _, t := range p.graph.Pending() {
		if t.AgentID != "" && p.roster.IsWorkingOn(t.AgentID, t.ID) {
			continue
		}
		reason := p.scavengeReason(t, now)
		if reason == "" || !p.graph.Dispatchable(t.ID) {
			continue
		}

		kind := Classify(t)
		agent, err := p.strategy.SelectAgent(p.roster.IdleAgents(kind), t)
		if err != nil {
			continue
		}
		if !p.reserve(t.ID, agent.ID) {
			continue
		}

		p.logger.Info("Task scavenged",
			zap.String("task_id", t.ID),
			zap.String("agent_id", agent.ID),
			zap.String("agent", agent.Name),
			zap.String("kind", string(kind)),
			zap.String("reason", reason))
		assigned++
	}
	return assigned
}

func (p *AssignmentPolicy) scavengeReason(t *model.Task, now time.Time) string {
	if t.AgentID == "" {
		return "unassigned"
	}
	agent, err := p.roster.Get(t.AgentID)
	if err != nil {
		return "dangling agent"
	}
	if !agent.Active {
		return "inactive agent"
	}
	if agent.Status != model.AgentStatusIdle && now.Sub(t.QueuedAt) > p.rescueWindow {
		return "starved"
	}
	return ""
}

// forceAssign hands remaining pending work to idle workers even when
// dependencies are not met. Dead dependencies (unknown or failed ids) are
// pruned; live ones only when nothing else is running.
func (p *AssignmentPolicy) forceAssign() (forced, pruned int) {
	if len(p.roster.IdleAgents(model.AgentKindWorker)) == 0 {
		return 0, 0
	}
	stalled := len(p.graph.InProgress()) == 0 && len(p.roster.WorkingAgents()) == 0

	now := p.now()
	for _, t := range p.graph.Pending() {
		if now.Before(t.NotBefore) {
			continue
		}
		if t.AgentID != "" && p.roster.IsWorkingOn(t.AgentID, t.ID) {
			continue
		}
		unsatisfied, dead := p.graph.UnsatisfiedDependencies(t.ID)
		allDead := len(unsatisfied) > 0 && len(dead) == len(unsatisfied)

		if t.AgentID != "" && p.roster.IsActive(t.AgentID) {
			// Declared agent is fine; only unblock it if it waits on dead ids
			if !allDead {
				continue
			}
			if err := p.graph.PruneDependencies(t.ID, dead, "dependencies can never complete"); err != nil {
				continue
			}
			pruned += len(dead)
			if p.roster.MarkWorking(t.AgentID, t.ID) == nil {
				forced++
			}
			continue
		}

		if len(unsatisfied) > 0 && !allDead && !stalled {
			continue
		}
		agent, err := p.strategy.SelectAgent(p.roster.IdleAgents(model.AgentKindWorker), t)
		if err != nil {
			break
		}
		if len(unsatisfied) > 0 {
			reason := "dependencies can never complete"
			if !allDead {
				reason = "no work in progress"
			}
			if err := p.graph.PruneDependencies(t.ID, unsatisfied, reason); err != nil {
				continue
			}
			pruned += len(unsatisfied)
		}
		if !p.reserve(t.ID, agent.ID) {
			continue
		}

		p.logger.Warn("Task force-assigned",
			zap.String("task_id", t.ID),
			zap.String("agent_id", agent.ID),
			zap.String("agent", agent.Name),
			zap.Int("pruned_dependencies", len(unsatisfied)))
		forced++
	}
	return forced, pruned
}

// reserve points the task at the agent and marks the agent Working on it
func (p *AssignmentPolicy) reserve(taskID, agentID string) bool {
	if err := p.roster.MarkWorking(agentID, taskID); err != nil {
		return false
	}
	if err := p.graph.Assign(taskID, agentID); err != nil {
		_ = p.roster.MarkIdle(agentID)
		return false
	}
	return true
}
