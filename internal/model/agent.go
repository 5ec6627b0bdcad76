package model

import "time"

// AgentKind is the closed set of agent roles
type AgentKind string

const (
	AgentKindCoordinator AgentKind = "coordinator"
	AgentKindWorker      AgentKind = "worker"
)

// AgentStatus represents the status of an agent
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusDone    AgentStatus = "done"
	AgentStatusError   AgentStatus = "error"
)

// Agent represents one member of the roster
type Agent struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Role           string      `json:"role"`
	Kind           AgentKind   `json:"kind"`
	Skills         []string    `json:"skills,omitempty"`
	Status         AgentStatus `json:"status"`
	CurrentTaskID  string      `json:"current_task_id,omitempty"`
	Active         bool        `json:"active"`
	LastActivity   time.Time   `json:"last_activity"`
	WorkingSince   time.Time   `json:"working_since"`
	TasksCompleted int         `json:"tasks_completed"`
	TasksFailed    int         `json:"tasks_failed"`

	// Registered is the registration order within the roster
	Registered int `json:"-"`
}

// Clone returns a copy safe to hand out of the roster
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Skills = append([]string(nil), a.Skills...)
	return &c
}

// AgentSpec describes an agent to register
type AgentSpec struct {
	Name   string    `json:"name" mapstructure:"name"`
	Role   string    `json:"role" mapstructure:"role"`
	Kind   AgentKind `json:"kind" mapstructure:"kind"`
	Skills []string  `json:"skills" mapstructure:"skills"`
}

// AgentSummary is the status view of an agent
type AgentSummary struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Kind           AgentKind   `json:"kind"`
	Status         AgentStatus `json:"status"`
	CurrentTaskID  string      `json:"current_task_id,omitempty"`
	TasksCompleted int         `json:"tasks_completed"`
	LastActivity   time.Time   `json:"last_activity"`
}

// Summary returns the status view of the agent
func (a *Agent) Summary() AgentSummary {
	return AgentSummary{
		ID:             a.ID,
		Name:           a.Name,
		Kind:           a.Kind,
		Status:         a.Status,
		CurrentTaskID:  a.CurrentTaskID,
		TasksCompleted: a.TasksCompleted,
		LastActivity:   a.LastActivity,
	}
}

// DefaultRoster returns the fixed two-tier team
func DefaultRoster() []AgentSpec {
	workerSkills := []string{"Frontend", "Backend", "Database", "DevOps", "Testing"}
	return []AgentSpec{
		{
			Name:   "ArchitectLead",
			Role:   "Manager",
			Kind:   AgentKindCoordinator,
			Skills: []string{"Architecture", "Project Management", "Code Review", "QA", "Integration"},
		},
		{Name: "Developer1", Role: "Full Stack Developer", Kind: AgentKindWorker, Skills: workerSkills},
		{Name: "Developer2", Role: "Full Stack Developer", Kind: AgentKindWorker, Skills: workerSkills},
		{Name: "Developer3", Role: "Full Stack Developer", Kind: AgentKindWorker, Skills: workerSkills},
	}
}
