package model

import (
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskKind tells the scheduler which prompt and follow-up rules apply
type TaskKind string

const (
	TaskKindPlan        TaskKind = "plan"
	TaskKindWork        TaskKind = "work"
	TaskKindReview      TaskKind = "review"
	TaskKindFollowUp    TaskKind = "follow_up"
	TaskKindFinalReview TaskKind = "final_review"
)

const (
	MinPriority       = 1
	MaxPriority       = 10
	DefaultPriority   = 5
	DefaultMaxRetries = 3

	// MinDescriptionLength is the shortest description a task may carry
	MinDescriptionLength = 10
)

// Task represents a unit of work handed to one agent
type Task struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Kind          TaskKind   `json:"kind"`
	AgentID       string     `json:"agent_id,omitempty"`
	Status        TaskStatus `json:"status"`
	Priority      int        `json:"priority"`
	Dependencies  []string   `json:"dependencies,omitempty"`
	FilesExpected []string   `json:"files_expected,omitempty"`
	ParentID      string     `json:"parent_id,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`

	// Timing fields
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	NotBefore   time.Time  `json:"not_before,omitempty"`

	// Execution details
	Output    string   `json:"output,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
	Error     string   `json:"error,omitempty"`

	// Seq preserves insertion order for priority ties
	Seq uint64 `json:"-"`
}

// Clone returns a deep copy safe to hand out of a store
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.FilesExpected = append([]string(nil), t.FilesExpected...)
	c.Artifacts = append([]string(nil), t.Artifacts...)
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

// ClampPriority forces a priority into the valid range
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// TaskSpec is a task request produced by the interpreter before it is
// registered in the graph
type TaskSpec struct {
	Agent         string   `json:"agent"`
	AgentID       string   `json:"agent_id,omitempty"`
	Description   string   `json:"description"`
	Priority      int      `json:"priority"`
	Dependencies  []string `json:"dependencies,omitempty"`
	FilesExpected []string `json:"files_expected,omitempty"`
}

// TaskCounts summarises the graph by status
type TaskCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the number of tasks counted
func (c TaskCounts) Total() int {
	return c.Pending + c.InProgress + c.Completed + c.Failed
}
