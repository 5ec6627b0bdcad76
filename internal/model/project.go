package model

import "time"

// ProjectStatus represents the lifecycle state of a session
type ProjectStatus string

const (
	ProjectStatusIdle      ProjectStatus = "idle"
	ProjectStatusRunning   ProjectStatus = "running"
	ProjectStatusReviewed  ProjectStatus = "reviewed"
	ProjectStatusCompleted ProjectStatus = "completed"
)

// Project is the session the scheduler drives
type Project struct {
	ID                string        `json:"id"`
	Description       string        `json:"description"`
	Status            ProjectStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	ReviewedAt        *time.Time    `json:"reviewed_at,omitempty"`
	StoppedAt         *time.Time    `json:"stopped_at,omitempty"`
	FinalReviewTaskID string        `json:"final_review_task_id,omitempty"`
}

// ArtifactInfo describes a stored artifact without its content
type ArtifactInfo struct {
	Name      string    `json:"name"`
	Size      int       `json:"size"`
	LineCount int       `json:"line_count"`
	Type      string    `json:"type"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Artifact is a named file produced from generated output
type Artifact struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Message is one entry of the session's conversation log
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ProjectStatusReport is what the session control surface reports
type ProjectStatusReport struct {
	ProjectID     string         `json:"project_id,omitempty"`
	Description   string         `json:"description,omitempty"`
	State         ProjectStatus  `json:"state"`
	Running       bool           `json:"running"`
	Tasks         TaskCounts     `json:"tasks"`
	Agents        []AgentSummary `json:"agents"`
	ArtifactCount int            `json:"artifact_count"`
}
