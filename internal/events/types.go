package events

import "time"

// Topic constants
const (
	TopicTask       = "task"
	TopicAgent      = "agent"
	TopicProject    = "project"
	TopicMessage    = "message"
	TopicArtifact   = "artifact"
	TopicGeneration = "generation"
	TopicAlert      = "alert"
)

// Event type constants
const (
	TypeTaskCreated   = "task.created"
	TypeTaskStarted   = "task.started"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeTaskRetried   = "task.retried"
	TypeTaskTimedOut  = "task.timed_out"
	TypeTaskRescued   = "task.rescued"

	TypeAgentStatus = "agent.status"
	TypeAgentStuck  = "agent.stuck"

	TypeProjectStarted   = "project.started"
	TypeProjectReviewed  = "project.reviewed"
	TypeProjectCompleted = "project.completed"
	TypeProjectReset     = "project.reset"

	TypeMessage         = "message.created"
	TypeArtifactWritten = "artifact.written"

	TypeGenerationCall  = "generation.call"
	TypeGenerationError = "generation.error"

	TypeAlertRaised = "alert.raised"
)

// Event is a single notification flowing through the bus. It is plain data
// so it can be forwarded to NATS and WebSocket clients unchanged.
type Event struct {
	Type      string                 `json:"type"`
	Topic     string                 `json:"topic"`
	ProjectID string                 `json:"project_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// New builds an event stamped with the current time
func New(topic, eventType string) Event {
	return Event{
		Type:      eventType,
		Topic:     topic,
		Timestamp: time.Now(),
	}
}

// Publisher is anything events can be published to
type Publisher interface {
	Publish(topic string, event Event)
}

// Discard drops every event
type Discard struct{}

// Publish implements Publisher
func (Discard) Publish(string, Event) {}
