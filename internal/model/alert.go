package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeStuckAgent      AlertType = "stuck_agent"
	AlertTypeTaskFailure     AlertType = "task_failure"
	AlertTypeGenerationError AlertType = "generation_error"
)

// AlertRule defines a rule for generating alerts. The rule fires once
// Threshold matching events were seen within Window; a zero Threshold
// fires on every event.
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      AlertType     `json:"type"`
	Severity  AlertSeverity `json:"severity"`
	Threshold int           `json:"threshold"`
	Window    time.Duration `json:"window"`
	Silenced  bool          `json:"silenced"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Alert represents an alert event
type Alert struct {
	ID         string                 `json:"id"`
	RuleID     string                 `json:"rule_id"`
	Type       AlertType              `json:"type"`
	Severity   AlertSeverity          `json:"severity"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
}
