package model

import "time"

// SystemStats is a host resource sample
type SystemStats struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	CollectedAt   time.Time `json:"collected_at"`
}

// SystemMetrics is the session counter snapshot
type SystemMetrics struct {
	TasksProcessed int64       `json:"tasks_processed"`
	MessagesSent   int64       `json:"messages_sent"`
	FilesCreated   int64       `json:"files_created"`
	APICalls       int64       `json:"api_calls"`
	Errors         int64       `json:"errors"`
	StartedAt      time.Time   `json:"started_at"`
	UptimeSeconds  float64     `json:"uptime_seconds"`
	System         SystemStats `json:"system"`
}
