package model

import "time"

// MaintenanceJob is a recurring housekeeping job run on a cron expression
type MaintenanceJob struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Expression  string     `json:"expression"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
