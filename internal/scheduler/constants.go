package scheduler

import "time"

const (
	defaultTickInterval       = 2 * time.Second
	defaultRescueWindow       = 30 * time.Second
	defaultHardTimeout        = 300 * time.Second
	defaultFinalReviewCeiling = 300 * time.Second
	defaultMaxConcurrent      = 4

	// coordinatorLengthThreshold splits unclassified descriptions between
	// workers (shorter) and the coordinator (longer)
	coordinatorLengthThreshold = 200

	maxMessages = 100

	// previousPreview truncates the unfinished output fed back on continuation
	previousPreview = 1000

	hardTimeoutOutput = "Task completed due to timeout"

	planningPriority = 10
	followUpPriority = 5
)
