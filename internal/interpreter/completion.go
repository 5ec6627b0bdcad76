package interpreter

import "strings"

// Literal sentinels agents are told to emit
const (
	TaskCompletedMarker    = "TASK COMPLETED"
	ProjectCompletedMarker = "PROJECT COMPLETED"
)

const (
	// minWorkerLength is the stripped length a worker response with files
	// must exceed to count as done
	minWorkerLength = 100

	// minHeuristicLength gates the keyword fallback
	minHeuristicLength = 500
)

// Signal names the rule that decided completion
type Signal string

const (
	SignalNone          Signal = "none"
	SignalMarker        Signal = "marker"
	SignalProjectMarker Signal = "project_marker"
	SignalTaskList      Signal = "task_list"
	SignalArtifacts     Signal = "artifacts"
	SignalHeuristic     Signal = "heuristic"
)

// completionKeywords is the fallback vocabulary. Only consulted for long
// responses without any explicit marker.
var completionKeywords = []string{
	"task completed", "task finished", "implementation complete",
	"work completed", "finished successfully", "planning complete",
	"architecture complete", "project plan complete",
	"task breakdown complete", "assignments complete",
	"done", "complete", "finished", "ready", "implemented", "created",
	"built", "developed", "configured", "set up", "established",
}

// followUpPhrases in worker output ask the coordinator for more work
var followUpPhrases = []string{"create task", "next task", "additional work"}

func hasCompletionKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range completionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// RequestsFollowUp reports whether worker output asks for more work
func RequestsFollowUp(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range followUpPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
