package interpreter

import "errors"

var (
	// ErrNoTaskList is returned when the text carries no tasks object
	ErrNoTaskList = errors.New("no task list found")

	// ErrTaskListParse is returned when a tasks object exists but neither
	// the strict parse nor the single repair pass could decode it
	ErrTaskListParse = errors.New("failed to parse task list")
)
