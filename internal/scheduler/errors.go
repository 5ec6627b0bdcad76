package scheduler

import "errors"

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrAgentNotFound is returned when an agent is not found
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentBusy is returned when a non-idle agent is asked to take work
	ErrAgentBusy = errors.New("agent is not idle")

	// ErrAgentInactive is returned when a disabled agent is asked to take work
	ErrAgentInactive = errors.New("agent is inactive")

	// ErrCircularDependency is returned when a circular dependency is detected
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrDuplicateTask is returned when a duplicate task is submitted
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrInvalidTask is returned when a task fails basic validation
	ErrInvalidTask = errors.New("invalid task")

	// ErrTaskImmutable is returned when a terminal task is asked to change
	ErrTaskImmutable = errors.New("task is completed or failed")

	// ErrStaleDispatch is returned when a result arrives for a task that is
	// no longer in progress under the reporting agent
	ErrStaleDispatch = errors.New("task no longer in progress under agent")

	// ErrTaskNotPending is returned when an operation needs a pending task
	ErrTaskNotPending = errors.New("task is not pending")

	// ErrNoCoordinator is returned when the roster lacks its coordinator
	ErrNoCoordinator = errors.New("roster has no coordinator")

	// ErrProjectRunning is returned when a project is started twice
	ErrProjectRunning = errors.New("project already running")

	// ErrNoProject is returned when an operation needs a started project
	ErrNoProject = errors.New("no project started")

	// ErrHardTimeout is the failure recorded for a task whose agent exceeded
	// the hard timeout
	ErrHardTimeout = errors.New("agent exceeded hard timeout")
)
