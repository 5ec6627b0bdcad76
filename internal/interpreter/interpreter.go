// Package interpreter turns the free text an agent produced into a
// completion verdict, new task specifications and file artifacts.
package interpreter

import (
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/model"
)

// Input describes who produced the text being interpreted
type Input struct {
	AgentKind model.AgentKind
	TaskKind  model.TaskKind
	// Agents is the current roster snapshot used to resolve task targets
	Agents []*model.Agent
}

// Result is the interpretation of one response
type Result struct {
	Completed         bool
	Signal            Signal
	ProjectComplete   bool
	NewTasks          []model.TaskSpec
	Artifacts         []model.Artifact
	FollowUpRequested bool
	// DroppedEntries counts task-list entries discarded as malformed
	DroppedEntries int
	// ParseErr is set when a task list was present but unreadable
	ParseErr error
}

// Interpreter classifies generated text. It holds no state besides its
// logger and is safe for concurrent use.
type Interpreter struct {
	logger *zap.Logger
}

// New creates an interpreter
func New(logger *zap.Logger) *Interpreter {
	return &Interpreter{logger: logger.Named("interpreter")}
}

// Interpret parses one response. Completion is decided by the first
// matching signal: explicit marker, project marker on a final review,
// a valid task list from the coordinator, files plus substance from a
// worker, and finally length plus a completion keyword.
func (i *Interpreter) Interpret(text string, in Input) Result {
	res := Result{Signal: SignalNone}
	trimmed := strings.TrimSpace(text)

	res.Artifacts = ExtractArtifacts(text)

	if in.AgentKind == model.AgentKindCoordinator && in.TaskKind != model.TaskKindFinalReview {
		entries, dropped, err := ParseTaskList(text)
		switch {
		case err == nil:
			res.NewTasks = i.resolveEntries(entries, in.Agents)
			res.DroppedEntries = dropped
		case errors.Is(err, ErrNoTaskList):
		default:
			res.ParseErr = err
			i.logger.Warn("Discarding unreadable task list", zap.Error(err))
		}
		if dropped > 0 {
			i.logger.Warn("Discarded malformed task entries", zap.Int("dropped", dropped))
		}
	}

	if in.TaskKind == model.TaskKindFinalReview && strings.Contains(text, ProjectCompletedMarker) {
		res.ProjectComplete = true
	}
	if in.AgentKind == model.AgentKindWorker {
		res.FollowUpRequested = RequestsFollowUp(text)
	}

	switch {
	case strings.Contains(text, TaskCompletedMarker):
		res.Signal = SignalMarker
	case res.ProjectComplete:
		res.Signal = SignalProjectMarker
	case in.AgentKind == model.AgentKindCoordinator && len(res.NewTasks) > 0:
		res.Signal = SignalTaskList
	case in.AgentKind == model.AgentKindWorker && len(res.Artifacts) > 0 && len(trimmed) > minWorkerLength:
		res.Signal = SignalArtifacts
	case len(trimmed) > minHeuristicLength && hasCompletionKeyword(trimmed):
		res.Signal = SignalHeuristic
	}
	res.Completed = res.Signal != SignalNone

	i.logger.Debug("Response interpreted",
		zap.Bool("completed", res.Completed),
		zap.String("signal", string(res.Signal)),
		zap.Int("new_tasks", len(res.NewTasks)),
		zap.Int("artifacts", len(res.Artifacts)))

	return res
}

// resolveEntries fills AgentID for every entry that maps onto the roster.
// Fallback picks count against the idle pool so two entries do not land
// on the same idle worker.
func (i *Interpreter) resolveEntries(entries []model.TaskSpec, agents []*model.Agent) []model.TaskSpec {
	pool := make([]*model.Agent, 0, len(agents))
	for _, a := range agents {
		pool = append(pool, a.Clone())
	}

	for n := range entries {
		agent, how := ResolveAgent(entries[n].Agent, pool)
		if agent == nil {
			i.logger.Warn("Task entry left unassigned",
				zap.String("agent", entries[n].Agent),
				zap.String("description", truncate(entries[n].Description, 80)))
			continue
		}
		entries[n].AgentID = agent.ID
		if how == ResolvedFallback {
			agent.Status = model.AgentStatusWorking
			i.logger.Info("Task entry assigned to least loaded worker",
				zap.String("agent", entries[n].Agent),
				zap.String("resolved", agent.Name))
		}
	}
	return entries
}

// truncate cuts s to at most n bytes on a rune boundary
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
