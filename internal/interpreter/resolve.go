package interpreter

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ethank2222/TriniTeam/internal/model"
)

// Resolution says how an agent name was matched
type Resolution string

const (
	ResolvedNone      Resolution = "none"
	ResolvedName      Resolution = "name"
	ResolvedRole      Resolution = "role"
	ResolvedSubstring Resolution = "substring"
	ResolvedAlias     Resolution = "alias"
	ResolvedFallback  Resolution = "least_loaded"
)

var workerAlias = regexp.MustCompile(`^(?:dev|developer|worker|engineer)[\s_-]*#?(\d+)$`)

var coordinatorAliases = map[string]bool{
	"manager":         true,
	"lead":            true,
	"coordinator":     true,
	"architect":       true,
	"architect lead":  true,
	"tech lead":       true,
	"project manager": true,
	"pm":              true,
}

// ResolveAgent maps a free-text agent name onto the roster. It tries an
// exact name, an exact role, a substring in either direction, the alias
// table, and finally the least loaded idle worker. A nil agent means the
// entry stays unassigned.
func ResolveAgent(name string, agents []*model.Agent) (*model.Agent, Resolution) {
	wanted := normalizeName(name)

	if wanted != "" {
		for _, a := range agents {
			if strings.EqualFold(a.Name, wanted) {
				return a, ResolvedName
			}
		}
		for _, a := range agents {
			if a.Role != "" && strings.EqualFold(a.Role, wanted) {
				return a, ResolvedRole
			}
		}

		lower := strings.ToLower(wanted)
		for _, a := range agents {
			n := strings.ToLower(a.Name)
			if strings.Contains(n, lower) || strings.Contains(lower, n) {
				return a, ResolvedSubstring
			}
		}
		for _, a := range agents {
			r := strings.ToLower(a.Role)
			if r != "" && (strings.Contains(r, lower) || strings.Contains(lower, r)) {
				return a, ResolvedSubstring
			}
		}

		if a := resolveAlias(lower, agents); a != nil {
			return a, ResolvedAlias
		}
	}

	if a := leastLoadedIdleWorker(agents); a != nil {
		return a, ResolvedFallback
	}
	return nil, ResolvedNone
}

func resolveAlias(lower string, agents []*model.Agent) *model.Agent {
	if coordinatorAliases[lower] {
		for _, a := range agents {
			if a.Kind == model.AgentKindCoordinator {
				return a
			}
		}
		return nil
	}

	m := workerAlias.FindStringSubmatch(lower)
	if m == nil {
		return nil
	}
	ordinal, err := strconv.Atoi(m[1])
	if err != nil || ordinal < 1 {
		return nil
	}
	n := 0
	for _, a := range sortedByRegistration(agents) {
		if a.Kind != model.AgentKindWorker {
			continue
		}
		n++
		if n == ordinal {
			return a
		}
	}
	return nil
}

func leastLoadedIdleWorker(agents []*model.Agent) *model.Agent {
	var best *model.Agent
	for _, a := range agents {
		if a.Kind != model.AgentKindWorker || !a.Active || a.Status != model.AgentStatusIdle {
			continue
		}
		if best == nil || a.TasksCompleted < best.TasksCompleted ||
			(a.TasksCompleted == best.TasksCompleted && a.Registered < best.Registered) {
			best = a
		}
	}
	return best
}

func sortedByRegistration(agents []*model.Agent) []*model.Agent {
	out := append([]*model.Agent(nil), agents...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Registered < out[j].Registered })
	return out
}

// normalizeName trims decoration and collapses whitespace
func normalizeName(name string) string {
	name = strings.Trim(strings.TrimSpace(name), "\"'`*@")
	return strings.Join(strings.Fields(name), " ")
}
