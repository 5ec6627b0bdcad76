package scheduler

import (
	"errors"
	"sync"

	"github.com/ethank2222/TriniTeam/internal/model"
)

// ErrNoIdleAgents is returned when a strategy has no candidate to pick
var ErrNoIdleAgents = errors.New("no idle agents available")

// BalancingStrategy picks one agent out of a set of idle candidates
type BalancingStrategy interface {
	SelectAgent(candidates []*model.Agent, task *model.Task) (*model.Agent, error)
}

// Strategy names accepted by StrategyByName
const (
	StrategyLeastLoad  = "least_load"
	StrategyRoundRobin = "round_robin"
)

// StrategyByName returns the named strategy. Unknown names get least load.
func StrategyByName(name string) BalancingStrategy {
	if name == StrategyRoundRobin {
		return &RoundRobinStrategy{}
	}
	return LeastLoadStrategy{}
}

// RoundRobinStrategy cycles through candidates in the order given
type RoundRobinStrategy struct {
	current int
	mu      sync.Mutex
}

// SelectAgent selects an agent using round-robin strategy
func (s *RoundRobinStrategy) SelectAgent(candidates []*model.Agent, task *model.Task) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(candidates) == 0 {
		return nil, ErrNoIdleAgents
	}

	agent := candidates[s.current%len(candidates)]
	s.current++
	return agent, nil
}

// LeastLoadStrategy picks the agent with the fewest completed tasks,
// falling back to registration order
type LeastLoadStrategy struct{}

// SelectAgent selects the least loaded agent
func (LeastLoadStrategy) SelectAgent(candidates []*model.Agent, task *model.Task) (*model.Agent, error) {
	var selected *model.Agent
	for _, a := range candidates {
		if selected == nil ||
			a.TasksCompleted < selected.TasksCompleted ||
			(a.TasksCompleted == selected.TasksCompleted && a.Registered < selected.Registered) {
			selected = a
		}
	}

	if selected == nil {
		return nil, ErrNoIdleAgents
	}
	return selected, nil
}
