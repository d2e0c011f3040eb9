package agent

import (
	"fmt"

	"github.com/aristath/taskrouter/internal/task"
)

// DefaultScore is the selection score of an agent with no successful history.
const DefaultScore = 0.5

// Score returns the selection score for a snapshot: the mean of the most recent
// successful scores, or DefaultScore with no history.
func (s Snapshot) Score() float64 {
	if len(s.Recent) == 0 {
		return DefaultScore
	}
	var sum float64
	for _, v := range s.Recent {
		sum += v
	}
	return sum / float64(len(s.Recent))
}

// Select picks the best agent for t.
//
// Eligible agents advertise t.Type and focus on t.Domain or the wildcard. The
// highest score wins; on ties the earliest registered agent wins. Scores are read
// from per-agent point-in-time snapshots, so a concurrent completion may or may
// not be reflected. Returns ErrNoEligibleAgent when nobody qualifies.
func (r *Registry) Select(t *task.Task) (Agent, error) {
	var (
		best      Agent
		bestScore float64
		found     bool
	)

	for _, e := range r.entries() {
		if !e.agent.Eligible(t) {
			continue
		}
		score := e.snapshot().Score()
		// Strictly greater keeps the earlier registration on ties
		if !found || score > bestScore {
			best, bestScore, found = e.agent, score, true
		}
	}

	if !found {
		return Agent{}, fmt.Errorf("%w: task %q (type %q, domain %q)", ErrNoEligibleAgent, t.ID, t.Type, t.Domain)
	}
	return best, nil
}

// Selector routes tasks to agents. *Registry implements it.
type Selector interface {
	Select(t *task.Task) (Agent, error)
}
