package mcp

import (
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/MEKXH/toolmesh/internal/config"
)

// Candidate is one ready server able to serve a tool call.
type Candidate struct {
	ServerID string
	Priority int
	// Order is the registration index, used as tie-breaker.
	Order int
}

// ChooseFunc picks one candidate. It is only called with a non-empty slice
// and must return an element of it.
type ChooseFunc func(tool string, candidates []Candidate) Candidate

// NewChooser returns the selection policy for a load balancing strategy.
// Unknown strategies fall back to priority.
func NewChooser(strategy string) ChooseFunc {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case config.StrategyRoundRobin:
		rr := &roundRobin{next: make(map[string]int)}
		return rr.choose
	case config.StrategyRandom:
		return chooseRandom
	default:
		return choosePriority
	}
}

// sortCandidates orders by priority descending, then registration order.
func sortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Order < candidates[j].Order
	})
}

func choosePriority(_ string, candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Priority > best.Priority || (c.Priority == best.Priority && c.Order < best.Order) {
			best = c
		}
	}
	return best
}

func chooseRandom(_ string, candidates []Candidate) Candidate {
	return candidates[rand.IntN(len(candidates))]
}

type roundRobin struct {
	mu   sync.Mutex
	next map[string]int
}

// choose rotates per tool and owner set, so adding or losing an owner
// starts a fresh rotation.
func (r *roundRobin) choose(tool string, candidates []Candidate) Candidate {
	ordered := append([]Candidate(nil), candidates...)
	sortCandidates(ordered)

	ids := make([]string, len(ordered))
	for i, c := range ordered {
		ids[i] = c.ServerID
	}
	key := tool + "|" + strings.Join(ids, ",")

	r.mu.Lock()
	idx := r.next[key] % len(ordered)
	r.next[key] = idx + 1
	r.mu.Unlock()
	return ordered[idx]
}
