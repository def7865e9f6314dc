// Package router selects the concrete execution agent for an analyzed
// task. Selection honors capability matching, health, per-agent
// complexity caps, and EMA ratings, with ε-greedy exploration so weaker
// agents still receive occasional traffic.
package router

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/bekirdag/mcoda/internal/adapter"
	"github.com/bekirdag/mcoda/internal/errs"
	"github.com/bekirdag/mcoda/internal/gateway"
	"github.com/bekirdag/mcoda/internal/registry"
)

// RNG is the injectable randomness source; selection is deterministic
// modulo this.
type RNG interface {
	Float64() float64
}

// DefaultEpsilon is the exploration probability.
const DefaultEpsilon = 0.1

// Candidate pairs an agent with its current health.
type Candidate struct {
	Agent  *registry.Agent
	Health adapter.HealthStatus
}

// Selection records the chosen agent and why.
type Selection struct {
	Agent            *registry.Agent `json:"agent"`
	Reason           string          `json:"reason"`
	Explored         bool            `json:"explored"`
	Stretch          bool            `json:"stretch"`
	MissingRequired  []string        `json:"missingRequired,omitempty"`
	MissingPreferred []string        `json:"missingPreferred,omitempty"`
}

// Router picks agents for analyses.
type Router struct {
	epsilon float64
	rng     RNG
}

// New creates a router. rng may be nil, in which case a default source is
// used; tests inject a scripted sequence.
func New(epsilon float64, rng RNG) *Router {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Router{epsilon: epsilon, rng: rng}
}

// requiredCapabilities derives the must-have capabilities from an
// analysis: the discipline itself, always.
func requiredCapabilities(a *gateway.Analysis) []string {
	return []string{string(a.Discipline)}
}

// preferredCapabilities derives nice-to-have capabilities: deep reasoning
// for high-complexity work, review experience for qa work.
func preferredCapabilities(a *gateway.Analysis) []string {
	var prefs []string
	if a.Complexity >= 7 {
		prefs = append(prefs, "reasoning")
	}
	if a.Discipline == gateway.DisciplineQA {
		prefs = append(prefs, "review")
	}
	return prefs
}

// Select picks an agent for the analysis from the candidate pool.
// avoidAgents lists slugs excluded for this job.
func (r *Router) Select(analysis *gateway.Analysis, candidates []Candidate, avoidAgents []string) (*Selection, error) {
	avoid := make(map[string]bool, len(avoidAgents))
	for _, slug := range avoidAgents {
		avoid[slug] = true
	}

	var pool []*registry.Agent
	for _, c := range candidates {
		if c.Health == adapter.Unreachable || avoid[c.Agent.Slug] {
			continue
		}
		pool = append(pool, c.Agent)
	}
	if len(pool) == 0 {
		return nil, errs.New(errs.ClassUnreachable, "no reachable agents available").
			WithHint("register agents or clear --avoid-agents")
	}

	var eligible, stretch []*registry.Agent
	for _, a := range pool {
		switch {
		case a.MaxComplexity >= analysis.Complexity:
			eligible = append(eligible, a)
		case a.MaxComplexity == analysis.Complexity-1:
			stretch = append(stretch, a)
		}
	}

	required := requiredCapabilities(analysis)
	preferred := preferredCapabilities(analysis)

	// Exploration: with probability epsilon, sample uniformly; half the
	// time the stretch set (cap one below the requested complexity) is
	// included so near-capable agents get a chance to prove out.
	if r.rng.Float64() < r.epsilon {
		sample := append([]*registry.Agent(nil), eligible...)
		if r.rng.Float64() < 0.5 {
			sample = append(sample, stretch...)
		}
		// Deterministic sample order: lowest cap first, then slug.
		sort.Slice(sample, func(i, j int) bool {
			if sample[i].MaxComplexity != sample[j].MaxComplexity {
				return sample[i].MaxComplexity < sample[j].MaxComplexity
			}
			return sample[i].Slug < sample[j].Slug
		})
		if len(sample) > 0 {
			idx := int(r.rng.Float64() * float64(len(sample)))
			if idx >= len(sample) {
				idx = len(sample) - 1
			}
			chosen := sample[idx]
			return &Selection{
				Agent:            chosen,
				Reason:           "exploration sample",
				Explored:         true,
				Stretch:          chosen.MaxComplexity < analysis.Complexity,
				MissingRequired:  missingCaps(chosen, required),
				MissingPreferred: missingCaps(chosen, preferred),
			}, nil
		}
	}

	if len(eligible) == 0 {
		// Nothing meets the complexity gate; fall back to the highest
		// cap available rather than stalling the task.
		sort.Slice(pool, func(i, j int) bool {
			if pool[i].MaxComplexity != pool[j].MaxComplexity {
				return pool[i].MaxComplexity > pool[j].MaxComplexity
			}
			return pool[i].Slug < pool[j].Slug
		})
		chosen := pool[0]
		return &Selection{
			Agent:            chosen,
			Reason:           "no agent meets complexity gate; using highest max-complexity fallback",
			MissingRequired:  missingCaps(chosen, required),
			MissingPreferred: missingCaps(chosen, preferred),
		}, nil
	}

	ranked := rankAgents(eligible, required, preferred)
	chosen := ranked[0]
	return &Selection{
		Agent:            chosen,
		Reason:           fmt.Sprintf("exploitation: best ranked agent passing complexity gate (max %d >= requested %d)", chosen.MaxComplexity, analysis.Complexity),
		MissingRequired:  missingCaps(chosen, required),
		MissingPreferred: missingCaps(chosen, preferred),
	}, nil
}

func missingCaps(a *registry.Agent, caps []string) []string {
	var missing []string
	for _, c := range caps {
		if !a.HasCapability(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

func countCaps(a *registry.Agent, caps []string) int {
	n := 0
	for _, c := range caps {
		if a.HasCapability(c) {
			n++
		}
	}
	return n
}

// rankAgents orders the eligible set by: meets-all-required desc,
// required-match count desc, preferred-match count desc, rating desc,
// reasoning rating desc, cost asc, slug asc.
func rankAgents(agents []*registry.Agent, required, preferred []string) []*registry.Agent {
	ranked := append([]*registry.Agent(nil), agents...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]

		aMeets := len(missingCaps(a, required)) == 0
		bMeets := len(missingCaps(b, required)) == 0
		if aMeets != bMeets {
			return aMeets
		}
		if ra, rb := countCaps(a, required), countCaps(b, required); ra != rb {
			return ra > rb
		}
		if pa, pb := countCaps(a, preferred), countCaps(b, preferred); pa != pb {
			return pa > pb
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if a.ReasoningRating != b.ReasoningRating {
			return a.ReasoningRating > b.ReasoningRating
		}
		if a.CostPerMillion != b.CostPerMillion {
			return a.CostPerMillion < b.CostPerMillion
		}
		return a.Slug < b.Slug
	})
	return ranked
}
