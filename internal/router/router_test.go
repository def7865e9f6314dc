package router

import (
	"testing"

	"github.com/bekirdag/mcoda/internal/adapter"
	"github.com/bekirdag/mcoda/internal/gateway"
	"github.com/bekirdag/mcoda/internal/registry"
)

// scriptedRNG replays a fixed float sequence.
type scriptedRNG struct {
	values []float64
	idx    int
}

func (s *scriptedRNG) Float64() float64 {
	if s.idx >= len(s.values) {
		return 0.99
	}
	v := s.values[s.idx]
	s.idx++
	return v
}

func agent(slug string, rating float64, maxComplexity int, caps ...string) *registry.Agent {
	return &registry.Agent{
		Slug:          slug,
		Adapter:       "stub",
		Capabilities:  caps,
		Rating:        rating,
		MaxComplexity: maxComplexity,
	}
}

func healthy(agents ...*registry.Agent) []Candidate {
	out := make([]Candidate, len(agents))
	for i, a := range agents {
		out[i] = Candidate{Agent: a, Health: adapter.Healthy}
	}
	return out
}

func analysis(complexity int) *gateway.Analysis {
	return &gateway.Analysis{Complexity: complexity, Discipline: gateway.DisciplineCode}
}

func TestComplexityGating(t *testing.T) {
	// A better-rated agent below the complexity gate must lose to a
	// worse-rated agent above it.
	low := agent("low", 9, 4, "code")
	high := agent("high", 5, 8, "code")

	r := New(0.1, &scriptedRNG{values: []float64{0.9}})
	sel, err := r.Select(analysis(7), healthy(low, high), nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Agent.Slug != "high" {
		t.Errorf("expected high, got %s", sel.Agent.Slug)
	}
	if sel.Explored {
		t.Error("rng 0.9 must not explore")
	}
	if want := "complexity gate"; !contains(sel.Reason, want) {
		t.Errorf("reason should cite the complexity gate, got %q", sel.Reason)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestEpsilonGreedyStretch(t *testing.T) {
	eligible := agent("eligible", 8, 6, "code")
	stretch := agent("stretch", 4, 5, "code")

	// 0.05 -> explore; 0.2 -> include stretch; 0.1 -> pick index 0 of
	// the cap-ascending sample, which is the stretch agent.
	r := New(0.1, &scriptedRNG{values: []float64{0.05, 0.2, 0.1}})
	sel, err := r.Select(analysis(6), healthy(eligible, stretch), nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Agent.Slug != "stretch" {
		t.Errorf("expected stretch, got %s", sel.Agent.Slug)
	}
	if !sel.Explored || !sel.Stretch {
		t.Errorf("selection should record exploration and stretch, got %+v", sel)
	}
}

func TestExplorationWithoutStretch(t *testing.T) {
	eligible := agent("eligible", 8, 6, "code")
	stretch := agent("stretch", 4, 5, "code")

	// 0.05 -> explore; 0.9 -> no stretch; sample = {eligible} only.
	r := New(0.1, &scriptedRNG{values: []float64{0.05, 0.9, 0.99}})
	sel, err := r.Select(analysis(6), healthy(eligible, stretch), nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Agent.Slug != "eligible" {
		t.Errorf("expected eligible, got %s", sel.Agent.Slug)
	}
}

func TestUnreachableAndAvoidedAgentsExcluded(t *testing.T) {
	best := agent("best", 9, 8, "code")
	avoided := agent("avoided", 9, 8, "code")
	backup := agent("backup", 5, 8, "code")

	candidates := []Candidate{
		{Agent: best, Health: adapter.Unreachable},
		{Agent: avoided, Health: adapter.Healthy},
		{Agent: backup, Health: adapter.Healthy},
	}

	r := New(0.1, &scriptedRNG{values: []float64{0.9}})
	sel, err := r.Select(analysis(5), candidates, []string{"avoided"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Agent.Slug != "backup" {
		t.Errorf("expected backup, got %s", sel.Agent.Slug)
	}
}

func TestNoReachableAgents(t *testing.T) {
	only := agent("only", 9, 8, "code")
	candidates := []Candidate{{Agent: only, Health: adapter.Unreachable}}

	r := New(0.1, &scriptedRNG{values: []float64{0.9}})
	if _, err := r.Select(analysis(5), candidates, nil); err == nil {
		t.Error("expected error with no reachable agents")
	}
}

func TestRankingPrefersCapabilityMatchThenRatingThenCost(t *testing.T) {
	noCap := agent("aa-nocap", 9.5, 8)
	cheap := agent("cheap", 8, 8, "code")
	cheap.CostPerMillion = 1
	pricey := agent("pricey", 8, 8, "code")
	pricey.CostPerMillion = 10

	r := New(0.1, &scriptedRNG{values: []float64{0.9}})
	sel, err := r.Select(analysis(5), healthy(noCap, cheap, pricey), nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Agent.Slug != "cheap" {
		t.Errorf("expected cheap (capability match, equal rating, lower cost), got %s", sel.Agent.Slug)
	}
}

func TestMissingCapabilitiesRecorded(t *testing.T) {
	bare := agent("bare", 8, 8)

	r := New(0.1, &scriptedRNG{values: []float64{0.9}})
	sel, err := r.Select(analysis(8), healthy(bare), nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(sel.MissingRequired) != 1 || sel.MissingRequired[0] != "code" {
		t.Errorf("expected missing required [code], got %v", sel.MissingRequired)
	}
	if len(sel.MissingPreferred) != 1 || sel.MissingPreferred[0] != "reasoning" {
		t.Errorf("expected missing preferred [reasoning] at complexity 8, got %v", sel.MissingPreferred)
	}
}

func TestComplexityFallbackWhenNothingEligible(t *testing.T) {
	small := agent("small", 8, 3, "code")
	smaller := agent("smaller", 9, 2, "code")

	r := New(0.1, &scriptedRNG{values: []float64{0.9}})
	sel, err := r.Select(analysis(9), healthy(small, smaller), nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Agent.Slug != "small" {
		t.Errorf("fallback should pick the highest cap, got %s", sel.Agent.Slug)
	}
}
