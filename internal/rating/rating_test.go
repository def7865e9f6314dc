package rating

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bekirdag/mcoda/internal/registry"
)

func openTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "mcoda.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func newTestService(t *testing.T, reg *registry.Registry, now *time.Time) *Service {
	t.Helper()
	clock := func() time.Time { return *now }
	return New(reg, 50, 24*time.Hour, DefaultWeights, BaseBudget{}, nil, WithClock(clock))
}

func seedAgent(t *testing.T, reg *registry.Registry, slug string, rating float64, maxComplexity int) {
	t.Helper()
	require.NoError(t, reg.Upsert(&registry.Agent{
		Slug:          slug,
		Adapter:       "stub",
		Capabilities:  []string{"code"},
		MaxComplexity: maxComplexity,
	}))
	require.NoError(t, reg.UpdateRatings(slug, rating, rating, 0))
}

func TestBudgetDerivation(t *testing.T) {
	now := time.Now()
	s := newTestService(t, openTestRegistry(t), &now)

	cases := []struct {
		complexity int
		factor     float64
		iterations int
	}{
		{1, 0.5, 3},  // clamp low; round(1/3) = 0
		{5, 1.0, 5},  // round(5/3) = 2
		{10, 2.0, 6}, // clamp high; round(10/3) = 3
	}
	for _, c := range cases {
		b := s.BudgetFor(c.complexity)
		assert.InDelta(t, 1.50*c.factor, b.CostUSD, 1e-9, "complexity %d", c.complexity)
		assert.InDelta(t, 600*c.factor, b.DurationSeconds, 1e-9, "complexity %d", c.complexity)
		assert.Equal(t, c.iterations, b.Iterations, "complexity %d", c.complexity)
	}
}

func TestRunScoreFormula(t *testing.T) {
	now := time.Now()
	s := newTestService(t, openTestRegistry(t), &now)

	// Within budget: score equals the quality score.
	score, _ := s.Score(RunInput{Complexity: 5, QualityScore: 8, TotalCostUSD: 1.0, DurationSeconds: 300, Iterations: 2})
	assert.InDelta(t, 8.0, score, 1e-9)

	// Double the cost budget: penalty 1.0 * w_cost 1.0.
	score, budget := s.Score(RunInput{Complexity: 5, QualityScore: 8, TotalCostUSD: 3.0, DurationSeconds: 300, Iterations: 2})
	assert.InDelta(t, 1.50, budget.CostUSD, 1e-9)
	assert.InDelta(t, 7.0, score, 1e-9)

	// Scores clamp to [0, 10].
	score, _ = s.Score(RunInput{Complexity: 5, QualityScore: 1, TotalCostUSD: 100, DurationSeconds: 1e6, Iterations: 50})
	assert.Equal(t, 0.0, score)
}

func TestEMAUpdateMatchesFormula(t *testing.T) {
	reg := openTestRegistry(t)
	now := time.Now()
	s := newTestService(t, reg, &now)
	seedAgent(t, reg, "agent-a", 5.0, 8)

	res, err := s.RateRun(RunInput{
		AgentSlug: "agent-a", Complexity: 5, QualityScore: 9,
		TotalCostUSD: 0.5, DurationSeconds: 100, Iterations: 1,
	}, "")
	require.NoError(t, err)

	alpha := 2.0 / 51.0
	want := 5.0 + alpha*(res.RunScore-5.0)
	assert.InDelta(t, want, res.RatingAfter, 1e-9)
}

func TestEMAConvergence(t *testing.T) {
	// Repeatedly applying the same score must converge to it within
	// 1e-9 inside 400 samples.
	alpha := 2.0 / 51.0
	rating := 2.0
	const target = 9.0
	for i := 0; i < 400; i++ {
		rating = rating + alpha*(target-rating)
	}
	if math.Abs(rating-target) > 1e-9 {
		t.Errorf("EMA did not converge: %v", rating)
	}
}

func TestComplexityPromotion(t *testing.T) {
	reg := openTestRegistry(t)
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	s := newTestService(t, reg, &now)
	seedAgent(t, reg, "agent-a", 5.0, 5)

	res, err := s.RateRun(RunInput{
		AgentSlug: "agent-a", Complexity: 5, QualityScore: 9,
		TotalCostUSD: 0.1, DurationSeconds: 60, Iterations: 1,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ComplexityChange)
	assert.Equal(t, 6, res.MaxComplexity)

	agent, err := reg.GetBySlug("agent-a")
	require.NoError(t, err)
	assert.Equal(t, 6, agent.MaxComplexity)
}

func TestComplexityDemotion(t *testing.T) {
	reg := openTestRegistry(t)
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	s := newTestService(t, reg, &now)
	seedAgent(t, reg, "agent-a", 5.0, 5)

	res, err := s.RateRun(RunInput{
		AgentSlug: "agent-a", Complexity: 4, QualityScore: 2,
		TotalCostUSD: 5, DurationSeconds: 5000, Iterations: 9,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, -1, res.ComplexityChange)
	assert.Equal(t, 4, res.MaxComplexity)
}

func TestComplexityCooldown(t *testing.T) {
	reg := openTestRegistry(t)
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	s := newTestService(t, reg, &now)
	seedAgent(t, reg, "agent-a", 5.0, 5)

	good := RunInput{
		AgentSlug: "agent-a", Complexity: 5, QualityScore: 9,
		TotalCostUSD: 0.1, DurationSeconds: 60, Iterations: 1,
	}

	res, err := s.RateRun(good, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.ComplexityChange)

	// Second qualifying run within 24h must not change the cap again.
	now = now.Add(time.Hour)
	good.Complexity = 6
	res, err = s.RateRun(good, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ComplexityChange)
	assert.Equal(t, 6, res.MaxComplexity)

	// After the cooldown elapses the cap can move again.
	now = now.Add(24 * time.Hour)
	res, err = s.RateRun(good, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ComplexityChange)
	assert.Equal(t, 7, res.MaxComplexity)
}

func TestRunRatingRowEmitted(t *testing.T) {
	reg := openTestRegistry(t)
	now := time.Now()
	s := newTestService(t, reg, &now)
	seedAgent(t, reg, "agent-a", 5.0, 5)

	_, err := s.RateRun(RunInput{
		AgentSlug: "agent-a", JobID: "job-1", TaskKey: "T01",
		Complexity: 3, QualityScore: 7, Iterations: 1,
	}, "")
	require.NoError(t, err)

	ratings, err := reg.ListRunRatings("agent-a", 10)
	require.NoError(t, err)
	require.Len(t, ratings, 1)
	assert.Equal(t, "job-1", ratings[0].JobID)
	assert.Equal(t, "T01", ratings[0].TaskKey)
}

func TestRatingArtifactWritten(t *testing.T) {
	reg := openTestRegistry(t)
	now := time.Now()
	s := newTestService(t, reg, &now)
	seedAgent(t, reg, "agent-a", 5.0, 5)

	dir := t.TempDir()
	_, err := s.RateRun(RunInput{AgentSlug: "agent-a", Complexity: 3, QualityScore: 7, Iterations: 1}, dir)
	require.NoError(t, err)

	if _, err := os.Stat(filepath.Join(dir, "rating.json")); err != nil {
		t.Errorf("expected rating.json artifact: %v", err)
	}
}
