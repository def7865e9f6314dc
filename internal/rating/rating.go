// Package rating scores completed agent runs against complexity-derived
// budgets and folds the result into per-agent EMA ratings. Complexity
// caps are promoted and demoted at most once per cooldown.
package rating

import (
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/bekirdag/mcoda/internal/errs"
	"github.com/bekirdag/mcoda/internal/registry"
)

// Weights are the penalty weights applied to budget overruns.
type Weights struct {
	Cost float64 `json:"cost"`
	Time float64 `json:"time"`
	Iter float64 `json:"iterations"`
}

// DefaultWeights match the standard scoring profile.
var DefaultWeights = Weights{Cost: 1.0, Time: 0.5, Iter: 0.5}

// Budget is the allowance for one run, derived from complexity.
type Budget struct {
	CostUSD         float64 `json:"costUsd"`
	DurationSeconds float64 `json:"durationSeconds"`
	Iterations      int     `json:"iterations"`
}

// BaseBudget is the complexity-5 baseline a budget scales from.
type BaseBudget struct {
	CostUSD         float64
	DurationSeconds float64
	Iterations      int
}

// RunInput describes one finished run to be rated.
type RunInput struct {
	AgentSlug       string
	JobID           string
	TaskKey         string
	Complexity      int
	QualityScore    float64 // [0,10]
	ReasoningScore  float64 // [0,10]; 0 falls back to QualityScore
	TotalCostUSD    float64
	DurationSeconds float64
	Iterations      int
}

// Result reports the computed score and any rating changes.
type Result struct {
	RunScore         float64 `json:"runScore"`
	Budget           Budget  `json:"budget"`
	RatingBefore     float64 `json:"ratingBefore"`
	RatingAfter      float64 `json:"ratingAfter"`
	ReasoningBefore  float64 `json:"reasoningBefore"`
	ReasoningAfter   float64 `json:"reasoningAfter"`
	MaxComplexity    int     `json:"maxComplexity"`
	ComplexityChange int     `json:"complexityChange"` // -1, 0, +1
}

// Thresholds for complexity cap adjustment.
const (
	promoteRunScore     = 7.5
	promoteQualityScore = 7.0
	demoteRunScore      = 4.0
	maxComplexityCap    = 10
	minComplexityCap    = 1
)

// Service rates runs and maintains agent ratings.
type Service struct {
	registry *registry.Registry
	window   int
	cooldown time.Duration
	weights  Weights
	base     BaseBudget
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a rating service. window is the EMA window (samples);
// cooldown bounds complexity cap changes.
func New(reg *registry.Registry, window int, cooldown time.Duration, weights Weights, base BaseBudget, logger *slog.Logger, opts ...Option) *Service {
	if window <= 0 {
		window = 50
	}
	if cooldown <= 0 {
		cooldown = 24 * time.Hour
	}
	if weights == (Weights{}) {
		weights = DefaultWeights
	}
	if base == (BaseBudget{}) {
		base = BaseBudget{CostUSD: 1.50, DurationSeconds: 600, Iterations: 3}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		registry: reg,
		window:   window,
		cooldown: cooldown,
		weights:  weights,
		base:     base,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// BudgetFor derives the run budget for a complexity level:
// factor = clamp(complexity/5, 0.5, 2); the iteration budget additionally
// grows by complexity/3 rounded.
func (s *Service) BudgetFor(complexity int) Budget {
	factor := clamp(float64(complexity)/5.0, 0.5, 2.0)
	return Budget{
		CostUSD:         s.base.CostUSD * factor,
		DurationSeconds: s.base.DurationSeconds * factor,
		Iterations:      s.base.Iterations + int(math.Round(float64(complexity)/3.0)),
	}
}

// Score computes the run score for an input without persisting anything.
func (s *Service) Score(in RunInput) (float64, Budget) {
	budget := s.BudgetFor(in.Complexity)

	costPenalty := overrun(in.TotalCostUSD, budget.CostUSD)
	timePenalty := overrun(in.DurationSeconds, budget.DurationSeconds)
	iterPenalty := overrun(float64(in.Iterations), float64(budget.Iterations))

	score := in.QualityScore -
		s.weights.Cost*costPenalty -
		s.weights.Time*timePenalty -
		s.weights.Iter*iterPenalty
	return clamp(score, 0, 10), budget
}

// Alpha returns the EMA smoothing factor 2/(window+1).
func (s *Service) Alpha() float64 {
	return 2.0 / (float64(s.window) + 1.0)
}

// RateRun scores the run, updates the agent's EMA ratings, applies any
// cooldown-gated complexity cap change, and appends the run-rating row.
// When artifactDir is non-empty a rating.json is written there.
func (s *Service) RateRun(in RunInput, artifactDir string) (*Result, error) {
	agent, err := s.registry.GetBySlug(in.AgentSlug)
	if err != nil {
		return nil, err
	}

	runScore, budget := s.Score(in)
	alpha := s.Alpha()

	reasoningScore := in.ReasoningScore
	if reasoningScore == 0 {
		reasoningScore = in.QualityScore
	}

	res := &Result{
		RunScore:        runScore,
		Budget:          budget,
		RatingBefore:    agent.Rating,
		ReasoningBefore: agent.ReasoningRating,
		MaxComplexity:   agent.MaxComplexity,
	}
	res.RatingAfter = agent.Rating + alpha*(runScore-agent.Rating)
	res.ReasoningAfter = agent.ReasoningRating + alpha*(reasoningScore-agent.ReasoningRating)

	if err := s.registry.UpdateRatings(in.AgentSlug, res.RatingAfter, res.ReasoningAfter, agent.RatingSamples+1); err != nil {
		return nil, err
	}

	if change, newCap := s.complexityChange(agent, in, runScore); change != 0 {
		if err := s.registry.UpdateMaxComplexity(in.AgentSlug, newCap, s.now()); err != nil {
			return nil, err
		}
		res.ComplexityChange = change
		res.MaxComplexity = newCap
		s.logger.Info("agent complexity cap adjusted",
			"agent", in.AgentSlug, "change", change, "maxComplexity", newCap)
	}

	rr := &registry.RunRating{
		AgentSlug:    in.AgentSlug,
		JobID:        in.JobID,
		TaskKey:      in.TaskKey,
		Complexity:   in.Complexity,
		QualityScore: in.QualityScore,
		RunScore:     runScore,
		TotalCostUSD: in.TotalCostUSD,
		DurationSecs: in.DurationSeconds,
		Iterations:   in.Iterations,
		RatingAfter:  res.RatingAfter,
		CreatedAt:    s.now(),
	}
	if err := s.registry.InsertRunRating(rr); err != nil {
		return nil, err
	}

	if artifactDir != "" {
		if err := s.writeArtifact(artifactDir, in, res); err != nil {
			// The rating itself is already persisted; artifact loss is
			// reported but not fatal.
			s.logger.Warn("failed to write rating.json", "dir", artifactDir, "error", err)
		}
	}
	return res, nil
}

// complexityChange applies the promote/demote rules, at most once per
// cooldown window.
func (s *Service) complexityChange(agent *registry.Agent, in RunInput, runScore float64) (int, int) {
	if !agent.ComplexityUpdatedAt.IsZero() && s.now().Sub(agent.ComplexityUpdatedAt) < s.cooldown {
		return 0, agent.MaxComplexity
	}

	if runScore >= promoteRunScore && in.QualityScore >= promoteQualityScore &&
		in.Complexity >= agent.MaxComplexity && agent.MaxComplexity < maxComplexityCap {
		return +1, agent.MaxComplexity + 1
	}
	if runScore <= demoteRunScore && in.Complexity <= agent.MaxComplexity &&
		agent.MaxComplexity > minComplexityCap {
		return -1, agent.MaxComplexity - 1
	}
	return 0, agent.MaxComplexity
}

func (s *Service) writeArtifact(dir string, in RunInput, res *Result) error {
	payload := map[string]any{
		"agent":     in.AgentSlug,
		"task":      in.TaskKey,
		"input":     in,
		"result":    res,
		"window":    s.window,
		"alpha":     s.Alpha(),
		"createdAt": s.now().UTC(),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to create artifact directory")
	}
	return os.WriteFile(filepath.Join(dir, "rating.json"), data, 0o644)
}

func overrun(actual, budget float64) float64 {
	if budget <= 0 {
		return 0
	}
	return math.Max(0, (actual-budget)/budget)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
