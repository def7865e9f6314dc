// Package gateway implements the gateway agent: it analyzes a task before
// execution and produces a structured plan (summary, complexity,
// discipline, files). Malformed replies are repaired with a follow-up
// prompt before the analysis is declared unparseable.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bekirdag/mcoda/internal/adapter"
	"github.com/bekirdag/mcoda/internal/errs"
	"github.com/bekirdag/mcoda/internal/store"
)

// Discipline classifies the kind of work a task needs.
type Discipline string

const (
	DisciplineCode     Discipline = "code"
	DisciplineDocs     Discipline = "docs"
	DisciplineQA       Discipline = "qa"
	DisciplineOps      Discipline = "ops"
	DisciplineResearch Discipline = "research"
)

// Analysis is the structured plan the gateway produces for a task.
type Analysis struct {
	Summary            string     `json:"summary"`
	ReasoningSummary   string     `json:"reasoningSummary,omitempty"`
	CurrentState       string     `json:"currentState,omitempty"`
	Todo               string     `json:"todo,omitempty"`
	Understanding      string     `json:"understanding,omitempty"`
	Plan               []string   `json:"plan"`
	Complexity         int        `json:"complexity"`
	Discipline         Discipline `json:"discipline"`
	FilesLikelyTouched []string   `json:"filesLikelyTouched"`
	FilesToCreate      []string   `json:"filesToCreate"`
	Assumptions        []string   `json:"assumptions,omitempty"`
	Risks              []string   `json:"risks,omitempty"`
	DocdexNotes        []string   `json:"docdexNotes,omitempty"`
}

// PromptContext carries the context fragments assembled into the
// analysis prompt.
type PromptContext struct {
	JobPrompt       string
	CharacterPrompt string
	CommandPrompt   string
	RepoMemory      string
	UserProfile     string
	ResearchSummary string
}

// Cache stores analyses keyed by task identity so unchanged tasks are not
// re-analyzed on resume.
type Cache interface {
	Get(taskKey, fingerprint string) (*Analysis, bool)
	Put(taskKey, fingerprint string, a *Analysis) error
}

// maxRepairAttempts is the number of additional invocations allowed after
// the first unparseable reply.
const maxRepairAttempts = 2

// Gateway analyzes tasks ahead of execution.
type Gateway struct {
	resolver *adapter.Resolver
	cache    Cache
	logger   *slog.Logger
}

// New creates a gateway. cache may be nil.
func New(resolver *adapter.Resolver, cache Cache, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{resolver: resolver, cache: cache, logger: logger}
}

// Analyze runs the gateway agent for the task and returns the parsed
// analysis. adapterName selects the gateway agent's backend.
func (g *Gateway) Analyze(ctx context.Context, task *store.Task, pctx PromptContext, adapterName, model string) (*Analysis, error) {
	fingerprint := taskFingerprint(task, pctx)
	if g.cache != nil {
		if a, ok := g.cache.Get(task.Key, fingerprint); ok {
			g.logger.Debug("gateway analysis cache hit", "task", task.Key)
			return a, nil
		}
	}

	backend := g.resolver.Resolve(adapterName)
	prompt := SanitizePrompt(buildPrompt(task, pctx))

	var lastErr error
	for attempt := 0; attempt <= maxRepairAttempts; attempt++ {
		input := adapter.InvokeInput{
			Prompt: prompt,
			Model:  model,
			Metadata: map[string]string{
				"task": task.Key,
				"step": "analyze",
			},
		}
		res, err := backend.Invoke(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errs.Wrap(errs.ClassCancelled, ctx.Err(), "analysis cancelled for %s", task.Key)
			}
			return nil, errs.Wrap(errs.ClassUnreachable, err, "gateway agent invocation failed for %s", task.Key)
		}

		analysis, missing, err := ParseAnalysis(res.Output)
		if err == nil && len(missing) == 0 {
			if g.cache != nil {
				if cerr := g.cache.Put(task.Key, fingerprint, analysis); cerr != nil {
					g.logger.Warn("gateway analysis cache write failed", "task", task.Key, "error", cerr)
				}
			}
			return analysis, nil
		}

		if err != nil {
			lastErr = err
			prompt = repairPromptForParse(res.Output)
		} else {
			lastErr = fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
			prompt = RepairPrompt(missing)
		}
		g.logger.Debug("gateway analysis needs repair", "task", task.Key, "attempt", attempt+1, "reason", lastErr)
	}

	return nil, errs.Wrap(errs.ClassGateway, lastErr, "gateway analysis unparseable for %s after %d attempts", task.Key, maxRepairAttempts+1).
		WithHint("check the gateway agent's output format or choose a different gateway agent")
}

func buildPrompt(task *store.Task, pctx PromptContext) string {
	var b strings.Builder
	section := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", title, strings.TrimSpace(body))
	}

	section("Job", pctx.JobPrompt)
	section("Character", pctx.CharacterPrompt)
	section("Command", pctx.CommandPrompt)
	section("Repository memory", pctx.RepoMemory)
	section("User profile", pctx.UserProfile)
	section("Research", pctx.ResearchSummary)

	fmt.Fprintf(&b, "## Task %s\n\n%s\n\n%s\n\n", task.Key, task.Title, task.Description)
	b.WriteString("Respond with a single JSON object containing: summary, reasoningSummary, currentState, todo, understanding, plan, complexity (1-10), discipline (code|docs|qa|ops|research), filesLikelyTouched, filesToCreate, assumptions, risks, docdexNotes.\n")
	return b.String()
}

func taskFingerprint(task *store.Task, pctx PromptContext) string {
	return fmt.Sprintf("%s|%d|%s", task.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z"), len(task.Description), hashShort(buildPrompt(task, pctx)))
}

// hashShort is a stable FNV-1a hash in hex, enough to detect prompt
// drift without pulling in crypto.
func hashShort(s string) string {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return fmt.Sprintf("%016x", h)
}
