package trio

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bekirdag/mcoda/internal/adapter"
	"github.com/bekirdag/mcoda/internal/errs"
	"github.com/bekirdag/mcoda/internal/gateway"
	"github.com/bekirdag/mcoda/internal/registry"
	"github.com/bekirdag/mcoda/internal/store"
	"github.com/bekirdag/mcoda/internal/stringutils"
)

// StepRequest carries everything one step execution needs.
type StepRequest struct {
	Task       *store.Task
	Step       Step
	Attempt    int
	Analysis   *gateway.Analysis
	Agent      *registry.Agent
	DryRun     bool
	NoCommit   bool
	ReviewBase string
	Timeout    time.Duration
}

// StepResult is the classified outcome of one step.
type StepResult struct {
	Outcome      Outcome
	Decision     string // review decision: approve, revise, block
	QAOutcome    string // qa outcome: pass, fix_required, unclear, infra_issue
	Summary      string
	QualityScore float64
	Error        string

	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CostUSD          float64
	Duration         time.Duration
	Model            string
	Provider         string
}

// StepExecutor runs one trio step against an agent.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, req StepRequest) (*StepResult, error)
}

// AdapterExecutor executes steps through agent adapters and applies the
// resulting task status transitions.
type AdapterExecutor struct {
	resolver *adapter.Resolver
	store    *store.Store
}

// NewAdapterExecutor creates the default step executor.
func NewAdapterExecutor(resolver *adapter.Resolver, st *store.Store) *AdapterExecutor {
	return &AdapterExecutor{resolver: resolver, store: st}
}

// ExecuteStep implements StepExecutor.
func (e *AdapterExecutor) ExecuteStep(ctx context.Context, req StepRequest) (*StepResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	backend := e.resolver.Resolve(req.Agent.Adapter)
	input := adapter.InvokeInput{
		Prompt: buildStepPrompt(req),
		Model:  req.Agent.DefaultModel,
		Metadata: map[string]string{
			"task":    req.Task.Key,
			"step":    string(req.Step),
			"attempt": fmt.Sprintf("%d", req.Attempt),
		},
	}

	started := time.Now()
	invoked, err := backend.Invoke(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return &StepResult{
				Outcome:  OutcomeFailed,
				Error:    "cancelled",
				Duration: time.Since(started),
			}, errs.Wrap(errs.ClassCancelled, ctx.Err(), "%s step cancelled for %s", req.Step, req.Task.Key)
		}
		// Adapter failures are retryable step failures, not aborts.
		return &StepResult{
			Outcome:  OutcomeFailed,
			Error:    err.Error(),
			Duration: time.Since(started),
		}, nil
	}

	res := classifyOutput(req.Step, invoked.Output)
	res.PromptTokens = invoked.PromptTokens
	res.CompletionTokens = invoked.CompletionTokens
	res.TotalTokens = invoked.TotalTokens
	if invoked.CostEstimate != nil {
		res.CostUSD = *invoked.CostEstimate
	}
	res.Duration = time.Since(started)
	res.Model = invoked.Model
	res.Provider = invoked.Adapter

	if !req.DryRun {
		if err := e.applyStatus(req, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// applyStatus moves the task along on success and marks blockage.
func (e *AdapterExecutor) applyStatus(req StepRequest, res *StepResult) error {
	switch {
	case res.Outcome == OutcomeBlocked:
		return e.store.UpdateTaskStatus(req.Task.Key, store.TaskBlocked)
	case res.Outcome != OutcomeSucceeded:
		return nil
	}

	var next store.TaskStatus
	switch req.Step {
	case StepWork:
		next = store.TaskReadyToReview
	case StepReview:
		next = store.TaskReadyToQA
	case StepQA:
		next = store.TaskCompleted
	default:
		return nil
	}
	return e.store.UpdateTaskStatus(req.Task.Key, next)
}

// stepOutput is the loose reply document an execution agent returns.
type stepOutput struct {
	Status       string  `json:"status"`
	Decision     string  `json:"decision"`
	Outcome      string  `json:"outcome"`
	Summary      string  `json:"summary"`
	QualityScore float64 `json:"qualityScore"`
}

// classifyOutput maps raw agent output to a step outcome:
//
//	executor status succeeded/blocked/skipped/failed -> as is
//	review decision approve/revise/block -> succeeded/failed/blocked
//	qa outcome pass/infra_issue/fix_required/unclear -> succeeded/blocked/failed/failed
//
// Unparseable output is a retryable failure.
func classifyOutput(step Step, raw string) *StepResult {
	var out stepOutput
	doc := extractJSONObject(raw)
	if doc == "" || json.Unmarshal([]byte(doc), &out) != nil {
		return &StepResult{
			Outcome: OutcomeFailed,
			Error:   "unparseable step output",
			Summary: stringutils.Truncate(raw, 200),
		}
	}

	res := &StepResult{
		Summary:      out.Summary,
		QualityScore: out.QualityScore,
		Decision:     out.Decision,
		QAOutcome:    out.Outcome,
	}

	switch step {
	case StepReview:
		switch out.Decision {
		case "approve":
			res.Outcome = OutcomeSucceeded
		case "block":
			res.Outcome = OutcomeBlocked
		case "revise":
			res.Outcome = OutcomeFailed
			res.Error = "review requested revisions"
		default:
			res.Outcome = OutcomeFailed
			res.Error = fmt.Sprintf("unknown review decision %q", out.Decision)
		}
	case StepQA:
		switch out.Outcome {
		case "pass":
			res.Outcome = OutcomeSucceeded
		case "infra_issue":
			res.Outcome = OutcomeBlocked
			res.Error = "qa blocked on infrastructure"
		case "fix_required", "unclear":
			res.Outcome = OutcomeFailed
			res.Error = "qa outcome " + out.Outcome
		default:
			res.Outcome = OutcomeFailed
			res.Error = fmt.Sprintf("unknown qa outcome %q", out.Outcome)
		}
	default: // work and anything executor-shaped
		switch out.Status {
		case "succeeded":
			res.Outcome = OutcomeSucceeded
		case "blocked":
			res.Outcome = OutcomeBlocked
		case "skipped":
			res.Outcome = OutcomeSkipped
		case "failed":
			res.Outcome = OutcomeFailed
			res.Error = "executor reported failure"
		default:
			res.Outcome = OutcomeFailed
			res.Error = fmt.Sprintf("unknown executor status %q", out.Status)
		}
	}
	return res
}

func buildStepPrompt(req StepRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s step for task %s (attempt %d)\n\n", strings.ToUpper(string(req.Step)), req.Task.Key, req.Attempt)
	fmt.Fprintf(&b, "%s\n\n%s\n\n", req.Task.Title, req.Task.Description)
	if req.Analysis != nil {
		fmt.Fprintf(&b, "## Plan\n\n%s\n\nComplexity: %d, discipline: %s\n\n",
			strings.Join(req.Analysis.Plan, "\n"), req.Analysis.Complexity, req.Analysis.Discipline)
	}
	switch req.Step {
	case StepWork:
		if req.NoCommit {
			b.WriteString("Do not commit changes.\n")
		}
		b.WriteString(`Implement the task. Reply with JSON {"status": "succeeded|failed|blocked|skipped", "summary": "..."}` + "\n")
	case StepReview:
		if req.ReviewBase != "" {
			fmt.Fprintf(&b, "Review against base %s.\n", req.ReviewBase)
		}
		b.WriteString(`Review the implementation. Reply with JSON {"decision": "approve|revise|block", "summary": "...", "qualityScore": 0-10}` + "\n")
	case StepQA:
		b.WriteString(`Run QA on the implementation. Reply with JSON {"outcome": "pass|fix_required|unclear|infra_issue", "summary": "...", "qualityScore": 0-10}` + "\n")
	}
	return b.String()
}

// extractJSONObject returns the first balanced JSON object in the text.
func extractJSONObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}
	depth, inString, escaped := 0, false, false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}
