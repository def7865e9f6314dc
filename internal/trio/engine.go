package trio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bekirdag/mcoda/internal/config"
	"github.com/bekirdag/mcoda/internal/errs"
	"github.com/bekirdag/mcoda/internal/events"
	"github.com/bekirdag/mcoda/internal/gateway"
	"github.com/bekirdag/mcoda/internal/jobs"
	"github.com/bekirdag/mcoda/internal/rating"
	"github.com/bekirdag/mcoda/internal/registry"
	"github.com/bekirdag/mcoda/internal/router"
	"github.com/bekirdag/mcoda/internal/selector"
	"github.com/bekirdag/mcoda/internal/store"
	"github.com/bekirdag/mcoda/internal/telemetry"
	"github.com/bekirdag/mcoda/internal/workspace"
)

// Request is a gateway-trio run request. It echoes into the job payload
// so a resume can reconstruct the loop.
type Request struct {
	Filter        selector.Filter `json:"filter"`
	MaxIterations int             `json:"maxIterations"`
	MaxCycles     int             `json:"maxCycles"`
	NoCommit      bool            `json:"noCommit,omitempty"`
	DryRun        bool            `json:"dryRun,omitempty"`
	ReviewBase    string          `json:"reviewBase,omitempty"`
	Parallel      int             `json:"parallel,omitempty"`
	GatewayAgent  string          `json:"gatewayAgent,omitempty"`
	AvoidAgents   []string        `json:"avoidAgents,omitempty"`
}

// reason strings recorded into progress and checkpoints.
const (
	reasonDependencyBlocked    = "dependency_blocked"
	reasonMaxIterationsReached = "max_iterations_reached"
)

// Engine drives tasks through the trio ladder for one job at a time.
type Engine struct {
	store    *store.Store
	ws       *workspace.Workspace
	runtime  *jobs.Runtime
	selector *selector.Selector
	gateway  *gateway.Gateway
	router   *router.Router
	prober   *router.HealthProber
	registry *registry.Registry
	rating   *rating.Service
	ledger   *telemetry.Ledger
	executor StepExecutor
	bus      *events.Bus
	cfg      config.TrioConfig
	logger   *slog.Logger

	mu         sync.Mutex // guards state and handoff sequence in parallel mode
	ckptMu     sync.Mutex // serializes the checkpointing state bounce
	handoffSeq int
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Store    *store.Store
	WS       *workspace.Workspace
	Runtime  *jobs.Runtime
	Selector *selector.Selector
	Gateway  *gateway.Gateway
	Router   *router.Router
	Prober   *router.HealthProber
	Registry *registry.Registry
	Rating   *rating.Service
	Ledger   *telemetry.Ledger
	Executor StepExecutor
	Bus      *events.Bus
	Config   config.TrioConfig
	Logger   *slog.Logger
}

// NewEngine creates a trio engine.
func NewEngine(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Engine{
		store:    d.Store,
		ws:       d.WS,
		runtime:  d.Runtime,
		selector: d.Selector,
		gateway:  d.Gateway,
		router:   d.Router,
		prober:   d.Prober,
		registry: d.Registry,
		rating:   d.Rating,
		ledger:   d.Ledger,
		executor: d.Executor,
		bus:      d.Bus,
		cfg:      d.Config,
		logger:   d.Logger,
	}
}

// Result is the outcome of a trio run.
type Result struct {
	Job      *store.Job `json:"job"`
	State    *State     `json:"state"`
	Warnings []string   `json:"warnings,omitempty"`
}

// Run creates a job for the request and drives it to a terminal state.
func (e *Engine) Run(ctx context.Context, commandRunID string, req Request) (*Result, error) {
	e.applyDefaults(&req)

	job, err := e.runtime.Create(jobs.CreateRequest{
		Type:            "gateway-trio",
		CommandName:     "gateway-trio",
		CommandRunID:    commandRunID,
		Payload:         req,
		ResumeSupported: true,
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.runtime.Transition(job.ID, store.JobRunning, ""); err != nil {
		return nil, err
	}

	state := NewState(job.ID, commandRunID)
	if err := SaveState(e.ws.JobDir(job.ID), state); err != nil {
		return nil, err
	}

	return e.drive(ctx, job.ID, req, state)
}

// Resume re-enters a previously started job. Steps already recorded as
// succeeded are not re-executed; the loop continues at the stored cycle.
func (e *Engine) Resume(ctx context.Context, jobID string, overrides map[string]any) (*Result, error) {
	res, err := e.runtime.Resume(jobID, overrides)
	if err != nil {
		return nil, err
	}

	var req Request
	if err := json.Unmarshal([]byte(res.PayloadJSON), &req); err != nil {
		return nil, errs.Wrap(errs.ClassResume, err, "job %s payload does not describe a trio run", jobID)
	}
	e.applyDefaults(&req)

	state, err := LoadState(e.ws.JobDir(jobID))
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = NewState(jobID, res.Job.CommandRunID)
	}

	return e.drive(ctx, jobID, req, state)
}

func (e *Engine) applyDefaults(req *Request) {
	if req.MaxIterations <= 0 {
		req.MaxIterations = e.cfg.MaxIterations
	}
	if req.MaxCycles <= 0 {
		req.MaxCycles = e.cfg.MaxCycles
	}
	req.Filter.OrderByDependencies = true
}

// drive runs cycles until every task is terminal, a cycle attempts
// nothing, or the cycle budget is exhausted.
func (e *Engine) drive(ctx context.Context, jobID string, req Request, state *State) (*Result, error) {
	result := &Result{State: state}

	for state.Cycle < req.MaxCycles {
		if err := ctx.Err(); err != nil {
			return nil, e.cancelled(jobID, state)
		}

		state.Cycle++
		if err := e.persist(jobID, state); err != nil {
			return nil, err
		}

		plan, err := e.selector.Select(req.Filter)
		if err != nil {
			return nil, e.fail(jobID, state, err)
		}
		result.Warnings = append(result.Warnings, plan.Warnings...)

		attempted, err := e.runCycle(ctx, jobID, req, state, plan)
		if err != nil {
			if errs.Is(err, errs.ClassCancelled) {
				return nil, e.cancelled(jobID, state)
			}
			return nil, e.fail(jobID, state, err)
		}

		if state.AllTerminal() && len(state.Tasks) > 0 {
			break
		}
		if !attempted {
			break
		}
	}

	e.finalizeSkipped(state)
	if err := e.persist(jobID, state); err != nil {
		return nil, err
	}

	if _, err := e.runtime.Checkpoint(jobID, "completed", map[string]any{"cycle": state.Cycle}); err != nil {
		return nil, err
	}

	final := store.JobCompleted
	summary := ""
	if !state.AllCompleted() {
		final = store.JobPartial
		summary = errorSummary(state)
	}
	job, err := e.runtime.Transition(jobID, final, summary)
	if err != nil {
		return nil, err
	}
	result.Job = job
	return result, nil
}

// runCycle walks the plan once. Dependency-blocked tasks are recorded but
// stay pending so a later cycle can pick them up once prerequisites
// complete.
func (e *Engine) runCycle(ctx context.Context, jobID string, req Request, state *State, plan *selector.Plan) (bool, error) {
	for _, b := range plan.Blocked {
		p := state.Progress(b.Task.Key)
		if p.Status.Terminal() {
			continue
		}
		p.LastOutcome = string(OutcomeSkipped)
		p.LastError = reasonDependencyBlocked
	}

	var runnable []*store.Task
	for _, task := range plan.Ordered {
		p := state.Progress(task.Key)
		if task.Status.IsTerminal() {
			if task.Status == store.TaskCompleted && !p.Status.Terminal() {
				p.Status = ProgressCompleted
			}
			continue
		}
		if p.Status.Terminal() {
			continue
		}
		if p.Attempts >= req.MaxIterations {
			p.Status = ProgressFailed
			p.LastError = reasonMaxIterationsReached
			if err := e.store.UpdateTaskStatus(task.Key, store.TaskFailed); err != nil {
				return false, err
			}
			if err := e.persist(jobID, state); err != nil {
				return false, err
			}
			continue
		}
		runnable = append(runnable, task)
	}
	if len(runnable) == 0 {
		return false, nil
	}

	workers := 1
	if req.Parallel > 1 {
		// Ordered tasks in one cycle have no incomplete prerequisites,
		// so they are mutually independent and safe to run concurrently.
		workers = req.Parallel
		if workers > len(runnable) {
			workers = len(runnable)
		}
	}

	if workers == 1 {
		for _, task := range runnable {
			if err := ctx.Err(); err != nil {
				return true, errs.Wrap(errs.ClassCancelled, err, "run cancelled")
			}
			if err := e.runTask(ctx, jobID, req, state, task); err != nil {
				return true, err
			}
		}
		return true, nil
	}

	// Buffered so a worker bailing out early never strands the feed.
	taskCh := make(chan *store.Task, len(runnable))
	errCh := make(chan error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskCh {
				if err := e.runTask(ctx, jobID, req, state, task); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	for _, task := range runnable {
		taskCh <- task
	}
	close(taskCh)
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return true, err
	}
	return true, nil
}

// runTask runs the step ladder for one task within the current cycle.
func (e *Engine) runTask(ctx context.Context, jobID string, req Request, state *State, task *store.Task) error {
	e.mu.Lock()
	p := state.Progress(task.Key)
	p.Attempts++
	attempt := p.Attempts
	e.mu.Unlock()

	for _, step := range nextSteps(p) {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.ClassCancelled, err, "step ladder cancelled for %s", task.Key)
		}

		res, err := e.runStep(ctx, jobID, req, state, task, p, step, attempt)
		if err != nil {
			return err
		}

		switch res.Outcome {
		case OutcomeSucceeded:
			ok, err := e.verifyStatus(task.Key, step, req.DryRun)
			if err != nil {
				return err
			}
			if !ok {
				// Status gate failed; the ladder retries from work next
				// cycle.
				gateRes := *res
				gateRes.Outcome = OutcomeFailed
				e.setProgress(p, step, &gateRes, "", fmt.Sprintf("task status gate failed after %s", step))
				return e.persist(jobID, state)
			}
			if step == StepQA {
				e.mu.Lock()
				p.Status = ProgressCompleted
				e.mu.Unlock()
				if err := e.persist(jobID, state); err != nil {
					return err
				}
				e.finalizeRating(jobID, state, task, p)
			}
		case OutcomeBlocked:
			e.mu.Lock()
			p.Status = ProgressBlocked
			e.mu.Unlock()
			return e.persist(jobID, state)
		case OutcomeSkipped:
			e.mu.Lock()
			p.Status = ProgressSkipped
			e.mu.Unlock()
			return e.persist(jobID, state)
		case OutcomeFailed:
			// Retryable; the next cycle restarts at the work step.
			return e.persist(jobID, state)
		}
	}
	return nil
}

// nextSteps returns the remaining ladder for a task: after a succeeded
// step, progression continues; after anything else the ladder restarts
// at work.
func nextSteps(p *TaskProgress) []Step {
	full := []Step{StepWork, StepReview, StepQA}
	if p.LastOutcome != string(OutcomeSucceeded) {
		return full
	}
	switch p.LastStep {
	case StepWork:
		return []Step{StepReview, StepQA}
	case StepReview:
		return []Step{StepQA}
	case StepQA:
		return nil
	}
	return full
}

// runStep performs gateway analysis, routes to an agent, executes the
// step, records the run and usage, and checkpoints.
func (e *Engine) runStep(ctx context.Context, jobID string, req Request, state *State, task *store.Task, p *TaskProgress, step Step, attempt int) (*StepResult, error) {
	if step == StepWork && !req.DryRun {
		// Entering work downgrades any earlier ready-to-* status; only
		// the engine may do this.
		if err := e.store.UpdateTaskStatus(task.Key, store.TaskInProgress); err != nil {
			return nil, err
		}
	}

	analysis, err := e.gateway.Analyze(ctx, task, e.promptContext(req, task), req.GatewayAgent, "")
	if err != nil {
		return nil, err
	}

	agents, err := e.registry.List()
	if err != nil {
		return nil, err
	}
	candidates := e.prober.Candidates(ctx, agents)
	sel, err := e.router.Select(analysis, candidates, req.AvoidAgents)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	p.ChosenAgents[step] = sel.Agent.Slug
	p.LastComplexity = analysis.Complexity
	e.mu.Unlock()

	if err := e.store.AssignTaskAgent(task.Key, sel.Agent.Slug); err != nil {
		return nil, err
	}

	e.logger.Info("executing step",
		"job", jobID, "task", task.Key, "step", step, "attempt", attempt,
		"agent", sel.Agent.Slug, "complexity", analysis.Complexity)

	res, stepErr := e.executor.ExecuteStep(ctx, StepRequest{
		Task:       task,
		Step:       step,
		Attempt:    attempt,
		Analysis:   analysis,
		Agent:      sel.Agent,
		DryRun:     req.DryRun,
		NoCommit:   req.NoCommit,
		ReviewBase: req.ReviewBase,
		Timeout:    e.cfg.StepTimeout,
	})
	if stepErr != nil && res == nil {
		return nil, stepErr
	}

	e.setProgress(p, step, res, res.Decision, res.Error)

	finished := time.Now()
	if err := e.store.InsertTaskRun(&store.TaskRun{
		JobID:      jobID,
		TaskKey:    task.Key,
		Step:       string(step),
		Attempt:    attempt,
		Status:     runStatus(res.Outcome),
		Decision:   res.Decision,
		Outcome:    outcomeDetail(res),
		Error:      res.Error,
		StartedAt:  finished.Add(-res.Duration),
		FinishedAt: &finished,
	}); err != nil {
		return nil, err
	}

	e.recordUsage(jobID, state, task, step, sel.Agent, res)

	e.mu.Lock()
	p.TotalCostUSD += res.CostUSD
	p.TotalDurationS += res.Duration.Seconds()
	if res.QualityScore > 0 {
		p.LastQualityScore = res.QualityScore
	}
	e.mu.Unlock()

	e.ckptMu.Lock()
	_, ckptErr := e.runtime.Checkpoint(jobID, fmt.Sprintf("task:%s:%s", task.Key, step), map[string]any{
		"task":    task.Key,
		"attempt": attempt,
		"outcome": string(res.Outcome),
	})
	e.ckptMu.Unlock()
	if ckptErr != nil {
		return nil, ckptErr
	}
	if err := e.persist(jobID, state); err != nil {
		return nil, err
	}

	e.writeHandoff(jobID, task, step, sel, res)

	if e.bus != nil {
		e.bus.Publish(&events.Event{
			ID:        fmt.Sprintf("%s-%s-%s-%d", jobID, task.Key, step, attempt),
			Type:      events.EventStep,
			JobID:     jobID,
			TaskKey:   task.Key,
			Step:      string(step),
			Priority:  events.PriorityNormal,
			Payload:   map[string]any{"outcome": string(res.Outcome), "agent": sel.Agent.Slug},
			CreatedAt: finished,
		})
	}

	if stepErr != nil {
		// Cancellation surfaced by the executor after the checkpoint
		// flushed.
		return res, stepErr
	}
	return res, nil
}

func (e *Engine) setProgress(p *TaskProgress, step Step, res *StepResult, decision, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p.LastStep = step
	p.LastOutcome = string(res.Outcome)
	if res.Decision != "" {
		p.LastDecision = res.Decision
	} else if res.QAOutcome != "" {
		p.LastDecision = res.QAOutcome
	} else if decision != "" {
		p.LastDecision = decision
	}
	if errMsg != "" {
		p.LastError = errMsg
	} else {
		p.LastError = res.Error
	}
}

// verifyStatus refreshes the task and checks the status gate for a
// succeeded step.
func (e *Engine) verifyStatus(taskKey string, step Step, dryRun bool) (bool, error) {
	if dryRun {
		return true, nil
	}
	reloaded, err := e.store.GetTaskByKey(taskKey)
	if err != nil {
		return false, err
	}
	var want store.TaskStatus
	switch step {
	case StepWork:
		want = store.TaskReadyToReview
	case StepReview:
		want = store.TaskReadyToQA
	case StepQA:
		want = store.TaskCompleted
	}
	return reloaded.Status == want, nil
}

func (e *Engine) recordUsage(jobID string, state *State, task *store.Task, step Step, agent *registry.Agent, res *StepResult) {
	if e.ledger == nil {
		return
	}
	durMS := res.Duration.Milliseconds()
	cost := res.CostUSD
	err := e.ledger.Record(telemetry.Event{
		WorkspaceID:      e.ws.Info.ID,
		ProjectKey:       e.projectKeyOf(task),
		AgentSlug:        agent.Slug,
		JobID:            jobID,
		CommandRunID:     state.CommandRunID,
		TaskKey:          task.Key,
		CommandName:      "gateway-trio",
		Action:           string(step),
		InvocationKind:   "trio_step",
		Provider:         res.Provider,
		Model:            res.Model,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		TotalTokens:      res.TotalTokens,
		DurationMS:       &durMS,
		CostEstimate:     &cost,
	})
	if err != nil {
		e.logger.Warn("failed to record token usage", "job", jobID, "task", task.Key, "error", err)
	}

	if e.bus != nil {
		e.bus.Publish(events.NewEvent(events.EventTokenUsage, jobID, events.PriorityLow, map[string]any{
			"task": task.Key, "step": string(step), "total_tokens": res.TotalTokens,
		}))
	}
}

func (e *Engine) projectKeyOf(task *store.Task) string {
	// Task keys are PROJECT-... by convention; the prefix is enough for
	// grouping without another query.
	for i := 0; i < len(task.Key); i++ {
		if task.Key[i] == '-' {
			return task.Key[:i]
		}
	}
	return task.Key
}

// finalizeRating rates the work agent for the completed task.
func (e *Engine) finalizeRating(jobID string, state *State, task *store.Task, p *TaskProgress) {
	if e.rating == nil {
		return
	}
	workAgent := p.ChosenAgents[StepWork]
	if workAgent == "" {
		return
	}
	quality := p.LastQualityScore
	if quality == 0 {
		quality = 5
	}
	_, err := e.rating.RateRun(rating.RunInput{
		AgentSlug:       workAgent,
		JobID:           jobID,
		TaskKey:         task.Key,
		Complexity:      p.LastComplexity,
		QualityScore:    quality,
		TotalCostUSD:    p.TotalCostUSD,
		DurationSeconds: p.TotalDurationS,
		Iterations:      p.Attempts,
	}, e.ws.JobDir(jobID))
	if err != nil {
		e.logger.Warn("failed to rate run", "job", jobID, "task", task.Key, "agent", workAgent, "error", err)
	}
}

func (e *Engine) promptContext(req Request, task *store.Task) gateway.PromptContext {
	return gateway.PromptContext{
		JobPrompt:     fmt.Sprintf("gateway-trio run over %d max cycles", req.MaxCycles),
		CommandPrompt: "Drive the task through implementation, review, and QA.",
	}
}

// finalizeSkipped converts still-pending dependency-blocked progress to
// the terminal skipped status at end of run.
func (e *Engine) finalizeSkipped(state *State) {
	for _, p := range state.Tasks {
		if p.Status == ProgressPending && p.LastError == reasonDependencyBlocked {
			p.Status = ProgressSkipped
		}
	}
}

func (e *Engine) persist(jobID string, state *State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SaveState(e.ws.JobDir(jobID), state)
}

func (e *Engine) cancelled(jobID string, state *State) error {
	// Cooperative cancellation: give subprocess children the grace
	// period to wind down before the job flips to cancelled.
	if e.cfg.CancelGrace > 0 {
		time.Sleep(e.cfg.CancelGrace)
	}
	e.finalizeSkipped(state)
	_ = e.persist(jobID, state)
	if _, err := e.runtime.Cancel(jobID, false); err != nil {
		e.logger.Warn("failed to mark job cancelled", "job", jobID, "error", err)
	}
	return errs.New(errs.ClassCancelled, "job %s cancelled", jobID)
}

func (e *Engine) fail(jobID string, state *State, cause error) error {
	_ = e.persist(jobID, state)
	if _, terr := e.runtime.Transition(jobID, store.JobFailed, cause.Error()); terr != nil {
		e.logger.Warn("failed to mark job failed", "job", jobID, "error", terr)
	}
	return cause
}

func errorSummary(state *State) string {
	counts := map[ProgressStatus]int{}
	var firstErr string
	for _, p := range state.Tasks {
		counts[p.Status]++
		if firstErr == "" && p.LastError != "" {
			firstErr = fmt.Sprintf("%s: %s", p.TaskKey, p.LastError)
		}
	}
	summary := fmt.Sprintf("completed=%d failed=%d blocked=%d skipped=%d",
		counts[ProgressCompleted], counts[ProgressFailed], counts[ProgressBlocked], counts[ProgressSkipped])
	if firstErr != "" {
		summary += "; " + firstErr
	}
	return summary
}

func runStatus(o Outcome) store.TaskRunStatus {
	switch o {
	case OutcomeSucceeded:
		return store.RunSucceeded
	case OutcomeBlocked:
		return store.RunBlocked
	case OutcomeSkipped:
		return store.RunSkipped
	default:
		return store.RunFailed
	}
}

func outcomeDetail(res *StepResult) string {
	if res.QAOutcome != "" {
		return res.QAOutcome
	}
	if res.Decision != "" {
		return res.Decision
	}
	return string(res.Outcome)
}
