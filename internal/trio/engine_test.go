package trio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bekirdag/mcoda/internal/adapter"
	"github.com/bekirdag/mcoda/internal/config"
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

// exploitRNG never explores.
type exploitRNG struct{}

func (exploitRNG) Float64() float64 { return 0.99 }

type testEnv struct {
	ws      *workspace.Workspace
	store   *store.Store
	reg     *registry.Registry
	stub    *adapter.StubAdapter
	runtime *jobs.Runtime
	engine  *Engine
	run     *store.CommandRun
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	os.Unsetenv("MCODA_JOBS_DIR")
	os.Unsetenv("MCODA_DB_PATH")
	os.Unsetenv("MCODA_CACHE_DIR")

	ws, err := workspace.Init(t.TempDir(), "test")
	require.NoError(t, err)

	st, err := store.Open(ws.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := registry.Open(filepath.Join(t.TempDir(), "global.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	require.NoError(t, reg.Upsert(&registry.Agent{
		Slug:          "agent-a",
		Adapter:       "stub",
		Capabilities:  []string{"code", "review", "qa"},
		Rating:        5,
		MaxComplexity: 5,
	}))

	stub := adapter.NewStub()
	resolver := adapter.NewResolver(true, stub)
	bus := events.NewBus()
	runtime := jobs.NewRuntime(st, ws, bus, nil)
	ledger := telemetry.NewLedger(st.DB())
	cfg := config.Default().Trio

	engine := NewEngine(Deps{
		Store:    st,
		WS:       ws,
		Runtime:  runtime,
		Selector: selector.New(st),
		Gateway:  gateway.New(resolver, nil, nil),
		Router:   router.New(0.1, exploitRNG{}),
		Prober:   router.NewHealthProber(resolver, true, nil),
		Registry: reg,
		Rating:   rating.New(reg, 50, 0, rating.Weights{}, rating.BaseBudget{}, nil),
		Ledger:   ledger,
		Executor: NewAdapterExecutor(resolver, st),
		Bus:      bus,
		Config:   cfg,
	})

	run, err := st.CreateCommandRun("gateway-trio", "{}")
	require.NoError(t, err)

	return &testEnv{ws: ws, store: st, reg: reg, stub: stub, runtime: runtime, engine: engine, run: run}
}

func (e *testEnv) seedTask(t *testing.T, key string, status store.TaskStatus) *store.Task {
	t.Helper()
	project, err := e.store.GetProjectByKey("P")
	if err != nil {
		project, err = e.store.CreateProject("P", "Project")
		require.NoError(t, err)
	}
	epic, err := e.store.CreateEpic(project.ID, "E-"+key, "Epic")
	require.NoError(t, err)
	story, err := e.store.CreateStory(project.ID, epic.ID, "US-"+key, "Story")
	require.NoError(t, err)

	task := &store.Task{
		ProjectID: project.ID,
		EpicID:    epic.ID,
		StoryID:   story.ID,
		Key:       key,
		Title:     "Task " + key,
		Status:    status,
		Priority:  1,
	}
	require.NoError(t, e.store.CreateTask(task))
	return task
}

func runsByStep(runs []store.TaskRun, taskKey string) map[string]int {
	out := map[string]int{}
	for _, r := range runs {
		if r.TaskKey == taskKey {
			out[r.Step]++
		}
	}
	return out
}

func TestHappyTrio(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "P-E1-US1-T01", store.TaskNotStarted)
	env.seedTask(t, "P-E1-US1-T02", store.TaskNotStarted)

	result, err := env.engine.Run(context.Background(), env.run.ID, Request{
		Filter: selector.Filter{TaskKeys: []string{"P-E1-US1-T01", "P-E1-US1-T02"}},
	})
	require.NoError(t, err)

	assert.Equal(t, store.JobCompleted, result.Job.State)
	for _, key := range []string{"P-E1-US1-T01", "P-E1-US1-T02"} {
		p := result.State.Tasks[key]
		require.NotNil(t, p, "progress for %s", key)
		assert.Equal(t, ProgressCompleted, p.Status)
		assert.Equal(t, "agent-a", p.ChosenAgents[StepWork])

		task, err := env.store.GetTaskByKey(key)
		require.NoError(t, err)
		assert.Equal(t, store.TaskCompleted, task.Status)
	}

	runs, err := env.store.ListTaskRuns(result.Job.ID)
	require.NoError(t, err)
	for _, key := range []string{"P-E1-US1-T01", "P-E1-US1-T02"} {
		steps := runsByStep(runs, key)
		assert.Equal(t, 1, steps["work"], "%s work runs", key)
		assert.Equal(t, 1, steps["review"], "%s review runs", key)
		assert.Equal(t, 1, steps["qa"], "%s qa runs", key)
	}
	for _, r := range runs {
		assert.Equal(t, store.RunSucceeded, r.Status)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "P-T01", store.TaskNotStarted)

	env.stub.Script("P-T01", "work", adapter.StubWorkOutput("failed"))
	env.stub.Script("P-T01", "work", adapter.StubWorkOutput("failed"))

	result, err := env.engine.Run(context.Background(), env.run.ID, Request{
		Filter:        selector.Filter{TaskKeys: []string{"P-T01"}},
		MaxIterations: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, store.JobPartial, result.Job.State)
	p := result.State.Tasks["P-T01"]
	require.NotNil(t, p)
	assert.Equal(t, ProgressFailed, p.Status)
	assert.Equal(t, "max_iterations_reached", p.LastError)
	assert.Equal(t, 2, p.Attempts)

	runs, err := env.store.ListTaskRuns(result.Job.ID)
	require.NoError(t, err)
	steps := runsByStep(runs, "P-T01")
	assert.Equal(t, 2, steps["work"], "one work run per attempt")
	assert.Zero(t, steps["review"], "review must never run")
	assert.Zero(t, steps["qa"], "qa must never run")

	// One step checkpoint per attempt, then the final completion marker.
	entries, err := env.runtime.Checkpoints(result.Job.ID)
	require.NoError(t, err)
	var workCheckpoints int
	for _, e := range entries {
		if e.Stage == "task:P-T01:work" {
			workCheckpoints++
		}
	}
	assert.Equal(t, 2, workCheckpoints)
	assert.Equal(t, "completed", entries[len(entries)-1].Stage)
}

func TestBlockedReviewStopsTask(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "P-T01", store.TaskNotStarted)

	env.stub.Script("P-T01", "review", adapter.StubReviewOutput("block", 3))

	result, err := env.engine.Run(context.Background(), env.run.ID, Request{
		Filter: selector.Filter{TaskKeys: []string{"P-T01"}},
	})
	require.NoError(t, err)

	assert.Equal(t, store.JobPartial, result.Job.State)
	p := result.State.Tasks["P-T01"]
	assert.Equal(t, ProgressBlocked, p.Status)

	task, err := env.store.GetTaskByKey("P-T01")
	require.NoError(t, err)
	assert.Equal(t, store.TaskBlocked, task.Status)
}

func TestReviseRetriesFromWork(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "P-T01", store.TaskNotStarted)

	// First cycle: review asks for revisions. Second cycle: clean run.
	env.stub.Script("P-T01", "review", adapter.StubReviewOutput("revise", 4))

	result, err := env.engine.Run(context.Background(), env.run.ID, Request{
		Filter: selector.Filter{TaskKeys: []string{"P-T01"}},
	})
	require.NoError(t, err)

	assert.Equal(t, store.JobCompleted, result.Job.State)
	runs, err := env.store.ListTaskRuns(result.Job.ID)
	require.NoError(t, err)
	steps := runsByStep(runs, "P-T01")
	assert.Equal(t, 2, steps["work"], "revise loops back to work in the next cycle")
	assert.Equal(t, 2, steps["review"])
	assert.Equal(t, 1, steps["qa"])
}

func TestDependencyBlockedTaskRunsInLaterCycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "P-T01", store.TaskNotStarted)
	env.seedTask(t, "P-T02", store.TaskNotStarted)
	require.NoError(t, env.store.AddDependency("P-T02", "P-T01"))

	result, err := env.engine.Run(context.Background(), env.run.ID, Request{
		Filter: selector.Filter{ProjectKey: "P"},
	})
	require.NoError(t, err)

	assert.Equal(t, store.JobCompleted, result.Job.State)
	assert.Equal(t, ProgressCompleted, result.State.Tasks["P-T01"].Status)
	assert.Equal(t, ProgressCompleted, result.State.Tasks["P-T02"].Status,
		"dependent task must run once its prerequisite completes")
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "P-T01", store.TaskReadyToQA)

	job, err := env.runtime.Create(jobs.CreateRequest{
		Type:        "gateway-trio",
		CommandName: "gateway-trio",
		Payload: Request{
			Filter:        selector.Filter{TaskKeys: []string{"P-T01"}},
			MaxIterations: 3,
			MaxCycles:     5,
		},
		ResumeSupported: true,
	})
	require.NoError(t, err)
	_, err = env.runtime.Transition(job.ID, store.JobRunning, "")
	require.NoError(t, err)
	_, err = env.runtime.Checkpoint(job.ID, "task:P-T01:work", map[string]any{"outcome": "succeeded"})
	require.NoError(t, err)
	_, err = env.runtime.Checkpoint(job.ID, "task:P-T01:review", map[string]any{"outcome": "succeeded"})
	require.NoError(t, err)
	_, err = env.runtime.Transition(job.ID, store.JobPaused, "")
	require.NoError(t, err)

	state := NewState(job.ID, env.run.ID)
	p := state.Progress("P-T01")
	p.Attempts = 1
	p.LastStep = StepReview
	p.LastOutcome = string(OutcomeSucceeded)
	p.ChosenAgents[StepWork] = "agent-a"
	p.ChosenAgents[StepReview] = "agent-a"
	state.Cycle = 1
	require.NoError(t, SaveState(env.ws.JobDir(job.ID), state))

	result, err := env.engine.Resume(context.Background(), job.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, store.JobCompleted, result.Job.State)
	assert.Equal(t, ProgressCompleted, result.State.Tasks["P-T01"].Status)

	// Only the QA step executed; work and review were not re-run.
	runs, err := env.store.ListTaskRuns(job.ID)
	require.NoError(t, err)
	steps := runsByStep(runs, "P-T01")
	assert.Zero(t, steps["work"])
	assert.Zero(t, steps["review"])
	assert.Equal(t, 1, steps["qa"])

	// Checkpoints strictly extend the original sequence.
	entries, err := env.runtime.Checkpoints(job.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 4)
	assert.Equal(t, "task:P-T01:work", entries[0].Stage)
	assert.Equal(t, "task:P-T01:review", entries[1].Stage)
	assert.Equal(t, "task:P-T01:qa", entries[2].Stage)
	assert.Equal(t, "completed", entries[len(entries)-1].Stage)
}

func TestResumeOnRunningJobFails(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "P-T01", store.TaskNotStarted)

	job, err := env.runtime.Create(jobs.CreateRequest{
		Type:            "gateway-trio",
		CommandName:     "gateway-trio",
		Payload:         Request{Filter: selector.Filter{TaskKeys: []string{"P-T01"}}},
		ResumeSupported: true,
	})
	require.NoError(t, err)
	_, err = env.runtime.Transition(job.ID, store.JobRunning, "")
	require.NoError(t, err)

	_, err = env.engine.Resume(context.Background(), job.ID, nil)
	require.Error(t, err)
}

func TestDryRunLeavesTasksUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "P-T01", store.TaskNotStarted)

	result, err := env.engine.Run(context.Background(), env.run.ID, Request{
		Filter: selector.Filter{TaskKeys: []string{"P-T01"}},
		DryRun: true,
	})
	require.NoError(t, err)

	assert.Equal(t, store.JobCompleted, result.Job.State)
	task, err := env.store.GetTaskByKey("P-T01")
	require.NoError(t, err)
	assert.Equal(t, store.TaskNotStarted, task.Status, "dry run must not mutate task status")
}

func TestTokenUsageRecordedPerStep(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "P-T01", store.TaskNotStarted)

	result, err := env.engine.Run(context.Background(), env.run.ID, Request{
		Filter: selector.Filter{TaskKeys: []string{"P-T01"}},
	})
	require.NoError(t, err)

	ledger := telemetry.NewLedger(env.store.DB())
	eventsList, err := ledger.Query(telemetry.Filter{JobID: result.Job.ID}, 1, 100)
	require.NoError(t, err)
	assert.Len(t, eventsList, 3, "one usage event per step")
}

func TestParallelIndependentTasks(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "P-T01", store.TaskNotStarted)
	env.seedTask(t, "P-T02", store.TaskNotStarted)
	env.seedTask(t, "P-T03", store.TaskNotStarted)

	result, err := env.engine.Run(context.Background(), env.run.ID, Request{
		Filter:   selector.Filter{ProjectKey: "P"},
		Parallel: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, store.JobCompleted, result.Job.State)
	for _, key := range []string{"P-T01", "P-T02", "P-T03"} {
		assert.Equal(t, ProgressCompleted, result.State.Tasks[key].Status)
	}
}
