package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/bekirdag/mcoda/internal/events"
	mcodanats "github.com/bekirdag/mcoda/internal/nats"
	"github.com/bekirdag/mcoda/internal/store"
	"github.com/bekirdag/mcoda/internal/telemetry"
)

// exitJobNonSuccess is returned by job status/watch when the job is
// terminal but not completed.
const exitJobNonSuccess = 3

func jobCommand() *cli.Command {
	return &cli.Command{
		Name:  "job",
		Usage: "inspect and manage jobs",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list jobs",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "state", Usage: "filter by state"},
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.BoolFlag{Name: "json"},
				},
				Action: jobList,
			},
			{
				Name:      "status",
				Usage:     "show one job's status",
				ArgsUsage: "<jobId>",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "json"}},
				Action:    jobStatus,
			},
			{
				Name:      "watch",
				Usage:     "follow a job until it reaches a terminal state",
				ArgsUsage: "<jobId>",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "interval", Value: 2 * time.Second, Usage: "poll interval"},
					&cli.BoolFlag{Name: "events", Usage: "stream step events from the NATS bridge of a running serve process"},
				},
				Action: jobWatch,
			},
			{
				Name:      "logs",
				Usage:     "print a job's log",
				ArgsUsage: "<jobId>",
				Action:    jobLogs,
			},
			{
				Name:      "inspect",
				Usage:     "dump a job's record, checkpoints, and task runs",
				ArgsUsage: "<jobId>",
				Action:    jobInspect,
			},
			{
				Name:      "resume",
				Usage:     "resume a paused, failed, or partial job",
				ArgsUsage: "<jobId>",
				Action:    jobResume,
			},
			{
				Name:      "cancel",
				Usage:     "cancel a job",
				ArgsUsage: "<jobId>",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "force", Usage: "mark a finished job cancelled"}},
				Action:    jobCancel,
			},
			{
				Name:      "tokens",
				Usage:     "summarize token usage for a job",
				ArgsUsage: "<jobId>",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "json"}},
				Action:    jobTokens,
			},
		},
	}
}

func requireJobID(c *cli.Context) (string, error) {
	id := c.Args().First()
	if id == "" {
		return "", cli.Exit("job id required", 2)
	}
	return id, nil
}

func jobList(c *cli.Context) error {
	e, err := openEnv("job")
	if err != nil {
		return err
	}
	defer e.Close()

	var states []store.JobState
	if v := c.String("state"); v != "" {
		states = append(states, store.JobState(v))
	}
	list, err := e.runtime.List(states, c.Int("limit"))
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(list)
	}
	for _, j := range list {
		fmt.Printf("%s  %-13s  %-12s  %s\n", j.ID, j.State, j.Type, j.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func jobStatus(c *cli.Context) error {
	id, err := requireJobID(c)
	if err != nil {
		return err
	}
	e, err := openEnv("job")
	if err != nil {
		return err
	}
	defer e.Close()

	job, err := e.runtime.Get(id)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		if err := json.NewEncoder(os.Stdout).Encode(job); err != nil {
			return err
		}
	} else {
		fmt.Printf("job %s\n  state: %s\n  type: %s\n  created: %s\n", job.ID, job.State, job.Type, job.CreatedAt.Format(time.RFC3339))
		if job.ErrorSummary != "" {
			fmt.Printf("  summary: %s\n", job.ErrorSummary)
		}
	}
	if job.State.IsTerminal() && job.State != store.JobCompleted {
		return cli.Exit("", exitJobNonSuccess)
	}
	return nil
}

func jobWatch(c *cli.Context) error {
	id, err := requireJobID(c)
	if err != nil {
		return err
	}
	e, err := openEnv("job")
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Bool("events") {
		url := fmt.Sprintf("nats://127.0.0.1:%d", e.cfg.Events.NATSPort)
		cancel, err := mcodanats.Watch(url, id, func(evt events.Event) {
			line := fmt.Sprintf("%s  event %s", evt.CreatedAt.Format(time.RFC3339), evt.Type)
			if evt.TaskKey != "" {
				line += " " + evt.TaskKey
			}
			if evt.Step != "" {
				line += ":" + evt.Step
			}
			fmt.Println(line)
		})
		if err != nil {
			e.logger.Warn("event stream unavailable, polling only", "url", url, "error", err)
		} else {
			defer cancel()
		}
	}

	interval := c.Duration("interval")
	last := store.JobState("")
	for {
		job, err := e.runtime.Get(id)
		if err != nil {
			return err
		}
		if job.State != last {
			fmt.Printf("%s  %s\n", time.Now().Format(time.RFC3339), job.State)
			last = job.State
		}
		if job.State.IsTerminal() {
			if job.State != store.JobCompleted {
				return cli.Exit("", exitJobNonSuccess)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func jobLogs(c *cli.Context) error {
	id, err := requireJobID(c)
	if err != nil {
		return err
	}
	e, err := openEnv("job")
	if err != nil {
		return err
	}
	defer e.Close()

	content, err := e.runtime.ReadLog(id)
	if err != nil {
		return err
	}
	fmt.Print(content)
	return nil
}

func jobInspect(c *cli.Context) error {
	id, err := requireJobID(c)
	if err != nil {
		return err
	}
	e, err := openEnv("job")
	if err != nil {
		return err
	}
	defer e.Close()

	job, err := e.runtime.Get(id)
	if err != nil {
		return err
	}
	checkpoints, err := e.runtime.Checkpoints(id)
	if err != nil {
		return err
	}
	runs, err := e.store.ListTaskRuns(id)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]any{
		"job":         job,
		"checkpoints": checkpoints,
		"task_runs":   runs,
	})
}

func jobResume(c *cli.Context) error {
	id, err := requireJobID(c)
	if err != nil {
		return err
	}
	e, err := openEnv("job")
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := e.engine()
	if err != nil {
		return err
	}
	result, err := engine.Resume(ctx, id, nil)
	if err != nil {
		return err
	}
	fmt.Printf("job %s finished: %s\n", result.Job.ID, result.Job.State)
	return nil
}

func jobCancel(c *cli.Context) error {
	id, err := requireJobID(c)
	if err != nil {
		return err
	}
	e, err := openEnv("job")
	if err != nil {
		return err
	}
	defer e.Close()

	job, err := e.runtime.Cancel(id, c.Bool("force"))
	if err != nil {
		return err
	}
	fmt.Printf("job %s is now %s\n", job.ID, job.State)
	return nil
}

func jobTokens(c *cli.Context) error {
	id, err := requireJobID(c)
	if err != nil {
		return err
	}
	e, err := openEnv("job")
	if err != nil {
		return err
	}
	defer e.Close()

	rows, err := e.ledger.Summarize(telemetry.Filter{JobID: id},
		[]telemetry.GroupKey{telemetry.GroupAgent, telemetry.GroupAction})
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(rows)
	}
	for _, r := range rows {
		cost := "n/a"
		if r.CostEstimate != nil {
			cost = fmt.Sprintf("$%.4f", *r.CostEstimate)
		}
		fmt.Printf("%-20s %-8s tokens=%d calls=%d cost=%s\n",
			r.Groups[telemetry.GroupAgent], r.Groups[telemetry.GroupAction], r.TotalTokens, r.Calls, cost)
	}
	return nil
}
