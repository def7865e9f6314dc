package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/bekirdag/mcoda/internal/selector"
	"github.com/bekirdag/mcoda/internal/store"
	"github.com/bekirdag/mcoda/internal/trio"
)

func gatewayTrioCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway-trio",
		Usage: "drive selected tasks through work, review, and QA",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "project", Usage: "project key"},
			&cli.StringFlag{Name: "epic", Usage: "epic key"},
			&cli.StringFlag{Name: "story", Usage: "user story key"},
			&cli.StringSliceFlag{Name: "task", Usage: "explicit task keys"},
			&cli.StringSliceFlag{Name: "status", Usage: "status filter"},
			&cli.IntFlag{Name: "max-iterations", Value: 0, Usage: "per-task attempt budget"},
			&cli.IntFlag{Name: "max-cycles", Value: 0, Usage: "outer cycle budget"},
			&cli.IntFlag{Name: "parallel", Value: 0, Usage: "concurrent independent tasks"},
			&cli.StringFlag{Name: "resume", Usage: "resume an existing job id"},
			&cli.BoolFlag{Name: "dry-run", Usage: "analyze and route without mutating tasks"},
			&cli.BoolFlag{Name: "no-commit", Usage: "forbid commits during work steps"},
			&cli.StringFlag{Name: "review-base", Usage: "review base reference"},
			&cli.StringSliceFlag{Name: "avoid-agents", Usage: "agent slugs to exclude"},
			&cli.StringFlag{Name: "gateway-agent", Usage: "adapter for the gateway agent"},
			&cli.BoolFlag{Name: "json", Usage: "emit JSON output"},
		},
		Action: runGatewayTrio,
	}
}

func runGatewayTrio(c *cli.Context) error {
	e, err := openEnv("gateway-trio")
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

	argsJSON, _ := json.Marshal(c.Args().Slice())
	run, err := e.store.CreateCommandRun("gateway-trio", string(argsJSON))
	if err != nil {
		return err
	}

	var result *trio.Result
	if jobID := c.String("resume"); jobID != "" {
		overrides := map[string]any{}
		if c.IsSet("max-iterations") {
			overrides["maxIterations"] = c.Int("max-iterations")
		}
		if c.IsSet("max-cycles") {
			overrides["maxCycles"] = c.Int("max-cycles")
		}
		result, err = engine.Resume(ctx, jobID, overrides)
	} else {
		var statuses []store.TaskStatus
		for _, s := range c.StringSlice("status") {
			statuses = append(statuses, store.TaskStatus(s))
		}
		req := trio.Request{
			Filter: selector.Filter{
				ProjectKey: c.String("project"),
				EpicKey:    c.String("epic"),
				StoryKey:   c.String("story"),
				TaskKeys:   c.StringSlice("task"),
				Statuses:   statuses,
			},
			MaxIterations: c.Int("max-iterations"),
			MaxCycles:     c.Int("max-cycles"),
			Parallel:      c.Int("parallel"),
			DryRun:        c.Bool("dry-run"),
			NoCommit:      c.Bool("no-commit"),
			ReviewBase:    c.String("review-base"),
			AvoidAgents:   c.StringSlice("avoid-agents"),
			GatewayAgent:  c.String("gateway-agent"),
		}
		result, err = engine.Run(ctx, run.ID, req)
	}

	exit := 0
	if err != nil {
		exit = 1
	}
	_ = e.store.FinishCommandRun(run.ID, exit)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	fmt.Printf("job %s finished: %s\n", result.Job.ID, result.Job.State)
	for _, w := range result.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	for key, p := range result.State.Tasks {
		line := fmt.Sprintf("  %s: %s (attempts %d)", key, p.Status, p.Attempts)
		if p.LastError != "" {
			line += " — " + p.LastError
		}
		fmt.Println(line)
	}
	if result.Job.State == store.JobPartial {
		fmt.Printf("summary: %s\n", result.Job.ErrorSummary)
	}
	return nil
}
