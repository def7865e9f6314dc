package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/bekirdag/mcoda/internal/telemetry"
)

func telemetryCommand() *cli.Command {
	return &cli.Command{
		Name:  "telemetry",
		Usage: "token usage ledger",
		Subcommands: []*cli.Command{
			{
				Name:  "summary",
				Usage: "aggregate token usage",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "group-by", Usage: "project, agent, command, day, model, job, action"},
					&cli.StringFlag{Name: "since", Usage: "RFC-3339 timestamp or shorthand like 7d"},
					&cli.StringFlag{Name: "until"},
					&cli.StringFlag{Name: "project"},
					&cli.StringFlag{Name: "agent"},
					&cli.BoolFlag{Name: "insights", Usage: "include duration/cost distribution"},
					&cli.BoolFlag{Name: "json"},
				},
				Action: telemetrySummary,
			},
			{
				Name:  "query",
				Usage: "list raw usage events",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "since"},
					&cli.StringFlag{Name: "until"},
					&cli.StringFlag{Name: "job"},
					&cli.IntFlag{Name: "page", Value: 1},
					&cli.IntFlag{Name: "page-size", Value: 100},
				},
				Action: telemetryQuery,
			},
			{
				Name:   "opt-in",
				Usage:  "enable local telemetry recording",
				Action: telemetryOptIn,
			},
			{
				Name:   "opt-out",
				Usage:  "disable telemetry export",
				Flags:  []cli.Flag{&cli.BoolFlag{Name: "strict", Usage: "also disable local recording"}},
				Action: telemetryOptOut,
			},
			{
				Name:   "config",
				Usage:  "show telemetry configuration",
				Action: telemetryShowConfig,
			},
		},
	}
}

func telemetrySummary(c *cli.Context) error {
	e, err := openEnv("telemetry")
	if err != nil {
		return err
	}
	defer e.Close()

	var groupBy []telemetry.GroupKey
	for _, g := range c.StringSlice("group-by") {
		groupBy = append(groupBy, telemetry.GroupKey(g))
	}
	filter := telemetry.Filter{
		Since:      c.String("since"),
		Until:      c.String("until"),
		ProjectKey: c.String("project"),
		AgentSlug:  c.String("agent"),
	}

	rows, err := e.ledger.Summarize(filter, groupBy)
	if err != nil {
		return err
	}

	out := map[string]any{"summary": rows}
	if c.Bool("insights") {
		events, err := e.ledger.Query(filter, 1, telemetry.MaxPageSize)
		if err != nil {
			return err
		}
		out["insights"] = telemetry.ComputeInsights(events)
	}

	if c.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	for _, r := range rows {
		cost := "n/a"
		if r.CostEstimate != nil {
			cost = fmt.Sprintf("$%.4f", *r.CostEstimate)
		}
		fmt.Printf("%v tokens=%d calls=%d duration=%dms cost=%s\n",
			r.Groups, r.TotalTokens, r.Calls, r.DurationMS, cost)
	}
	if ins, ok := out["insights"].(telemetry.Insights); ok {
		fmt.Printf("insights: calls=%d mean=%.0fms p50=%.0fms p95=%.0fms total=$%.4f\n",
			ins.Calls, ins.MeanDurationMS, ins.P50DurationMS, ins.P95DurationMS, ins.TotalCostUSD)
	}
	return nil
}

func telemetryQuery(c *cli.Context) error {
	e, err := openEnv("telemetry")
	if err != nil {
		return err
	}
	defer e.Close()

	events, err := e.ledger.Query(telemetry.Filter{
		Since: c.String("since"),
		Until: c.String("until"),
		JobID: c.String("job"),
	}, c.Int("page"), c.Int("page-size"))
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(events)
}

func telemetryOptIn(c *cli.Context) error {
	e, err := openEnv("telemetry")
	if err != nil {
		return err
	}
	defer e.Close()

	cfg, err := e.ledger.OptIn()
	if err != nil {
		return err
	}
	return printTelemetryConfig(cfg)
}

func telemetryOptOut(c *cli.Context) error {
	e, err := openEnv("telemetry")
	if err != nil {
		return err
	}
	defer e.Close()

	cfg, err := e.ledger.OptOut(c.Bool("strict"))
	if err != nil {
		return err
	}
	return printTelemetryConfig(cfg)
}

func telemetryShowConfig(c *cli.Context) error {
	e, err := openEnv("telemetry")
	if err != nil {
		return err
	}
	defer e.Close()

	cfg, err := e.ledger.GetConfig()
	if err != nil {
		return err
	}
	return printTelemetryConfig(cfg)
}

func printTelemetryConfig(cfg telemetry.Config) error {
	return json.NewEncoder(os.Stdout).Encode(cfg)
}
