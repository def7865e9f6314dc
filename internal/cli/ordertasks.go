package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/bekirdag/mcoda/internal/selector"
	"github.com/bekirdag/mcoda/internal/store"
)

func orderTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "order-tasks",
		Usage: "show the dependency-aware execution plan",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "project", Usage: "project key"},
			&cli.StringFlag{Name: "epic"},
			&cli.StringFlag{Name: "story"},
			&cli.StringSliceFlag{Name: "status"},
			&cli.StringFlag{Name: "order", Value: "dependencies", Usage: "ordering strategy"},
			&cli.StringFlag{Name: "stage-order", Usage: "comma-separated stage precedence, e.g. foundation,backend,frontend,other"},
			&cli.IntFlag{Name: "limit"},
			&cli.BoolFlag{Name: "json"},
		},
		Action: runOrderTasks,
	}
}

func runOrderTasks(c *cli.Context) error {
	e, err := openEnv("order-tasks")
	if err != nil {
		return err
	}
	defer e.Close()

	order := c.String("order")
	if order != "dependencies" && order != "priority" {
		return cli.Exit(fmt.Sprintf("unknown order %q (expected dependencies or priority)", order), 2)
	}

	var statuses []store.TaskStatus
	for _, s := range c.StringSlice("status") {
		statuses = append(statuses, store.TaskStatus(s))
	}
	var stageOrder []string
	if v := c.String("stage-order"); v != "" {
		for _, s := range strings.Split(v, ",") {
			stageOrder = append(stageOrder, strings.TrimSpace(s))
		}
	}

	sel := selector.New(e.store)
	plan, err := sel.Select(selector.Filter{
		ProjectKey:          c.String("project"),
		EpicKey:             c.String("epic"),
		StoryKey:            c.String("story"),
		Statuses:            statuses,
		Limit:               c.Int("limit"),
		OrderByDependencies: order == "dependencies",
		StageOrder:          stageOrder,
	})
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(plan)
	}

	for _, w := range plan.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	for i, t := range plan.Ordered {
		imp := plan.Impact[t.Key]
		fmt.Printf("%3d. %-20s %-16s prio=%d points=%d impact=%d/%d\n",
			i+1, t.Key, t.Status, t.Priority, t.StoryPoints, imp.Direct, imp.Total)
	}
	for _, b := range plan.Blocked {
		fmt.Printf("     %-20s blocked by %s\n", b.Task.Key, strings.Join(b.Reasons, ", "))
	}
	return nil
}
