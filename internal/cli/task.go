package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func taskCommand() *cli.Command {
	return &cli.Command{
		Name:  "task",
		Usage: "inspect tasks",
		Subcommands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "show one task",
				ArgsUsage: "<TASK_KEY>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "include-logs"},
					&cli.BoolFlag{Name: "include-history"},
					&cli.StringFlag{Name: "format", Value: "table", Usage: "table, json, or yaml"},
				},
				Action: runTaskShow,
			},
		},
	}
}

func runTaskShow(c *cli.Context) error {
	key := c.Args().First()
	if key == "" {
		return cli.Exit("task key required", 2)
	}

	e, err := openEnv("task")
	if err != nil {
		return err
	}
	defer e.Close()

	task, err := e.store.GetTaskByKey(key)
	if err != nil {
		return err
	}

	out := map[string]any{"task": task}
	if c.Bool("include-logs") {
		logs, err := e.store.ListTaskLogs(key)
		if err != nil {
			return err
		}
		out["logs"] = logs
	}
	if c.Bool("include-history") {
		comments, err := e.store.ListComments(key)
		if err != nil {
			return err
		}
		out["comments"] = comments
	}

	switch c.String("format") {
	case "json":
		return json.NewEncoder(os.Stdout).Encode(out)
	case "yaml":
		data, err := yaml.Marshal(out)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	case "table":
		fmt.Printf("%-14s %s\n", "key", task.Key)
		fmt.Printf("%-14s %s\n", "title", task.Title)
		fmt.Printf("%-14s %s\n", "status", task.Status)
		fmt.Printf("%-14s %d\n", "priority", task.Priority)
		fmt.Printf("%-14s %d\n", "story points", task.StoryPoints)
		fmt.Printf("%-14s %s\n", "stage", task.Stage)
		if task.AssignedAgent != "" {
			fmt.Printf("%-14s %s\n", "agent", task.AssignedAgent)
		}
		if logs, ok := out["logs"]; ok {
			fmt.Println("logs:")
			data, _ := json.MarshalIndent(logs, "  ", "  ")
			fmt.Printf("  %s\n", data)
		}
		if comments, ok := out["comments"]; ok {
			fmt.Println("comments:")
			data, _ := json.MarshalIndent(comments, "  ", "  ")
			fmt.Printf("  %s\n", data)
		}
		return nil
	default:
		return cli.Exit(fmt.Sprintf("unknown format %q", c.String("format")), 2)
	}
}
