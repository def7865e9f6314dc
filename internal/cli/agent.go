package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/bekirdag/mcoda/internal/registry"
	"github.com/bekirdag/mcoda/internal/workspace"
)

func agentCommand() *cli.Command {
	return &cli.Command{
		Name:  "agent",
		Usage: "manage the global agent registry",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "list registered agents",
				Flags:  []cli.Flag{&cli.BoolFlag{Name: "json"}},
				Action: agentList,
			},
			{
				Name:      "register",
				Usage:     "register or update an agent",
				ArgsUsage: "<slug>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "adapter", Required: true},
					&cli.StringFlag{Name: "model"},
					&cli.StringFlag{Name: "capabilities", Usage: "comma-separated capability list"},
					&cli.IntFlag{Name: "max-complexity", Value: 5},
					&cli.Float64Flag{Name: "cost-per-million", Value: 0},
				},
				Action: agentRegister,
			},
			{
				Name:      "ratings",
				Usage:     "show recent run ratings for an agent",
				ArgsUsage: "<slug>",
				Flags:     []cli.Flag{&cli.IntFlag{Name: "limit", Value: 20}},
				Action:    agentRatings,
			},
		},
	}
}

// openRegistry opens only the global registry; agent commands do not need
// a workspace.
func openRegistry() (*registry.Registry, error) {
	path, err := workspace.GlobalDBPath()
	if err != nil {
		return nil, err
	}
	return registry.Open(path)
}

func agentList(c *cli.Context) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	agents, err := reg.List()
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(agents)
	}
	for _, a := range agents {
		fmt.Printf("%-16s adapter=%-10s rating=%.2f reasoning=%.2f max=%d caps=%s\n",
			a.Slug, a.Adapter, a.Rating, a.ReasoningRating, a.MaxComplexity, strings.Join(a.Capabilities, ","))
	}
	return nil
}

func agentRegister(c *cli.Context) error {
	slug := c.Args().First()
	if slug == "" {
		return cli.Exit("agent slug required", 2)
	}

	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	var caps []string
	if v := c.String("capabilities"); v != "" {
		for _, cap := range strings.Split(v, ",") {
			caps = append(caps, strings.TrimSpace(cap))
		}
	}
	agent := &registry.Agent{
		Slug:            slug,
		Adapter:         c.String("adapter"),
		DefaultModel:    c.String("model"),
		Capabilities:    caps,
		Rating:          5.0,
		ReasoningRating: 5.0,
		MaxComplexity:   c.Int("max-complexity"),
		CostPerMillion:  c.Float64("cost-per-million"),
	}
	if err := reg.Upsert(agent); err != nil {
		return err
	}
	fmt.Printf("registered agent %s\n", slug)
	return nil
}

func agentRatings(c *cli.Context) error {
	slug := c.Args().First()
	if slug == "" {
		return cli.Exit("agent slug required", 2)
	}

	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	ratings, err := reg.ListRunRatings(slug, c.Int("limit"))
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(ratings)
}
