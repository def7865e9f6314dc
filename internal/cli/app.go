// Package cli assembles the mcoda command tree and wires the service
// graph for each invocation.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/bekirdag/mcoda/internal/adapter"
	"github.com/bekirdag/mcoda/internal/cache"
	"github.com/bekirdag/mcoda/internal/config"
	"github.com/bekirdag/mcoda/internal/events"
	"github.com/bekirdag/mcoda/internal/gateway"
	"github.com/bekirdag/mcoda/internal/jobs"
	"github.com/bekirdag/mcoda/internal/logging"
	"github.com/bekirdag/mcoda/internal/rating"
	"github.com/bekirdag/mcoda/internal/registry"
	"github.com/bekirdag/mcoda/internal/router"
	"github.com/bekirdag/mcoda/internal/selector"
	"github.com/bekirdag/mcoda/internal/store"
	"github.com/bekirdag/mcoda/internal/telemetry"
	"github.com/bekirdag/mcoda/internal/trio"
	"github.com/bekirdag/mcoda/internal/workspace"
)

// App builds the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:  "mcoda",
		Usage: "workspace-scoped orchestrator for AI development agents",
		Commands: []*cli.Command{
			initCommand(),
			gatewayTrioCommand(),
			jobCommand(),
			orderTasksCommand(),
			taskCommand(),
			telemetryCommand(),
			agentCommand(),
			serveCommand(),
		},
		// Classified errors surface through main, which maps them to the
		// exit-code convention; cli.Exit errors keep their own codes.
		ExitErrHandler: func(c *cli.Context, err error) {},
	}
}

// env bundles the per-invocation service graph.
type env struct {
	cfg      config.Config
	ws       *workspace.Workspace
	store    *store.Store
	ledger   *telemetry.Ledger
	registry *registry.Registry
	bus      *events.Bus
	runtime  *jobs.Runtime
	resolver *adapter.Resolver
	logger   *slog.Logger
}

// openEnv resolves the workspace and opens the shared services.
func openEnv(component string) (*env, error) {
	logger := logging.Init(component)

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	ws, err := workspace.Resolve(cwd)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ws.DBPath())
	if err != nil {
		return nil, err
	}

	globalPath, err := workspace.GlobalDBPath()
	if err != nil {
		st.Close()
		return nil, err
	}
	reg, err := registry.Open(globalPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	ledger := telemetry.NewLedger(st.DB())
	if cfg.Telemetry.APIBaseURL != "" {
		ledger.SetExporter(telemetry.NewExporter(cfg.Telemetry.APIBaseURL, cfg.Telemetry.Token, logger))
	}

	bus := events.NewBus()
	e := &env{
		cfg:      cfg,
		ws:       ws,
		store:    st,
		ledger:   ledger,
		registry: reg,
		bus:      bus,
		runtime:  jobs.NewRuntime(st, ws, bus, logger),
		resolver: adapter.NewResolver(cfg.CLIStub, adapter.NewStub()),
		logger:   logger,
	}
	return e, nil
}

func (e *env) Close() {
	if e.store != nil {
		e.store.Close()
	}
	if e.registry != nil {
		e.registry.Close()
	}
}

// engine builds a trio engine over the environment.
func (e *env) engine() (*trio.Engine, error) {
	var analysisCache gateway.Cache
	if c, err := cache.OpenAnalysisCache(e.ws.CacheDir()); err == nil {
		analysisCache = c
	} else {
		e.logger.Warn("gateway cache unavailable", "error", err)
	}

	gw := gateway.New(e.resolver, analysisCache, e.logger)
	rt := router.New(e.cfg.Router.Epsilon, nil)
	prober := router.NewHealthProber(e.resolver, e.cfg.SkipCLIChecks, e.logger)
	ratingSvc := rating.New(e.registry, e.cfg.Rating.Window, e.cfg.Rating.Cooldown,
		rating.Weights{Cost: e.cfg.Rating.WeightCost, Time: e.cfg.Rating.WeightTime, Iter: e.cfg.Rating.WeightIter},
		rating.BaseBudget{
			CostUSD:         e.cfg.Rating.BudgetCostUSD,
			DurationSeconds: e.cfg.Rating.BudgetDuration.Seconds(),
			Iterations:      e.cfg.Rating.BudgetIteration,
		}, e.logger)

	return trio.NewEngine(trio.Deps{
		Store:    e.store,
		WS:       e.ws,
		Runtime:  e.runtime,
		Selector: selector.New(e.store),
		Gateway:  gw,
		Router:   rt,
		Prober:   prober,
		Registry: e.registry,
		Rating:   ratingSvc,
		Ledger:   e.ledger,
		Executor: trio.NewAdapterExecutor(e.resolver, e.store),
		Bus:      e.bus,
		Config:   e.cfg.Trio,
		Logger:   e.logger,
	}), nil
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "initialize an mcoda workspace in the current directory",
		ArgsUsage: "[name]",
		Action: func(c *cli.Context) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			name := c.Args().First()
			if name == "" {
				name = "workspace"
			}
			ws, err := workspace.Init(cwd, name)
			if err != nil {
				return err
			}
			// Opening the store runs migrations so the workspace is
			// immediately usable.
			st, err := store.Open(ws.DBPath())
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Printf("initialized workspace %s (%s)\n", ws.Info.Name, ws.Info.ID)
			return nil
		},
	}
}
