// Package config loads runtime configuration for mcoda. Values are
// resolved in order: built-in defaults, an optional .env file, an optional
// YAML config file (MCODA_CONFIG), then MCODA_* environment overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bekirdag/mcoda/internal/errs"
)

// RatingConfig controls the agent rating service.
type RatingConfig struct {
	Window          int           `yaml:"window"`
	Cooldown        time.Duration `yaml:"cooldown"`
	WeightCost      float64       `yaml:"weight_cost"`
	WeightTime      float64       `yaml:"weight_time"`
	WeightIter      float64       `yaml:"weight_iterations"`
	BudgetCostUSD   float64       `yaml:"budget_cost_usd"`
	BudgetDuration  time.Duration `yaml:"budget_duration"`
	BudgetIteration int           `yaml:"budget_iterations"`
}

// RouterConfig controls agent selection.
type RouterConfig struct {
	Epsilon float64 `yaml:"epsilon"`
}

// TrioConfig controls the gateway-trio engine defaults.
type TrioConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxCycles     int           `yaml:"max_cycles"`
	StepTimeout   time.Duration `yaml:"step_timeout"`
	CancelGrace   time.Duration `yaml:"cancel_grace"`
}

// TelemetryConfig controls remote telemetry export.
type TelemetryConfig struct {
	APIBaseURL string `yaml:"api_base_url"`
	Token      string `yaml:"token"`
}

// ServeConfig controls the local jobs API server.
type ServeConfig struct {
	Addr string `yaml:"addr"`
}

// EventsConfig controls the optional embedded NATS bridge.
type EventsConfig struct {
	NATSEnabled bool `yaml:"nats_enabled"`
	NATSPort    int  `yaml:"nats_port"`
}

// Config is the resolved runtime configuration.
type Config struct {
	APIBaseURL    string          `yaml:"api_base_url"`
	Rating        RatingConfig    `yaml:"rating"`
	Router        RouterConfig    `yaml:"router"`
	Trio          TrioConfig      `yaml:"trio"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Serve         ServeConfig     `yaml:"serve"`
	Events        EventsConfig    `yaml:"events"`
	CLIStub       bool            `yaml:"cli_stub"`
	SkipCLIChecks bool            `yaml:"skip_cli_checks"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		Rating: RatingConfig{
			Window:          50,
			Cooldown:        24 * time.Hour,
			WeightCost:      1.0,
			WeightTime:      0.5,
			WeightIter:      0.5,
			BudgetCostUSD:   1.50,
			BudgetDuration:  10 * time.Minute,
			BudgetIteration: 3,
		},
		Router: RouterConfig{Epsilon: 0.1},
		Trio: TrioConfig{
			MaxIterations: 3,
			MaxCycles:     5,
			StepTimeout:   30 * time.Minute,
			CancelGrace:   5 * time.Second,
		},
		Serve:  ServeConfig{Addr: "127.0.0.1:7777"},
		Events: EventsConfig{NATSPort: 4222},
	}
}

// Load resolves the configuration. A missing config file is not an error;
// a malformed one is.
func Load() (Config, error) {
	cfg := Default()

	// Best effort; absence of .env is normal.
	_ = godotenv.Load()

	if path := os.Getenv("MCODA_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.Wrap(errs.ClassValidation, err, "cannot read config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errs.Wrap(errs.ClassValidation, err, "malformed config file %s", path)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MCODA_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("MCODA_TELEMETRY_API"); v != "" {
		cfg.Telemetry.APIBaseURL = v
	}
	if v := os.Getenv("MCODA_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}
	if v := os.Getenv("MCODA_CLI_STUB"); v != "" {
		cfg.CLIStub = isTruthy(v)
	}
	if v := os.Getenv("MCODA_SKIP_CLI_CHECKS"); v != "" {
		cfg.SkipCLIChecks = isTruthy(v)
	}
	if v := os.Getenv("MCODA_SERVE_ADDR"); v != "" {
		cfg.Serve.Addr = v
	}
	if v := os.Getenv("MCODA_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Events.NATSPort = port
		}
	}
}

func isTruthy(v string) bool {
	switch v {
	case "1", "true", "TRUE", "yes", "on":
		return true
	}
	return false
}
