package ecs

import (
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// DefaultStage is the only stage of a dispatcher built without WithStages.
const DefaultStage = "update"

// Config holds the dispatcher settings that can come from the environment.
type Config struct {
	// Maximum number of archetypes compacted per run: "unbounded", "disabled" or a count.
	DefragBudget DefragBudget `env:"ECS_DEFRAG_BUDGET" envDefault:"unbounded"`

	// Number of workers running systems and parallel queries. 0 uses GOMAXPROCS.
	WorkerCount int `env:"ECS_WORKER_COUNT" envDefault:"0"`

	// Ordered stage names.
	Stages []string `env:"ECS_STAGES" envSeparator:"," envDefault:"update"`

	// Live/capacity ratio below which an archetype is compacted.
	ShrinkThreshold float64 `env:"ECS_SHRINK_THRESHOLD" envDefault:"0.5"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DefragBudget:    UnboundedDefrag,
		Stages:          []string{DefaultStage},
		ShrinkThreshold: DefaultShrinkThreshold,
	}
}

// LoadConfig reads the configuration from environment variables.
func LoadConfig() (Config, error) {
	return loadConfig(env.Options{})
}

func loadConfig(opts env.Options) (Config, error) {
	cfg := Config{}

	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, eris.Wrap(err, "failed to parse ecs config")
	}

	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate config")
	}

	return cfg, nil
}

// validate performs validation on the loaded configuration.
func (cfg *Config) validate() error {
	if cfg.WorkerCount < 0 {
		return configErrorf("worker count cannot be negative")
	}
	if len(cfg.Stages) == 0 {
		return configErrorf("at least one stage is required")
	}
	seen := make(map[string]struct{}, len(cfg.Stages))
	for _, stage := range cfg.Stages {
		if stage == "" {
			return configErrorf("stage name cannot be empty")
		}
		if _, dup := seen[stage]; dup {
			return configErrorf("stage %q listed twice", stage)
		}
		seen[stage] = struct{}{}
	}
	if cfg.ShrinkThreshold <= 0 || cfg.ShrinkThreshold > 1 {
		return configErrorf("shrink threshold must be in (0, 1], got %v", cfg.ShrinkThreshold)
	}
	return nil
}
