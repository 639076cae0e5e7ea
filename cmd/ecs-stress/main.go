// Command ecs-stress drives an ECS world through a churn scenario and reports
// run timings, defragmentation activity and memory usage.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/profile"
	"github.com/plus3/ecsworld/ecs"
	"github.com/plus3/ecsworld/internal/statsd"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type options struct {
	Scenario   string
	Entities   int
	Duration   time.Duration
	Iterations int
	Defrag     string
	Workers    int
	Parallel   bool
	Seed       int64
	StatsdAddr string
	LogLevel   string
	Profile    string
	Format     string
	GCMetrics  bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("ecs-stress", flag.ContinueOnError)
	fs.StringVar(&opts.Scenario, "scenario", "add-remove", "Scenario to run: "+strings.Join(scenarioNames(), ", "))
	fs.IntVar(&opts.Entities, "entities", 10000, "The initial number of entities to create.")
	fs.DurationVar(&opts.Duration, "duration", 10*time.Second, "The total duration the test should run for.")
	fs.IntVar(&opts.Iterations, "iterations", 0, "Stop after this many runs. 0 runs until the duration elapses.")
	fs.StringVar(&opts.Defrag, "defrag", "", "Defrag budget per run: unbounded, disabled or a count. Empty uses ECS_DEFRAG_BUDGET.")
	fs.IntVar(&opts.Workers, "workers", -1, "Worker pool size. 0 uses GOMAXPROCS, -1 uses ECS_WORKER_COUNT.")
	fs.BoolVar(&opts.Parallel, "parallel", false, "Iterate queries with ParForEach.")
	fs.Int64Var(&opts.Seed, "seed", 1, "Seed for entity population and component churn.")
	fs.StringVar(&opts.StatsdAddr, "statsd", "", "Address of a statsd agent to emit stage, system and defrag metrics to.")
	fs.StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error.")
	fs.StringVar(&opts.Profile, "profile", "", "Write a profile to the working directory: cpu, mem or trace.")
	fs.StringVar(&opts.Format, "format", "text", "Report format: text or json.")
	fs.BoolVar(&opts.GCMetrics, "gc-pause-metrics", false, "Enable detailed GC pause metrics in the report.")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if opts.Entities < 0 {
		return opts, eris.Errorf("entities must not be negative, got %d", opts.Entities)
	}
	if opts.Format != "text" && opts.Format != "json" {
		return opts, eris.Errorf("unknown report format %q", opts.Format)
	}
	if _, err := lookupScenario(opts.Scenario); err != nil {
		return opts, err
	}
	return opts, nil
}

// dispatcherConfig layers the command line over the environment.
func dispatcherConfig(opts options) (ecs.Config, error) {
	cfg, err := ecs.LoadConfig()
	if err != nil {
		return cfg, err
	}
	if opts.Defrag != "" {
		budget, err := ecs.ParseDefragBudget(opts.Defrag)
		if err != nil {
			return cfg, err
		}
		cfg.DefragBudget = budget
	}
	if opts.Workers >= 0 {
		cfg.WorkerCount = opts.Workers
	}
	// Scenarios register everything in the default stage.
	cfg.Stages = []string{ecs.DefaultStage}
	return cfg, nil
}

func startProfile(kind string) (interface{ Stop() }, error) {
	var mode func(*profile.Profile)
	switch kind {
	case "":
		return nil, nil
	case "cpu":
		mode = profile.CPUProfile
	case "mem":
		mode = profile.MemProfileAllocs
	case "trace":
		mode = profile.TraceProfile
	default:
		return nil, eris.Errorf("unknown profile %q", kind)
	}
	return profile.Start(mode, profile.ProfilePath("."), profile.NoShutdownHook), nil
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("invalid arguments")
	}
	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if opts.StatsdAddr != "" {
		if err := statsd.Init(opts.StatsdAddr, []string{statsd.Tag("scenario", opts.Scenario)}); err != nil {
			log.Fatal().Err(err).Msg("failed to start statsd client")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := run(ctx, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("stress test failed")
	}

	if err := writeReport(os.Stdout, report, opts.Format); err != nil {
		log.Fatal().Err(err).Msg("failed to generate report")
	}
	log.Info().Msg("stress test complete")
}

func run(ctx context.Context, opts options) (*Report, error) {
	sc, err := lookupScenario(opts.Scenario)
	if err != nil {
		return nil, err
	}
	cfg, err := dispatcherConfig(opts)
	if err != nil {
		return nil, err
	}

	logger := log.Logger.With().Str("scenario", sc.Name).Logger()
	storage := ecs.NewStorage(newRegistry())
	dispatcher, err := ecs.NewDispatcher(ecs.WithConfig(cfg), ecs.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	logger.Info().Int("entities", opts.Entities).Str("defrag", cfg.DefragBudget.String()).
		Int("workers", dispatcher.Pool().Workers()).Bool("parallel", opts.Parallel).Msg("populating storage")
	env := &scenarioEnv{
		Storage:    storage,
		Dispatcher: dispatcher,
		Rand:       rand.New(rand.NewSource(opts.Seed)),
		Entities:   opts.Entities,
		Parallel:   opts.Parallel,
		Seed:       opts.Seed,
	}
	if err := sc.Setup(env); err != nil {
		return nil, eris.Wrapf(err, "failed to set up scenario %s", sc.Name)
	}
	if err := dispatcher.Build(storage); err != nil {
		return nil, err
	}

	report := &Report{
		Scenario:       sc.Name,
		Description:    sc.Description,
		Duration:       opts.Duration,
		Entities:       opts.Entities,
		Workers:        dispatcher.Pool().Workers(),
		Parallel:       opts.Parallel,
		DefragBudget:   cfg.DefragBudget.String(),
		GCPauseMetrics: opts.GCMetrics,
	}

	prof, err := startProfile(opts.Profile)
	if err != nil {
		return nil, err
	}

	runtime.ReadMemStats(&report.MemStatsStart)
	logger.Info().Dur("duration", opts.Duration).Int("iterations", opts.Iterations).Msg("running simulation")

	ctx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	startTime := time.Now()
Loop:
	for opts.Iterations == 0 || report.TotalUpdates < int64(opts.Iterations) {
		select {
		case <-ctx.Done():
			break Loop
		default:
		}

		runReport, err := dispatcher.Run(storage)
		if err != nil {
			if prof != nil {
				prof.Stop()
			}
			return nil, err
		}
		report.record(runReport)
	}

	report.TotalTime = time.Since(startTime)
	if prof != nil {
		prof.Stop()
	}
	report.UpdateTime.Finalize()
	runtime.ReadMemStats(&report.MemStatsEnd)
	report.Storage = storage.CollectStats()
	report.Scheduler = dispatcher.Stats()

	logger.Info().Int64("runs", report.TotalUpdates).Dur("elapsed", report.TotalTime).
		Int("alive", storage.EntityCount()).Msg("simulation finished")
	return report, nil
}
