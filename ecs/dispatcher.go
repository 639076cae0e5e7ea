package ecs

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/plus3/ecsworld/internal/statsd"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SchedulerStats provides statistics about dispatcher execution.
type SchedulerStats struct {
	SystemCount     int
	Runs            int64
	TotalExecutions int64
	Systems         []SystemStats
}

// SystemStats provides execution statistics for a single system.
type SystemStats struct {
	Name           string
	Stage          string
	ExecutionCount int64
	FaultCount     int64
	MinDuration    time.Duration
	MaxDuration    time.Duration
	AvgDuration    time.Duration
	LastDuration   time.Duration
	TotalDuration  time.Duration
}

type systemStatsInternal struct {
	executionCount int64
	faultCount     int64
	minDuration    time.Duration
	maxDuration    time.Duration
	totalDuration  time.Duration
	lastDuration   time.Duration
}

func (s *systemStatsInternal) record(duration time.Duration, faulted bool) {
	s.executionCount++
	if faulted {
		s.faultCount++
	}
	s.lastDuration = duration
	s.totalDuration += duration
	if duration < s.minDuration {
		s.minDuration = duration
	}
	if duration > s.maxDuration {
		s.maxDuration = duration
	}
}

// systemEntry is a registered system and everything derived from it at Build.
type systemEntry struct {
	name   string
	stage  int
	index  int // position within its stage, in registration order
	system System
	after  []string
	extra  []any

	access     accessSet
	dependents []int
	indegree   int
	commands   *CommandBuffer
	stats      systemStatsInternal
}

type stage struct {
	name    string
	systems []*systemEntry
	tier0   []int
}

// StageReport describes one stage of a run.
type StageReport struct {
	Name     string        `json:"name"`
	Ran      []string      `json:"ran"`
	Skipped  []string      `json:"skipped,omitempty"`
	Apply    ApplyReport   `json:"apply"`
	Defrag   DefragReport  `json:"defrag"`
	Duration time.Duration `json:"duration"`
}

// RunReport describes one dispatcher run.
type RunReport struct {
	RunID    uuid.UUID     `json:"run_id"`
	Tick     uint64        `json:"tick"`
	Stages   []StageReport `json:"stages"`
	Defrag   DefragReport  `json:"defrag"`
	Duration time.Duration `json:"duration"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStages sets the ordered stage names.
func WithStages(names ...string) Option {
	return func(d *Dispatcher) {
		d.cfg.Stages = slices.Clone(names)
	}
}

// WithWorkerCount sets the worker pool size. 0 uses GOMAXPROCS.
func WithWorkerCount(n int) Option {
	return func(d *Dispatcher) {
		d.cfg.WorkerCount = n
	}
}

// WithDefragBudget sets how many archetypes each run may compact.
func WithDefragBudget(budget DefragBudget) Option {
	return func(d *Dispatcher) {
		d.cfg.DefragBudget = budget
	}
}

// WithShrinkThreshold sets the live/capacity ratio below which archetypes are compacted.
func WithShrinkThreshold(threshold float64) Option {
	return func(d *Dispatcher) {
		d.cfg.ShrinkThreshold = threshold
	}
}

// WithLogger sets the dispatcher's logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithConfig replaces the whole configuration, e.g. with one from LoadConfig.
// Options after it still apply.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) {
		d.cfg = cfg
		d.cfg.Stages = slices.Clone(cfg.Stages)
	}
}

// Dispatcher runs systems in stages against a Storage. Within a stage systems
// run concurrently unless they conflict or one is declared After the other;
// conflicting systems run in registration order. Structural changes recorded in
// the frames' command buffers are applied between stages, followed by
// defragmentation.
//
// A Dispatcher is not safe for concurrent use.
type Dispatcher struct {
	cfg    Config
	logger zerolog.Logger
	pool   *Pool

	stages  []*stage
	byStage map[string]int
	byName  map[string]*systemEntry

	bound   *Storage
	built   bool
	tick    uint64
	lastRun time.Time

	statsMu sync.Mutex
	runs    int64
}

// NewDispatcher creates a dispatcher with the default configuration changed by opts.
func NewDispatcher(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:    DefaultConfig(),
		logger: zerolog.Nop(),
		byName: make(map[string]*systemEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.cfg.validate(); err != nil {
		return nil, err
	}

	d.pool = NewPool(d.cfg.WorkerCount)
	d.byStage = make(map[string]int, len(d.cfg.Stages))
	for i, name := range d.cfg.Stages {
		d.stages = append(d.stages, &stage{name: name})
		d.byStage[name] = i
	}
	return d, nil
}

// Config returns the configuration in effect.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Pool returns the worker pool systems and parallel queries run on.
func (d *Dispatcher) Pool() *Pool {
	return d.pool
}

// AddSystem registers system in the named stage.
func (d *Dispatcher) AddSystem(stageName string, system System, opts ...SystemOption) error {
	stageIdx, ok := d.byStage[stageName]
	if !ok {
		return configErrorf("unknown stage %q", stageName)
	}
	if system == nil {
		return configErrorf("nil system in stage %q", stageName)
	}

	st := d.stages[stageIdx]
	entry := &systemEntry{
		name:     defaultSystemName(system, stageName, len(st.systems)),
		stage:    stageIdx,
		index:    len(st.systems),
		system:   system,
		commands: NewCommandBuffer(),
		stats:    systemStatsInternal{minDuration: time.Duration(1<<63 - 1)},
	}
	for _, opt := range opts {
		opt(entry)
	}
	if entry.name == "" {
		return configErrorf("empty system name in stage %q", stageName)
	}
	if _, dup := d.byName[entry.name]; dup {
		return configErrorf("system %q registered twice", entry.name)
	}

	st.systems = append(st.systems, entry)
	d.byName[entry.name] = entry
	d.built = false
	return nil
}

func defaultSystemName(system System, stageName string, index int) string {
	systemType := reflect.TypeOf(system)
	if systemType.Kind() == reflect.Ptr {
		systemType = systemType.Elem()
	}
	if name := systemType.Name(); name != "" && systemType != reflect.TypeFor[SystemFunc]() {
		return name
	}
	return stageName + "#" + strconv.Itoa(index)
}

// Build binds every system's queries and singletons to storage and derives the
// execution order of each stage. Run calls it when needed.
func (d *Dispatcher) Build(storage *Storage) error {
	for _, st := range d.stages {
		for _, entry := range st.systems {
			access, err := d.initializeQueries(entry, storage)
			if err != nil {
				return eris.Wrapf(err, "system %s", entry.name)
			}
			entry.access = access
		}
	}
	for _, st := range d.stages {
		if err := d.createSchedule(st); err != nil {
			return err
		}
	}
	d.bound = storage
	d.built = true
	return nil
}

// storageBinder is implemented by Query and Singleton.
type storageBinder interface {
	Init(storage *Storage) error
}

type poolUser interface {
	usePool(pool *Pool)
}

// initializeQueries binds the Query and Singleton fields of a struct system,
// plus anything given through WithQueries, and returns their combined access.
func (d *Dispatcher) initializeQueries(entry *systemEntry, storage *Storage) (accessSet, error) {
	var access accessSet
	bind := func(target any, label string) error {
		if binder, ok := target.(storageBinder); ok {
			if err := binder.Init(storage); err != nil {
				return eris.Wrapf(err, "%s", label)
			}
		}
		if user, ok := target.(poolUser); ok {
			user.usePool(d.pool)
		}
		if acc, ok := target.(accessor); ok {
			access.merge(acc.access())
		}
		return nil
	}

	for _, extra := range entry.extra {
		if _, ok := extra.(accessor); !ok {
			return access, configErrorf("WithQueries value %T is not a query, singleton or filter", extra)
		}
		if err := bind(extra, reflect.TypeOf(extra).String()); err != nil {
			return access, err
		}
	}

	systemValue := reflect.ValueOf(entry.system)
	if systemValue.Kind() == reflect.Ptr {
		systemValue = systemValue.Elem()
	}
	if systemValue.Kind() != reflect.Struct {
		return access, nil
	}

	systemType := systemValue.Type()
	for i := 0; i < systemValue.NumField(); i++ {
		field := systemValue.Field(i)
		if !field.CanAddr() || !field.CanSet() || field.Kind() != reflect.Struct {
			continue
		}
		target := field.Addr().Interface()
		if _, ok := target.(storageBinder); !ok {
			continue
		}
		if err := bind(target, "field "+systemType.Field(i).Name); err != nil {
			return access, err
		}
	}
	return access, nil
}

// createSchedule resolves explicit dependencies and adds an edge between every
// pair of conflicting systems, from the one registered first.
func (d *Dispatcher) createSchedule(st *stage) error {
	for _, entry := range st.systems {
		entry.dependents = entry.dependents[:0]
		entry.indegree = 0
	}

	edges := make(map[[2]int]struct{})
	addEdge := func(from, to int) {
		key := [2]int{from, to}
		if _, dup := edges[key]; dup {
			return
		}
		edges[key] = struct{}{}
		st.systems[from].dependents = append(st.systems[from].dependents, to)
		st.systems[to].indegree++
	}

	for _, entry := range st.systems {
		for _, name := range entry.after {
			dep, ok := d.byName[name]
			switch {
			case !ok:
				return configErrorf("system %s depends on unknown system %q", entry.name, name)
			case dep == entry:
				return configErrorf("system %s depends on itself", entry.name)
			case dep.stage > entry.stage:
				return configErrorf("system %s depends on %s of the later stage %s",
					entry.name, name, d.stages[dep.stage].name)
			case dep.stage == entry.stage:
				addEdge(dep.index, entry.index)
			}
		}
	}
	graph := buildDependencyGraph(st.systems)
	for from, tos := range graph {
		for _, to := range tos {
			addEdge(from, to)
		}
	}

	if cycle := findCycle(st.systems); cycle != "" {
		return configErrorf("dependency cycle in stage %s through %s", st.name, cycle)
	}
	st.tier0 = getFirstTier(st.systems)
	return nil
}

// buildDependencyGraph links each pair of conflicting systems in registration order.
func buildDependencyGraph(systems []*systemEntry) map[int][]int {
	graph := make(map[int][]int, len(systems))
	for systemA := range len(systems) - 1 {
		for systemB := systemA + 1; systemB < len(systems); systemB++ {
			if systems[systemA].access.conflicts(systems[systemB].access) {
				graph[systemA] = append(graph[systemA], systemB)
			}
		}
	}
	return graph
}

// getFirstTier returns the systems without any dependencies.
func getFirstTier(systems []*systemEntry) []int {
	var tier []int
	for i, entry := range systems {
		if entry.indegree == 0 {
			tier = append(tier, i)
		}
	}
	return tier
}

// findCycle runs Kahn's algorithm and returns the name of a system left on a
// cycle, or "" when the graph is acyclic.
func findCycle(systems []*systemEntry) string {
	indegree := make([]int, len(systems))
	queue := make([]int, 0, len(systems))
	for i, entry := range systems {
		indegree[i] = entry.indegree
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range systems[next].dependents {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited == len(systems) {
		return ""
	}
	for i, n := range indegree {
		if n > 0 {
			return systems[i].name
		}
	}
	return ""
}

// Run executes every stage once. The frame's DeltaTime is the time since the
// previous run, zero for the first. A *SystemFault is returned when a system
// fails; the report then covers the stages up to the failing one.
func (d *Dispatcher) Run(storage *Storage) (RunReport, error) {
	now := time.Now()
	dt := 0.0
	if !d.lastRun.IsZero() {
		dt = now.Sub(d.lastRun).Seconds()
	}
	d.lastRun = now
	return d.run(storage, dt)
}

func (d *Dispatcher) run(storage *Storage, dt float64) (report RunReport, err error) {
	if !d.built || d.bound != storage {
		if err := d.Build(storage); err != nil {
			return RunReport{}, err
		}
	}

	start := time.Now()
	d.tick++
	report = RunReport{RunID: uuid.New(), Tick: d.tick}
	logger := d.logger.With().Str("run_id", report.RunID.String()).Uint64("tick", d.tick).Logger()

	defer func() {
		report.Duration = time.Since(start)
		d.statsMu.Lock()
		d.runs++
		d.statsMu.Unlock()
	}()

	remaining := d.cfg.DefragBudget
	for _, st := range d.stages {
		stageReport, err := d.runStage(st, storage, dt, report, logger)
		if err != nil {
			report.Stages = append(report.Stages, stageReport)
			return report, err
		}

		stageReport.Defrag = storage.Defragment(remaining, d.cfg.ShrinkThreshold)
		if limit, bounded := remaining.Limit(); bounded {
			remaining = DefragLimit(limit - stageReport.Defrag.Compacted)
		}
		report.Defrag.Compacted += stageReport.Defrag.Compacted
		report.Defrag.Recovered += stageReport.Defrag.Recovered
		report.Defrag.ReclaimedRows += stageReport.Defrag.ReclaimedRows
		report.Defrag.Deferred = stageReport.Defrag.Deferred
		report.Stages = append(report.Stages, stageReport)
	}
	statsd.EmitDefragStat(report.Defrag.Compacted, report.Defrag.Deferred)
	return report, nil
}

type systemResult struct {
	index    int
	duration time.Duration
	fault    *SystemFault
}

// runStage locks the storage, runs the stage's systems and, if none of them
// failed, applies their command buffers in registration order.
func (d *Dispatcher) runStage(st *stage, storage *Storage, dt float64, run RunReport, logger zerolog.Logger) (StageReport, error) {
	start := time.Now()
	defer statsd.EmitStageStat(start, st.name)

	report := StageReport{Name: st.name}
	if !storage.lock() {
		return report, eris.Wrapf(ErrStorageLocked, "stage %s", st.name)
	}

	n := len(st.systems)
	results := make(chan systemResult, n)
	indegree := make([]int, n)
	launched := make([]bool, n)
	for i, entry := range st.systems {
		indegree[i] = entry.indegree
	}

	g := new(errgroup.Group)
	running := 0
	launch := func(i int) {
		entry := st.systems[i]
		launched[i] = true
		running++
		frame := &UpdateFrame{
			DeltaTime: dt,
			Tick:      run.Tick,
			RunID:     run.RunID,
			Stage:     st.name,
			System:    entry.name,
			Commands:  entry.commands,
			Storage:   storage,
			Logger:    logger.With().Str("stage", st.name).Str("system", entry.name).Logger(),
			Pool:      d.pool,
		}
		g.Go(func() error {
			if err := d.pool.acquire(context.Background()); err != nil {
				return err
			}
			defer d.pool.release()
			results <- d.execute(entry, frame)
			return nil
		})
	}

	for _, i := range st.tier0 {
		launch(i)
	}

	var fault *SystemFault
	for running > 0 {
		res := <-results
		running--
		entry := st.systems[res.index]

		d.statsMu.Lock()
		entry.stats.record(res.duration, res.fault != nil)
		d.statsMu.Unlock()
		statsd.EmitSystemStat(res.duration, st.name, entry.name)

		if res.fault != nil {
			if fault == nil {
				fault = res.fault
			}
			continue
		}
		report.Ran = append(report.Ran, entry.name)
		if fault != nil {
			continue
		}
		for _, dep := range entry.dependents {
			indegree[dep]--
			if indegree[dep] == 0 {
				launch(dep)
			}
		}
	}
	// results are drained above, so Wait only joins finished goroutines
	_ = g.Wait()
	storage.unlock()

	for i, entry := range st.systems {
		if !launched[i] {
			report.Skipped = append(report.Skipped, entry.name)
		}
	}

	if fault != nil {
		for _, entry := range st.systems {
			entry.commands.Reset()
		}
		logger.Error().
			Str("stage", st.name).
			Str("system", fault.System).
			Bool("panicked", fault.Panicked).
			Strs("skipped", report.Skipped).
			Err(fault.Err).
			Msg("system failed, stage aborted")
		report.Duration = time.Since(start)
		return report, fault
	}

	for i, entry := range st.systems {
		applied, err := entry.commands.Apply(storage)
		report.Apply.merge(applied)
		if err != nil {
			// The stage is over; intents recorded after the failing buffer are
			// dropped rather than carried into the next run.
			for _, rest := range st.systems[i+1:] {
				rest.commands.Reset()
			}
			report.Duration = time.Since(start)
			return report, eris.Wrapf(err, "applying commands of system %s", entry.name)
		}
	}
	for _, failure := range report.Apply.Failures {
		logger.Debug().Str("stage", st.name).Err(failure).Msg("command skipped")
	}

	report.Duration = time.Since(start)
	return report, nil
}

// execute runs one system, turning a panic or returned error into a SystemFault.
func (d *Dispatcher) execute(entry *systemEntry, frame *UpdateFrame) (res systemResult) {
	res.index = entry.index
	start := time.Now()
	defer func() {
		res.duration = time.Since(start)
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = eris.Errorf("%v", r)
			}
			res.fault = &SystemFault{Stage: frame.Stage, System: entry.name, Err: err, Panicked: true}
		}
	}()

	if err := entry.system.Execute(frame); err != nil {
		var fault *SystemFault
		if !errors.As(err, &fault) {
			fault = &SystemFault{Stage: frame.Stage, System: entry.name, Err: err}
		}
		res.fault = fault
	}
	return res
}

// RunEvery runs all stages at the given interval until ctx is cancelled, which
// returns nil. The first system fault stops the loop and is returned.
func (d *Dispatcher) RunEvery(ctx context.Context, storage *Storage, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			dt := now.Sub(lastTime).Seconds()
			lastTime = now
			d.lastRun = now
			if _, err := d.run(storage, dt); err != nil {
				return err
			}
		}
	}
}

// Stats returns statistics about system execution, systems in stage order.
func (d *Dispatcher) Stats() *SchedulerStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	stats := &SchedulerStats{Runs: d.runs}
	var totalExecs int64
	for _, st := range d.stages {
		for _, entry := range st.systems {
			internal := entry.stats
			avgDuration := time.Duration(0)
			minDuration := internal.minDuration
			if internal.executionCount > 0 {
				avgDuration = internal.totalDuration / time.Duration(internal.executionCount)
			} else {
				minDuration = 0
			}

			stats.Systems = append(stats.Systems, SystemStats{
				Name:           entry.name,
				Stage:          st.name,
				ExecutionCount: internal.executionCount,
				FaultCount:     internal.faultCount,
				MinDuration:    minDuration,
				MaxDuration:    internal.maxDuration,
				AvgDuration:    avgDuration,
				LastDuration:   internal.lastDuration,
				TotalDuration:  internal.totalDuration,
			})
			totalExecs += internal.executionCount
		}
	}
	stats.SystemCount = len(stats.Systems)
	stats.TotalExecutions = totalExecs
	return stats
}
