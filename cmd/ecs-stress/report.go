package main

import (
	"fmt"
	"io"
	"runtime"
	"text/template"
	"time"

	"github.com/goccy/go-json"
	"github.com/plus3/ecsworld/ecs"
	"github.com/rotisserie/eris"
)

type Report struct {
	// Configuration
	Scenario     string        `json:"scenario"`
	Description  string        `json:"description"`
	Duration     time.Duration `json:"duration"`
	Entities     int           `json:"entities"`
	Workers      int           `json:"workers"`
	Parallel     bool          `json:"parallel"`
	DefragBudget string        `json:"defrag_budget"`

	// Results
	TotalUpdates   int64               `json:"total_updates"`
	TotalTime      time.Duration       `json:"total_time"`
	UpdateTime     Stats               `json:"update_time"`
	Applied        int                 `json:"applied"`
	Failures       int                 `json:"failures"`
	Defrag         ecs.DefragReport    `json:"defrag"`
	Storage        ecs.StorageStats    `json:"storage"`
	Scheduler      *ecs.SchedulerStats `json:"scheduler"`
	GCPauseMetrics bool                `json:"-"`
	MemStatsStart  runtime.MemStats    `json:"-"`
	MemStatsEnd    runtime.MemStats    `json:"-"`
}

type Stats struct {
	Min     time.Duration   `json:"min"`
	Max     time.Duration   `json:"max"`
	Avg     time.Duration   `json:"avg"`
	Samples []time.Duration `json:"-"`
}

func (s *Stats) Finalize() {
	if len(s.Samples) == 0 {
		return
	}

	var total time.Duration
	s.Min = s.Samples[0]
	s.Max = s.Samples[0]

	for _, sample := range s.Samples {
		if sample < s.Min {
			s.Min = sample
		}
		if sample > s.Max {
			s.Max = sample
		}
		total += sample
	}
	s.Avg = total / time.Duration(len(s.Samples))
}

// record folds one run into the totals.
func (r *Report) record(run ecs.RunReport) {
	r.TotalUpdates++
	r.UpdateTime.Samples = append(r.UpdateTime.Samples, run.Duration)
	for _, stage := range run.Stages {
		r.Applied += stage.Apply.Applied
		r.Failures += len(stage.Apply.Failures)
	}
	r.Defrag.Compacted += run.Defrag.Compacted
	r.Defrag.Recovered += run.Defrag.Recovered
	r.Defrag.ReclaimedRows += run.Defrag.ReclaimedRows
	r.Defrag.Deferred = run.Defrag.Deferred
}

// memoryReport is the JSON form of the memory section.
type memoryReport struct {
	HeapAllocDelta  int64         `json:"heap_alloc_delta"`
	TotalAllocDelta int64         `json:"total_alloc_delta"`
	NumGC           uint32        `json:"num_gc"`
	GCPause         time.Duration `json:"gc_pause,omitempty"`
}

func (r *Report) memory() memoryReport {
	m := memoryReport{
		HeapAllocDelta:  int64(r.MemStatsEnd.HeapAlloc) - int64(r.MemStatsStart.HeapAlloc),
		TotalAllocDelta: int64(r.MemStatsEnd.TotalAlloc) - int64(r.MemStatsStart.TotalAlloc),
		NumGC:           r.MemStatsEnd.NumGC - r.MemStatsStart.NumGC,
	}
	if r.GCPauseMetrics {
		m.GCPause = time.Duration(r.MemStatsEnd.PauseTotalNs - r.MemStatsStart.PauseTotalNs)
	}
	return m
}

func writeReport(w io.Writer, r *Report, format string) error {
	switch format {
	case "json":
		return r.JSON(w)
	case "text":
		fmt.Fprintln(w, "\n\n--- Stress Test Report ---")
		if err := r.Generate(w); err != nil {
			return err
		}
		fmt.Fprintln(w, "--- End of Report ---")
		return nil
	default:
		return eris.Errorf("unknown report format %q", format)
	}
}

// JSON writes the report as a single indented JSON document.
func (r *Report) JSON(w io.Writer) error {
	doc := struct {
		*Report
		Memory memoryReport `json:"memory"`
	}{r, r.memory()}

	bz, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return eris.Wrap(err, "failed to encode report")
	}
	_, err = w.Write(append(bz, '\n'))
	return err
}

func (r *Report) Generate(w io.Writer) error {
	const reportTemplate = `
# ECS Stress Test Report

## Test Configuration
- **Scenario:** {{.Scenario}} ({{.Description}})
- **Run Duration:** {{.Duration}}
- **Initial Entities:** {{.Entities}}
- **Workers:** {{.Workers}} (parallel queries: {{.Parallel}})
- **Defrag Budget:** {{.DefragBudget}}

## Performance Results
- **Total Updates:** {{.TotalUpdates}}
- **Total Test Time:** {{.TotalTime}}
- **Update Time (Frame):**
  - **Avg:** {{.UpdateTime.Avg}}
  - **Min:** {{.UpdateTime.Min}}
  - **Max:** {{.UpdateTime.Max}}
- **Commands Applied:** {{.Applied}} ({{.Failures}} failed)
{{- with .Scheduler}}
{{range .Systems}}  - {{.Stage}}/{{.Name}}: {{.ExecutionCount}} runs, avg {{.AvgDuration}}, max {{.MaxDuration}}
{{end}}{{end}}
## Storage
- **Entities Alive:** {{.Storage.TotalEntityCount}}
- **Archetypes:** {{.Storage.ArchetypeCount}} ({{.Storage.FragmentedCount}} fragmented)
- **Compacted:** {{.Defrag.Compacted}}, recovered: {{.Defrag.Recovered}}, rows reclaimed: {{.Defrag.ReclaimedRows}}, still deferred: {{.Defrag.Deferred}}
{{range .Storage.ArchetypeBreakdown}}  - #{{.Id}} {{.Components}}: {{.EntityCount}}/{{.Capacity}} {{.State}}, {{.Compactions}} compactions
{{end}}
## Memory Usage (Raw Bytes)
- Heap Alloc:     {{.MemStatsStart.HeapAlloc}} (start) -> {{.MemStatsEnd.HeapAlloc}} (end) -> delta: {{bsub .MemStatsEnd.HeapAlloc .MemStatsStart.HeapAlloc}}
- Total Alloc:    {{.MemStatsStart.TotalAlloc}} (start) -> {{.MemStatsEnd.TotalAlloc}} (end) -> delta: {{bsub .MemStatsEnd.TotalAlloc .MemStatsStart.TotalAlloc}} ({{mb .MemStatsEnd.TotalAlloc}} MB)
- Sys Memory:     {{.MemStatsStart.Sys}} (start) -> {{.MemStatsEnd.Sys}} (end) -> delta: {{bsub .MemStatsEnd.Sys .MemStatsStart.Sys}}
- Num GC:         {{.MemStatsStart.NumGC}} (start) -> {{.MemStatsEnd.NumGC}} (end) -> delta: {{usub .MemStatsEnd.NumGC .MemStatsStart.NumGC}}

{{if .GCPauseMetrics}}
## GC Pause Durations
- **Total GC Pause:** {{.MemStatsEnd.PauseTotalNs | ns}}
- **Num GC Cycles:** {{ usub .MemStatsEnd.NumGC .MemStatsStart.NumGC }}
{{end}}
`

	fm := template.FuncMap{
		"mb": func(v uint64) string {
			return fmt.Sprintf("%.2f", float64(v)/1024/1024)
		},
		"bsub": func(a, b uint64) int64 {
			return int64(a) - int64(b)
		},
		"usub": func(a, b uint32) uint32 {
			return a - b
		},
		"ns": func(ns uint64) string {
			return time.Duration(ns).String()
		},
	}

	tmpl, err := template.New("report").Funcs(fm).Parse(reportTemplate)
	if err != nil {
		return eris.Wrap(err, "failed to parse report template")
	}

	return tmpl.Execute(w, r)
}
