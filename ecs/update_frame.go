package ecs

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// UpdateFrame is what a system sees of the current run.
type UpdateFrame struct {
	DeltaTime float64
	Tick      uint64
	RunID     uuid.UUID
	Stage     string
	System    string

	// Commands collects the system's structural changes. It is applied after the stage.
	Commands *CommandBuffer
	// Storage is locked for structural changes while the system runs.
	Storage *Storage
	// Logger carries the run, stage and system as fields.
	Logger zerolog.Logger
	// Pool is the dispatcher's worker pool, for fanning out work inside the system.
	Pool *Pool
}
