package ecs

import (
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrStaleHandle is returned when an EntityId's generation no longer matches the
	// live entity at its index, or the entity has been destroyed.
	ErrStaleHandle = eris.New("stale entity handle")

	// ErrNotPresent is returned when an operation requires a component the entity lacks.
	ErrNotPresent = eris.New("component not present on entity")

	// ErrAlreadyPresent is returned when adding a component the entity already has.
	ErrAlreadyPresent = eris.New("component already present on entity")

	// ErrConfiguration marks setup mistakes: unregistered or conflicting component
	// types, unsatisfiable queries, unknown stages and dependency cycles.
	ErrConfiguration = eris.New("ecs configuration error")

	// ErrStorageLocked is returned by direct structural mutations while a dispatcher
	// stage is running. Use the frame's CommandBuffer instead.
	ErrStorageLocked = eris.New("storage is locked by a running stage")
)

// SystemFault reports a system that panicked or returned an error during dispatch.
type SystemFault struct {
	Stage    string
	System   string
	Err      error
	Panicked bool
}

func (f *SystemFault) Error() string {
	if f.Panicked {
		return fmt.Sprintf("system %s in stage %s panicked: %v", f.System, f.Stage, f.Err)
	}
	return fmt.Sprintf("system %s in stage %s failed: %v", f.System, f.Stage, f.Err)
}

func (f *SystemFault) Unwrap() error {
	return f.Err
}

func configErrorf(format string, args ...any) error {
	return eris.Wrapf(ErrConfiguration, format, args...)
}
