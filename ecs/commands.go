package ecs

import (
	"errors"
	"reflect"
	"sync"

	"github.com/rotisserie/eris"
)

type commandKind uint8

const (
	cmdSpawn commandKind = iota
	cmdDestroy
	cmdAdd
	cmdRemove
	cmdDefer
)

type command struct {
	kind       commandKind
	seq        uint64
	entity     EntityId
	component  any
	compType   reflect.Type
	components []any
	fn         func()
}

// CommandBuffer records structural changes made while a stage is running and
// replays them, in the order they were recorded, once the stage is over.
// Recording is safe for concurrent use so a system's parallel query workers
// can share its buffer.
type CommandBuffer struct {
	mu       sync.Mutex
	seq      uint64
	commands []command
}

// NewCommandBuffer returns an empty buffer.
func NewCommandBuffer() *CommandBuffer {
	return &CommandBuffer{}
}

// ApplyReport summarizes one Apply.
type ApplyReport struct {
	// Applied counts operations that changed the storage or ran.
	Applied int `json:"applied"`
	// Skipped counts operations aimed at an entity destroyed earlier in the buffer.
	Skipped int `json:"skipped"`
	// Created lists entities spawned by the buffer, in record order.
	Created []EntityId `json:"-"`
	// Failures holds recoverable errors such as stale handles.
	Failures []error `json:"-"`
}

func (r *ApplyReport) merge(other ApplyReport) {
	r.Applied += other.Applied
	r.Skipped += other.Skipped
	r.Created = append(r.Created, other.Created...)
	r.Failures = append(r.Failures, other.Failures...)
}

func (c *CommandBuffer) push(cmd command) {
	c.mu.Lock()
	c.seq++
	cmd.seq = c.seq
	c.commands = append(c.commands, cmd)
	c.mu.Unlock()
}

// Spawn queues an entity spawn operation with the given components.
func (c *CommandBuffer) Spawn(components ...any) {
	c.push(command{kind: cmdSpawn, components: components})
}

// Destroy queues an entity destruction. Operations recorded after it against
// the same entity are skipped.
func (c *CommandBuffer) Destroy(entity EntityId) {
	c.push(command{kind: cmdDestroy, entity: entity})
}

// AddComponent queues a component addition. If the entity already has the
// type when the operation is replayed, the value is replaced.
func (c *CommandBuffer) AddComponent(entity EntityId, component any) {
	c.push(command{kind: cmdAdd, entity: entity, component: component})
}

// RemoveComponent queues a component removal operation.
func (c *CommandBuffer) RemoveComponent(entity EntityId, compType reflect.Type) {
	c.push(command{kind: cmdRemove, entity: entity, compType: compType})
}

// Remove queues the removal of the T component.
func Remove[T any](c *CommandBuffer, entity EntityId) {
	c.RemoveComponent(entity, reflect.TypeFor[T]())
}

// Defer queues a function to run at its place in the replay. The storage is
// unlocked while it runs.
func (c *CommandBuffer) Defer(fn func()) {
	c.push(command{kind: cmdDefer, fn: fn})
}

// Len returns the number of recorded operations.
func (c *CommandBuffer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.commands)
}

// Reset drops every recorded operation.
func (c *CommandBuffer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.commands)
	c.commands = c.commands[:0]
	c.seq = 0
}

// Apply replays the buffer against storage and resets it. Stale handles and
// missing components are collected in the report; a configuration error stops
// the replay and is returned. Operations before it stay applied.
func (c *CommandBuffer) Apply(storage *Storage) (ApplyReport, error) {
	var report ApplyReport
	if err := storage.checkUnlocked("apply commands"); err != nil {
		return report, err
	}

	c.mu.Lock()
	commands := c.commands
	c.commands = nil
	c.seq = 0
	c.mu.Unlock()

	var destroyed map[EntityId]struct{}
	for _, cmd := range commands {
		if cmd.kind != cmdSpawn && cmd.kind != cmdDefer {
			if _, gone := destroyed[cmd.entity]; gone {
				report.Skipped++
				continue
			}
		}

		var err error
		switch cmd.kind {
		case cmdSpawn:
			var id EntityId
			if id, err = storage.Spawn(cmd.components...); err == nil {
				report.Created = append(report.Created, id)
			}
		case cmdDestroy:
			if err = storage.Destroy(cmd.entity); err == nil {
				if destroyed == nil {
					destroyed = make(map[EntityId]struct{})
				}
				destroyed[cmd.entity] = struct{}{}
			}
		case cmdAdd:
			err = storage.AddComponent(cmd.entity, cmd.component)
			if errors.Is(err, ErrAlreadyPresent) {
				err = storage.SetComponent(cmd.entity, cmd.component)
			}
		case cmdRemove:
			err = storage.RemoveComponent(cmd.entity, cmd.compType)
		case cmdDefer:
			cmd.fn()
		}

		switch {
		case err == nil:
			report.Applied++
		case errors.Is(err, ErrStaleHandle), errors.Is(err, ErrNotPresent):
			report.Failures = append(report.Failures, eris.Wrapf(err, "command %d", cmd.seq))
		default:
			return report, eris.Wrapf(err, "command %d", cmd.seq)
		}
	}
	return report, nil
}
