package ecs

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// EntityId encodes the entity's generation (upper 32 bits) and its slot index (lower 32 bits).
// Generations start at 1, so the zero EntityId never refers to a live entity.
type EntityId uint64

// NewEntityId creates an EntityId from a slot index and generation
func NewEntityId(index uint32, generation uint32) EntityId {
	return EntityId(uint64(generation)<<32 | uint64(index))
}

// Index extracts the slot index from the entity ID
func (e EntityId) Index() uint32 {
	return uint32(e & 0xFFFFFFFF)
}

// Generation extracts the generation from the entity ID
func (e EntityId) Generation() uint32 {
	return uint32(e >> 32)
}

func (e EntityId) String() string {
	return fmt.Sprintf("%d:%d", e.Index(), e.Generation())
}

// entitySlot is one entry of the location table. A nil archetype marks a free slot.
type entitySlot struct {
	generation uint32
	archetype  *Archetype
	row        int
}

// entityTable maps entity indices to their archetype and row.
type entityTable struct {
	slots []entitySlot
	free  []uint32
	alive int
}

// alloc reserves a slot, preferring freed indices (FIFO) so generations spread evenly.
func (t *entityTable) alloc() EntityId {
	var index uint32
	if len(t.free) > 0 {
		index = t.free[0]
		t.free = t.free[1:]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, entitySlot{generation: 1})
	}
	t.alive++
	return NewEntityId(index, t.slots[index].generation)
}

// resolve returns the slot of a live entity or ErrStaleHandle.
func (t *entityTable) resolve(id EntityId) (*entitySlot, error) {
	index := id.Index()
	if int(index) >= len(t.slots) {
		return nil, eris.Wrapf(ErrStaleHandle, "entity %s", id)
	}
	slot := &t.slots[index]
	if slot.archetype == nil || slot.generation != id.Generation() {
		return nil, eris.Wrapf(ErrStaleHandle, "entity %s", id)
	}
	return slot, nil
}

// place records the entity's current archetype and row.
func (t *entityTable) place(id EntityId, archetype *Archetype, row int) {
	slot := &t.slots[id.Index()]
	slot.archetype = archetype
	slot.row = row
}

// release invalidates the entity and returns its index to the free list.
func (t *entityTable) release(id EntityId) {
	slot := &t.slots[id.Index()]
	slot.archetype = nil
	slot.row = -1
	slot.generation++
	if slot.generation == 0 {
		slot.generation = 1
	}
	t.free = append(t.free, id.Index())
	t.alive--
}
