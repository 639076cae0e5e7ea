package ecs

import (
	"slices"

	"github.com/kamstrup/intmap"
	"github.com/kelindar/bitmap"
)

// ArchetypeId is the index of an archetype in its storage, in creation order.
type ArchetypeId uint32

// Archetype represents a unique combination of component types. It owns one
// column per type plus the entity slice; all of them have the same length.
type Archetype struct {
	id       ArchetypeId
	types    []TypeId // sorted
	mask     bitmap.Bitmap
	columns  []column
	entities []EntityId

	// Transition cache: component type -> archetype reached by adding/removing it.
	addEdges    *intmap.Map[TypeId, *Archetype]
	removeEdges *intmap.Map[TypeId, *Archetype]

	defrag     DefragState
	overSince  uint64 // fragmentation sequence number, orders the defrag queue
	compaction int    // times compacted, reported in stats
}

// newArchetype creates a new archetype with the given ID and sorted component types
func newArchetype(id ArchetypeId, types []TypeId, registry *ComponentRegistry) *Archetype {
	a := &Archetype{
		id:          id,
		types:       types,
		columns:     make([]column, len(types)),
		addEdges:    intmap.New[TypeId, *Archetype](4),
		removeEdges: intmap.New[TypeId, *Archetype](4),
	}
	for idx, typ := range types {
		a.mask.Set(uint32(typ))
		a.columns[idx] = registry.getFactory(typ)()
	}
	return a
}

// ID returns the archetype's unique identifier
func (a *Archetype) ID() ArchetypeId {
	return a.id
}

// Types returns the sorted component type ids for this archetype
func (a *Archetype) Types() []TypeId {
	return a.types
}

// Len returns the number of entities stored in this archetype.
func (a *Archetype) Len() int {
	return len(a.entities)
}

// Capacity returns the number of rows allocated for this archetype: the
// largest capacity of its entity slice and columns. Columns grow by their own
// size classes, so any of them may hold the most slack.
func (a *Archetype) Capacity() int {
	capacity := cap(a.entities)
	for _, col := range a.columns {
		capacity = max(capacity, col.cap())
	}
	return capacity
}

// Entities returns the entity ids in row order. The slice must not be modified.
func (a *Archetype) Entities() []EntityId {
	return a.entities
}

// State returns the archetype's defragmentation state.
func (a *Archetype) State() DefragState {
	return a.defrag
}

// HasComponent checks if this archetype has the given component type
func (a *Archetype) HasComponent(id TypeId) bool {
	return a.mask.Contains(uint32(id))
}

// columnIndex returns the column position of id, or -1.
func (a *Archetype) columnIndex(id TypeId) int {
	idx, found := slices.BinarySearch(a.types, id)
	if !found {
		return -1
	}
	return idx
}

func (a *Archetype) column(id TypeId) column {
	idx := a.columnIndex(id)
	if idx < 0 {
		return nil
	}
	return a.columns[idx]
}

// pushRow appends a zeroed row for the entity and returns it.
func (a *Archetype) pushRow(id EntityId) int {
	a.entities = append(a.entities, id)
	row := len(a.entities) - 1
	for _, col := range a.columns {
		if col.extend() != row {
			panic("ecs: column length diverged from entity count")
		}
	}
	return row
}

// swapRemove removes row by moving the last row into its place. It returns the
// entity that now occupies row, and false if row was the last one.
func (a *Archetype) swapRemove(row int) (EntityId, bool) {
	last := len(a.entities) - 1
	a.entities[row] = a.entities[last]
	a.entities[last] = 0
	a.entities = a.entities[:last]
	for _, col := range a.columns {
		col.swapRemove(row)
	}
	if row == last {
		return 0, false
	}
	return a.entities[row], true
}

// moveRow copies the components shared with dst into a new row of dst and
// returns that row. The source row is left in place for the caller to remove.
func (a *Archetype) moveRow(dst *Archetype, row int) int {
	newRow := dst.pushRow(a.entities[row])
	// Both type lists are sorted, so one merge pass pairs up the shared columns.
	i, j := 0, 0
	for i < len(a.types) && j < len(dst.types) {
		switch {
		case a.types[i] == dst.types[j]:
			dst.columns[j].copyRow(newRow, a.columns[i], row)
			i++
			j++
		case a.types[i] < dst.types[j]:
			i++
		default:
			j++
		}
	}
	return newRow
}

// shrink reallocates the entity slice and every column to fit the live rows.
func (a *Archetype) shrink() {
	if len(a.entities) == 0 {
		a.entities = nil
	} else if len(a.entities) != cap(a.entities) {
		tight := make([]EntityId, len(a.entities))
		copy(tight, a.entities)
		a.entities = tight
	}
	for _, col := range a.columns {
		col.shrink()
	}
}

// Iter returns an iterator over all EntityIds in this archetype, in row order
func (a *Archetype) Iter() func(yield func(EntityId) bool) {
	return func(yield func(EntityId) bool) {
		for _, id := range a.entities {
			if !yield(id) {
				return
			}
		}
	}
}

// ColumnOf returns the live rows of the archetype's column for C, in row order.
// The slice aliases archetype storage and is valid until the next structural change.
func ColumnOf[C any](registry *ComponentRegistry, a *Archetype) ([]C, bool) {
	id, ok := TypeIdFor[C](registry)
	if !ok {
		return nil, false
	}
	col, ok := a.column(id).(*typedColumn[C])
	if !ok {
		return nil, false
	}
	return col.slice(), true
}

func sameTypes(a, b []TypeId) bool {
	return slices.Equal(a, b)
}
