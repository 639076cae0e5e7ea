package ecs

import (
	"iter"
	"reflect"
	"slices"
	"unsafe"

	"github.com/kelindar/bitmap"
)

// accessSet is the component access a system declares through its queries and
// singletons. Two sets conflict when either writes what the other touches.
type accessSet struct {
	reads  bitmap.Bitmap
	writes bitmap.Bitmap
}

func (a *accessSet) merge(other accessSet) {
	a.reads.Or(other.reads)
	a.writes.Or(other.writes)
}

func (a accessSet) conflicts(other accessSet) bool {
	return intersects(a.writes, other.writes) ||
		intersects(a.writes, other.reads) ||
		intersects(a.reads, other.writes)
}

func intersects(x, y bitmap.Bitmap) bool {
	if x.Count() == 0 || y.Count() == 0 {
		return false
	}
	intersect := x.Clone(nil)
	intersect.And(y)
	return intersect.Count() > 0
}

// accessor is implemented by everything that can declare component access on
// behalf of a system.
type accessor interface {
	access() accessSet
}

// Filter selects archetypes by component types. Required types (reads and
// writes) must all be present and excluded types must all be absent.
type Filter struct {
	reads    []TypeId
	writes   []TypeId
	excludes []TypeId
	// optional components are accessed when present but never constrain matching
	optional []TypeId

	required bitmap.Bitmap
	excluded bitmap.Bitmap
	acc      accessSet
}

// BuildFilter validates the type sets against registry. A type listed as both
// read and write is a write. A type both required and excluded can never match
// and is rejected.
func BuildFilter(registry *ComponentRegistry, reads, writes, excludes []TypeId) (*Filter, error) {
	registered := TypeId(registry.Len())
	for _, set := range [][]TypeId{reads, writes, excludes} {
		for _, id := range set {
			if id >= registered {
				return nil, configErrorf("type id %d not registered", id)
			}
		}
	}

	f := &Filter{
		writes:   sortedUnique(writes),
		excludes: sortedUnique(excludes),
	}
	for _, id := range sortedUnique(reads) {
		if _, isWrite := slices.BinarySearch(f.writes, id); !isWrite {
			f.reads = append(f.reads, id)
		}
	}

	for _, id := range f.reads {
		f.required.Set(uint32(id))
		f.acc.reads.Set(uint32(id))
	}
	for _, id := range f.writes {
		f.required.Set(uint32(id))
		f.acc.writes.Set(uint32(id))
	}
	for _, id := range f.excludes {
		if f.required.Contains(uint32(id)) {
			layout, _ := registry.LayoutOf(id)
			return nil, configErrorf("component %s is both required and excluded", layout.Name)
		}
		f.excluded.Set(uint32(id))
	}
	return f, nil
}

func (f *Filter) addOptional(id TypeId, write bool) {
	f.optional = append(f.optional, id)
	if write {
		f.acc.writes.Set(uint32(id))
	} else {
		f.acc.reads.Set(uint32(id))
	}
}

// Reads returns the sorted read-only required types.
func (f *Filter) Reads() []TypeId { return f.reads }

// Writes returns the sorted written required types.
func (f *Filter) Writes() []TypeId { return f.writes }

// Excludes returns the sorted excluded types.
func (f *Filter) Excludes() []TypeId { return f.excludes }

// Matches reports whether the archetype holds every required type and none of
// the excluded ones.
func (f *Filter) Matches(a *Archetype) bool {
	if f.required.Count() > 0 {
		intersect := f.required.Clone(nil)
		intersect.And(a.mask)
		if intersect.Count() != f.required.Count() {
			return false
		}
	}
	for _, id := range f.excludes {
		if a.mask.Contains(uint32(id)) {
			return false
		}
	}
	return true
}

// Archetypes returns the matching archetypes of storage.
func (f *Filter) Archetypes(storage *Storage) []*Archetype {
	var cache archetypeCache
	return cache.refresh(storage, f)
}

func (f *Filter) access() accessSet {
	return f.acc
}

func sortedUnique(ids []TypeId) []TypeId {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// archetypeCache keeps the matching archetypes of one storage. Archetypes are
// only ever appended, so a refresh looks at the new ones only.
type archetypeCache struct {
	storage *Storage
	seen    int
	matched []*Archetype
}

func (c *archetypeCache) refresh(storage *Storage, f *Filter) []*Archetype {
	if c.storage != storage {
		c.storage = storage
		c.seen = 0
		c.matched = nil
	}
	for ; c.seen < len(storage.archetypes); c.seen++ {
		if a := storage.archetypes[c.seen]; f.Matches(a) {
			c.matched = append(c.matched, a)
		}
	}
	return c.matched
}

// Query iterates the entities matching an access struct T. See Without for
// the field conventions of T.
type Query[T any] struct {
	layout  *viewLayout
	storage *Storage
	pool    *Pool
	cache   archetypeCache
}

// NewQuery creates a new Query over storage. Layout mistakes in T and
// unregistered component types are reported as configuration errors.
func NewQuery[T any](storage *Storage) (*Query[T], error) {
	q := &Query[T]{}
	if err := q.Init(storage); err != nil {
		return nil, err
	}
	return q, nil
}

// Init binds the Query to a storage. The Dispatcher calls it for Query fields
// of struct systems.
func (q *Query[T]) Init(storage *Storage) error {
	layout, err := parseView(reflect.TypeFor[T](), storage.registry)
	if err != nil {
		return err
	}
	q.layout = layout
	q.storage = storage
	q.cache = archetypeCache{}
	return nil
}

// UsePool sets the pool ParForEach fans out to. Queries bound by a Dispatcher
// use the dispatcher's pool.
func (q *Query[T]) UsePool(pool *Pool) {
	q.pool = pool
}

// Filter returns the archetype filter derived from T.
func (q *Query[T]) Filter() *Filter {
	return q.layout.filter
}

func (q *Query[T]) access() accessSet {
	return q.layout.filter.access()
}

func (q *Query[T]) usePool(pool *Pool) {
	if q.pool == nil {
		q.pool = pool
	}
}

func (q *Query[T]) archetypes() []*Archetype {
	if q.layout == nil {
		panic("ecs: Query used before Init")
	}
	return q.cache.refresh(q.storage, q.layout.filter)
}

// Archetypes returns the archetypes the query currently matches.
func (q *Query[T]) Archetypes() []*Archetype {
	return slices.Clone(q.archetypes())
}

// Iter returns an iterator over entity IDs and component data.
// Component pointers alias storage and stay valid until the next structural change.
func (q *Query[T]) Iter() iter.Seq2[EntityId, T] {
	return func(yield func(EntityId, T) bool) {
		var result T
		resultPtr := unsafe.Pointer(&result)
		for _, archetype := range q.archetypes() {
			if archetype.Len() == 0 {
				continue
			}
			cols := q.layout.columnsFor(archetype)
			for row, id := range archetype.entities {
				q.layout.fill(resultPtr, cols, id, row)
				if !yield(id, result) {
					return
				}
			}
		}
	}
}

// Values returns an iterator over component data only.
func (q *Query[T]) Values() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, value := range q.Iter() {
			if !yield(value) {
				return
			}
		}
	}
}

// Count returns the number of matching entities.
func (q *Query[T]) Count() int {
	n := 0
	for _, archetype := range q.archetypes() {
		n += archetype.Len()
	}
	return n
}

// Get returns the view of a single entity, and false if the entity is stale or
// does not match the query.
func (q *Query[T]) Get(id EntityId) (T, bool) {
	var result T
	slot, err := q.storage.entities.resolve(id)
	if err != nil || !q.layout.filter.Matches(slot.archetype) {
		return result, false
	}
	q.layout.fill(unsafe.Pointer(&result), q.layout.columnsFor(slot.archetype), id, slot.row)
	return result, true
}

// Chunk is a range of rows [Start, End) of one archetype.
type Chunk struct {
	Archetype *Archetype
	Start     int
	End       int
	registry  *ComponentRegistry
}

// Len returns the number of rows in the chunk.
func (c Chunk) Len() int {
	return c.End - c.Start
}

// Entities returns the chunk's entity ids in row order.
func (c Chunk) Entities() []EntityId {
	return c.Archetype.entities[c.Start:c.End]
}

// ChunkColumn returns the chunk's rows of component C as a slice aliasing the
// archetype column.
func ChunkColumn[C any](chunk Chunk) ([]C, bool) {
	col, ok := ColumnOf[C](chunk.registry, chunk.Archetype)
	if !ok {
		return nil, false
	}
	return col[chunk.Start:chunk.End], true
}

// Chunks splits the matching rows into chunks of at most size rows. A size of
// zero or less yields one chunk per non-empty archetype.
func (q *Query[T]) Chunks(size int) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		for _, archetype := range q.archetypes() {
			n := archetype.Len()
			step := size
			if step <= 0 {
				step = n
			}
			for start := 0; start < n; start += step {
				chunk := Chunk{
					Archetype: archetype,
					Start:     start,
					End:       min(start+step, n),
					registry:  q.storage.registry,
				}
				if !yield(chunk) {
					return
				}
			}
		}
	}
}

// ParForEach calls fn for every matching entity, splitting the rows into
// chunks run on the query's pool. Without a pool it runs sequentially. fn runs
// concurrently with itself; it must only write through fields the query
// declares as written and record structural changes in a CommandBuffer.
// A panic in fn is re-raised on the calling goroutine once all chunks are done.
func (q *Query[T]) ParForEach(fn func(EntityId, T)) {
	if q.pool == nil {
		for id, value := range q.Iter() {
			fn(id, value)
		}
		return
	}

	group := q.pool.Group()
	for chunk := range q.Chunks(q.pool.chunkSize(q.Count())) {
		cols := q.layout.columnsFor(chunk.Archetype)
		group.Go(func() error {
			var result T
			resultPtr := unsafe.Pointer(&result)
			for row := chunk.Start; row < chunk.End; row++ {
				id := chunk.Archetype.entities[row]
				q.layout.fill(resultPtr, cols, id, row)
				fn(id, result)
			}
			return nil
		})
	}
	// chunk tasks never return errors
	_ = group.Wait()
}
