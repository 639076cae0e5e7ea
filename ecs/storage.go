package ecs

import (
	"reflect"
	"slices"
	"sync/atomic"
	"unsafe"

	"github.com/kamstrup/intmap"
	"github.com/rotisserie/eris"
)

// Storage is the archetype store. It owns every entity, its location and the
// columns holding its components.
type Storage struct {
	registry   *ComponentRegistry
	archetypes []*Archetype
	// signature hash -> archetypes sharing it (collisions are compared by type list)
	signatures *intmap.Map[uint32, []*Archetype]
	entities   entityTable
	singletons map[reflect.Type]*singletonEntry
	locked     atomic.Bool

	shrinkThreshold float64
	defragSeq       uint64
	defragQueue     []*Archetype
}

type singletonEntry struct {
	typeId  TypeId
	value   reflect.Value // pointer to the heap copy
	dataPtr unsafe.Pointer
}

// NewStorage creates a new ECS storage system with the given component registry
func NewStorage(registry *ComponentRegistry) *Storage {
	return &Storage{
		registry:        registry,
		signatures:      intmap.New[uint32, []*Archetype](16),
		singletons:      make(map[reflect.Type]*singletonEntry),
		shrinkThreshold: DefaultShrinkThreshold,
	}
}

// Registry returns the component registry the storage was created with.
func (s *Storage) Registry() *ComponentRegistry {
	return s.registry
}

// Locked reports whether a dispatcher stage currently holds the storage.
func (s *Storage) Locked() bool {
	return s.locked.Load()
}

func (s *Storage) lock() bool {
	return s.locked.CompareAndSwap(false, true)
}

func (s *Storage) unlock() {
	s.locked.Store(false)
}

func (s *Storage) checkUnlocked(op string) error {
	if s.locked.Load() {
		return eris.Wrapf(ErrStorageLocked, "%s", op)
	}
	return nil
}

// Spawn creates a new entity with the provided components. Components may be
// passed by value or by pointer; each type may appear once. An entity with no
// components is allowed.
func (s *Storage) Spawn(components ...any) (EntityId, error) {
	if err := s.checkUnlocked("spawn"); err != nil {
		return 0, err
	}
	types, values, err := s.sortComponents(components)
	if err != nil {
		return 0, err
	}
	return s.spawnSorted(s.archetypeFor(types), values), nil
}

// SpawnBatch spawns n entities, taking the components of entity i from fn(i).
// Consecutive entities with the same component set skip the archetype lookup.
// On error, the entities spawned so far are returned with it.
func (s *Storage) SpawnBatch(n int, fn func(i int) []any) ([]EntityId, error) {
	if err := s.checkUnlocked("spawn batch"); err != nil {
		return nil, err
	}
	ids := make([]EntityId, 0, n)
	var last *Archetype
	for i := 0; i < n; i++ {
		types, values, err := s.sortComponents(fn(i))
		if err != nil {
			return ids, eris.Wrapf(err, "batch entity %d", i)
		}
		if last == nil || !sameTypes(last.types, types) {
			last = s.archetypeFor(types)
		}
		ids = append(ids, s.spawnSorted(last, values))
	}
	return ids, nil
}

func (s *Storage) spawnSorted(archetype *Archetype, values []any) EntityId {
	id := s.entities.alloc()
	row := archetype.pushRow(id)
	for idx, value := range values {
		archetype.columns[idx].setAny(row, value)
	}
	s.entities.place(id, archetype, row)
	return id
}

// Destroy removes the entity and all of its components. The entity's index is
// reused by a later spawn under a new generation.
func (s *Storage) Destroy(id EntityId) error {
	if err := s.checkUnlocked("destroy"); err != nil {
		return err
	}
	slot, err := s.entities.resolve(id)
	if err != nil {
		return err
	}
	s.removeRow(slot.archetype, slot.row)
	s.entities.release(id)
	return nil
}

// AddComponent migrates the entity to the archetype that also holds the
// component's type and stores the value there.
func (s *Storage) AddComponent(id EntityId, component any) error {
	if err := s.checkUnlocked("add component"); err != nil {
		return err
	}
	t, err := componentType(component)
	if err != nil {
		return err
	}
	typeId, err := s.registry.mustTypeId(t)
	if err != nil {
		return err
	}
	slot, err := s.entities.resolve(id)
	if err != nil {
		return err
	}
	src, row := slot.archetype, slot.row
	if src.HasComponent(typeId) {
		return eris.Wrapf(ErrAlreadyPresent, "entity %s: %s", id, t)
	}

	dst := s.addTarget(src, typeId)
	newRow := src.moveRow(dst, row)
	dst.column(typeId).setAny(newRow, component)
	s.removeRow(src, row)
	s.entities.place(id, dst, newRow)
	return nil
}

// RemoveComponent migrates the entity to the archetype without compType.
// The entity is left where it is when it lacks the component.
func (s *Storage) RemoveComponent(id EntityId, compType reflect.Type) error {
	if err := s.checkUnlocked("remove component"); err != nil {
		return err
	}
	typeId, err := s.registry.mustTypeId(compType)
	if err != nil {
		return err
	}
	slot, err := s.entities.resolve(id)
	if err != nil {
		return err
	}
	src, row := slot.archetype, slot.row
	if !src.HasComponent(typeId) {
		return eris.Wrapf(ErrNotPresent, "entity %s: %s", id, compType)
	}

	dst := s.removeTarget(src, typeId)
	newRow := src.moveRow(dst, row)
	s.removeRow(src, row)
	s.entities.place(id, dst, newRow)
	return nil
}

// RemoveComponentOf is the generic form of RemoveComponent.
func RemoveComponentOf[T any](s *Storage, id EntityId) error {
	return s.RemoveComponent(id, reflect.TypeFor[T]())
}

// SetComponent overwrites a component the entity already has.
func (s *Storage) SetComponent(id EntityId, component any) error {
	t, err := componentType(component)
	if err != nil {
		return err
	}
	typeId, err := s.registry.mustTypeId(t)
	if err != nil {
		return err
	}
	slot, err := s.entities.resolve(id)
	if err != nil {
		return err
	}
	col := slot.archetype.column(typeId)
	if col == nil {
		return eris.Wrapf(ErrNotPresent, "entity %s: %s", id, t)
	}
	col.setAny(slot.row, component)
	return nil
}

// GetComponent returns a pointer to the entity's component of type compType,
// boxed as an any holding a *T.
func (s *Storage) GetComponent(id EntityId, compType reflect.Type) (any, error) {
	typeId, err := s.registry.mustTypeId(compType)
	if err != nil {
		return nil, err
	}
	slot, err := s.entities.resolve(id)
	if err != nil {
		return nil, err
	}
	col := slot.archetype.column(typeId)
	if col == nil {
		return nil, eris.Wrapf(ErrNotPresent, "entity %s: %s", id, compType)
	}
	return col.getAny(slot.row), nil
}

// ReadComponent returns a mutable pointer to the entity's T component. The
// pointer is valid until the next structural change of the storage.
func ReadComponent[T any](s *Storage, id EntityId) (*T, error) {
	comp, err := s.GetComponent(id, reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	return comp.(*T), nil
}

// HasComponent checks if an entity has a specific component type
func (s *Storage) HasComponent(id EntityId, compType reflect.Type) bool {
	typeId, ok := s.registry.TypeIdOf(compType)
	if !ok {
		return false
	}
	slot, err := s.entities.resolve(id)
	if err != nil {
		return false
	}
	return slot.archetype.HasComponent(typeId)
}

// Alive reports whether id refers to a live entity.
func (s *Storage) Alive(id EntityId) bool {
	_, err := s.entities.resolve(id)
	return err == nil
}

// EntityCount returns the number of live entities.
func (s *Storage) EntityCount() int {
	return s.entities.alive
}

// ComponentTypes returns the sorted component types of a live entity.
func (s *Storage) ComponentTypes(id EntityId) ([]TypeId, error) {
	slot, err := s.entities.resolve(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(slot.archetype.types), nil
}

// Location returns the archetype and row currently holding the entity.
func (s *Storage) Location(id EntityId) (ArchetypeId, int, error) {
	slot, err := s.entities.resolve(id)
	if err != nil {
		return 0, 0, err
	}
	return slot.archetype.id, slot.row, nil
}

// Archetypes returns every archetype in creation order. The slice must not be modified.
func (s *Storage) Archetypes() []*Archetype {
	return s.archetypes
}

// ArchetypeCount returns the number of archetypes created so far. Archetypes
// are never removed, so the count only grows.
func (s *Storage) ArchetypeCount() int {
	return len(s.archetypes)
}

// GetArchetype returns the archetype for exactly the given component types, if
// one exists.
func (s *Storage) GetArchetype(types ...reflect.Type) (*Archetype, bool) {
	ids := make([]TypeId, 0, len(types))
	for _, t := range types {
		id, ok := s.registry.TypeIdOf(t)
		if !ok {
			return nil, false
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return s.lookupArchetype(hashTypeIds(ids), ids)
}

// removeRow swap-removes row and repoints the entity moved into it.
func (s *Storage) removeRow(a *Archetype, row int) {
	if moved, ok := a.swapRemove(row); ok {
		s.entities.slots[moved.Index()].row = row
	}
	s.noteRemoval(a)
}

func (s *Storage) addTarget(src *Archetype, typeId TypeId) *Archetype {
	if dst, ok := src.addEdges.Get(typeId); ok {
		return dst
	}
	types := make([]TypeId, 0, len(src.types)+1)
	types = append(types, src.types...)
	types = append(types, typeId)
	slices.Sort(types)
	dst := s.archetypeFor(types)
	src.addEdges.Put(typeId, dst)
	dst.removeEdges.Put(typeId, src)
	return dst
}

func (s *Storage) removeTarget(src *Archetype, typeId TypeId) *Archetype {
	if dst, ok := src.removeEdges.Get(typeId); ok {
		return dst
	}
	types := make([]TypeId, 0, len(src.types)-1)
	for _, t := range src.types {
		if t != typeId {
			types = append(types, t)
		}
	}
	dst := s.archetypeFor(types)
	src.removeEdges.Put(typeId, dst)
	dst.addEdges.Put(typeId, src)
	return dst
}

// archetypeFor finds or creates the archetype for a sorted type list.
func (s *Storage) archetypeFor(types []TypeId) *Archetype {
	hash := hashTypeIds(types)
	if a, ok := s.lookupArchetype(hash, types); ok {
		return a
	}
	a := newArchetype(ArchetypeId(len(s.archetypes)), slices.Clone(types), s.registry)
	s.archetypes = append(s.archetypes, a)
	bucket, _ := s.signatures.Get(hash)
	s.signatures.Put(hash, append(bucket, a))
	return a
}

func (s *Storage) lookupArchetype(hash uint32, types []TypeId) (*Archetype, bool) {
	bucket, _ := s.signatures.Get(hash)
	for _, a := range bucket {
		if sameTypes(a.types, types) {
			return a, true
		}
	}
	return nil, false
}

// sortComponents resolves the TypeId of each component and returns both lists
// ordered by TypeId.
func (s *Storage) sortComponents(components []any) ([]TypeId, []any, error) {
	type pair struct {
		id    TypeId
		value any
	}
	pairs := make([]pair, len(components))
	for i, comp := range components {
		t, err := componentType(comp)
		if err != nil {
			return nil, nil, err
		}
		id, err := s.registry.mustTypeId(t)
		if err != nil {
			return nil, nil, err
		}
		pairs[i] = pair{id: id, value: comp}
	}
	slices.SortFunc(pairs, func(a, b pair) int { return int(a.id) - int(b.id) })

	types := make([]TypeId, len(pairs))
	values := make([]any, len(pairs))
	for i, p := range pairs {
		if i > 0 && types[i-1] == p.id {
			layout, _ := s.registry.LayoutOf(p.id)
			return nil, nil, configErrorf("component %s given twice", layout.Type)
		}
		types[i] = p.id
		values[i] = p.value
	}
	return types, values, nil
}

// componentType returns the component type of a value passed as T or *T.
func componentType(component any) (reflect.Type, error) {
	if component == nil {
		return nil, configErrorf("nil component")
	}
	t := reflect.TypeOf(component)
	if t.Kind() == reflect.Ptr {
		if reflect.ValueOf(component).IsNil() {
			return nil, configErrorf("nil %s component", t)
		}
		t = t.Elem()
	}
	return t, nil
}

// hashTypeIds generates a uint32 FNV-1a hash for a sorted slice of type ids
func hashTypeIds(types []TypeId) uint32 {
	var h uint32 = 2166136261     // FNV-1a 32-bit offset basis
	const prime uint32 = 16777619 // FNV-1a 32-bit prime

	for _, t := range types {
		for shift := 0; shift < 32; shift += 8 {
			h ^= uint32(t>>shift) & 0xFF
			h *= prime
		}
	}
	return h
}

// AddSingleton stores value as the storage-wide instance of its type,
// replacing the value of an existing instance in place.
func (s *Storage) AddSingleton(value any) error {
	t, err := componentType(value)
	if err != nil {
		return err
	}
	typeId, err := s.registry.mustTypeId(t)
	if err != nil {
		return err
	}
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if entry, ok := s.singletons[t]; ok {
		entry.value.Elem().Set(v)
		return nil
	}
	if err := s.checkUnlocked("add singleton"); err != nil {
		return err
	}
	ptr := reflect.New(t)
	ptr.Elem().Set(v)
	s.singletons[t] = &singletonEntry{
		typeId:  typeId,
		value:   ptr,
		dataPtr: ptr.UnsafePointer(),
	}
	return nil
}

func (s *Storage) getSingletonEntry(t reflect.Type) *singletonEntry {
	return s.singletons[t]
}

// SingletonCount returns the number of singletons added to the storage.
func (s *Storage) SingletonCount() int {
	return len(s.singletons)
}
