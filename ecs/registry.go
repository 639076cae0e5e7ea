package ecs

import (
	"reflect"
	"sync"
)

// TypeId is the stable identifier the registry assigns to a component type.
type TypeId uint32

// Layout describes the memory shape of a registered component type.
type Layout struct {
	Type  reflect.Type
	Name  string
	Size  uintptr
	Align uintptr
	// Drop reports that the type holds pointers, so vacated slots are zeroed
	// to let the garbage collector reclaim what they referenced.
	Drop bool
}

type componentInfo struct {
	layout  Layout
	factory func() column
}

// ComponentRegistry manages component type registration for an ECS instance.
// Each Storage instance has its own ComponentRegistry, allowing multiple
// independent ECS systems to coexist without interference.
type ComponentRegistry struct {
	mu      sync.RWMutex
	ids     map[reflect.Type]TypeId
	names   map[string]TypeId
	entries []componentInfo
}

// NewComponentRegistry creates a new component registry.
func NewComponentRegistry() *ComponentRegistry {
	return &ComponentRegistry{
		ids:   make(map[reflect.Type]TypeId),
		names: make(map[string]TypeId),
	}
}

// RegisterComponent registers a new component type with the given registry.
// This must be called for each component type before it can be used.
// Registering the same type again returns the existing TypeId.
func RegisterComponent[T any](r *ComponentRegistry) TypeId {
	t := reflect.TypeFor[T]()
	id, err := RegisterComponentAs[T](r, defaultComponentName(t))
	if err != nil {
		panic(err)
	}
	return id
}

// RegisterComponentAs registers T under an explicit name. A type may only ever
// carry one name and a name may only ever refer to one type.
func RegisterComponentAs[T any](r *ComponentRegistry, name string) (TypeId, error) {
	t := reflect.TypeFor[T]()
	if err := checkComponentKind(t); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, configErrorf("component %s registered with an empty name", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.ids[t]; ok {
		if existing := r.entries[id].layout.Name; existing != name {
			return 0, configErrorf("component %s already registered as %q, not %q", t, existing, name)
		}
		return id, nil
	}
	if other, ok := r.names[name]; ok {
		return 0, configErrorf("component name %q already used by %s", name, r.entries[other].layout.Type)
	}

	id := TypeId(len(r.entries))
	drop := hasPointers(t)
	r.ids[t] = id
	r.names[name] = id
	r.entries = append(r.entries, componentInfo{
		layout: Layout{
			Type:  t,
			Name:  name,
			Size:  t.Size(),
			Align: uintptr(t.Align()),
			Drop:  drop,
		},
		factory: func() column {
			return newTypedColumn[T](id, drop)
		},
	})
	return id, nil
}

// TypeIdFor returns the TypeId of T if it has been registered.
func TypeIdFor[T any](r *ComponentRegistry) (TypeId, bool) {
	return r.TypeIdOf(reflect.TypeFor[T]())
}

// TypeIdOf returns the TypeId of a registered type.
func (r *ComponentRegistry) TypeIdOf(t reflect.Type) (TypeId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[t]
	return id, ok
}

// LayoutOf returns the layout recorded for id.
func (r *ComponentRegistry) LayoutOf(id TypeId) (Layout, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.entries) {
		return Layout{}, false
	}
	return r.entries[id].layout, true
}

// Len returns the number of registered component types.
func (r *ComponentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// mustTypeId resolves t or returns a configuration error naming it.
func (r *ComponentRegistry) mustTypeId(t reflect.Type) (TypeId, error) {
	id, ok := r.TypeIdOf(t)
	if !ok {
		return 0, configErrorf("component type %s not registered", t)
	}
	return id, nil
}

// getFactory returns the column factory for a given component type id.
func (r *ComponentRegistry) getFactory(id TypeId) func() column {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id].factory
}

func defaultComponentName(t reflect.Type) string {
	if t.PkgPath() == "" || t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// Components can be structs or primitives (int, string, etc.)
// But not pointers, maps, channels, functions or interfaces (those aren't value types)
func checkComponentKind(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface, reflect.UnsafePointer:
		return configErrorf("component %s: components cannot be pointers, maps, channels, functions or interfaces", t)
	}
	return nil
}

func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface,
		reflect.Slice, reflect.String, reflect.UnsafePointer:
		return true
	case reflect.Array:
		return t.Len() > 0 && hasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
	}
	return false
}
