package ecs

import (
	"reflect"
	"unsafe"
)

// Singleton provides efficient access to a single component instance
// that is not associated with any entity. Use this for world-wide resources
// such as timers, configuration or random sources.
//
// A Singleton field on a system declares write access to T, so systems sharing
// a singleton never run concurrently within a stage.
type Singleton[T any] struct {
	storage       *Storage
	componentPtr  unsafe.Pointer
	componentType reflect.Type
	typeId        TypeId
}

// NewSingleton creates a new Singleton accessor for the given storage.
// T is registered if needed. If the singleton doesn't exist in storage yet it
// is created from initializer, or from the zero value.
func NewSingleton[T any](storage *Storage, initializer ...T) (*Singleton[T], error) {
	s := &Singleton[T]{}
	if err := s.bind(storage); err != nil {
		return nil, err
	}
	if s.componentPtr == nil {
		var value T
		if len(initializer) > 0 {
			value = initializer[0]
		}
		if err := storage.AddSingleton(value); err != nil {
			return nil, err
		}
		s.updateCache()
	}
	return s, nil
}

// Init binds the Singleton to a storage. The Dispatcher calls it for Singleton
// fields of struct systems.
func (s *Singleton[T]) Init(storage *Storage) error {
	return s.bind(storage)
}

func (s *Singleton[T]) bind(storage *Storage) error {
	componentType := reflect.TypeFor[T]()
	typeId, ok := TypeIdFor[T](storage.registry)
	if !ok {
		var err error
		typeId, err = RegisterComponentAs[T](storage.registry, defaultComponentName(componentType))
		if err != nil {
			return err
		}
	}
	s.storage = storage
	s.componentType = componentType
	s.typeId = typeId
	s.componentPtr = nil
	s.updateCache()
	return nil
}

// Get returns a pointer to the singleton component.
// Returns nil if the singleton has not been added to storage.
func (s *Singleton[T]) Get() *T {
	if s.componentPtr == nil {
		s.updateCache()
	}
	if s.componentPtr == nil {
		return nil
	}
	return (*T)(s.componentPtr)
}

// updateCache refreshes the cached pointer from storage
func (s *Singleton[T]) updateCache() {
	if s.storage == nil {
		return
	}
	entry := s.storage.getSingletonEntry(s.componentType)
	if entry != nil {
		s.componentPtr = entry.dataPtr
	} else {
		s.componentPtr = nil
	}
}

// Exists returns true if the singleton component has been added to storage
func (s *Singleton[T]) Exists() bool {
	if s.componentPtr == nil {
		s.updateCache()
	}
	return s.componentPtr != nil
}

func (s *Singleton[T]) access() accessSet {
	var a accessSet
	a.writes.Set(uint32(s.typeId))
	return a
}
