package ecs

import (
	"reflect"
	"strings"
	"unsafe"

	"github.com/rotisserie/eris"
)

// Without excludes archetypes holding C from a query. Declare it as a field of
// the access struct; it takes no space and is never written.
//
//	type movers struct {
//		Pos    *Position `ecs:"write"`
//		Vel    *Velocity
//		Frozen ecs.Without[Frozen]
//	}
type Without[C any] struct{}

func (Without[C]) excludedType() reflect.Type {
	return reflect.TypeFor[C]()
}

type withoutMarker interface {
	excludedType() reflect.Type
}

var (
	withoutMarkerType = reflect.TypeFor[withoutMarker]()
	entityIdType      = reflect.TypeFor[EntityId]()
)

// viewField is one component pointer of an access struct.
type viewField struct {
	name     string
	offset   uintptr
	typeId   TypeId
	write    bool
	optional bool
}

// viewLayout describes how rows are written into an access struct T.
// Component fields are pointers into archetype columns, filled through their
// offsets without reflection on the iteration path.
type viewLayout struct {
	fields   []viewField
	idOffset uintptr
	hasId    bool
	filter   *Filter
}

// parseView reads the access struct's fields:
//
//   - *C reads component C; `ecs:"write"` declares a write and `ecs:"optional"`
//     a component that may be missing (its pointer is then nil)
//   - an EntityId field receives the entity of the row
//   - Without[C] excludes archetypes holding C
func parseView(structType reflect.Type, registry *ComponentRegistry) (*viewLayout, error) {
	if structType.Kind() != reflect.Struct {
		return nil, configErrorf("query type %s must be a struct", structType)
	}

	layout := &viewLayout{}
	var reads, writes, excludes []TypeId
	seen := make(map[TypeId]string)

	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		fieldType := field.Type

		switch {
		case fieldType == entityIdType:
			if layout.hasId {
				return nil, configErrorf("query %s: more than one EntityId field", structType)
			}
			layout.hasId = true
			layout.idOffset = field.Offset
			continue

		case fieldType.Implements(withoutMarkerType):
			excluded := reflect.Zero(fieldType).Interface().(withoutMarker).excludedType()
			id, err := registry.mustTypeId(excluded)
			if err != nil {
				return nil, eris.Wrapf(err, "query %s field %s", structType, field.Name)
			}
			excludes = append(excludes, id)
			continue

		case fieldType.Kind() != reflect.Ptr:
			return nil, configErrorf("query %s field %s: must be a component pointer, EntityId or Without", structType, field.Name)
		}

		id, err := registry.mustTypeId(fieldType.Elem())
		if err != nil {
			return nil, eris.Wrapf(err, "query %s field %s", structType, field.Name)
		}
		if other, dup := seen[id]; dup {
			return nil, configErrorf("query %s: fields %s and %s name the same component", structType, other, field.Name)
		}
		seen[id] = field.Name

		vf := viewField{name: field.Name, offset: field.Offset, typeId: id}
		if tag, ok := field.Tag.Lookup("ecs"); ok {
			for _, opt := range strings.Split(tag, ",") {
				switch strings.TrimSpace(opt) {
				case "", "read":
				case "write":
					vf.write = true
				case "optional":
					vf.optional = true
				default:
					return nil, configErrorf("query %s field %s: invalid ecs tag value %q", structType, field.Name, opt)
				}
			}
		}
		// Embedded fields are always required
		if field.Anonymous && vf.optional {
			return nil, configErrorf("query %s: embedded field %s cannot be optional", structType, field.Name)
		}

		switch {
		case vf.optional:
		case vf.write:
			writes = append(writes, id)
		default:
			reads = append(reads, id)
		}
		layout.fields = append(layout.fields, vf)
	}

	filter, err := BuildFilter(registry, reads, writes, excludes)
	if err != nil {
		return nil, eris.Wrapf(err, "query %s", structType)
	}
	for _, f := range layout.fields {
		if f.optional {
			filter.addOptional(f.typeId, f.write)
		}
	}
	layout.filter = filter
	return layout, nil
}

// columnsFor returns the archetype's column for every field, nil where an
// optional component is missing.
func (l *viewLayout) columnsFor(a *Archetype) []column {
	cols := make([]column, len(l.fields))
	for i, f := range l.fields {
		cols[i] = a.column(f.typeId)
	}
	return cols
}

// fill points the fields of the struct at dst to row of the given columns.
func (l *viewLayout) fill(dst unsafe.Pointer, cols []column, id EntityId, row int) {
	for i, f := range l.fields {
		fieldPtr := unsafe.Add(dst, f.offset)
		if cols[i] == nil {
			*(*unsafe.Pointer)(fieldPtr) = nil
			continue
		}
		*(*unsafe.Pointer)(fieldPtr) = cols[i].ptr(row)
	}
	if l.hasId {
		*(*EntityId)(unsafe.Add(dst, l.idOffset)) = id
	}
}
