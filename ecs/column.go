package ecs

import (
	"unsafe"
)

// column is a type-erased, densely packed array of one component type.
// Row i of every column in an archetype belongs to the same entity.
type column interface {
	typeId() TypeId
	len() int
	cap() int

	// extend appends a zero value and returns its row.
	extend() int
	setAny(row int, value any) bool
	getAny(row int) any
	// ptr returns the address of row. Valid until the column is next resized.
	ptr(row int) unsafe.Pointer
	// copyRow copies row srcRow of src (same component type) into dstRow.
	copyRow(dstRow int, src column, srcRow int)
	swapRemove(row int)
	// shrink reallocates the backing array to exactly fit the live rows.
	shrink()
}

var _ column = &typedColumn[struct{}]{}

// typedColumn stores components of a specific type `T`.
type typedColumn[T any] struct {
	id   TypeId
	drop bool
	data []T
}

func newTypedColumn[T any](id TypeId, drop bool) *typedColumn[T] {
	return &typedColumn[T]{id: id, drop: drop}
}

func (c *typedColumn[T]) typeId() TypeId { return c.id }
func (c *typedColumn[T]) len() int       { return len(c.data) }
func (c *typedColumn[T]) cap() int       { return cap(c.data) }

func (c *typedColumn[T]) extend() int {
	var zero T
	c.data = append(c.data, zero)
	return len(c.data) - 1
}

// setAny accepts either a T or a *T.
func (c *typedColumn[T]) setAny(row int, value any) bool {
	switch v := value.(type) {
	case T:
		c.data[row] = v
	case *T:
		if v == nil {
			return false
		}
		c.data[row] = *v
	default:
		return false
	}
	return true
}

// getAny returns a pointer to the component at the given row.
func (c *typedColumn[T]) getAny(row int) any {
	return &c.data[row]
}

func (c *typedColumn[T]) ptr(row int) unsafe.Pointer {
	return unsafe.Pointer(&c.data[row])
}

func (c *typedColumn[T]) copyRow(dstRow int, src column, srcRow int) {
	c.data[dstRow] = src.(*typedColumn[T]).data[srcRow]
}

// swapRemove moves the last row into row and truncates. The vacated tail slot
// is zeroed for pointer-holding types.
func (c *typedColumn[T]) swapRemove(row int) {
	last := len(c.data) - 1
	c.data[row] = c.data[last]
	if c.drop {
		var zero T
		c.data[last] = zero
	}
	c.data = c.data[:last]
}

func (c *typedColumn[T]) shrink() {
	if len(c.data) == cap(c.data) {
		return
	}
	if len(c.data) == 0 {
		c.data = nil
		return
	}
	tight := make([]T, len(c.data))
	copy(tight, c.data)
	c.data = tight
}

// slice exposes the live rows for direct iteration.
func (c *typedColumn[T]) slice() []T {
	return c.data
}
