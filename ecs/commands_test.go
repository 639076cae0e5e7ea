package ecs_test

import (
	"reflect"
	"testing"

	"github.com/plus3/ecsworld/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSpawnSystem struct {
	executed bool
}

func (s *testSpawnSystem) Execute(frame *ecs.UpdateFrame) error {
	s.executed = true
	frame.Commands.Spawn(Position{X: 1, Y: 2}, Velocity{DX: 0.5, DY: 0.5})
	frame.Commands.Spawn(Position{X: 3, Y: 4})
	return nil
}

type testDestroySystem struct {
	entity ecs.EntityId
}

func (s *testDestroySystem) Execute(frame *ecs.UpdateFrame) error {
	frame.Commands.Destroy(s.entity)
	return nil
}

type testMixedSystem struct {
	entity ecs.EntityId
}

func (s *testMixedSystem) Execute(frame *ecs.UpdateFrame) error {
	frame.Commands.Spawn(Position{X: 10, Y: 20})
	frame.Commands.AddComponent(s.entity, Velocity{DX: 1, DY: 1})
	frame.Commands.Destroy(s.entity)
	frame.Commands.Spawn(Health{Current: 100, Max: 100})
	return nil
}

// Systems for cross-system entity mutation tests
type systemRemoveVelocity struct {
	entity ecs.EntityId
}

func (s *systemRemoveVelocity) Execute(frame *ecs.UpdateFrame) error {
	ecs.Remove[Velocity](frame.Commands, s.entity)
	return nil
}

type systemAddHealth struct {
	entity ecs.EntityId
}

func (s *systemAddHealth) Execute(frame *ecs.UpdateFrame) error {
	frame.Commands.AddComponent(s.entity, Health{Current: 50, Max: 100})
	return nil
}

type systemAddVelocity struct {
	entity ecs.EntityId
}

func (s *systemAddVelocity) Execute(frame *ecs.UpdateFrame) error {
	frame.Commands.AddComponent(s.entity, Velocity{DX: 1, DY: 2})
	return nil
}

type systemRemoveHealth struct {
	entity ecs.EntityId
}

func (s *systemRemoveHealth) Execute(frame *ecs.UpdateFrame) error {
	frame.Commands.RemoveComponent(s.entity, reflect.TypeOf(Health{}))
	return nil
}

func countOf[T any](t *testing.T, storage *ecs.Storage) int {
	t.Helper()
	query, err := ecs.NewQuery[T](storage)
	require.NoError(t, err)
	return query.Count()
}

func runOnce(t *testing.T, storage *ecs.Storage, systems ...ecs.System) ecs.RunReport {
	t.Helper()
	dispatcher, err := ecs.NewDispatcher()
	require.NoError(t, err)
	for _, system := range systems {
		require.NoError(t, dispatcher.AddSystem(ecs.DefaultStage, system))
	}
	report, err := dispatcher.Run(storage)
	require.NoError(t, err)
	return report
}

func TestCommands(t *testing.T) {
	registry := ecs.NewComponentRegistry()
	ecs.RegisterComponent[Position](registry)
	ecs.RegisterComponent[Velocity](registry)
	ecs.RegisterComponent[Health](registry)

	t.Run("spawn entities", func(t *testing.T) {
		storage := ecs.NewStorage(registry)
		system := &testSpawnSystem{}

		assert.Equal(t, 0, countOf[struct{ *Position }](t, storage))

		report := runOnce(t, storage, system)

		assert.True(t, system.executed)
		assert.Equal(t, 2, countOf[struct{ *Position }](t, storage))
		require.Len(t, report.Stages, 1)
		assert.Len(t, report.Stages[0].Apply.Created, 2)
		assert.Equal(t, 2, report.Stages[0].Apply.Applied)
	})

	t.Run("destroy entities", func(t *testing.T) {
		storage := ecs.NewStorage(registry)
		e1 := spawn(t, storage, Position{X: 1, Y: 2})
		e2 := spawn(t, storage, Position{X: 3, Y: 4})

		runOnce(t, storage, &testDestroySystem{entity: e1})

		assert.False(t, storage.Alive(e1))
		assert.True(t, storage.Alive(e2))
	})

	t.Run("add components", func(t *testing.T) {
		storage := ecs.NewStorage(registry)
		entity := spawn(t, storage, Position{X: 1, Y: 2})

		runOnce(t, storage, ecs.SystemFunc(func(frame *ecs.UpdateFrame) error {
			frame.Commands.AddComponent(entity, Velocity{DX: 5, DY: 10})
			return nil
		}))

		vel, err := ecs.ReadComponent[Velocity](storage, entity)
		require.NoError(t, err)
		assert.Equal(t, Velocity{DX: 5, DY: 10}, *vel)
		pos, err := ecs.ReadComponent[Position](storage, entity)
		require.NoError(t, err)
		assert.Equal(t, Position{X: 1, Y: 2}, *pos)
	})

	t.Run("remove components", func(t *testing.T) {
		storage := ecs.NewStorage(registry)
		entity := spawn(t, storage, Position{X: 1, Y: 2}, Velocity{DX: 5, DY: 10})

		runOnce(t, storage, &systemRemoveVelocity{entity: entity})

		assert.Equal(t, 0, countOf[struct {
			*Position
			*Velocity
		}](t, storage))
		assert.Equal(t, 1, countOf[struct{ *Position }](t, storage))
	})

	t.Run("mixed operations", func(t *testing.T) {
		storage := ecs.NewStorage(registry)
		e1 := spawn(t, storage, Position{X: 1, Y: 2})

		report := runOnce(t, storage, &testMixedSystem{entity: e1})

		assert.Equal(t, 1, countOf[struct{ *Position }](t, storage))
		assert.Equal(t, 1, countOf[struct{ *Health }](t, storage))
		assert.Equal(t, 4, report.Stages[0].Apply.Applied)
	})

	// Cross-system entity mutation tests - verify entity ID tracking during flush
	t.Run("cross-system remove then add same entity", func(t *testing.T) {
		storage := ecs.NewStorage(registry)
		entity := spawn(t, storage, Position{X: 1, Y: 2}, Velocity{DX: 5, DY: 10})

		runOnce(t, storage, &systemRemoveVelocity{entity: entity}, &systemAddHealth{entity: entity})

		assert.False(t, storage.HasComponent(entity, reflect.TypeFor[Velocity]()))
		health, err := ecs.ReadComponent[Health](storage, entity)
		require.NoError(t, err)
		assert.Equal(t, Health{Current: 50, Max: 100}, *health)
		pos, err := ecs.ReadComponent[Position](storage, entity)
		require.NoError(t, err)
		assert.Equal(t, Position{X: 1, Y: 2}, *pos)
	})

	t.Run("cross-system multiple adds same entity", func(t *testing.T) {
		storage := ecs.NewStorage(registry)
		entity := spawn(t, storage, Position{X: 3, Y: 4})

		runOnce(t, storage, &systemAddVelocity{entity: entity}, &systemAddHealth{entity: entity})

		query, err := ecs.NewQuery[struct {
			*Position
			*Velocity
			*Health
		}](storage)
		require.NoError(t, err)
		item, ok := query.Get(entity)
		require.True(t, ok)
		assert.Equal(t, Position{X: 3, Y: 4}, *item.Position)
		assert.Equal(t, Velocity{DX: 1, DY: 2}, *item.Velocity)
		assert.Equal(t, Health{Current: 50, Max: 100}, *item.Health)
	})

	t.Run("cross-system chained mutations same entity", func(t *testing.T) {
		storage := ecs.NewStorage(registry)
		entity := spawn(t, storage, Position{X: 5, Y: 6}, Velocity{DX: 1, DY: 1}, Health{Current: 100, Max: 100})

		// Pos+Vel+Health -> Pos+Health -> Pos
		runOnce(t, storage, &systemRemoveVelocity{entity: entity}, &systemRemoveHealth{entity: entity})

		types, err := storage.ComponentTypes(entity)
		require.NoError(t, err)
		assert.Equal(t, []ecs.TypeId{typeIdOf[Position](t, storage)}, types)
	})

	t.Run("cross-system mutation after destroy is skipped", func(t *testing.T) {
		storage := ecs.NewStorage(registry)
		entity := spawn(t, storage, Position{X: 7, Y: 8})

		report := runOnce(t, storage, &testDestroySystem{entity: entity}, &systemAddHealth{entity: entity})

		assert.False(t, storage.Alive(entity))
		assert.Equal(t, 0, countOf[struct{ *Health }](t, storage))
		assert.Equal(t, 1, report.Stages[0].Apply.Skipped)
	})
}

func TestCommandBufferApply(t *testing.T) {
	newStorage := func() *ecs.Storage { return ecs.NewStorage(newTestRegistry()) }

	t.Run("records nothing until applied", func(t *testing.T) {
		storage := newStorage()
		buffer := ecs.NewCommandBuffer()
		buffer.Spawn(Position{})
		buffer.Spawn(Velocity{})
		assert.Equal(t, 2, buffer.Len())
		assert.Equal(t, 0, storage.EntityCount())

		report, err := buffer.Apply(storage)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Applied)
		assert.Equal(t, 2, storage.EntityCount())
		assert.Equal(t, 0, buffer.Len())
	})

	t.Run("later value wins", func(t *testing.T) {
		storage := newStorage()
		entity := spawn(t, storage, Position{})

		buffer := ecs.NewCommandBuffer()
		buffer.AddComponent(entity, Health{Current: 1})
		buffer.AddComponent(entity, Health{Current: 2})
		report, err := buffer.Apply(storage)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Applied)

		health, err := ecs.ReadComponent[Health](storage, entity)
		require.NoError(t, err)
		assert.Equal(t, 2, health.Current)
	})

	t.Run("operations after destroy are skipped", func(t *testing.T) {
		storage := newStorage()
		entity := spawn(t, storage, Position{})

		buffer := ecs.NewCommandBuffer()
		buffer.AddComponent(entity, Velocity{})
		buffer.Destroy(entity)
		buffer.AddComponent(entity, Health{})
		ecs.Remove[Position](buffer, entity)
		buffer.Destroy(entity)

		report, err := buffer.Apply(storage)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Applied)
		assert.Equal(t, 3, report.Skipped)
		assert.Empty(t, report.Failures)
		assert.False(t, storage.Alive(entity))
	})

	t.Run("stale handles and missing components are reported", func(t *testing.T) {
		storage := newStorage()
		stale := spawn(t, storage, Position{})
		require.NoError(t, storage.Destroy(stale))
		live := spawn(t, storage, Position{})

		buffer := ecs.NewCommandBuffer()
		buffer.AddComponent(stale, Velocity{})
		ecs.Remove[Velocity](buffer, live)
		buffer.AddComponent(live, Health{Current: 9})

		report, err := buffer.Apply(storage)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Applied)
		require.Len(t, report.Failures, 2)
		assert.ErrorIs(t, report.Failures[0], ecs.ErrStaleHandle)
		assert.ErrorIs(t, report.Failures[1], ecs.ErrNotPresent)

		health, err := ecs.ReadComponent[Health](storage, live)
		require.NoError(t, err)
		assert.Equal(t, 9, health.Current)
	})

	t.Run("configuration error stops the replay", func(t *testing.T) {
		storage := newStorage()
		type unregistered struct{}

		buffer := ecs.NewCommandBuffer()
		buffer.Spawn(Position{})
		buffer.Spawn(unregistered{})
		buffer.Spawn(Position{})

		report, err := buffer.Apply(storage)
		assert.ErrorIs(t, err, ecs.ErrConfiguration)
		assert.Equal(t, 1, report.Applied)
		assert.Equal(t, 1, storage.EntityCount())
	})

	t.Run("deferred functions run in order", func(t *testing.T) {
		storage := newStorage()
		var order []string

		buffer := ecs.NewCommandBuffer()
		buffer.Defer(func() { order = append(order, "first") })
		buffer.Spawn(Position{})
		buffer.Defer(func() {
			order = append(order, "second")
			assert.Equal(t, 1, storage.EntityCount())
			assert.False(t, storage.Locked())
		})

		_, err := buffer.Apply(storage)
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second"}, order)
	})

	t.Run("reset drops recorded operations", func(t *testing.T) {
		storage := newStorage()
		buffer := ecs.NewCommandBuffer()
		buffer.Spawn(Position{})
		buffer.Reset()
		assert.Equal(t, 0, buffer.Len())

		report, err := buffer.Apply(storage)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Applied)
		assert.Equal(t, 0, storage.EntityCount())
	})
}

// Records from parallel query workers land in a single shared buffer.
func TestCommandBufferConcurrentRecording(t *testing.T) {
	storage := ecs.NewStorage(newTestRegistry())
	_, err := storage.SpawnBatch(2000, func(i int) []any {
		return []any{Position{X: float32(i)}}
	})
	require.NoError(t, err)

	query, err := ecs.NewQuery[struct {
		ID ecs.EntityId
		*Position
	}](storage)
	require.NoError(t, err)
	query.UsePool(ecs.NewPool(4))

	buffer := ecs.NewCommandBuffer()
	query.ParForEach(func(id ecs.EntityId, item struct {
		ID ecs.EntityId
		*Position
	}) {
		if int(item.Position.X)%2 == 0 {
			buffer.Destroy(id)
		}
	})
	assert.Equal(t, 1000, buffer.Len())

	report, err := buffer.Apply(storage)
	require.NoError(t, err)
	assert.Equal(t, 1000, report.Applied)
	assert.Equal(t, 1000, storage.EntityCount())
	for pos := range query.Values() {
		assert.Equal(t, 1, int(pos.Position.X)%2)
	}
}
