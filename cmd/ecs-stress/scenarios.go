package main

import (
	"math/rand"
	"sort"

	"github.com/plus3/ecsworld/ecs"
	"github.com/rotisserie/eris"
)

type LocalToWorld [16]float32

type Translation struct {
	X, Y, Z float32
}

type Velocity struct {
	X, Y, Z float32
}

type MarkerOne struct{ A, B, C float32 }
type MarkerTwo struct{ A, B, C float32 }
type MarkerThree struct{ A, B, C float32 }
type MarkerFour struct{ A, B, C float32 }
type MarkerFive struct{ A, B, C float32 }

func newRegistry() *ecs.ComponentRegistry {
	registry := ecs.NewComponentRegistry()
	ecs.RegisterComponent[LocalToWorld](registry)
	ecs.RegisterComponent[Translation](registry)
	ecs.RegisterComponent[Velocity](registry)
	ecs.RegisterComponent[MarkerOne](registry)
	ecs.RegisterComponent[MarkerTwo](registry)
	ecs.RegisterComponent[MarkerThree](registry)
	ecs.RegisterComponent[MarkerFour](registry)
	ecs.RegisterComponent[MarkerFive](registry)
	return registry
}

// scenario populates a storage and registers the systems a run loop drives.
type scenario struct {
	Name        string
	Description string
	Setup       func(env *scenarioEnv) error
}

type scenarioEnv struct {
	Storage    *ecs.Storage
	Dispatcher *ecs.Dispatcher
	Rand       *rand.Rand
	Entities   int
	Parallel   bool
	Seed       int64
}

var scenarios = map[string]scenario{
	"add-remove": {
		Name:        "add-remove",
		Description: "randomly toggles three marker components on every transform each run",
		Setup:       setupAddRemove,
	},
	"transforms": {
		Name:        "transforms",
		Description: "spawns a batch of transforms each run and destroys the previous batch",
		Setup:       setupTransforms,
	},
	"movement": {
		Name:        "movement",
		Description: "integrates velocities into translations and rebuilds world matrices",
		Setup:       setupMovement,
	},
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupScenario(name string) (scenario, error) {
	s, ok := scenarios[name]
	if !ok {
		return scenario{}, eris.Errorf("unknown scenario %q (have %v)", name, scenarioNames())
	}
	return s, nil
}

// chance derives a per-entity, per-tick coin flip that is stable for a seed
// and safe to call from parallel query workers.
func chance(seed int64, tick uint64, salt uint64, id ecs.EntityId) bool {
	x := uint64(seed) ^ tick*0x9e3779b97f4a7c15 ^ salt<<56 ^ uint64(id)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x%1000 > 500
}

func setupAddRemove(env *scenarioEnv) error {
	ids, err := env.Storage.SpawnBatch(env.Entities, func(int) []any {
		return []any{LocalToWorld{}}
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		for _, comp := range []any{MarkerThree{1, 2, 3}, MarkerFour{1, 2, 3}, MarkerFive{1, 2, 3}} {
			if env.Rand.Intn(1000) > 500 {
				if err := env.Storage.AddComponent(id, comp); err != nil {
					return err
				}
			}
		}
	}
	return env.Dispatcher.AddSystem(ecs.DefaultStage,
		&toggleMarkers{seed: env.Seed, parallel: env.Parallel},
		ecs.WithName("add_remove_components"))
}

type withMarker struct {
	L   *LocalToWorld
	One *MarkerOne
}

type withoutMarker struct {
	L    *LocalToWorld
	None ecs.Without[MarkerOne]
}

type toggleMarkers struct {
	With     ecs.Query[withMarker]
	Without  ecs.Query[withoutMarker]
	seed     int64
	parallel bool
}

func (s *toggleMarkers) Execute(frame *ecs.UpdateFrame) error {
	cmds := frame.Commands
	removes := []func(ecs.EntityId){
		func(e ecs.EntityId) { ecs.Remove[MarkerOne](cmds, e) },
		func(e ecs.EntityId) { ecs.Remove[MarkerTwo](cmds, e) },
		func(e ecs.EntityId) { ecs.Remove[MarkerThree](cmds, e) },
	}
	adds := []any{MarkerOne{1, 2, 3}, MarkerTwo{1, 2, 3}, MarkerThree{1, 2, 3}}

	for i := range adds {
		salt := uint64(i) * 2
		remove := func(e ecs.EntityId, _ withMarker) {
			if chance(s.seed, frame.Tick, salt, e) {
				removes[i](e)
			}
		}
		add := func(e ecs.EntityId, _ withoutMarker) {
			if chance(s.seed, frame.Tick, salt+1, e) {
				cmds.AddComponent(e, adds[i])
			}
		}

		if s.parallel {
			s.With.ParForEach(remove)
			s.Without.ParForEach(add)
			continue
		}
		for e, item := range s.With.Iter() {
			remove(e, item)
		}
		for e, item := range s.Without.Iter() {
			add(e, item)
		}
	}
	return nil
}

func setupTransforms(env *scenarioEnv) error {
	return env.Dispatcher.AddSystem(ecs.DefaultStage, &respawnTransforms{count: env.Entities})
}

// respawnTransforms replaces the previous run's batch with a fresh one.
type respawnTransforms struct {
	Transforms ecs.Query[struct {
		L *LocalToWorld
	}]
	count int
}

func (s *respawnTransforms) Execute(frame *ecs.UpdateFrame) error {
	for e := range s.Transforms.Iter() {
		frame.Commands.Destroy(e)
	}
	for i := 0; i < s.count; i++ {
		frame.Commands.Spawn(LocalToWorld{})
	}
	return nil
}

func setupMovement(env *scenarioEnv) error {
	_, err := env.Storage.SpawnBatch(env.Entities, func(int) []any {
		return []any{
			LocalToWorld{},
			Translation{X: env.Rand.Float32(), Y: env.Rand.Float32(), Z: env.Rand.Float32()},
			Velocity{X: env.Rand.Float32() - 0.5, Y: env.Rand.Float32() - 0.5, Z: env.Rand.Float32() - 0.5},
		}
	})
	if err != nil {
		return err
	}
	if err := env.Dispatcher.AddSystem(ecs.DefaultStage, &integrate{parallel: env.Parallel}); err != nil {
		return err
	}
	return env.Dispatcher.AddSystem(ecs.DefaultStage, &buildMatrices{parallel: env.Parallel})
}

type integrate struct {
	Movers ecs.Query[struct {
		T *Translation `ecs:"write"`
		V *Velocity
	}]
	parallel bool
}

func (s *integrate) Execute(frame *ecs.UpdateFrame) error {
	dt := float32(frame.DeltaTime)
	if !s.parallel {
		for chunk := range s.Movers.Chunks(0) {
			translations, _ := ecs.ChunkColumn[Translation](chunk)
			velocities, _ := ecs.ChunkColumn[Velocity](chunk)
			for i := range translations {
				translations[i].X += velocities[i].X * dt
				translations[i].Y += velocities[i].Y * dt
				translations[i].Z += velocities[i].Z * dt
			}
		}
		return nil
	}
	s.Movers.ParForEach(func(_ ecs.EntityId, m struct {
		T *Translation `ecs:"write"`
		V *Velocity
	}) {
		m.T.X += m.V.X * dt
		m.T.Y += m.V.Y * dt
		m.T.Z += m.V.Z * dt
	})
	return nil
}

// buildMatrices writes translation-only world matrices. It reads what
// integrate writes, so it always runs after it.
type buildMatrices struct {
	Transforms ecs.Query[struct {
		L *LocalToWorld `ecs:"write"`
		T *Translation
	}]
	parallel bool
}

func (s *buildMatrices) Execute(frame *ecs.UpdateFrame) error {
	fill := func(_ ecs.EntityId, item struct {
		L *LocalToWorld `ecs:"write"`
		T *Translation
	}) {
		*item.L = LocalToWorld{
			1, 0, 0, 0,
			0, 1, 0, 0,
			0, 0, 1, 0,
			item.T.X, item.T.Y, item.T.Z, 1,
		}
	}
	if s.parallel {
		s.Transforms.ParForEach(fill)
		return nil
	}
	for e, item := range s.Transforms.Iter() {
		fill(e, item)
	}
	return nil
}
