package ecs

import "sort"

// StorageStats is a snapshot of the storage's size and layout.
type StorageStats struct {
	ArchetypeCount     int              `json:"archetype_count"`
	TotalEntityCount   int              `json:"total_entity_count"`
	SingletonCount     int              `json:"singleton_count"`
	FragmentedCount    int              `json:"fragmented_count"`
	FreeSlots          int              `json:"free_slots"`
	ArchetypeBreakdown []ArchetypeStats `json:"archetypes"`
	SingletonTypes     []string         `json:"singleton_types"`
}

// ArchetypeStats describes one archetype.
type ArchetypeStats struct {
	Id          ArchetypeId `json:"id"`
	Components  []string    `json:"components"`
	EntityCount int         `json:"entity_count"`
	Capacity    int         `json:"capacity"`
	State       string      `json:"state"`
	Compactions int         `json:"compactions"`
}

// CollectStats gathers statistics about the storage. Archetypes are listed in
// creation order and singleton types by name.
func (s *Storage) CollectStats() StorageStats {
	stats := StorageStats{
		ArchetypeCount:   len(s.archetypes),
		TotalEntityCount: s.entities.alive,
		SingletonCount:   len(s.singletons),
		FragmentedCount:  len(s.defragQueue),
		FreeSlots:        len(s.entities.free),
	}

	for _, a := range s.archetypes {
		names := make([]string, len(a.types))
		for i, id := range a.types {
			layout, _ := s.registry.LayoutOf(id)
			names[i] = layout.Name
		}
		stats.ArchetypeBreakdown = append(stats.ArchetypeBreakdown, ArchetypeStats{
			Id:          a.id,
			Components:  names,
			EntityCount: a.Len(),
			Capacity:    a.Capacity(),
			State:       a.defrag.String(),
			Compactions: a.compaction,
		})
	}

	for t := range s.singletons {
		stats.SingletonTypes = append(stats.SingletonTypes, t.String())
	}
	sort.Strings(stats.SingletonTypes)
	return stats
}
