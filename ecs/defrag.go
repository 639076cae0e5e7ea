package ecs

import (
	"strconv"
	"strings"
)

// DefragState tracks an archetype through compaction.
type DefragState uint8

const (
	// Clean archetypes have no excess capacity worth reclaiming.
	Clean DefragState = iota
	// Fragmented archetypes are queued for compaction.
	Fragmented
	// Compacting is held while the archetype's columns are reallocated.
	Compacting
)

func (s DefragState) String() string {
	switch s {
	case Clean:
		return "clean"
	case Fragmented:
		return "fragmented"
	case Compacting:
		return "compacting"
	}
	return "DefragState(" + strconv.Itoa(int(s)) + ")"
}

const (
	// DefaultShrinkThreshold is the live/capacity ratio below which an archetype
	// counts as fragmented.
	DefaultShrinkThreshold = 0.5

	// defragMinCapacity keeps small archetypes out of the queue; reallocating
	// them would cost more than the memory it returns.
	defragMinCapacity = 16
)

// DefragBudget caps how many archetypes one defragmentation run may compact.
// The zero value is unbounded.
type DefragBudget struct {
	limit   int
	bounded bool
}

var (
	// UnboundedDefrag compacts every fragmented archetype on each run.
	UnboundedDefrag = DefragBudget{}
	// DisabledDefrag never compacts.
	DisabledDefrag = DefragBudget{bounded: true}
)

// DefragLimit allows up to n archetypes per run. DefragLimit(0) is DisabledDefrag.
func DefragLimit(n int) DefragBudget {
	if n < 0 {
		n = 0
	}
	return DefragBudget{limit: n, bounded: true}
}

// Limit returns the per-run cap and whether one applies.
func (b DefragBudget) Limit() (int, bool) {
	return b.limit, b.bounded
}

// Disabled reports whether the budget never allows compaction.
func (b DefragBudget) Disabled() bool {
	return b.bounded && b.limit == 0
}

func (b DefragBudget) String() string {
	switch {
	case !b.bounded:
		return "unbounded"
	case b.limit == 0:
		return "disabled"
	}
	return strconv.Itoa(b.limit)
}

// ParseDefragBudget accepts "unbounded" (or "none"), "disabled" (or "0") and a
// positive archetype count.
func ParseDefragBudget(s string) (DefragBudget, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unbounded", "none":
		return UnboundedDefrag, nil
	case "disabled", "off":
		return DisabledDefrag, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return DefragBudget{}, configErrorf("invalid defrag budget %q", s)
	}
	return DefragLimit(n), nil
}

func (b DefragBudget) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *DefragBudget) UnmarshalText(text []byte) error {
	parsed, err := ParseDefragBudget(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// DefragReport summarizes one defragmentation run.
type DefragReport struct {
	// Compacted archetypes were reallocated to fit their live rows.
	Compacted int `json:"compacted"`
	// Recovered archetypes left the queue because they refilled before their turn.
	Recovered int `json:"recovered"`
	// Deferred archetypes are still waiting for budget.
	Deferred int `json:"deferred"`
	// ReclaimedRows is the total capacity released, in rows.
	ReclaimedRows int `json:"reclaimed_rows"`
}

func isFragmented(a *Archetype, threshold float64) bool {
	capacity := a.Capacity()
	return capacity > defragMinCapacity && float64(a.Len()) < threshold*float64(capacity)
}

// noteRemoval queues the archetype the first time a removal leaves it fragmented.
func (s *Storage) noteRemoval(a *Archetype) {
	if a.defrag != Clean || !isFragmented(a, s.shrinkThreshold) {
		return
	}
	s.enqueueFragmented(a)
}

func (s *Storage) enqueueFragmented(a *Archetype) {
	s.defragSeq++
	a.defrag = Fragmented
	a.overSince = s.defragSeq
	s.defragQueue = append(s.defragQueue, a)
}

// Defragment compacts fragmented archetypes in the order they became
// fragmented, up to budget. A threshold outside (0, 1] keeps the current one.
// Nothing happens while the storage is locked.
func (s *Storage) Defragment(budget DefragBudget, threshold float64) DefragReport {
	var report DefragReport
	if s.locked.Load() {
		report.Deferred = len(s.defragQueue)
		return report
	}
	if threshold > 0 && threshold <= 1 && threshold != s.shrinkThreshold {
		s.shrinkThreshold = threshold
	}

	// Catch archetypes that crossed the threshold without a removal, e.g.
	// after the threshold changed.
	for _, a := range s.archetypes {
		if a.defrag == Clean && isFragmented(a, s.shrinkThreshold) {
			s.enqueueFragmented(a)
		}
	}

	limit, bounded := budget.Limit()
	remaining := s.defragQueue[:0]
	for _, a := range s.defragQueue {
		if !isFragmented(a, s.shrinkThreshold) {
			a.defrag = Clean
			a.overSince = 0
			report.Recovered++
			continue
		}
		if bounded && report.Compacted >= limit {
			remaining = append(remaining, a)
			continue
		}
		a.defrag = Compacting
		before := a.Capacity()
		a.shrink()
		report.ReclaimedRows += before - a.Capacity()
		a.compaction++
		a.defrag = Clean
		a.overSince = 0
		report.Compacted++
	}
	clear(s.defragQueue[len(remaining):])
	s.defragQueue = remaining
	report.Deferred = len(remaining)
	return report
}

// FragmentedCount returns the number of archetypes waiting for compaction.
func (s *Storage) FragmentedCount() int {
	return len(s.defragQueue)
}
