package engine

import "time"

// StubbornTracker counts consecutive unresolved ticks per tab. A tab whose
// count reaches the threshold is bound without waiting for its detail.
//
// The threshold is FallbackBudget/TickInterval, so the wall-clock delay
// before a fallback does not depend on the tick rate.
type StubbornTracker struct {
	threshold int
	counts    map[string]int
}

func NewStubbornTracker(budget, interval time.Duration) *StubbornTracker {
	threshold := 1
	if interval > 0 {
		threshold = int(budget / interval)
	}
	if threshold < 1 {
		threshold = 1
	}
	return &StubbornTracker{threshold: threshold, counts: make(map[string]int)}
}

func (s *StubbornTracker) Threshold() int { return s.threshold }

// Increment bumps id's count and returns it.
func (s *StubbornTracker) Increment(id string) int {
	s.counts[id]++
	return s.counts[id]
}

func (s *StubbornTracker) Exceeded(id string) bool {
	return s.counts[id] >= s.threshold
}

func (s *StubbornTracker) Clear(id string) { delete(s.counts, id) }

// Prune drops the counts of tabs missing from present.
func (s *StubbornTracker) Prune(present map[string]bool) {
	for id := range s.counts {
		if !present[id] {
			delete(s.counts, id)
		}
	}
}

func (s *StubbornTracker) Len() int { return len(s.counts) }

// Counts returns a copy of the table.
func (s *StubbornTracker) Counts() map[string]int {
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}
