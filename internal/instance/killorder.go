package instance

import (
	"golang.org/x/exp/slices"
)

// killPriority buckets the conditions eligible for scale-down. Lower kills
// first; conditions outside the map are not candidates.
var killPriority = map[Condition]int{
	Staging:  0,
	Starting: 1,
	Running:  2,
}

// SortKillOrder orders candidates for scale-down: staged before starting
// before running, and within a bucket the most recently changed instance
// first. Instances in other conditions are excluded from the result.
func SortKillOrder(instances []*Instance) []*Instance {
	candidates := make([]*Instance, 0, len(instances))
	for _, i := range instances {
		if _, ok := killPriority[i.State.Condition]; ok {
			candidates = append(candidates, i)
		}
	}
	slices.SortStableFunc(candidates, func(a, b *Instance) bool {
		pa, pb := killPriority[a.State.Condition], killPriority[b.State.Condition]
		if pa != pb {
			return pa < pb
		}
		return a.State.Since.After(b.State.Since)
	})
	return candidates
}

// SelectVictims returns the first count instances in kill order.
func SelectVictims(instances []*Instance, count int) []*Instance {
	ordered := SortKillOrder(instances)
	if count > len(ordered) {
		count = len(ordered)
	}
	return ordered[:count]
}
