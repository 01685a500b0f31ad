package state

import (
	"golang.org/x/exp/slices"
)

func sortAppsByID(apps []*AppDefinition) {
	slices.SortFunc(apps, func(a, b *AppDefinition) bool {
		return a.ID < b.ID
	})
}

// SortedPathIds returns ids in lexical order, for deterministic output.
func SortedPathIds(ids []PathId) []PathId {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return sorted
}
