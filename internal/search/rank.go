package search

import (
	"cmp"
	"slices"
)

// sortResults orders results by ascending key, then newest timestamp, then
// highest id. The sort is stable so equal keys keep their pass order.
func sortResults(results []Result, keys map[int64]float64) {
	slices.SortStableFunc(results, func(a, b Result) int {
		if c := cmp.Compare(keys[a.ID], keys[b.ID]); c != 0 {
			return c
		}
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}
