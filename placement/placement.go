// Package placement enumerates execution units and picks the run queue that
// should receive new work.
package placement

import (
	"errors"
	"sort"
)

// ErrNoCores is returned when no execution unit can be enumerated.
var ErrNoCores = errors.New("placement: no execution units available")

// Enumerator reports the currently available execution units.
type Enumerator func() ([]int, error)

// Fixed returns an Enumerator reporting units 0..n-1.
func Fixed(n int) Enumerator {
	return func() ([]int, error) {
		if n <= 0 {
			return nil, ErrNoCores
		}
		ids := make([]int, n)
		for i := range ids {
			ids[i] = i
		}
		return ids, nil
	}
}

// CoreIDs returns the execution units this process may run on.
func CoreIDs() ([]int, error) {
	ids, err := coreIDs()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoCores
	}
	sort.Ints(ids)
	return ids, nil
}

// LeastLoaded returns the unit among ids with the shallowest queue in depths,
// ties broken by the lower id. Units missing from depths count as empty.
// It returns -1 when ids is empty.
func LeastLoaded(depths map[int]int, ids []int) int {
	best, bestDepth := -1, 0
	for _, id := range ids {
		d := depths[id]
		if best == -1 || d < bestDepth || (d == bestDepth && id < best) {
			best, bestDepth = id, d
		}
	}
	return best
}
