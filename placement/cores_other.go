//go:build !linux

package placement

import "runtime"

func coreIDs() ([]int, error) {
	n := runtime.NumCPU()
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids, nil
}
