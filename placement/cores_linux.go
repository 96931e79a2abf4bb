//go:build linux

package placement

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func coreIDs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("placement: sched_getaffinity: %w", err)
	}
	ids := make([]int, 0, set.Count())
	for cpu := 0; len(ids) < set.Count(); cpu++ {
		if set.IsSet(cpu) {
			ids = append(ids, cpu)
		}
	}
	return ids, nil
}
