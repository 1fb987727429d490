//go:build linux

package affinity

import "golang.org/x/sys/unix"

func pin(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	// pid 0 targets the calling thread.
	return unix.SchedSetaffinity(0, &set)
}
