// Package affinity pins goroutines to CPUs so that link tasks can stand in
// for stages running on separate cores.
package affinity

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrUnsupported is returned on platforms without thread affinity.
var ErrUnsupported = errors.New("cpu affinity not supported on this platform")

// LockAndPin locks the calling goroutine to its OS thread and pins that
// thread to cpu. The goroutine keeps the thread until it exits.
func LockAndPin(cpu int) error {
	if cpu < 0 || cpu >= runtime.NumCPU() {
		return fmt.Errorf("cpu %d outside [0,%d)", cpu, runtime.NumCPU())
	}
	runtime.LockOSThread()
	return pin(cpu)
}
