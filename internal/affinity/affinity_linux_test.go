//go:build linux

package affinity

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLockAndPinAllowedCPU(t *testing.T) {
	var allowed unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &allowed))

	cpu := -1
	for i := range runtime.NumCPU() {
		if allowed.IsSet(i) {
			cpu = i
			break
		}
	}
	if cpu < 0 {
		t.Skip("no usable cpu in affinity mask")
	}

	done := make(chan error, 1)
	go func() {
		defer runtime.UnlockOSThread()
		done <- LockAndPin(cpu)
	}()
	require.NoError(t, <-done)
}
