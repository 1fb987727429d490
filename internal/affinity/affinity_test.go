package affinity

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockAndPinRejectsBadCPU(t *testing.T) {
	assert.Error(t, LockAndPin(-1))
	assert.Error(t, LockAndPin(runtime.NumCPU()))
}
