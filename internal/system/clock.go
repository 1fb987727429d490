package system

import "time"

var epoch = time.Now()

// Now returns microseconds elapsed on the process monotonic clock.
// All buffer timestamps use this time base.
func Now() uint64 {
	return uint64(time.Since(epoch).Microseconds())
}
