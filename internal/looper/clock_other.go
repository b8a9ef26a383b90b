//go:build !linux

package looper

import "time"

var processStart = time.Now()

func monotonicNow() time.Duration {
	return time.Since(processStart)
}
