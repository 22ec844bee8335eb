//go:build deadlock

package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

const DeadlockDetection = true

type Mutex = deadlock.Mutex

// SetDeadlockTimeout 只在启动时调用一次; d <= 0 保留库的默认值
func SetDeadlockTimeout(d time.Duration) {
	if d > 0 {
		deadlock.Opts.DeadlockTimeout = d
	}
}
