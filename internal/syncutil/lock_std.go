//go:build !deadlock

package syncutil

import (
	"sync"
	"time"
)

// DeadlockDetection 当前构建是否带死锁检测
const DeadlockDetection = false

type Mutex = sync.Mutex

// SetDeadlockTimeout 普通构建下没有检测，忽略
func SetDeadlockTimeout(time.Duration) {}
