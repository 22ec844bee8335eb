// Package state 保存 Change Monitor 与仲裁循环共享的状态
package state

import (
	"time"

	"github.com/Hara602/usbShare/internal/syncutil"
)

// Dirty 共享目录的脏状态快照
type Dirty struct {
	IsDirty    bool
	DirtySince time.Time // IsDirty 为 false 时为零值
}

// Shared 由监控回调写入、由仲裁循环读取与重置
// 所有访问都经过同一把锁
type Shared struct {
	mu          syncutil.Mutex
	dirty       Dirty
	lastRefresh time.Time
}

func New(now time.Time) *Shared {
	return &Shared{lastRefresh: now}
}

// MarkDirty 记录一次可操作事件，时间戳总是被最新事件覆盖
func (s *Shared) MarkDirty(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = Dirty{IsDirty: true, DirtySince: at}
}

func (s *Shared) Dirty() Dirty {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// CompleteCycle 推进周期刷新时钟到 at; 仅当 seen 之后没有新的可操作事件时才清除脏状态。
// 周期进行中到来的写入保持脏状态，由下一轮周期负责 flush。返回是否已清除。
func (s *Shared) CompleteCycle(seen Dirty, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefresh = at
	if s.dirty.IsDirty && s.dirty.DirtySince.After(seen.DirtySince) {
		return false
	}
	s.dirty = Dirty{}
	return true
}

func (s *Shared) LastRefresh() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRefresh
}

func (s *Shared) SetLastRefresh(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefresh = at
}
