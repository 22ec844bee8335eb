package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Hara602/usbShare/internal/model"
	"github.com/Hara602/usbShare/internal/syncutil"
)

// Source 产生共享目录下的变更通知，直到 Stop 被调用
type Source interface {
	// Start 订阅 path (递归)，返回的 channel 在 Stop 后关闭
	Start(path string) (<-chan model.Notification, error)
	// Rewatch 在共享目录被重新挂载后重建订阅，事件流保持不变
	Rewatch() error
	// Stop 释放监控句柄，可重复调用
	Stop()
}

// NewSource 按名称创建通知源: "fsnotify" 或 "fanotify"
func NewSource(backend string, log *zap.Logger) (Source, error) {
	switch backend {
	case "", "fsnotify":
		return newFsnotifySource(log), nil
	case "fanotify":
		return newFanotifySource(log)
	default:
		return nil, fmt.Errorf("unknown monitor backend %q", backend)
	}
}

// Classify 判断通知是否需要 flush:
// 删除、移动、文件修改需要; 创建和目录修改忽略 (单纯创建不代表写入完成)
func Classify(n model.Notification) bool {
	switch n.Kind {
	case model.KindDeleted, model.KindMoved:
		return true
	case model.KindModified:
		return !n.IsDir
	default:
		return false
	}
}

// DirtyMarker 接收可操作事件的时间
type DirtyMarker interface {
	MarkDirty(at time.Time)
}

// Observer 接收每条通知的分类结果 (metrics)
type Observer interface {
	ObserveNotification(n model.Notification, actionable bool)
	SetDirty(dirty bool)
}

// Sniffer 给 trace 附加文件内容类型
type Sniffer func(path string) string

type ChangeMonitor struct {
	source   Source
	marker   DirtyMarker
	log      *zap.Logger
	observer Observer
	sniff    Sniffer
	clock    clockwork.Clock

	// mu 串行化订阅的建立、重建与释放
	mu      syncutil.Mutex
	running bool
}

var errNotRunning = errors.New("change monitor is not running")

func NewChangeMonitor(source Source, marker DirtyMarker, log *zap.Logger) *ChangeMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChangeMonitor{source: source, marker: marker, log: log, clock: clockwork.NewRealClock()}
}

// WithClock 脏状态时间戳与仲裁循环使用同一时钟
func (m *ChangeMonitor) WithClock(c clockwork.Clock) *ChangeMonitor {
	m.clock = c
	return m
}

func (m *ChangeMonitor) WithObserver(o Observer) *ChangeMonitor {
	m.observer = o
	return m
}

func (m *ChangeMonitor) WithSniffer(s Sniffer) *ChangeMonitor {
	m.sniff = s
	return m
}

// Run 订阅 path 并处理通知，直到 ctx 结束或通知源关闭; 退出前释放订阅
func (m *ChangeMonitor) Run(ctx context.Context, path string) error {
	m.mu.Lock()
	events, err := m.source.Start(path)
	if err != nil {
		m.source.Stop()
		m.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.running = false
		m.source.Stop()
	}()
	m.log.Info("👀 Monitoring started", zap.String("path", path))

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Monitoring stopped", zap.String("path", path))
			return nil
		case n, ok := <-events:
			if !ok {
				return nil
			}
			m.Handle(n)
		}
	}
}

// Rewatch 在 RemountShare 之后调用: 卸载会让旧的 watch 失效
func (m *ChangeMonitor) Rewatch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return errNotRunning
	}
	if err := m.source.Rewatch(); err != nil {
		return err
	}
	m.log.Debug("👀 Monitoring re-established after remount")
	return nil
}

// Handle 分类一条通知，可操作时以当前时间标记脏状态
func (m *ChangeMonitor) Handle(n model.Notification) bool {
	actionable := Classify(n)
	if actionable {
		m.marker.MarkDirty(m.clock.Now())
	}

	if ce := m.log.Check(zap.DebugLevel, "📂 File Activity"); ce != nil {
		fields := []zap.Field{
			zap.String("event", n.Tag()),
			zap.String("path", n.Path),
			zap.Bool("actionable", actionable),
		}
		if m.sniff != nil && actionable && !n.IsDir && n.Kind == model.KindModified {
			fields = append(fields, zap.String("type", m.sniff(n.Path)))
		}
		ce.Write(fields...)
	}

	if m.observer != nil {
		m.observer.ObserveNotification(n, actionable)
		if actionable {
			m.observer.SetDirty(true)
		}
	}
	return actionable
}
