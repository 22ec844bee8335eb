// Package arbiter 仲裁 USB 主机与本地共享对同一块存储的访问。
//
// 每个 tick 做两件相互独立的检查:
//   - 距上次周期刷新超过刷新间隔时，重新挂载共享目录;
//   - 共享目录变脏且超过去抖窗口时，执行一次完整的撤出/刷盘/重新暴露周期。
package arbiter

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Hara602/usbShare/internal/action"
	"github.com/Hara602/usbShare/internal/model"
	"github.com/Hara602/usbShare/internal/state"
	"github.com/Hara602/usbShare/internal/syncutil"
)

// Phase 仲裁循环当前所处的阶段
type Phase int

const (
	Idle Phase = iota
	PeriodicRefreshing
	Quiescing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case PeriodicRefreshing:
		return "periodic_refreshing"
	case Quiescing:
		return "quiescing"
	default:
		return "unknown"
	}
}

// Executor 同步执行一个动作，由 *action.Executor 实现
type Executor interface {
	Execute(ctx context.Context, a model.Action) action.Result
}

// Rewatcher 在共享目录重新挂载后重建变更订阅，由 *monitor.ChangeMonitor 实现
type Rewatcher interface {
	Rewatch() error
}

// Observer 接收循环的统计 (metrics)
type Observer interface {
	CycleCompleted()
	RefreshAttempted()
	SetDirty(dirty bool)
}

type Options struct {
	Executor Executor
	State    *state.Shared
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Observer Observer
	// Rewatcher 每次 RemountShare 成功后调用
	Rewatcher Rewatcher

	PollInterval    time.Duration
	RefreshInterval time.Duration
	Debounce        time.Duration
	SettleDelay     time.Duration
	ResumeDelay     time.Duration

	// AbortOnWithdrawFailure 撤出失败时放弃本轮周期，保留脏状态，下个 tick 重试
	AbortOnWithdrawFailure bool
}

type Arbiter struct {
	exec     Executor
	state    *state.Shared
	clock    clockwork.Clock
	log      *zap.Logger
	observer Observer
	rewatch  Rewatcher

	poll     time.Duration
	refresh  time.Duration
	debounce time.Duration
	settle   time.Duration
	resume   time.Duration
	abort    bool

	mu    syncutil.Mutex
	phase Phase
}

func New(opts Options) *Arbiter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.State == nil {
		opts.State = state.New(opts.Clock.Now())
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Arbiter{
		exec:     opts.Executor,
		state:    opts.State,
		clock:    opts.Clock,
		log:      opts.Logger,
		observer: opts.Observer,
		rewatch:  opts.Rewatcher,
		poll:     opts.PollInterval,
		refresh:  opts.RefreshInterval,
		debounce: opts.Debounce,
		settle:   opts.SettleDelay,
		resume:   opts.ResumeDelay,
		abort:    opts.AbortOnWithdrawFailure,
	}
}

func (a *Arbiter) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

func (a *Arbiter) setPhase(p Phase) {
	a.mu.Lock()
	prev := a.phase
	a.phase = p
	a.mu.Unlock()
	if prev != p {
		a.log.Debug("Phase changed", zap.Stringer("from", prev), zap.Stringer("to", p))
	}
}

// Startup 建立干净的初始暴露状态: 先撤出再暴露，失败只记录
func (a *Arbiter) Startup(ctx context.Context) {
	a.log.Info("🚀 Establishing baseline gadget exposure")
	a.exec.Execute(ctx, model.WithdrawGadget)
	a.exec.Execute(ctx, model.ExposeGadget)
}

// Run 按轮询间隔执行 Tick，直到 ctx 结束。
// 只在 tick 边界退出; 进行中的周期会先跑完剩余动作。
func (a *Arbiter) Run(ctx context.Context) error {
	a.log.Info("🛡️ Arbitration loop started",
		zap.Duration("poll", a.poll),
		zap.Duration("refresh", a.refresh),
		zap.Duration("debounce", a.debounce))
	defer a.log.Info("🛑 Arbitration loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		a.Tick(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-a.clock.After(a.poll):
		}
	}
}

// Tick 执行一次仲裁; 周期刷新和脏周期独立判断
func (a *Arbiter) Tick(ctx context.Context) {
	now := a.clock.Now()

	if now.Sub(a.state.LastRefresh()) >= a.refresh {
		a.periodicRefresh(ctx, now)
	}

	dirty := a.state.Dirty()
	if !dirty.IsDirty {
		return
	}
	elapsed := now.Sub(dirty.DirtySince)
	if elapsed < a.debounce {
		a.log.Debug("Waiting for writes to settle", zap.Duration("elapsed", elapsed))
		return
	}
	a.cycle(ctx, dirty, elapsed)
}

func (a *Arbiter) periodicRefresh(ctx context.Context, now time.Time) {
	a.setPhase(PeriodicRefreshing)
	defer a.setPhase(Idle)

	a.log.Debug("🔄 Periodic refresh of share")
	res := a.exec.Execute(ctx, model.RemountShare)
	// 成败都推进时钟，下个窗口再试
	a.state.SetLastRefresh(now)
	if res.OK() && a.rewatch != nil {
		// 卸载丢弃了挂载点上的所有 watch
		if err := a.rewatch.Rewatch(); err != nil {
			a.log.Error("Failed to re-watch share after remount", zap.Error(err))
		}
	}
	if a.observer != nil {
		a.observer.RefreshAttempted()
	}
}

// cycle 撤出 -> 等待 -> 刷盘 -> 等待 -> 重新暴露 -> 重置状态。
// seen 是触发本轮周期时的脏状态; 周期内到来的新写入保留到下一轮。
func (a *Arbiter) cycle(ctx context.Context, seen state.Dirty, quiet time.Duration) {
	a.setPhase(Quiescing)
	defer a.setPhase(Idle)

	a.log.Info("📦 Share changed, syncing gadget", zap.Duration("quiet_for", quiet))

	res := a.exec.Execute(ctx, model.WithdrawGadget)
	if !res.OK() && a.abort {
		a.log.Warn("⚠️ Withdraw failed, cycle aborted; will retry next tick", zap.Error(res.Err()))
		return
	}

	a.sleep(ctx, a.settle)
	a.exec.Execute(ctx, model.FlushToDisk)
	a.sleep(ctx, a.resume)
	// 即使正在关闭也要重新暴露，避免设备停留在撤出状态
	a.exec.Execute(ctx, model.ExposeGadget)

	cleared := a.state.CompleteCycle(seen, a.clock.Now())
	if a.observer != nil {
		if cleared {
			a.observer.SetDirty(false)
		}
		a.observer.CycleCompleted()
	}
	if !cleared {
		a.log.Info("📦 Share changed during sync, another cycle will follow", zap.Time("dirty_since", a.state.Dirty().DirtySince))
	}
	a.log.Info("✅ Gadget sync cycle complete")
}

// sleep 等待 d，ctx 结束时提前返回
func (a *Arbiter) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 || ctx.Err() != nil {
		return
	}
	select {
	case <-ctx.Done():
		a.log.Debug("Delay cut short by shutdown", zap.Duration("delay", d))
	case <-a.clock.After(d):
	}
}
