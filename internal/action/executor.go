// Package action 执行改变设备暴露状态的外部动作。
// 每个动作只执行一次，不自动重试; 是否继续由调用方决定。
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Hara602/usbShare/internal/command"
	"github.com/Hara602/usbShare/internal/model"
	"github.com/Hara602/usbShare/internal/syncutil"
)

var (
	ErrActionFailed   = errors.New("action failed")
	ErrActionTimedOut = errors.New("action timed out")
	ErrUnknownAction  = errors.New("unknown action")
)

// Result 一次动作的执行结果
type Result struct {
	StartedAt time.Time
	Cause     error
	Output    string
	Duration  time.Duration
	Action    model.Action
	Outcome   model.Outcome
}

func (r Result) OK() bool { return r.Outcome == model.Succeeded }

// Err 把结果映射为可以 errors.Is 判断的错误
func (r Result) Err() error {
	switch r.Outcome {
	case model.Succeeded:
		return nil
	case model.ActionTimedOut:
		return fmt.Errorf("%s: %w", r.Action, ErrActionTimedOut)
	default:
		if r.Cause != nil {
			return fmt.Errorf("%s: %w: %w", r.Action, ErrActionFailed, r.Cause)
		}
		return fmt.Errorf("%s: %w", r.Action, ErrActionFailed)
	}
}

// Recorder 保存动作历史 (journal)
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

// Observer 接收动作结果和暴露状态变化 (metrics)
type Observer interface {
	ObserveAction(r Result)
	SetExposure(e model.Exposure)
}

type Options struct {
	Gadget    Gadget
	Command   command.Executor
	Logger    *zap.Logger
	Clock     clockwork.Clock
	Recorder  Recorder
	Observer  Observer
	SharePath string
	Timeout   time.Duration
	UseSudo   bool
}

type Executor struct {
	gadget    Gadget
	exec      privileged
	log       *zap.Logger
	clock     clockwork.Clock
	recorder  Recorder
	observer  Observer
	sharePath string
	timeout   time.Duration

	mu       syncutil.Mutex
	exposure model.Exposure
}

// New 初始暴露状态视为 Withdrawn; opts.Gadget 必须设置
func New(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Command == nil {
		opts.Command = &command.RealExecutor{}
	}
	return &Executor{
		gadget:    opts.Gadget,
		exec:      privileged{cmd: opts.Command, sudo: opts.UseSudo},
		log:       opts.Logger,
		clock:     opts.Clock,
		recorder:  opts.Recorder,
		observer:  opts.Observer,
		sharePath: opts.SharePath,
		timeout:   opts.Timeout,
		exposure:  model.Withdrawn,
	}
}

func (e *Executor) Exposure() model.Exposure {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exposure
}

// Execute 同步执行一个动作。
// 动作运行在与 ctx 取消解耦的上下文中，只受 timeout 约束: 中断信号不会打断已开始的动作。
func (e *Executor) Execute(ctx context.Context, a model.Action) Result {
	fn, err := e.lookup(a)
	if err != nil {
		return e.finish(ctx, Result{Action: a, Outcome: model.ActionFailed, Cause: err, StartedAt: e.clock.Now()})
	}
	e.checkInvariant(a)

	e.log.Debug("Executing action", zap.Stringer("action", a))
	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc = func() {}
	if e.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, e.timeout)
	}
	defer cancel()

	start := e.clock.Now()
	out, runErr := run(runCtx, fn)
	res := Result{
		Action:    a,
		StartedAt: start,
		Duration:  e.clock.Since(start),
		Output:    strings.TrimSpace(string(out)),
		Cause:     runErr,
	}
	switch {
	case runErr == nil:
		res.Outcome = model.Succeeded
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Outcome = model.ActionTimedOut
	default:
		res.Outcome = model.ActionFailed
	}
	e.applyExposure(res)
	return e.finish(ctx, res)
}

type actionFunc func(ctx context.Context) ([]byte, error)

// run 在独立 goroutine 中执行，ctx 到期后立即返回;
// 不能被取消的操作 (如 sysfs 写入) 会在后台自行结束
func run(ctx context.Context, fn actionFunc) ([]byte, error) {
	type result struct {
		err error
		out []byte
	}
	done := make(chan result, 1)
	go func() {
		out, err := fn(ctx)
		done <- result{out: out, err: err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) lookup(a model.Action) (actionFunc, error) {
	switch a {
	case model.WithdrawGadget:
		return e.gadget.Withdraw, nil
	case model.ExposeGadget:
		return e.gadget.Expose, nil
	case model.FlushToDisk:
		return e.flush, nil
	case model.RemountShare:
		return e.remount, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, int(a))
	}
}

func (e *Executor) flush(ctx context.Context) ([]byte, error) {
	return e.exec.cmd.Run(ctx, "sync")
}

// remount 先卸载再挂载，卸载失败则不再挂载
func (e *Executor) remount(ctx context.Context) ([]byte, error) {
	out, err := e.exec.run(ctx, "umount", e.sharePath)
	if err != nil {
		return out, fmt.Errorf("umount %s: %w", e.sharePath, err)
	}
	mountOut, err := e.exec.run(ctx, "mount", e.sharePath)
	out = append(out, mountOut...)
	if err != nil {
		return out, fmt.Errorf("mount %s: %w", e.sharePath, err)
	}
	return out, nil
}

// checkInvariant 重复暴露/撤出只告警，命令照常执行
func (e *Executor) checkInvariant(a model.Action) {
	current := e.Exposure()
	switch {
	case a == model.ExposeGadget && current == model.Exposed:
		e.log.Warn("Exposing gadget while already exposed", zap.Stringer("exposure", current))
	case a == model.WithdrawGadget && current == model.Withdrawn:
		e.log.Debug("Withdrawing gadget while already withdrawn", zap.Stringer("exposure", current))
	}
}

func (e *Executor) applyExposure(r Result) {
	if !r.OK() {
		return
	}
	var next model.Exposure
	switch r.Action {
	case model.ExposeGadget:
		next = model.Exposed
	case model.WithdrawGadget:
		next = model.Withdrawn
	default:
		return
	}
	e.mu.Lock()
	e.exposure = next
	e.mu.Unlock()
	if e.observer != nil {
		e.observer.SetExposure(next)
	}
}

func (e *Executor) finish(ctx context.Context, r Result) Result {
	fields := []zap.Field{
		zap.Stringer("action", r.Action),
		zap.Stringer("outcome", r.Outcome),
		zap.Duration("took", r.Duration),
	}
	if r.Output != "" {
		fields = append(fields, zap.String("output", r.Output))
	}
	if r.OK() {
		e.log.Debug("Action succeeded", fields...)
	} else {
		e.log.Error("Action failed", append(fields, zap.Error(r.Cause))...)
	}

	if e.observer != nil {
		e.observer.ObserveAction(r)
	}
	if e.recorder != nil {
		if err := e.recorder.Record(context.WithoutCancel(ctx), r); err != nil {
			e.log.Warn("Failed to record action", zap.Error(err))
		}
	}
	return r
}
