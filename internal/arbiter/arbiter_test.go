package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/Hara602/usbShare/internal/action"
	"github.com/Hara602/usbShare/internal/model"
	"github.com/Hara602/usbShare/internal/state"
	"github.com/Hara602/usbShare/internal/syncutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type call struct {
	at     time.Time
	action model.Action
}

// fakeExecutor 记录动作; took 非零时每个动作推进假时钟
type fakeExecutor struct {
	clock *clockwork.FakeClock
	fail  map[model.Action]bool
	calls []call
	took  time.Duration
	mu    syncutil.Mutex
}

func (f *fakeExecutor) Execute(_ context.Context, a model.Action) action.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call{action: a, at: f.clock.Now()})
	if f.took > 0 {
		f.clock.Advance(f.took)
	}
	if f.fail[a] {
		return action.Result{Action: a, Outcome: model.ActionFailed}
	}
	return action.Result{Action: a, Outcome: model.Succeeded}
}

func (f *fakeExecutor) actions() []model.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Action, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.action)
	}
	return out
}

func (f *fakeExecutor) count(a model.Action) int {
	n := 0
	for _, got := range f.actions() {
		if got == a {
			n++
		}
	}
	return n
}

type countingObserver struct {
	cycles    int
	refreshes int
	dirty     []bool
}

func (c *countingObserver) CycleCompleted()     { c.cycles++ }
func (c *countingObserver) RefreshAttempted()   { c.refreshes++ }
func (c *countingObserver) SetDirty(dirty bool) { c.dirty = append(c.dirty, dirty) }

type countingRewatcher struct {
	err   error
	calls int
}

func (c *countingRewatcher) Rewatch() error {
	c.calls++
	return c.err
}

var cycleActions = []model.Action{model.WithdrawGadget, model.FlushToDisk, model.ExposeGadget}

func newTestArbiter(t *testing.T, opts Options) (*Arbiter, *fakeExecutor, *clockwork.FakeClock, *state.Shared) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(t0)
	shared := state.New(t0)
	exec := &fakeExecutor{clock: clock, fail: map[model.Action]bool{}}

	opts.Executor = exec
	opts.State = shared
	opts.Clock = clock
	opts.Logger = zaptest.NewLogger(t)
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.Debounce == 0 {
		opts.Debounce = 5 * time.Second
	}
	return New(opts), exec, clock, shared
}

func TestTick_DebounceFiresOnce(t *testing.T) {
	t.Parallel()

	a, exec, clock, shared := newTestArbiter(t, Options{})
	shared.MarkDirty(t0)

	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		a.Tick(context.Background())
		assert.Empty(t, exec.actions(), "no cycle before the debounce window at t=%d", i+1)
	}

	clock.Advance(time.Second)
	a.Tick(context.Background())
	assert.Equal(t, cycleActions, exec.actions())

	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		a.Tick(context.Background())
	}
	assert.Equal(t, 1, exec.count(model.WithdrawGadget), "cycle runs exactly once")
}

func TestTick_LaterEventsRearmDebounce(t *testing.T) {
	t.Parallel()

	a, exec, clock, shared := newTestArbiter(t, Options{})
	shared.MarkDirty(t0)

	clock.Advance(3 * time.Second)
	shared.MarkDirty(clock.Now())

	clock.Advance(2 * time.Second)
	a.Tick(context.Background())
	assert.Empty(t, exec.actions())

	clock.Advance(3 * time.Second)
	a.Tick(context.Background())
	assert.Equal(t, cycleActions, exec.actions())
}

func TestTick_PeriodicRefresh(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	a, exec, clock, shared := newTestArbiter(t, Options{Observer: obs})
	exec.fail[model.RemountShare] = true

	for i := 0; i < 95; i++ {
		clock.Advance(time.Second)
		a.Tick(context.Background())
	}

	assert.Equal(t, 3, exec.count(model.RemountShare), "once per window despite failures")
	assert.Equal(t, 3, obs.refreshes)
	assert.Equal(t, t0.Add(90*time.Second), shared.LastRefresh())
	assert.Equal(t, Idle, a.Phase())
}

func TestTick_RemountRestoresWatch(t *testing.T) {
	t.Parallel()

	t.Run("successful_remount_rewatches", func(t *testing.T) {
		t.Parallel()

		rw := &countingRewatcher{}
		a, exec, clock, _ := newTestArbiter(t, Options{Rewatcher: rw})

		clock.Advance(30 * time.Second)
		a.Tick(context.Background())
		clock.Advance(30 * time.Second)
		a.Tick(context.Background())

		assert.Equal(t, 2, exec.count(model.RemountShare))
		assert.Equal(t, 2, rw.calls)
	})

	t.Run("failed_remount_skips_rewatch", func(t *testing.T) {
		t.Parallel()

		rw := &countingRewatcher{}
		a, exec, clock, _ := newTestArbiter(t, Options{Rewatcher: rw})
		exec.fail[model.RemountShare] = true

		clock.Advance(30 * time.Second)
		a.Tick(context.Background())

		assert.Equal(t, 1, exec.count(model.RemountShare))
		assert.Zero(t, rw.calls)
	})

	t.Run("rewatch_error_does_not_stop_loop", func(t *testing.T) {
		t.Parallel()

		rw := &countingRewatcher{err: assert.AnError}
		a, exec, clock, shared := newTestArbiter(t, Options{Rewatcher: rw})
		shared.MarkDirty(t0.Add(25 * time.Second))

		clock.Advance(30 * time.Second)
		a.Tick(context.Background())

		assert.Equal(t, 1, rw.calls)
		assert.Equal(t, append([]model.Action{model.RemountShare}, cycleActions...), exec.actions())
		assert.Equal(t, t0.Add(30*time.Second), shared.LastRefresh())
	})

	t.Run("cycle_does_not_rewatch", func(t *testing.T) {
		t.Parallel()

		rw := &countingRewatcher{}
		a, _, clock, shared := newTestArbiter(t, Options{Rewatcher: rw})
		shared.MarkDirty(t0)

		clock.Advance(5 * time.Second)
		a.Tick(context.Background())

		assert.Zero(t, rw.calls)
	})
}

func TestTick_WritesDuringCycleTriggerAnotherCycle(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	a, exec, clock, shared := newTestArbiter(t, Options{
		Observer:    obs,
		SettleDelay: time.Second,
		ResumeDelay: 2000 * time.Second,
	})
	shared.MarkDirty(t0)
	clock.Advance(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Tick(context.Background())
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	// FlushToDisk 之后、重新暴露之前的本地写入
	clock.Advance(100 * time.Second)
	lateWrite := clock.Now()
	shared.MarkDirty(lateWrite)

	clock.Advance(1900 * time.Second)
	waitDone(t, done)

	require.Equal(t, cycleActions, exec.actions())
	assert.Equal(t, state.Dirty{IsDirty: true, DirtySince: lateWrite}, shared.Dirty())
	assert.Empty(t, obs.dirty, "dirty gauge stays set")
	assert.Equal(t, 1, obs.cycles)

	// 下一个 tick 已超过去抖窗口，立即再跑一轮
	next := make(chan struct{})
	go func() {
		defer close(next)
		a.Tick(context.Background())
	}()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 2, exec.count(model.WithdrawGadget))
	clock.Advance(time.Second)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2000 * time.Second)
	waitDone(t, next)

	assert.Equal(t, 2, exec.count(model.ExposeGadget))
	assert.False(t, shared.Dirty().IsDirty)
	assert.Equal(t, []bool{false}, obs.dirty)
}

func TestTick_CycleResetsStateAndDefersRefresh(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	a, exec, clock, shared := newTestArbiter(t, Options{Observer: obs})
	exec.took = time.Second

	clock.Advance(20 * time.Second)
	shared.MarkDirty(clock.Now())
	clock.Advance(5 * time.Second)
	a.Tick(context.Background())

	require.Equal(t, cycleActions, exec.actions())
	assert.Equal(t, state.Dirty{}, shared.Dirty())
	// 三个动作各耗时 1s，刷新时钟取周期完成时刻
	assert.Equal(t, t0.Add(28*time.Second), shared.LastRefresh())
	assert.Equal(t, 1, obs.cycles)
	assert.Equal(t, []bool{false}, obs.dirty)

	exec.took = 0
	clock.Advance(29 * time.Second)
	a.Tick(context.Background())
	assert.Zero(t, exec.count(model.RemountShare), "refresh deferred by a full interval")

	clock.Advance(time.Second)
	a.Tick(context.Background())
	assert.Equal(t, 1, exec.count(model.RemountShare))
}

func TestTick_RefreshAndCycleInSameTick(t *testing.T) {
	t.Parallel()

	a, exec, clock, shared := newTestArbiter(t, Options{})
	shared.MarkDirty(t0.Add(20 * time.Second))

	clock.Advance(30 * time.Second)
	a.Tick(context.Background())

	assert.Equal(t, append([]model.Action{model.RemountShare}, cycleActions...), exec.actions())
}

func TestTick_WithdrawFailure(t *testing.T) {
	t.Parallel()

	t.Run("proceed_runs_every_step", func(t *testing.T) {
		t.Parallel()

		a, exec, clock, shared := newTestArbiter(t, Options{})
		exec.fail[model.WithdrawGadget] = true
		exec.fail[model.FlushToDisk] = true
		shared.MarkDirty(t0)

		clock.Advance(5 * time.Second)
		a.Tick(context.Background())

		assert.Equal(t, cycleActions, exec.actions())
		assert.False(t, shared.Dirty().IsDirty)
	})

	t.Run("abort_keeps_dirty_and_retries", func(t *testing.T) {
		t.Parallel()

		a, exec, clock, shared := newTestArbiter(t, Options{AbortOnWithdrawFailure: true})
		exec.fail[model.WithdrawGadget] = true
		shared.MarkDirty(t0)

		clock.Advance(5 * time.Second)
		a.Tick(context.Background())

		assert.Equal(t, []model.Action{model.WithdrawGadget}, exec.actions())
		assert.Equal(t, state.Dirty{IsDirty: true, DirtySince: t0}, shared.Dirty())
		assert.Equal(t, t0, shared.LastRefresh())

		delete(exec.fail, model.WithdrawGadget)
		clock.Advance(time.Second)
		a.Tick(context.Background())

		assert.Equal(t, append([]model.Action{model.WithdrawGadget}, cycleActions...), exec.actions())
		assert.False(t, shared.Dirty().IsDirty)
	})
}

// waitDone 在真实时间内等待 Tick/Run 返回
func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestTick_Delays(t *testing.T) {
	t.Parallel()

	a, exec, clock, shared := newTestArbiter(t, Options{
		SettleDelay: time.Second,
		ResumeDelay: 2000 * time.Second,
	})
	shared.MarkDirty(t0)
	clock.Advance(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Tick(context.Background())
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, []model.Action{model.WithdrawGadget}, exec.actions())
	assert.Equal(t, Quiescing, a.Phase())

	clock.Advance(time.Second)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, []model.Action{model.WithdrawGadget, model.FlushToDisk}, exec.actions())

	clock.Advance(1999 * time.Second)
	assert.Len(t, exec.actions(), 2, "resume delay not yet elapsed")

	clock.Advance(time.Second)
	waitDone(t, done)

	assert.Equal(t, cycleActions, exec.actions())
	assert.Equal(t, t0.Add(2006*time.Second), shared.LastRefresh())
	assert.Equal(t, Idle, a.Phase())
}

func TestTick_InterruptCompletesCycle(t *testing.T) {
	t.Parallel()

	a, exec, clock, shared := newTestArbiter(t, Options{
		SettleDelay: time.Second,
		ResumeDelay: 2000 * time.Second,
	})
	shared.MarkDirty(t0)
	clock.Advance(5 * time.Second)

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Tick(ctx)
	}()

	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()
	waitDone(t, done)

	// 剩余延时被跳过，但已开始的周期仍完成所有动作
	assert.Equal(t, cycleActions, exec.actions())
	assert.False(t, shared.Dirty().IsDirty)
}

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("ticks_at_poll_interval", func(t *testing.T) {
		t.Parallel()

		a, exec, clock, shared := newTestArbiter(t, Options{PollInterval: time.Second})
		shared.MarkDirty(t0)

		waitCtx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelWait()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			assert.NoError(t, a.Run(ctx))
		}()

		for i := 0; i < 5; i++ {
			require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
			assert.Empty(t, exec.actions())
			clock.Advance(time.Second)
		}
		require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
		assert.Equal(t, cycleActions, exec.actions())

		cancel()
		waitDone(t, done)
	})

	t.Run("cancelled_before_start", func(t *testing.T) {
		t.Parallel()

		a, exec, _, shared := newTestArbiter(t, Options{})
		shared.MarkDirty(t0.Add(-time.Hour))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.NoError(t, a.Run(ctx))
		assert.Empty(t, exec.actions())
	})
}

func TestStartup(t *testing.T) {
	t.Parallel()

	a, exec, _, shared := newTestArbiter(t, Options{})
	exec.fail[model.WithdrawGadget] = true

	a.Startup(context.Background())

	assert.Equal(t, []model.Action{model.WithdrawGadget, model.ExposeGadget}, exec.actions())
	assert.Equal(t, state.Dirty{}, shared.Dirty())
}

func TestPhase_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "periodic_refreshing", PeriodicRefreshing.String())
	assert.Equal(t, "quiescing", Quiescing.String())
	assert.Equal(t, "unknown", Phase(7).String())
}
