package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Hara602/usbShare/internal/action"
	"github.com/Hara602/usbShare/internal/analysis"
	"github.com/Hara602/usbShare/internal/arbiter"
	"github.com/Hara602/usbShare/internal/command"
	"github.com/Hara602/usbShare/internal/config"
	"github.com/Hara602/usbShare/internal/journal"
	"github.com/Hara602/usbShare/internal/metrics"
	"github.com/Hara602/usbShare/internal/monitor"
	"github.com/Hara602/usbShare/internal/state"
	"github.com/Hara602/usbShare/internal/syncutil"
	"github.com/Hara602/usbShare/internal/sysutil"
	"github.com/Hara602/usbShare/internal/watcher"
)

func main() {
	cfgPath := flag.String("config", config.Path(), "path to the TOML config file")
	history := flag.Int("history", 0, "print the N most recent journal entries and exit")
	flagVals := config.Defaults()
	config.BindFlags(flag.CommandLine, &flagVals)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// 命令行显式给出的参数覆盖配置文件
	if err := config.Overrides(flag.CommandLine, &cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// 初始化日志
	if err := sysutil.InitLogger(sysutil.LogOptions{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = sysutil.Log.Sync() }()
	syncutil.SetDeadlockTimeout(cfg.DeadlockTimeout())

	if *history > 0 {
		if err := printHistory(cfg.JournalPath, *history); err != nil {
			sysutil.LogSugar.Fatalf("Failed to read journal %s: %v", cfg.JournalPath, err)
		}
		return
	}

	if err := run(cfg, *cfgPath); err != nil {
		sysutil.Log.Fatal("Agent failed", zap.Error(err))
	}
	sysutil.Log.Info("👋 Shut down cleanly")
}

func run(cfg config.Values, cfgPath string) error {
	log := sysutil.Log
	log.Info("🛡️ USB Share Agent Starting...",
		zap.String("config", cfgPath),
		zap.String("backing_file", cfg.BackingFile),
		zap.String("share", cfg.SharePath),
		zap.String("gadget", cfg.GadgetBackend),
		zap.String("monitor", cfg.MonitorBackend),
		zap.Bool("deadlock_detection", syncutil.DeadlockDetection))

	// Fanotify 需要 Root 权限
	if os.Geteuid() != 0 {
		if cfg.MonitorBackend == config.MonitorFanotify {
			return errors.New("fanotify monitor requires root")
		}
		if !cfg.UseSudo {
			log.Warn("⚠️ Not running as root and sudo is disabled; gadget actions will likely fail")
		}
	}
	if _, ok, err := sysutil.LookupMount(cfg.SharePath); err != nil {
		log.Warn("Could not read mount table", zap.Error(err))
	} else if !ok {
		log.Warn("⚠️ Share path is not a mount point; remounts will fail", zap.String("path", cfg.SharePath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	collector := metrics.NewCollector()

	var recorder action.Recorder
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		recorder = j
	}

	cmd := &command.RealExecutor{}
	exec := action.New(action.Options{
		Gadget:    newGadget(cfg, cmd),
		Command:   cmd,
		Logger:    log.Named("action"),
		Clock:     clock,
		Recorder:  recorder,
		Observer:  collector,
		SharePath: cfg.SharePath,
		Timeout:   cfg.ActionTimeout(),
		UseSudo:   cfg.UseSudo,
	})

	source, err := monitor.NewSource(cfg.MonitorBackend, log.Named("monitor"))
	if err != nil {
		return err
	}

	shared := state.New(clock.Now())
	mon := monitor.NewChangeMonitor(source, shared, log.Named("monitor")).
		WithClock(clock).
		WithObserver(collector)
	if cfg.SniffFileTypes {
		mon = mon.WithSniffer(analysis.Sniff)
	}

	arb := arbiter.New(arbiter.Options{
		Executor:               exec,
		State:                  shared,
		Clock:                  clock,
		Logger:                 log.Named("arbiter"),
		Observer:               collector,
		Rewatcher:              mon,
		PollInterval:           cfg.PollInterval(),
		RefreshInterval:        cfg.RefreshInterval(),
		Debounce:               cfg.DebounceTimeout(),
		SettleDelay:            cfg.SettleDelay(),
		ResumeDelay:            cfg.ResumeDelay(),
		AbortOnWithdrawFailure: cfg.WithdrawFailurePolicy == config.WithdrawAbort,
	})

	arb.Startup(ctx)
	// 启动阶段动作完成后再把刷新时钟对齐到当前时间
	shared.SetLastRefresh(clock.Now())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := mon.Run(gctx, cfg.SharePath); err != nil {
			return fmt.Errorf("change monitor: %w", err)
		}
		if gctx.Err() == nil {
			return errors.New("change monitor stopped unexpectedly")
		}
		return nil
	})

	g.Go(func() error {
		return arb.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			log.Info("📈 Serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := collector.Serve(gctx, cfg.MetricsAddr); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if cfg.WatchGadgetEvents {
		gadgetWatcher := watcher.New(log.Named("watcher"))
		events, err := gadgetWatcher.Start()
		if err != nil {
			log.Warn("Gadget event watcher unavailable", zap.Error(err))
		} else if events != nil {
			defer gadgetWatcher.Stop()
			g.Go(func() error {
				watcher.Observe(gctx, events, exec.Exposure, log.Named("watcher"))
				return nil
			})
		}
	}

	err = g.Wait()
	log.Info("Shutting down...")
	return err
}

func newGadget(cfg config.Values, cmd command.Executor) action.Gadget {
	if cfg.GadgetBackend == config.GadgetLUN {
		return action.NewLUNGadget(afero.NewOsFs(), cfg.LUNFile, cfg.BackingFile)
	}
	return action.NewModprobeGadget(cmd, cfg.UseSudo, cfg.BackingFile)
}

func printHistory(path string, n int) error {
	if path == "" {
		return errors.New("journal_path is not configured")
	}
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entries, err := j.Recent(ctx, n)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tACTION\tOUTCOME\tDURATION\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime), e.Action, e.Outcome, e.Duration, e.Error)
	}
	return w.Flush()
}
