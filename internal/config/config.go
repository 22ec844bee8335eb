// Package config 读取守护进程配置: TOML 文件 + 命令行覆盖 + 校验
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	DefaultPath = "/etc/usbshare/config.toml"
	PathEnv     = "USBSHARE_CONFIG"
)

const (
	GadgetModprobe = "modprobe"
	GadgetLUN      = "lun"

	MonitorFsnotify = "fsnotify"
	MonitorFanotify = "fanotify"

	// WithdrawProceed 撤出失败仍继续 flush 和重新暴露
	WithdrawProceed = "proceed"
	// WithdrawAbort 撤出失败则放弃本轮，保留脏状态下个 tick 重试
	WithdrawAbort = "abort"
)

type Values struct {
	BackingFile string `toml:"backing_file" validate:"required"`
	SharePath   string `toml:"share_path" validate:"required"`

	PollIntervalSeconds            float64 `toml:"poll_interval_seconds" validate:"gt=0"`
	PeriodicRefreshIntervalSeconds float64 `toml:"periodic_refresh_interval_seconds" validate:"gt=0"`
	DebounceTimeoutSeconds         float64 `toml:"debounce_timeout_seconds" validate:"gte=0"`
	SettleDelaySeconds             float64 `toml:"settle_delay_seconds" validate:"gte=0"`
	// ResumeDelaySeconds 重新暴露前的等待，给主机释放设备句柄/缓存的时间，
	// 避免设备重新出现时主机重复枚举
	ResumeDelaySeconds   float64 `toml:"resume_delay_seconds" validate:"gte=0"`
	ActionTimeoutSeconds float64 `toml:"action_timeout_seconds" validate:"gt=0"`

	GadgetBackend         string `toml:"gadget_backend" validate:"oneof=modprobe lun"`
	LUNFile               string `toml:"lun_file"`
	MonitorBackend        string `toml:"monitor_backend" validate:"oneof=fsnotify fanotify"`
	WithdrawFailurePolicy string `toml:"withdraw_failure_policy" validate:"oneof=proceed abort"`
	UseSudo               bool   `toml:"use_sudo"`

	WatchGadgetEvents bool   `toml:"watch_gadget_events"`
	JournalPath       string `toml:"journal_path"`
	MetricsAddr       string `toml:"metrics_addr" validate:"omitempty,hostname_port"`
	SniffFileTypes    bool   `toml:"sniff_file_types"`

	LogLevel      string `toml:"log_level" validate:"oneof=debug info warn error"`
	LogFile       string `toml:"log_file"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb" validate:"gte=0"`
	LogMaxBackups int    `toml:"log_max_backups" validate:"gte=0"`

	// DeadlockTimeoutSeconds 仅在 -tags deadlock 构建中生效
	DeadlockTimeoutSeconds float64 `toml:"deadlock_timeout_seconds" validate:"gte=0"`
}

// Defaults 未出现在配置文件中的字段取这些值
func Defaults() Values {
	return Values{
		BackingFile:                    "/piusb.bin",
		SharePath:                      "/mnt/usb_share",
		PollIntervalSeconds:            1,
		PeriodicRefreshIntervalSeconds: 30,
		DebounceTimeoutSeconds:         5,
		SettleDelaySeconds:             1,
		ResumeDelaySeconds:             2000,
		ActionTimeoutSeconds:           60,
		GadgetBackend:                  GadgetModprobe,
		MonitorBackend:                 MonitorFsnotify,
		WithdrawFailurePolicy:          WithdrawProceed,
		UseSudo:                        true,
		WatchGadgetEvents:              true,
		LogLevel:                       "debug",
		LogMaxSizeMB:                   1,
		LogMaxBackups:                  2,
		DeadlockTimeoutSeconds:         30,
	}
}

// Load 以默认值为底，叠加文件中出现的字段; 文件不存在时直接返回默认值
func Load(path string) (Values, error) {
	vals := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return vals, nil
	}
	if err != nil {
		return vals, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, &vals); err != nil {
		return vals, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return vals, nil
}

// Path 解析配置文件路径: 环境变量优先
func Path() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// BindFlags 注册可覆盖配置文件的命令行参数，默认值取自 v
func BindFlags(fs *flag.FlagSet, v *Values) {
	fs.StringVar(&v.BackingFile, "backing-file", v.BackingFile, "image file exposed through the mass-storage gadget")
	fs.StringVar(&v.SharePath, "share-path", v.SharePath, "local mount point of the shared filesystem")
	fs.Float64Var(&v.PollIntervalSeconds, "poll-interval", v.PollIntervalSeconds, "seconds between arbitration ticks")
	fs.Float64Var(&v.PeriodicRefreshIntervalSeconds, "refresh-interval", v.PeriodicRefreshIntervalSeconds, "seconds between forced share remounts")
	fs.Float64Var(&v.DebounceTimeoutSeconds, "debounce", v.DebounceTimeoutSeconds, "quiet seconds after the last local write before cycling the gadget")
	fs.Float64Var(&v.SettleDelaySeconds, "settle-delay", v.SettleDelaySeconds, "seconds to wait between withdraw and flush")
	fs.Float64Var(&v.ResumeDelaySeconds, "resume-delay", v.ResumeDelaySeconds, "seconds to wait between flush and re-expose")
	fs.Float64Var(&v.ActionTimeoutSeconds, "action-timeout", v.ActionTimeoutSeconds, "upper bound for a single external action")
	fs.StringVar(&v.GadgetBackend, "gadget", v.GadgetBackend, "gadget backend: modprobe or lun")
	fs.StringVar(&v.MonitorBackend, "monitor", v.MonitorBackend, "change monitor backend: fsnotify or fanotify")
	fs.StringVar(&v.WithdrawFailurePolicy, "on-withdraw-failure", v.WithdrawFailurePolicy, "proceed or abort the cycle when withdraw fails")
	fs.BoolVar(&v.UseSudo, "sudo", v.UseSudo, "prefix privileged commands with sudo")
	fs.StringVar(&v.JournalPath, "journal", v.JournalPath, "sqlite action journal path (empty disables)")
	fs.StringVar(&v.MetricsAddr, "metrics-addr", v.MetricsAddr, "prometheus listen address (empty disables)")
	fs.StringVar(&v.LogLevel, "log-level", v.LogLevel, "debug, info, warn or error")
	fs.StringVar(&v.LogFile, "log-file", v.LogFile, "rotating log file (empty logs to stdout only)")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (v *Values) Validate() error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func (v *Values) PollInterval() time.Duration    { return seconds(v.PollIntervalSeconds) }
func (v *Values) RefreshInterval() time.Duration { return seconds(v.PeriodicRefreshIntervalSeconds) }
func (v *Values) DebounceTimeout() time.Duration { return seconds(v.DebounceTimeoutSeconds) }
func (v *Values) SettleDelay() time.Duration     { return seconds(v.SettleDelaySeconds) }
func (v *Values) ResumeDelay() time.Duration     { return seconds(v.ResumeDelaySeconds) }
func (v *Values) ActionTimeout() time.Duration   { return seconds(v.ActionTimeoutSeconds) }
func (v *Values) DeadlockTimeout() time.Duration { return seconds(v.DeadlockTimeoutSeconds) }

// Overrides 把 parsed 中显式设置过的参数重新应用到 v 上
func Overrides(parsed *flag.FlagSet, v *Values) error {
	target := flag.NewFlagSet("overrides", flag.ContinueOnError)
	BindFlags(target, v)

	var err error
	parsed.Visit(func(f *flag.Flag) {
		if err != nil || target.Lookup(f.Name) == nil {
			return
		}
		if setErr := target.Set(f.Name, f.Value.String()); setErr != nil {
			err = fmt.Errorf("flag -%s: %w", f.Name, setErr)
		}
	})
	return err
}
