// Package watcher 监听内核 uevent 中 gadget 模块与 UDC 的变化，
// 用来核对 Executor 认为的暴露状态是否与内核一致 (只记录日志)
package watcher

import (
	"context"
	"path"

	"go.uber.org/zap"

	"github.com/Hara602/usbShare/internal/model"
)

const gadgetModule = "g_mass_storage"

// GadgetWatcher 定义接口
type GadgetWatcher interface {
	Start() (<-chan model.GadgetEvent, error)
	Stop()
}

func New(log *zap.Logger) GadgetWatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return newWatcher(log)
}

// fromEnv 从 uevent 环境变量中挑出与 gadget 相关的事件
// readState 读取 UDC 的 state 属性
func fromEnv(action string, env map[string]string, readState func(udc string) string) (model.GadgetEvent, bool) {
	switch env["SUBSYSTEM"] {
	case "module":
		name := path.Base(env["DEVPATH"])
		if name != gadgetModule {
			return model.GadgetEvent{}, false
		}
		return model.GadgetEvent{Action: action, Subsystem: "module", Name: name}, true
	case "udc":
		name := path.Base(env["DEVPATH"])
		ev := model.GadgetEvent{Action: action, Subsystem: "udc", Name: name}
		if action != "remove" && readState != nil {
			ev.State = readState(name)
		}
		return ev, true
	default:
		return model.GadgetEvent{}, false
	}
}

// Observe 把 gadget 事件写入日志，并与 exposure() 给出的预期状态比对，直到 ctx 结束
func Observe(ctx context.Context, events <-chan model.GadgetEvent, exposure func() model.Exposure, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			believed := exposure()
			fields := []zap.Field{
				zap.String("subsystem", ev.Subsystem),
				zap.String("action", ev.Action),
				zap.String("name", ev.Name),
				zap.Stringer("believed", believed),
			}
			if ev.State != "" {
				fields = append(fields, zap.String("state", ev.State))
			}
			if mismatch(ev, believed) {
				log.Warn("⚠️ Gadget state differs from expected exposure", fields...)
				continue
			}
			log.Info("🔌 Gadget event", fields...)
		}
	}
}

// mismatch 只判断模块加载/卸载，UDC 状态受主机影响不作判断
func mismatch(ev model.GadgetEvent, believed model.Exposure) bool {
	if ev.Subsystem != "module" {
		return false
	}
	switch ev.Action {
	case "add":
		return believed == model.Withdrawn
	case "remove":
		return believed == model.Exposed
	}
	return false
}
