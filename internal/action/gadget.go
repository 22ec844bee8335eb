package action

import (
	"context"
	"fmt"

	"github.com/Hara602/usbShare/internal/command"
)

const massStorageModule = "g_mass_storage"

// Gadget 控制 mass-storage gadget 的绑定与解绑
type Gadget interface {
	Name() string
	Withdraw(ctx context.Context) ([]byte, error)
	Expose(ctx context.Context) ([]byte, error)
}

// privileged 在需要时给命令加上 sudo
type privileged struct {
	cmd  command.Executor
	sudo bool
}

func (p privileged) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if p.sudo {
		return p.cmd.Run(ctx, "sudo", append([]string{name}, args...)...)
	}
	return p.cmd.Run(ctx, name, args...)
}

// ModprobeGadget 通过加载/卸载 g_mass_storage 模块来暴露/撤出设备
type ModprobeGadget struct {
	exec        privileged
	backingFile string
}

func NewModprobeGadget(cmd command.Executor, sudo bool, backingFile string) *ModprobeGadget {
	return &ModprobeGadget{exec: privileged{cmd: cmd, sudo: sudo}, backingFile: backingFile}
}

func (*ModprobeGadget) Name() string { return "modprobe" }

func (g *ModprobeGadget) Withdraw(ctx context.Context) ([]byte, error) {
	return g.exec.run(ctx, "/sbin/modprobe", massStorageModule, "-r")
}

func (g *ModprobeGadget) Expose(ctx context.Context) ([]byte, error) {
	return g.exec.run(ctx, "/sbin/modprobe", massStorageModule,
		fmt.Sprintf("file=%s", g.backingFile), "stall=0", "removable=1")
}
