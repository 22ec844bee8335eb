// Package command 对 exec.Command 做一层封装，方便测试时替换
package command

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

const waitDelay = 2 * time.Second

// Executor 执行外部命令并等待结束
type Executor interface {
	// Run 返回合并后的 stdout/stderr; 非零退出码返回 error
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealExecutor 真正调用系统命令
type RealExecutor struct{}

func (*RealExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	// ctx 取消后不等待子进程残留的管道
	cmd.WaitDelay = waitDelay
	err := cmd.Run()
	return out.Bytes(), err
}
