package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const udcClassDir = "/sys/class/udc"

var ErrNoLUN = errors.New("no mass-storage lun found")

// LUNGadget 在已加载的 gadget 上通过 sysfs 的 lun 文件切换介质:
// 写入空串相当于弹出，写入镜像路径相当于插入。
// 模块本身保持加载，主机看到的是可移动介质被取出/插入。
type LUNGadget struct {
	fs          afero.Fs
	lunFile     string
	backingFile string
}

// NewLUNGadget lunFile 为空时在 /sys/class/udc 下自动查找
func NewLUNGadget(fs afero.Fs, lunFile, backingFile string) *LUNGadget {
	return &LUNGadget{fs: fs, lunFile: lunFile, backingFile: backingFile}
}

func (*LUNGadget) Name() string { return "lun" }

func (g *LUNGadget) Withdraw(_ context.Context) ([]byte, error) {
	lun, err := g.resolve()
	if err != nil {
		return nil, err
	}
	// forced_eject 在主机锁定介质时仍能生效，老内核没有这个属性
	forced := filepath.Join(filepath.Dir(lun), "forced_eject")
	if ok, _ := afero.Exists(g.fs, forced); ok {
		if err := afero.WriteFile(g.fs, forced, []byte("1"), 0o644); err != nil {
			return nil, fmt.Errorf("forced eject: %w", err)
		}
	} else if err := afero.WriteFile(g.fs, lun, []byte("\n"), 0o644); err != nil {
		return nil, fmt.Errorf("clear lun file: %w", err)
	}

	content, err := g.read(lun)
	if err != nil {
		return nil, fmt.Errorf("verify eject: %w", err)
	}
	if content != "" {
		return []byte(content), fmt.Errorf("verify eject: lun still backed by %s", content)
	}
	return []byte("lun cleared"), nil
}

func (g *LUNGadget) Expose(_ context.Context) ([]byte, error) {
	lun, err := g.resolve()
	if err != nil {
		return nil, err
	}
	if err := afero.WriteFile(g.fs, lun, []byte(g.backingFile), 0o644); err != nil {
		return nil, fmt.Errorf("write lun file: %w", err)
	}

	content, err := g.read(lun)
	if err != nil {
		return nil, fmt.Errorf("verify insert: %w", err)
	}
	if content != g.backingFile {
		return []byte(content), fmt.Errorf("verify insert: expected %s, got %s", g.backingFile, content)
	}
	return []byte(content), nil
}

func (g *LUNGadget) read(path string) (string, error) {
	b, err := afero.ReadFile(g.fs, path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (g *LUNGadget) resolve() (string, error) {
	if g.lunFile != "" {
		return g.lunFile, nil
	}
	entries, err := afero.ReadDir(g.fs, udcClassDir)
	if err != nil {
		return "", fmt.Errorf("read udc dir: %w", err)
	}
	for _, entry := range entries {
		candidate := filepath.Join(udcClassDir, entry.Name(), "device/gadget/lun0/file")
		if _, err := g.fs.Stat(candidate); err == nil {
			g.lunFile = candidate
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}
	return "", ErrNoLUN
}
