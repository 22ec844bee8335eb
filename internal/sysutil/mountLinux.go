package sysutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const procMounts = "/proc/mounts"

// MountEntry /proc/mounts 中的一行
type MountEntry struct {
	Device     string
	MountPoint string
	FSType     string
	Options    string
}

// ParseMounts 解析 /proc/mounts 格式的内容
func ParseMounts(r io.Reader) ([]MountEntry, error) {
	var entries []MountEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		entries = append(entries, MountEntry{
			Device:     fields[0],
			MountPoint: unescapeMount(fields[1]),
			FSType:     fields[2],
			Options:    fields[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}
	return entries, nil
}

// FindMount 在挂载表中查找挂载点; 同一路径多次挂载时取最后一条
func FindMount(entries []MountEntry, mountPoint string) (MountEntry, bool) {
	target := filepath.Clean(mountPoint)
	var found MountEntry
	ok := false
	for _, e := range entries {
		if e.MountPoint == target {
			found, ok = e, true
		}
	}
	return found, ok
}

// LookupMount 读取 /proc/mounts 查找挂载点
func LookupMount(mountPoint string) (MountEntry, bool, error) {
	f, err := os.Open(procMounts)
	if err != nil {
		return MountEntry{}, false, fmt.Errorf("failed to open %s: %w", procMounts, err)
	}
	defer f.Close()

	entries, err := ParseMounts(f)
	if err != nil {
		return MountEntry{}, false, err
	}
	e, ok := FindMount(entries, mountPoint)
	return e, ok, nil
}

// /proc/mounts 中空格等字符以八进制转义, e.g. "\040"
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }
