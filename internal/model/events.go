package model

import (
	"fmt"
	"time"
)

// NotifyKind 文件系统变更类型
type NotifyKind int

const (
	KindUnknown NotifyKind = iota
	KindCreated
	KindDeleted
	KindModified
	KindMoved
)

func (k NotifyKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindDeleted:
		return "deleted"
	case KindModified:
		return "modified"
	case KindMoved:
		return "moved"
	default:
		return "unknown"
	}
}

// Notification 共享目录下的一次变更通知，读取后即丢弃
type Notification struct {
	Kind      NotifyKind
	IsDir     bool
	Path      string
	TimeStamp time.Time
}

// Tag 返回 "file-modified" / "dir-deleted" 形式的标签
func (n Notification) Tag() string {
	target := "file"
	if n.IsDir {
		target = "dir"
	}
	return fmt.Sprintf("%s-%s", target, n.Kind)
}

// GadgetEvent 内核 uevent 中与 gadget 相关的事件
type GadgetEvent struct {
	Action    string // "add", "remove", "change"
	Subsystem string // "module", "udc"
	Name      string // e.g. g_mass_storage, fe980000.usb
	State     string // UDC 状态, e.g. "configured", "not attached"
	TimeStamp time.Time
}
