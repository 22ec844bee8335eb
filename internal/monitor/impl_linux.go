//go:build linux

package monitor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Hara602/usbShare/internal/model"
)

const fanotifyMask = unix.FAN_MODIFY |
	unix.FAN_CREATE |
	unix.FAN_DELETE |
	unix.FAN_MOVED_FROM |
	unix.FAN_MOVED_TO |
	unix.FAN_ONDIR |
	unix.FAN_EVENT_ON_CHILD

// 轮询超时，Stop 最多等待这么久
const fanotifyPollMillis = 500

// fanotifySource 标记整个文件系统，天然递归; 需要 root 权限 (CAP_SYS_ADMIN)
type fanotifySource struct {
	fd   int
	log  *zap.Logger
	root string
	out  chan model.Notification
	stop chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

func newFanotifySource(log *zap.Logger) (Source, error) {
	if log == nil {
		log = zap.NewNop()
	}
	flags := uint(unix.FAN_CLASS_NOTIF |
		unix.FAN_REPORT_DFID_NAME |
		unix.FAN_CLOEXEC |
		unix.FAN_NONBLOCK |
		unix.FAN_UNLIMITED_QUEUE |
		unix.FAN_UNLIMITED_MARKS)
	fd, err := unix.FanotifyInit(flags, uint(unix.O_RDONLY))
	if err != nil {
		return nil, fmt.Errorf("fanotify init failed: %w", err)
	}
	return &fanotifySource{
		fd:   fd,
		log:  log,
		out:  make(chan model.Notification, 100),
		stop: make(chan struct{}),
	}, nil
}

func (f *fanotifySource) Start(path string) (<-chan model.Notification, error) {
	f.root = filepath.Clean(path)
	if err := f.mark(); err != nil {
		return nil, err
	}

	f.done = make(chan struct{})
	go f.loop()
	return f.out, nil
}

// Rewatch 重新标记文件系统; 卸载时超级块上的 mark 会随之销毁
func (f *fanotifySource) Rewatch() error {
	if f.done == nil {
		return errors.New("fanotify source not started")
	}
	return f.mark()
}

func (f *fanotifySource) mark() error {
	// FAN_MARK_FILESYSTEM: 监控整个文件系统，能递归覆盖所有子目录
	err := unix.FanotifyMark(f.fd, unix.FAN_MARK_ADD|unix.FAN_MARK_FILESYSTEM, fanotifyMask, unix.AT_FDCWD, f.root)
	if err != nil {
		// 退化为普通目录监控 (不递归)
		f.log.Warn("⚠️ FAN_MARK_FILESYSTEM failed, falling back to directory-only mode", zap.Error(err))
		if err := unix.FanotifyMark(f.fd, unix.FAN_MARK_ADD, fanotifyMask, unix.AT_FDCWD, f.root); err != nil {
			return fmt.Errorf("fanotify mark %s: %w", f.root, err)
		}
	}
	return nil
}

func (f *fanotifySource) Stop() {
	f.stopOnce.Do(func() {
		close(f.stop)
		if f.done != nil {
			<-f.done
		}
		unix.Close(f.fd)
	})
}

func (f *fanotifySource) loop() {
	defer close(f.done)
	defer close(f.out)

	buf := make([]byte, 64*1024)
	fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-f.stop:
			return
		default:
		}

		ready, err := unix.Poll(fds, fanotifyPollMillis)
		if err != nil && !errors.Is(err, unix.EINTR) {
			f.log.Error("fanotify poll failed", zap.Error(err))
			return
		}
		if ready == 0 {
			continue
		}

		n, err := unix.Read(f.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			f.log.Error("fanotify read failed", zap.Error(err))
			return
		}
		for _, note := range parseFanotify(buf[:n], f.root, time.Now()) {
			select {
			case f.out <- note:
			case <-f.stop:
				return
			}
		}
	}
}

// parseFanotify 解析一次 read 得到的全部事件
// 事件结构: [FanotifyEventMetadata] + [FanotifyEventInfoFid + FileHandle + f_handle + name] ...
func parseFanotify(buf []byte, root string, now time.Time) []model.Notification {
	var notes []model.Notification
	for offset := 0; offset+model.FanotifyEventMetadataSize <= len(buf); {
		var meta unix.FanotifyEventMetadata
		if err := binary.Read(bytes.NewReader(buf[offset:offset+model.FanotifyEventMetadataSize]), binary.NativeEndian, &meta); err != nil {
			break
		}
		if meta.Event_len < model.FanotifyEventMetadataSize || offset+int(meta.Event_len) > len(buf) {
			break
		}
		if meta.Vers != unix.FANOTIFY_METADATA_VERSION || meta.Metadata_len > uint16(meta.Event_len) {
			break
		}
		if meta.Fd >= 0 {
			unix.Close(int(meta.Fd))
		}

		event := buf[offset : offset+int(meta.Event_len)]
		offset += int(meta.Event_len)

		if meta.Mask&unix.FAN_Q_OVERFLOW != 0 {
			notes = append(notes, model.Notification{Kind: model.KindModified, TimeStamp: now})
			continue
		}

		kind := kindFromMask(meta.Mask)
		if kind == model.KindUnknown {
			continue
		}
		name := eventName(event[meta.Metadata_len:])
		// 文件名只相对于所在目录，解析完整路径需要 open_by_handle_at; 这里只用于 trace
		notes = append(notes, model.Notification{
			Kind:      kind,
			IsDir:     meta.Mask&unix.FAN_ONDIR != 0,
			Path:      filepath.Join(root, name),
			TimeStamp: now,
		})
	}
	return notes
}

func kindFromMask(mask uint64) model.NotifyKind {
	switch {
	case mask&unix.FAN_DELETE != 0:
		return model.KindDeleted
	case mask&(unix.FAN_MOVED_FROM|unix.FAN_MOVED_TO) != 0:
		return model.KindMoved
	case mask&unix.FAN_MODIFY != 0:
		return model.KindModified
	case mask&unix.FAN_CREATE != 0:
		return model.KindCreated
	default:
		return model.KindUnknown
	}
}

// eventName 在 info 记录中找 DFID_NAME 并取出文件名
func eventName(info []byte) string {
	for len(info) >= model.FanotifyInfoFidFixedSize {
		var fid model.FanotifyEventInfoFid
		reader := bytes.NewReader(info)
		if err := binary.Read(reader, binary.NativeEndian, &fid); err != nil {
			return ""
		}
		recLen := int(fid.Hdr.Len)
		if recLen < model.FanotifyInfoFidFixedSize || recLen > len(info) {
			return ""
		}
		if fid.Hdr.InfoType == unix.FAN_EVENT_INFO_TYPE_DFID_NAME {
			var handle model.FileHandle
			if err := binary.Read(reader, binary.NativeEndian, &handle); err != nil {
				return ""
			}
			nameStart := model.FanotifyInfoFidFixedSize + int(handle.HandleBytes)
			if nameStart >= recLen {
				return ""
			}
			name := info[nameStart:recLen]
			if idx := bytes.IndexByte(name, 0); idx != -1 {
				name = name[:idx]
			}
			return string(name)
		}
		info = info[recLen:]
	}
	return ""
}
