package monitor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Hara602/usbShare/internal/model"
	"github.com/Hara602/usbShare/internal/syncutil"
)

// fsnotifySource 基于 inotify 的递归监控。
// inotify 只能监控单个目录，所以对每个子目录单独加 watch;
// fsnotify 不区分文件和目录事件，用已监控的目录集合来判断。
type fsnotifySource struct {
	log     *zap.Logger
	watcher *fsnotify.Watcher
	root    string
	out     chan model.Notification
	stop    chan struct{}
	done    chan struct{}

	mu   syncutil.Mutex
	dirs map[string]struct{}

	stopOnce sync.Once
}

func newFsnotifySource(log *zap.Logger) *fsnotifySource {
	if log == nil {
		log = zap.NewNop()
	}
	return &fsnotifySource{
		log:  log,
		out:  make(chan model.Notification, 100),
		stop: make(chan struct{}),
		dirs: make(map[string]struct{}),
	}
}

func (s *fsnotifySource) Start(path string) (<-chan model.Notification, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify init failed: %w", err)
	}
	s.watcher = w

	root := filepath.Clean(path)
	s.root = root
	info, err := os.Stat(root)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		w.Close()
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	if err := s.addTree(root); err != nil {
		w.Close()
		return nil, err
	}

	s.done = make(chan struct{})
	go s.loop()
	return s.out, nil
}

func (s *fsnotifySource) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
		if s.done != nil {
			<-s.done
		}
	})
}

// Rewatch 重新建立整棵目录树的 watch。
// 卸载会让内核丢弃挂载点下所有 inotify watch (IN_UNMOUNT + IN_IGNORED)，且不会关闭事件流。
func (s *fsnotifySource) Rewatch() error {
	if s.watcher == nil {
		return errors.New("fsnotify source not started")
	}
	s.mu.Lock()
	stale := make([]string, 0, len(s.dirs))
	for dir := range s.dirs {
		stale = append(stale, dir)
	}
	s.dirs = make(map[string]struct{})
	s.mu.Unlock()

	for _, dir := range stale {
		_ = s.watcher.Remove(dir)
	}
	if err := s.addTree(s.root); err != nil {
		return fmt.Errorf("rewatch %s: %w", s.root, err)
	}
	s.log.Debug("Re-established watches", zap.String("path", s.root), zap.Int("dirs", s.watchedDirs()))
	return nil
}

func (s *fsnotifySource) loop() {
	defer close(s.done)
	defer close(s.out)

	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if n, ok := s.translate(ev); ok {
				select {
				case s.out <- n:
				case <-s.stop:
					return
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			// 队列溢出意味着丢失事件，按一次文件修改处理以保证会 flush
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.log.Warn("inotify queue overflow, treating as modification", zap.Error(err))
				select {
				case s.out <- model.Notification{Kind: model.KindModified, TimeStamp: time.Now()}:
				case <-s.stop:
					return
				}
				continue
			}
			s.log.Warn("Watcher error", zap.Error(err))
		}
	}
}

// translate 把 fsnotify 事件转换为通知; Chmod 等不关心的事件返回 false
func (s *fsnotifySource) translate(ev fsnotify.Event) (model.Notification, bool) {
	n := model.Notification{Path: ev.Name, IsDir: s.isDir(ev.Name), TimeStamp: time.Now()}

	switch {
	case ev.Has(fsnotify.Create):
		n.Kind = model.KindCreated
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			n.IsDir = true
			// 新目录里可能在加 watch 之前就已经有内容
			if err := s.addTree(ev.Name); err != nil {
				s.log.Warn("Failed to watch new directory", zap.String("path", ev.Name), zap.Error(err))
			}
		}
	case ev.Has(fsnotify.Remove):
		n.Kind = model.KindDeleted
		if n.IsDir {
			s.forgetTree(ev.Name)
		}
	case ev.Has(fsnotify.Rename):
		// 目标路径会以 Create 事件出现在新的父目录下
		n.Kind = model.KindMoved
		if n.IsDir {
			s.forgetTree(ev.Name)
		}
	case ev.Has(fsnotify.Write):
		n.Kind = model.KindModified
	default:
		return n, false
	}
	return n, true
}

func (s *fsnotifySource) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// 遍历过程中被删除的目录直接跳过
			if path != root && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := s.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		s.mu.Lock()
		s.dirs[path] = struct{}{}
		s.mu.Unlock()
		return nil
	})
}

func (s *fsnotifySource) forgetTree(root string) {
	prefix := root + string(filepath.Separator)
	s.mu.Lock()
	var gone []string
	for dir := range s.dirs {
		if dir == root || strings.HasPrefix(dir, prefix) {
			delete(s.dirs, dir)
			gone = append(gone, dir)
		}
	}
	s.mu.Unlock()
	for _, dir := range gone {
		// 已删除的目录 inotify 会自动移除 watch，这里的错误可以忽略
		_ = s.watcher.Remove(dir)
	}
}

func (s *fsnotifySource) isDir(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dirs[path]
	return ok
}

func (s *fsnotifySource) watchedDirs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirs)
}
