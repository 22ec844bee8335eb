//go:build linux

package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"

	"github.com/Hara602/usbShare/internal/model"
)

const udcClassDir = "/sys/class/udc"

type linuxWatcher struct {
	log      *zap.Logger
	events   chan model.GadgetEvent
	stop     chan struct{}
	stopOnce sync.Once
}

func newWatcher(log *zap.Logger) GadgetWatcher {
	return &linuxWatcher{
		log:    log,
		events: make(chan model.GadgetEvent, 10),
		stop:   make(chan struct{}),
	}
}

func (w *linuxWatcher) Start() (<-chan model.GadgetEvent, error) {
	// 监听 UDEV 事件,连接 NETLINK_KOBJECT_UEVENT
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, err
	}
	queue := make(chan netlink.UEvent)
	errChan := make(chan error)

	quit := conn.Monitor(queue, errChan, nil)

	go func() {
		defer conn.Close()

		for {
			select {
			case <-w.stop:
				close(quit)
				return

			case err := <-errChan:
				// 忽略底层网络错误，继续接收
				w.log.Debug("uevent error", zap.Error(err))

			case uevent := <-queue:
				ev, ok := fromEnv(string(uevent.Action), uevent.Env, readUDCState)
				if !ok {
					continue
				}
				ev.TimeStamp = time.Now()
				select {
				case w.events <- ev:
				default:
					w.log.Debug("gadget event dropped", zap.String("name", ev.Name))
				}
			}
		}
	}()
	return w.events, nil
}

func (w *linuxWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func readUDCState(udc string) string {
	b, err := os.ReadFile(filepath.Join(udcClassDir, udc, "state"))
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}
