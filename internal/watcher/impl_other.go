//go:build !linux

package watcher

import (
	"go.uber.org/zap"

	"github.com/Hara602/usbShare/internal/model"
)

type noopWatcher struct{}

func newWatcher(*zap.Logger) GadgetWatcher                   { return noopWatcher{} }
func (noopWatcher) Start() (<-chan model.GadgetEvent, error) { return nil, nil }
func (noopWatcher) Stop()                                    {}
