//go:build !linux

package monitor

import (
	"errors"

	"go.uber.org/zap"
)

func newFanotifySource(*zap.Logger) (Source, error) {
	return nil, errors.New("fanotify is only available on linux")
}
