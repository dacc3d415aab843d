// Package procs aligns GOMAXPROCS with the container CPU quota.
package procs

import (
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// Init sets GOMAXPROCS from the cgroup CPU quota. It should run first in
// main. The returned function restores the previous value.
func Init(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()
	undo, err := maxprocs.Set(maxprocs.Logger(sugar.Debugf))
	if err != nil {
		logger.Warn("Failed to set GOMAXPROCS", zap.Error(err))
		return func() {}
	}
	logger.Info("Concurrency initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	return undo
}
