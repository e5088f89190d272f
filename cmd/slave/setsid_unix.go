//go:build unix

package main

import (
	"syscall"

	"go.uber.org/zap"
)

// trySetsid detaches the slave from its controlling terminal, mirroring the
// original's os.setsid() call so a signal sent to the launching shell's
// process group (e.g. Ctrl-C) doesn't also reach a backgrounded slave.
// Best-effort: a process that is already a session leader gets EPERM, which
// is not an error worth failing startup over.
func trySetsid(logger *zap.Logger) {
	if _, err := syscall.Setsid(); err != nil {
		logger.Debug("setsid skipped", zap.Error(err))
	}
}
