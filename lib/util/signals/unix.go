//go:build !windows

package signals

import (
	"os"
	"syscall"
)

var watched = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

func classify(sig os.Signal) kind {
	if sig == syscall.SIGHUP {
		return kindReload
	}
	return kindInterrupt
}
