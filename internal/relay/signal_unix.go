//go:build !windows

package relay

import (
	"os"
	"syscall"
)

func sigterm() os.Signal {
	return syscall.SIGTERM
}
