//go:build windows

package relay

import "os"

func sigterm() os.Signal {
	return os.Kill
}
