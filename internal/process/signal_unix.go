//go:build !windows

package process

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

func killProcess(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// IsGone reports whether err from Signal means the process no longer exists.
func IsGone(err error) bool {
	return errors.Is(err, unix.ESRCH)
}
