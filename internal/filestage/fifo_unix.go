//go:build !windows

package filestage

import (
	"errors"
	"syscall"
)

func mkfifo(path string) error {
	return syscall.Mkfifo(path, 0o600)
}

func isEPIPE(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}
