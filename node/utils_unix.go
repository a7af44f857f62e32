//go:build linux
// +build linux

package node

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsTemporaryError reports whether err only means "try again later".
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func closeFd(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
