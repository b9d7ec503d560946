package paging

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// lockFile takes a non-blocking advisory lock on fd.
//
// Writable sources lock exclusively, read-only sources share the lock, so
// any number of readers may attach while no writer holds the file.
func lockFile(fd int, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	err := flockRetryEINTR(fd, how|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrBusy
		}

		return fmt.Errorf("flock: %w", err)
	}

	return nil
}

func unlockFile(fd int) error {
	return flockRetryEINTR(fd, unix.LOCK_UN)
}

// flockRetryEINTR retries flock when interrupted by a signal.
func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
