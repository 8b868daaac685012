//go:build linux || darwin

package eventloop

import (
	"errors"

	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor on Unix systems.
func closeFD(fd int) error {
	return unix.Close(fd)
}

// wakeValue is a valid eventfd increment, and harmless bytes for a pipe.
var wakeValue = [8]byte{1}

// signalWakeFd makes the read end of the wake fd readable. A full pipe or
// saturated counter already guarantees that, so EAGAIN is not an error.
func signalWakeFd(fd int) error {
	for {
		_, err := unix.Write(fd, wakeValue[:])
		switch {
		case err == nil, errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return err
		}
	}
}

// drainWakeFd consumes all pending wake-ups.
func drainWakeFd(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n <= 0 {
			return
		}
	}
}
