//go:build unix

package ping

import (
	"errors"

	"golang.org/x/sys/unix"
)

// noBufferSpace reports whether err is the kernel running out of socket
// buffer space, which clears once queued datagrams drain.
func noBufferSpace(err error) bool {
	return errors.Is(err, unix.ENOBUFS)
}
