//go:build linux || darwin || freebsd || netbsd || openbsd

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// setNoDelay reaches through net.TCPConn's syscall.RawConn to set
// TCP_NODELAY directly via golang.org/x/sys/unix, rather than relying on
// net.TCPConn.SetNoDelay's portable-but-opaque implementation — this keeps
// the socket-tuning path on the same syscall surface the rest of this
// codebase's lower-level networking code uses.
func setNoDelay(c *net.TCPConn) error {
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
