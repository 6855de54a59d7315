//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package transport

import "net"

// setNoDelay falls back to the standard library's portable implementation
// on platforms golang.org/x/sys/unix doesn't cover.
func setNoDelay(c *net.TCPConn) error {
	return c.SetNoDelay(true)
}
