package transport

import (
	"net"

	"github.com/rs/zerolog"
)

// tuneConn applies TCP_NODELAY to a dialed or accepted connection so small
// consensus/gossip messages aren't held back by Nagle's algorithm. The
// syscall-level work lives in socket_unix.go / socket_other.go.
func tuneConn(c net.Conn, log zerolog.Logger) {
	tcpConn, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	if err := setNoDelay(tcpConn); err != nil {
		log.Debug().Err(err).Msg("transport: set TCP_NODELAY failed")
	}
}

// tuneListener changes nothing on the listener itself; each accepted socket
// is tuned individually by tuneConn once a connection is in hand.
func tuneListener(ln net.Listener, log zerolog.Logger) {
	_, _ = ln, log
}
