package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xtaci/gaio"
)

// acceptProbeTimeout bounds how long a newly accepted socket has to send its
// first byte before the accept pool gives up on it. This guards the
// handshake goroutine pool against a peer that opens a TCP connection and
// then never speaks, the same failure mode the teacher's acceptor/readLoop
// pair in agent-tcp/agent.go defends against with its own read deadlines.
const acceptProbeTimeout = 10 * time.Second

// acceptPool accepts raw sockets and, before handing them to the expensive
// handshake path, waits (via gaio's async batched I/O) for at least one byte
// to arrive. This generalizes the teacher's gaio-based acceptor/readLoop
// state machine (stateReadSize → stateReadMessage) from a fixed-length
// framed message probe down to a single-byte liveness probe, since at this
// layer no framing has been negotiated yet — that happens inside
// conn.MakeSecretConnection. A per-remote-IP sliding window additionally
// rejects sockets before the probe is even submitted once an address has
// opened maxAttempts connections within window (spec.md §6's
// incoming_connection_window / max_incoming_connection_attempts).
type acceptPool struct {
	ln      net.Listener
	watcher *gaio.Watcher
	log     zerolog.Logger

	window      time.Duration
	maxAttempts int
	rateMtx     sync.Mutex
	attempts    map[string][]time.Time

	ready chan net.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

func newAcceptPool(ln net.Listener, log zerolog.Logger, window time.Duration, maxAttempts int) (*acceptPool, error) {
	w, err := gaio.NewWatcher()
	if err != nil {
		return nil, err
	}

	p := &acceptPool{
		ln:          ln,
		watcher:     w,
		log:         log,
		window:      window,
		maxAttempts: maxAttempts,
		attempts:    make(map[string][]time.Time),
		ready:       make(chan net.Conn, 64),
		closed:      make(chan struct{}),
	}
	go p.acceptLoop()
	go p.ioLoop()
	return p, nil
}

// admit reports whether host may open another connection right now, and
// records this attempt if so. Attempts older than window are pruned on every
// call, so the map never grows past the set of addresses active in the last
// window.
func (p *acceptPool) admit(host string) bool {
	if p.maxAttempts <= 0 {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-p.window)

	p.rateMtx.Lock()
	defer p.rateMtx.Unlock()

	kept := p.attempts[host][:0]
	for _, t := range p.attempts[host] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= p.maxAttempts {
		p.attempts[host] = kept
		return false
	}
	p.attempts[host] = append(kept, now)
	return true
}

// acceptLoop mirrors agentImpl.acceptor: pull sockets off the listener and
// submit an async probe read for each.
func (p *acceptPool) acceptLoop() {
	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}

		host := c.RemoteAddr().String()
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if !p.admit(host) {
			p.log.Debug().Str("addr", host).Msg("transport: rejected connection, incoming attempt window exceeded")
			c.Close()
			continue
		}
		tuneConn(c, p.log)

		buf := make([]byte, 1)
		if err := p.watcher.ReadTimeout(c, c, buf, time.Now().Add(acceptProbeTimeout)); err != nil {
			c.Close()
			continue
		}
	}
}

// ioLoop mirrors agentImpl.readLoop: drain completions and, for each
// successfully-probed socket, hand a prefixConn (the socket plus the byte
// gaio already consumed) to Accept callers.
func (p *acceptPool) ioLoop() {
	for {
		results, err := p.watcher.WaitIO()
		if err != nil {
			return
		}
		for _, res := range results {
			c, ok := res.Context.(net.Conn)
			if !ok {
				continue
			}
			if res.Error != nil || res.Size <= 0 {
				if res.Error != nil && !errors.Is(res.Error, io.EOF) {
					p.log.Debug().Err(res.Error).Msg("transport: accept probe failed")
				}
				c.Close()
				continue
			}

			pc := &prefixConn{Conn: c, prefix: append([]byte(nil), res.Buffer[:res.Size]...)}
			select {
			case p.ready <- pc:
			case <-p.closed:
				c.Close()
				return
			}
		}
	}
}

func (p *acceptPool) accept(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-p.ready:
		return c, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *acceptPool) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.watcher.Close()
	})
}

// prefixConn replays a handful of already-consumed bytes ahead of further
// reads from the wrapped net.Conn, so the accept probe is transparent to the
// handshake code that runs after it.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
