// Package transport implements C4 of spec.md: listen/accept/dial endpoints
// that hand off accepted and dialed TCP sockets into an authenticated,
// multiplexed conn.MConnection.
package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmnet-dev/tmnet/conn"
	"github.com/tmnet-dev/tmnet/wire"
)

var (
	// ErrAlreadyListening is returned by Listen if called twice.
	ErrAlreadyListening = errors.New("transport: already listening")
	// ErrNotListening is returned by Accept before Listen succeeds.
	ErrNotListening = errors.New("transport: not listening")
	// ErrClosed is returned by Accept/Dial after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrIncompatiblePeer is returned when a handshaked peer's NodeInfo
	// fails the spec.md §3 compatibility check.
	ErrIncompatiblePeer = errors.New("transport: incompatible peer node info")
)

// Config bundles the handshake-adjacent tunables of spec.md §6.
type Config struct {
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	MConn            conn.MConnConfig

	// IncomingConnectionWindow and MaxIncomingConnectionAttempts bound how
	// many sockets a single remote IP may open in a rolling window before
	// the accept pool starts refusing it outright (spec.md §6). Zero values
	// fall back to the defaults below.
	IncomingConnectionWindow      time.Duration
	MaxIncomingConnectionAttempts int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 20 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.IncomingConnectionWindow <= 0 {
		c.IncomingConnectionWindow = 10 * time.Second
	}
	if c.MaxIncomingConnectionAttempts <= 0 {
		c.MaxIncomingConnectionAttempts = 100
	}
	return c
}

// Transport owns the listening socket and the channel descriptor set
// advertised to every peer during handshake (spec.md §4.4).
type Transport struct {
	cfg Config
	log zerolog.Logger

	mtx      sync.Mutex
	listener net.Listener
	closed   bool

	descs []conn.ChannelDescriptor

	acceptPool *acceptPool
}

// New creates a Transport. Channel descriptors may still be added via
// AddChannelDescriptors before Listen is called.
func New(cfg Config, log zerolog.Logger) *Transport {
	return &Transport{cfg: cfg.withDefaults(), log: log}
}

// AddChannelDescriptors accumulates the channel set advertised in NodeInfo
// and handed to every MConnection this transport establishes.
func (t *Transport) AddChannelDescriptors(descs ...conn.ChannelDescriptor) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.descs = append(t.descs, descs...)
}

// Listen binds a TCP listener at endpoint ("host:port"); fails if already
// listening.
func (t *Transport) Listen(endpoint string) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.listener != nil {
		return ErrAlreadyListening
	}

	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", endpoint, err)
	}
	tuneListener(ln, t.log)
	t.listener = ln

	pool, err := newAcceptPool(ln, t.log, t.cfg.IncomingConnectionWindow, t.cfg.MaxIncomingConnectionAttempts)
	if err != nil {
		ln.Close()
		t.listener = nil
		return err
	}
	t.acceptPool = pool
	return nil
}

// Addr returns the bound listen address, or nil if not listening.
func (t *Transport) Addr() net.Addr {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Accept pulls the next accepted, liveness-probed socket. The handshake
// itself is performed by the caller via Handshake, mirroring spec.md §4.4's
// separation between "accept" and "handshake".
func (t *Transport) Accept(ctx context.Context) (net.Conn, error) {
	t.mtx.Lock()
	pool := t.acceptPool
	t.mtx.Unlock()
	if pool == nil {
		return nil, ErrNotListening
	}
	return pool.accept(ctx)
}

// Dial connects to endpoint, applying DialTimeout and TCP_NODELAY tuning.
func (t *Transport) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	t.mtx.Lock()
	if t.closed {
		t.mtx.Unlock()
		return nil, ErrClosed
	}
	t.mtx.Unlock()

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	c, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	tuneConn(c, t.log)
	return c, nil
}

// Close closes the listener and signals all pending accepts.
func (t *Transport) Close() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.acceptPool != nil {
		t.acceptPool.close()
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// HandshakeResult is everything the router needs to hand a fresh connection
// off to route_peer (spec.md §4.6).
type HandshakeResult struct {
	MConn        *conn.MConnection
	RemoteInfo   *wire.NodeInfo
	RemotePubKey ed25519.PublicKey
}

// Handshake performs the full spec.md §4.4 orchestration over rawConn:
// ephemeral-key exchange and AuthSigMessage (via conn.MakeSecretConnection),
// then NodeInfo exchange over the now-encrypted stream, then MConnection
// construction. onReceive/onError are wired straight through to the
// resulting MConnection.
func (t *Transport) Handshake(
	ctx context.Context,
	rawConn net.Conn,
	privKey ed25519.PrivateKey,
	localInfo *wire.NodeInfo,
	onReceive func(channelID byte, data []byte),
	onError func(error),
) (*HandshakeResult, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.cfg.HandshakeTimeout)
	}
	_ = rawConn.SetDeadline(deadline)
	defer rawConn.SetDeadline(time.Time{})

	sc, err := conn.MakeSecretConnection(rawConn, privKey)
	if err != nil {
		return nil, fmt.Errorf("transport: secret connection handshake: %w", err)
	}

	remoteInfo, err := exchangeNodeInfo(sc, localInfo)
	if err != nil {
		sc.Close()
		return nil, err
	}
	if !localInfo.Compatible(remoteInfo) {
		sc.Close()
		return nil, ErrIncompatiblePeer
	}

	t.mtx.Lock()
	descs := append([]conn.ChannelDescriptor(nil), t.descs...)
	t.mtx.Unlock()

	mc := conn.NewMConnection(sc, descs, t.cfg.MConn, onReceive, onError, t.log)
	return &HandshakeResult{MConn: mc, RemoteInfo: remoteInfo, RemotePubKey: sc.RemotePubKey()}, nil
}

// exchangeNodeInfo swaps wire.NodeInfo over the encrypted stream
// (spec.md §4.2 step 9), framed with the shared ULEB128 framer.
func exchangeNodeInfo(sc *conn.SecretConnection, localInfo *wire.NodeInfo) (*wire.NodeInfo, error) {
	fc := conn.NewFramedConn(conn.AsNetConn(sc), 0, 0)

	bts, err := localInfo.Marshal()
	if err != nil {
		return nil, fmt.Errorf("transport: marshal node info: %w", err)
	}

	writeErrCh := make(chan error, 1)
	go func() { writeErrCh <- fc.WriteFrame(bts) }()

	frame, readErr := fc.ReadFrame()
	if writeErr := <-writeErrCh; writeErr != nil {
		return nil, fmt.Errorf("transport: send node info: %w", writeErr)
	}
	if readErr != nil {
		return nil, fmt.Errorf("transport: receive node info: %w", readErr)
	}

	remoteInfo := new(wire.NodeInfo)
	if err := remoteInfo.Unmarshal(frame); err != nil {
		return nil, fmt.Errorf("transport: decode node info: %w", err)
	}
	return remoteInfo, nil
}
