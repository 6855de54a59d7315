// Package router implements C6 of spec.md: the component that owns a
// Transport and a PeerManager, opens named reactor channels, and routes
// Envelope messages to and from peers over per-peer MConnections.
package router

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/rs/zerolog"

	tconn "github.com/tmnet-dev/tmnet/conn"
	"github.com/tmnet-dev/tmnet/nodeid"
	"github.com/tmnet-dev/tmnet/peerstore"
	"github.com/tmnet-dev/tmnet/transport"
	"github.com/tmnet-dev/tmnet/wire"
)

var (
	// ErrChannelAlreadyOpen is returned by OpenChannel for a duplicate id.
	ErrChannelAlreadyOpen = errors.New("router: channel already open")
	// ErrUnknownChannel is returned when an envelope addresses a channel
	// this router never opened.
	ErrUnknownChannel = errors.New("router: unknown channel id")
	// ErrMessageTypeMismatch is returned when an outbound envelope's
	// message does not match its channel's registered prototype.
	ErrMessageTypeMismatch = errors.New("router: message type does not match channel prototype")
)

// Envelope carries one reactor message to or from a peer (spec.md §4.6).
type Envelope struct {
	From      nodeid.ID
	To        nodeid.ID
	Broadcast bool
	ChannelID byte
	Message   proto.Message
}

// PeerError is how a reactor reports a problem with a specific peer back to
// the router (spec.md §4.6's route_channel handling of PeerError).
type PeerError struct {
	PeerID nodeid.ID
	Err    error
	Fatal  bool
}

// Channel is what OpenChannel hands back to a reactor: an inbound queue,
// an outbound queue, and an error queue (spec.md §4.6).
type Channel struct {
	ID   byte
	Name string
	In   <-chan Envelope
	Out  chan<- Envelope
	Err  chan<- PeerError
}

type channelState struct {
	desc      ChannelDescriptor
	inbound   chan Envelope
	outbound  chan Envelope
	errs      chan PeerError
	prototype proto.Message
}

// ChannelDescriptor configures one reactor channel (spec.md §4.6).
type ChannelDescriptor struct {
	ID                  byte
	Name                string
	Priority            int
	SendQueueCapacity   int
	RecvBufferCapacity  int
	RecvMessageCapacity int
	RecvBufferChanSize  int
	MessagePrototype    proto.Message
}

func (d ChannelDescriptor) toMConn() tconn.ChannelDescriptor {
	return tconn.ChannelDescriptor{
		ID:                  d.ID,
		Priority:            d.Priority,
		SendQueueCapacity:   d.SendQueueCapacity,
		RecvBufferCapacity:  d.RecvBufferCapacity,
		RecvMessageCapacity: d.RecvMessageCapacity,
	}
}

// peerConn is the per-peer bookkeeping route_peer keeps alive.
type peerConn struct {
	id        nodeid.ID
	mconn     *tconn.MConnection
	channels  map[byte]bool
	outQueue  chan Envelope
	recvErrCh chan error

	stopOnce sync.Once
	stopCh   chan struct{}
}

// stop idempotently signals sendPeer to exit without closing outQueue,
// which would otherwise race against dispatchOutbound's concurrent sends.
func (pc *peerConn) stop() {
	pc.stopOnce.Do(func() { close(pc.stopCh) })
}

// Router owns one Transport, one PeerManager, the local NodeInfo, and the
// long-term private key (spec.md §4.6).
type Router struct {
	transport *transport.Transport
	manager   *peerstore.PeerManager
	store     *peerstore.PeerStore
	privKey   ed25519.PrivateKey
	localInfo *wire.NodeInfo
	log       zerolog.Logger

	peerMtx    sync.Mutex
	peerQueues map[nodeid.ID]chan Envelope
	peerChans  map[nodeid.ID]map[byte]bool
	peerConns  map[nodeid.ID]*peerConn

	channelMtx sync.Mutex
	channels   map[byte]*channelState

	filterByIP func(net.Addr) error
	filterByID func(nodeid.ID) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Router bound to tr/pm/store; localInfo.Channels is populated
// incrementally as channels are opened.
func New(
	tr *transport.Transport,
	pm *peerstore.PeerManager,
	store *peerstore.PeerStore,
	privKey ed25519.PrivateKey,
	localInfo *wire.NodeInfo,
	log zerolog.Logger,
) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		transport:  tr,
		manager:    pm,
		store:      store,
		privKey:    privKey,
		localInfo:  localInfo,
		log:        log,
		peerQueues: make(map[nodeid.ID]chan Envelope),
		peerChans:  make(map[nodeid.ID]map[byte]bool),
		peerConns:  make(map[nodeid.ID]*peerConn),
		channels:   make(map[byte]*channelState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OpenChannel registers a new reactor channel, advertises it in NodeInfo,
// and starts its route_channel task (spec.md §4.6).
func (r *Router) OpenChannel(desc ChannelDescriptor) (*Channel, error) {
	r.channelMtx.Lock()
	if _, exists := r.channels[desc.ID]; exists {
		r.channelMtx.Unlock()
		return nil, ErrChannelAlreadyOpen
	}

	if desc.RecvBufferChanSize <= 0 {
		desc.RecvBufferChanSize = 64
	}
	cs := &channelState{
		desc:      desc,
		inbound:   make(chan Envelope, desc.RecvBufferChanSize),
		outbound:  make(chan Envelope, desc.RecvBufferChanSize),
		errs:      make(chan PeerError, 8),
		prototype: desc.MessagePrototype,
	}
	r.channels[desc.ID] = cs
	r.channelMtx.Unlock()

	r.localInfo.Channels = append(r.localInfo.Channels, desc.ID)
	r.transport.AddChannelDescriptors(desc.toMConn())

	r.wg.Add(1)
	go r.routeChannel(cs)

	return &Channel{ID: desc.ID, Name: desc.Name, In: cs.inbound, Out: cs.outbound, Err: cs.errs}, nil
}

// routeChannel pulls outbound envelopes and PeerErrors off one channel's
// queues, fanning out to peers or escalating to the PeerManager (spec.md
// §4.6).
func (r *Router) routeChannel(cs *channelState) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case env := <-cs.outbound:
			if cs.prototype != nil && !sameMessageType(env.Message, cs.prototype) {
				r.log.Warn().Uint8("channel", cs.desc.ID).Msg("router: dropped envelope with mismatched message type")
				continue
			}
			r.dispatchOutbound(cs.desc.ID, env)
		case pe := <-cs.errs:
			if pe.Fatal || r.manager.HasMaxPeerCapacity() {
				r.manager.Errored(pe.PeerID, pe.Err)
			} else {
				r.manager.ProcessPeerEvent(pe.PeerID, false)
			}
		}
	}
}

func (r *Router) dispatchOutbound(channelID byte, env Envelope) {
	r.peerMtx.Lock()
	defer r.peerMtx.Unlock()

	if env.Broadcast {
		for id, chans := range r.peerChans {
			if !chans[channelID] {
				continue
			}
			r.enqueueToPeerLocked(id, env)
		}
		return
	}

	chans, ok := r.peerChans[env.To]
	if !ok || !chans[channelID] {
		return
	}
	r.enqueueToPeerLocked(env.To, env)
}

func (r *Router) enqueueToPeerLocked(id nodeid.ID, env Envelope) {
	q, ok := r.peerQueues[id]
	if !ok {
		return
	}
	select {
	case q <- env:
	default:
		r.log.Warn().Str("peer", id.String()).Msg("router: dropped outbound envelope, peer queue full")
	}
}

// RoutePeer wires up a freshly-handshaked connection: registers its
// outbound queue, calls PeerManager.Ready, and spawns receive_peer/send_peer
// (spec.md §4.6).
func (r *Router) RoutePeer(id nodeid.ID, hs *transport.HandshakeResult) {
	outQueue := make(chan Envelope, 256)

	r.peerMtx.Lock()
	r.peerQueues[id] = outQueue
	chanSet := make(map[byte]bool, len(hs.RemoteInfo.Channels))
	for _, c := range hs.RemoteInfo.Channels {
		chanSet[c] = true
	}
	r.peerChans[id] = chanSet
	pc := &peerConn{id: id, mconn: hs.MConn, channels: chanSet, outQueue: outQueue, recvErrCh: make(chan error, 2), stopCh: make(chan struct{})}
	r.peerConns[id] = pc
	r.peerMtx.Unlock()

	r.manager.Ready(id, hs.RemoteInfo.Channels)

	r.wg.Add(1)
	go r.drivePeer(pc)
}

// drivePeer runs until the connection dies, then tears everything down
// (spec.md §4.6's route_peer teardown behavior).
func (r *Router) drivePeer(pc *peerConn) {
	defer r.wg.Done()

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		r.sendPeer(pc)
	}()

	select {
	case err := <-pc.recvErrCh:
		if isCryptoFatal(err) {
			r.manager.MarkInactive(pc.id)
		}
	case <-sendDone:
	case <-r.ctx.Done():
	}

	pc.stop()
	pc.mconn.Stop()

	r.peerMtx.Lock()
	delete(r.peerQueues, pc.id)
	delete(r.peerChans, pc.id)
	delete(r.peerConns, pc.id)
	r.peerMtx.Unlock()

	r.manager.Disconnected(pc.id)
}

// sendPeer drains a peer's outbound FIFO queue, serializes each envelope's
// message, and hands it to the MConnection (spec.md §4.6).
func (r *Router) sendPeer(pc *peerConn) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-pc.stopCh:
			return
		case env := <-pc.outQueue:
			bts, err := proto.Marshal(env.Message)
			if err != nil {
				r.log.Warn().Err(err).Str("peer", pc.id.String()).Msg("router: failed to marshal outbound message")
				continue
			}
			if !pc.mconn.Send(env.ChannelID, bts) {
				pc.recvErrCh <- fmt.Errorf("router: send to peer %s timed out", pc.id)
				return
			}
		}
	}
}

// deliverReceived is wired as the MConnection's onReceive callback when
// RoutePeer's caller constructs a HandshakeResult; it decodes bytes into the
// channel's prototype and enqueues an Envelope (spec.md §4.6's
// receive_peer).
func (r *Router) deliverReceived(peerID nodeid.ID, channelID byte, data []byte) {
	r.channelMtx.Lock()
	cs, ok := r.channels[channelID]
	r.channelMtx.Unlock()
	if !ok || cs.prototype == nil {
		return
	}

	msg := proto.Clone(cs.prototype)
	msg.Reset()
	if err := proto.Unmarshal(data, msg); err != nil {
		r.log.Debug().Err(err).Str("peer", peerID.String()).Msg("router: dropped unparseable message")
		return
	}

	select {
	case cs.inbound <- Envelope{From: peerID, ChannelID: channelID, Message: msg}:
	default:
		r.log.Warn().Str("peer", peerID.String()).Uint8("channel", channelID).Msg("router: dropped inbound envelope, channel queue full")
	}
}

// onPeerErrorByID is wired as the MConnection's onError callback. The peer's
// id may not be known yet (accept side, before the handshake resolves a
// NodeID from the remote public key), in which case the error is dropped;
// RoutePeer will shortly find out about the dead connection another way.
func (r *Router) onPeerErrorByID(id nodeid.ID, err error) {
	r.peerMtx.Lock()
	pc, ok := r.peerConns[id]
	r.peerMtx.Unlock()
	if !ok {
		return
	}
	select {
	case pc.recvErrCh <- err:
	default:
	}
}

// isCryptoFatal reports whether err is one of the crypto failures that are
// fatal and inactive-marking: a failed signature check (ErrAuthFailed), a
// malformed ephemeral key (ErrShortEphemeralKey) or a nonce overflow
// (ErrNonceOverflow). X25519 and AEAD decrypt failures carry no sentinel
// error and are not recognized here.
func isCryptoFatal(err error) bool {
	return errors.Is(err, tconn.ErrAuthFailed) ||
		errors.Is(err, tconn.ErrShortEphemeralKey) ||
		errors.Is(err, tconn.ErrNonceOverflow)
}

// numConcurrentDials mirrors spec.md §4.6: cpu_count * 32, used to bound
// the dial_peers worker pool.
func numConcurrentDials() int {
	return runtime.NumCPU() * 32
}

// sameMessageType compares the dynamic types of two proto.Message values.
func sameMessageType(a, b proto.Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

// Start launches the three long-lived router tasks (spec.md §2's control
// flow): dial_peers, accept_peers, evict_peers.
func (r *Router) Start() {
	r.wg.Add(3)
	go r.dialPeers()
	go r.acceptPeers()
	go r.evictPeers()
}

// Stop cancels all router tasks and waits for them to return.
func (r *Router) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Subscribe passes through to the underlying PeerManager, letting a reactor
// observe peer up/down transitions without importing peerstore internals
// beyond its PeerUpdate type.
func (r *Router) Subscribe() <-chan peerstore.PeerUpdate {
	return r.manager.Subscribe()
}

// SetFilterByIP installs accept_peers' pre-handshake admission filter
// (spec.md §4.6): run against a raw net.Conn's remote address before any
// handshake bytes are exchanged. A non-nil error rejects the connection.
func (r *Router) SetFilterByIP(f func(net.Addr) error) {
	r.filterByIP = f
}

// SetFilterByID installs accept_peers' post-handshake admission filter
// (spec.md §4.6): run against the authenticated remote NodeID, after the
// handshake resolves it but before PeerManager.Accepted is consulted.
func (r *Router) SetFilterByID(f func(nodeid.ID) error) {
	r.filterByID = f
}

func (r *Router) dialPeers() {
	defer r.wg.Done()
	sem := make(chan struct{}, numConcurrentDials())
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		cand, err := r.manager.DialNext(r.ctx)
		if err != nil {
			return
		}

		select {
		case sem <- struct{}{}:
		case <-r.ctx.Done():
			return
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() { <-sem }()
			r.dialOne(cand)
		}()
	}
}

func (r *Router) dialOne(cand peerstore.DialCandidate) {
	for _, addr := range cand.Addresses {
		resolveCtx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
		endpoints, err := addr.Resolve(resolveCtx)
		cancel()
		if err != nil {
			continue
		}

		for _, ep := range endpoints {
			dialCtx, dialCancel := context.WithTimeout(r.ctx, 10*time.Second)
			rawConn, err := r.transport.Dial(dialCtx, ep)
			dialCancel()
			if err != nil {
				continue
			}

			hsCtx, hsCancel := context.WithTimeout(r.ctx, 20*time.Second)
			hs, err := r.transport.Handshake(hsCtx, rawConn, r.privKey, r.localInfo,
				func(ch byte, data []byte) { r.deliverReceived(cand.PeerID, ch, data) },
				func(e error) { r.onPeerErrorByID(cand.PeerID, e) },
			)
			hsCancel()
			if err != nil {
				if isCryptoFatal(err) {
					r.manager.MarkInactive(cand.PeerID)
				}
				rawConn.Close()
				continue
			}

			r.manager.Dialed(cand.PeerID, addr)
			r.RoutePeer(cand.PeerID, hs)
			return
		}
	}
	if len(cand.Addresses) > 0 {
		r.manager.DialFailed(cand.PeerID, cand.Addresses[0])
	}
}

func (r *Router) acceptPeers() {
	defer r.wg.Done()
	for {
		rawConn, err := r.transport.Accept(r.ctx)
		if err != nil {
			return
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.acceptOne(rawConn)
		}()
	}
}

func (r *Router) acceptOne(rawConn net.Conn) {
	if r.filterByIP != nil {
		if err := r.filterByIP(rawConn.RemoteAddr()); err != nil {
			r.log.Debug().Str("addr", rawConn.RemoteAddr().String()).Err(err).Msg("router: rejected connection by ip filter")
			rawConn.Close()
			return
		}
	}

	hsCtx, cancel := context.WithTimeout(r.ctx, 20*time.Second)
	defer cancel()

	var idMu sync.Mutex
	var remoteID nodeid.ID
	var idKnown bool
	knownID := func() (nodeid.ID, bool) {
		idMu.Lock()
		defer idMu.Unlock()
		return remoteID, idKnown
	}

	hs, err := r.transport.Handshake(hsCtx, rawConn, r.privKey, r.localInfo,
		func(ch byte, data []byte) {
			if id, ok := knownID(); ok {
				r.deliverReceived(id, ch, data)
			}
		},
		func(e error) {
			if id, ok := knownID(); ok {
				r.onPeerErrorByID(id, e)
			}
		},
	)
	if err != nil {
		rawConn.Close()
		return
	}

	id := nodeid.FromPubKey(hs.RemotePubKey)
	idMu.Lock()
	remoteID, idKnown = id, true
	idMu.Unlock()

	if r.filterByID != nil {
		if err := r.filterByID(id); err != nil {
			r.log.Debug().Str("peer", id.String()).Err(err).Msg("router: rejected peer by id filter")
			hs.MConn.Stop()
			return
		}
	}

	if err := r.manager.Accepted(id); err != nil {
		hs.MConn.Stop()
		return
	}

	r.RoutePeer(id, hs)
}

func (r *Router) evictPeers() {
	defer r.wg.Done()
	for {
		id, err := r.manager.EvictNext(r.ctx)
		if err != nil {
			return
		}

		r.peerMtx.Lock()
		pc, ok := r.peerConns[id]
		r.peerMtx.Unlock()
		if ok {
			pc.stop()
		}
	}
}
