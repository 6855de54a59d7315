// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmnet-dev/tmnet/wire"
)

const (
	// defaultSendTimeout bounds how long Send blocks trying to enqueue a
	// message onto a channel's send queue (spec.md §4.3, §5).
	defaultSendTimeout = 10 * time.Second

	// numBatchPacketMsgs is the empirical fairness batch of spec.md §6.
	numBatchPacketMsgs = 10

	// defaultMaxPacketMsgPayloadSize leaves enough room in a single
	// 1024-byte chunk for the PacketMsg's own field overhead.
	defaultMaxPacketMsgPayloadSize = 1024 - 16

	statsDecayInterval = time.Second
	statsDecayFactor   = 0.8
)

// ErrConnectionStopped is returned by Send once the connection has stopped.
var ErrConnectionStopped = errors.New("conn: mconnection stopped")

// ErrUnknownPacketKind is a fatal protocol error (spec.md §7): a Packet
// whose oneof matched none of Ping/Pong/Msg.
var ErrUnknownPacketKind = errors.New("conn: packet carries no known payload")

// ChannelDescriptor configures one logical channel multiplexed over an
// MConnection (spec.md §4.3/§4.6).
type ChannelDescriptor struct {
	ID                  byte
	Priority            int
	SendQueueCapacity   int
	RecvBufferCapacity  int
	RecvMessageCapacity int
}

func (d ChannelDescriptor) withDefaults() ChannelDescriptor {
	if d.Priority <= 0 {
		d.Priority = 1
	}
	if d.SendQueueCapacity <= 0 {
		d.SendQueueCapacity = 64
	}
	if d.RecvBufferCapacity <= 0 {
		d.RecvBufferCapacity = defaultMaxPacketMsgPayloadSize
	}
	if d.RecvMessageCapacity <= 0 {
		d.RecvMessageCapacity = 20 * 1024 * 1024
	}
	return d
}

// channel is one multiplexed logical stream's send/recv bookkeeping.
type channel struct {
	desc ChannelDescriptor

	sendQueue chan []byte

	mtx          sync.Mutex
	sending      []byte // current outbound message, nil if none in flight
	sentPos      int
	recving      []byte
	recentlySent float64 // decayed recent-send counter for fair scheduling
}

func newChannel(desc ChannelDescriptor) *channel {
	desc = desc.withDefaults()
	return &channel{
		desc:      desc,
		sendQueue: make(chan []byte, desc.SendQueueCapacity),
	}
}

// loadNextSend pulls the next queued message into `sending` if nothing is
// currently in flight on this channel. Returns true if there is now a
// message to send.
func (c *channel) loadNextSend() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.sending != nil {
		return true
	}
	select {
	case msg := <-c.sendQueue:
		c.sending = msg
		c.sentPos = 0
		return true
	default:
		return false
	}
}

// nextFragment carves up to maxPayload bytes off the pending message,
// reporting whether this fragment is the last one (EOF).
func (c *channel) nextFragment(maxPayload int) (frag []byte, eof bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	remaining := c.sending[c.sentPos:]
	n := len(remaining)
	if n > maxPayload {
		n = maxPayload
	}
	frag = append([]byte(nil), remaining[:n]...)
	c.sentPos += n
	eof = c.sentPos >= len(c.sending)
	if eof {
		c.sending = nil
		c.sentPos = 0
	}
	c.recentlySent += float64(len(frag))
	return frag, eof
}

func (c *channel) decayStats() {
	c.mtx.Lock()
	c.recentlySent *= statsDecayFactor
	c.mtx.Unlock()
}

func (c *channel) hasPending() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.sending != nil || len(c.sendQueue) > 0
}

func (c *channel) ratio() float64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.recentlySent / float64(c.desc.Priority)
}

// MConnection multiplexes logical channels over a single encrypted duplex
// stream using length-prefixed wire.Packet messages (spec.md §4.3).
type MConnection struct {
	conn io.ReadWriteCloser

	channels   map[byte]*channel
	channelIDs []byte

	onReceive func(channelID byte, data []byte)
	onError   func(err error)

	pingInterval            time.Duration
	pongTimeout             time.Duration
	flushThrottle           time.Duration
	maxPacketMsgPayloadSize int

	sendCh chan struct{}
	pongCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stopped  chan struct{}

	lastMsgRecvMtx sync.Mutex
	lastMsgRecvAt  time.Time

	log zerolog.Logger
}

// MConnConfig bundles MConnection's tunables, all sourced from spec.md §6's
// configuration options.
type MConnConfig struct {
	PingInterval            time.Duration
	PongTimeout             time.Duration
	FlushThrottle           time.Duration
	MaxPacketMsgPayloadSize int
}

func (c MConnConfig) withDefaults() MConnConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 2 * c.PingInterval
	}
	if c.FlushThrottle <= 0 {
		c.FlushThrottle = 100 * time.Millisecond
	}
	if c.MaxPacketMsgPayloadSize <= 0 {
		c.MaxPacketMsgPayloadSize = defaultMaxPacketMsgPayloadSize
	}
	return c
}

// NewMConnection wraps conn (typically a *SecretConnection, or any
// encrypted io.ReadWriteCloser in tests) with channel multiplexing.
// onReceive is invoked from the recv routine for every fully-reassembled
// message; onError is invoked at most once, when the connection dies.
func NewMConnection(
	conn io.ReadWriteCloser,
	descs []ChannelDescriptor,
	cfg MConnConfig,
	onReceive func(channelID byte, data []byte),
	onError func(err error),
	log zerolog.Logger,
) *MConnection {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	mc := &MConnection{
		conn:                    conn,
		channels:                make(map[byte]*channel, len(descs)),
		onReceive:               onReceive,
		onError:                 onError,
		pingInterval:            cfg.PingInterval,
		pongTimeout:             cfg.PongTimeout,
		flushThrottle:           cfg.FlushThrottle,
		maxPacketMsgPayloadSize: cfg.MaxPacketMsgPayloadSize,
		sendCh:                  make(chan struct{}, 1),
		pongCh:                  make(chan struct{}, 1),
		ctx:                     ctx,
		cancel:                  cancel,
		stopped:                 make(chan struct{}),
		log:                     log,
	}
	for _, d := range descs {
		mc.channels[d.ID] = newChannel(d)
		mc.channelIDs = append(mc.channelIDs, d.ID)
	}
	mc.lastMsgRecvAt = time.Now()

	go mc.sendRoutine()
	go mc.recvRoutine()
	return mc
}

// Send enqueues data on channelID, blocking up to defaultSendTimeout.
// Returns false on timeout or if the connection has stopped.
func (mc *MConnection) Send(channelID byte, data []byte) bool {
	ch, ok := mc.channels[channelID]
	if !ok {
		return false
	}

	timer := time.NewTimer(defaultSendTimeout)
	defer timer.Stop()

	select {
	case ch.sendQueue <- data:
		mc.signalSend()
		return true
	case <-timer.C:
		return false
	case <-mc.stopped:
		return false
	}
}

func (mc *MConnection) signalSend() {
	select {
	case mc.sendCh <- struct{}{}:
	default:
	}
}

// Stop idempotently tears the connection down: stops routines, closes the
// socket exactly once (spec.md §4.3 "Shutdown is idempotent").
func (mc *MConnection) Stop() {
	mc.stop()
}

// stop performs the teardown and reports whether this call was the one that
// ran it.
func (mc *MConnection) stop() bool {
	first := false
	mc.stopOnce.Do(func() {
		first = true
		mc.cancel()
		close(mc.stopped)
		mc.conn.Close()
	})
	return first
}

// fail tears the connection down and reports err through onError, but only
// if this failure is what stopped the connection.
func (mc *MConnection) fail(err error) {
	if mc.stop() && mc.onError != nil {
		mc.onError(err)
	}
}

// sendRoutine writes every outbound packet (ping, pong, and batched
// PacketMsg fragments) into the FramedConn's buffer without flushing, and
// relies on flushTicker to push the buffer out at most once per
// flushThrottle interval (spec.md §4.1/§4.3's buffered-writer-with-
// timer-coalesced-flush design): several writes issued within one throttle
// window collapse into a single underlying write syscall.
func (mc *MConnection) sendRoutine() {
	pingTicker := time.NewTicker(mc.pingInterval)
	statsTicker := time.NewTicker(statsDecayInterval)
	flushTicker := time.NewTicker(mc.flushThrottle)
	defer pingTicker.Stop()
	defer statsTicker.Stop()
	defer flushTicker.Stop()

	fc := NewFramedConn(AsNetConn(mc.conn), 0, 0)
	dirty := false

	for {
		select {
		case <-mc.ctx.Done():
			return
		case <-statsTicker.C:
			for _, ch := range mc.channels {
				ch.decayStats()
			}
		case <-pingTicker.C:
			if err := mc.writePacket(fc, &wire.Packet{Ping: &wire.PacketPing{}}); err != nil {
				mc.fail(fmt.Errorf("conn: write ping: %w", err))
				return
			}
			dirty = true
		case <-mc.pongCh:
			if err := mc.writePacket(fc, &wire.Packet{Pong: &wire.PacketPong{}}); err != nil {
				mc.fail(fmt.Errorf("conn: write pong: %w", err))
				return
			}
			dirty = true
		case <-mc.sendCh:
			more, err := mc.sendBatch(fc)
			if err != nil {
				mc.fail(err)
				return
			}
			dirty = true
			if more {
				mc.signalSend()
			}
		case <-flushTicker.C:
			if !dirty {
				continue
			}
			if err := fc.Flush(); err != nil {
				mc.fail(fmt.Errorf("conn: flush: %w", err))
				return
			}
			dirty = false
		}
	}
}

// sendBatch sends up to numBatchPacketMsgs fragments, always picking the
// pending channel with the lowest recentlySent/priority ratio (spec.md
// §4.3's send_some_packet_msgs). Returns whether more data remains queued.
func (mc *MConnection) sendBatch(fc *FramedConn) (more bool, err error) {
	maxPayload := mc.maxPacketMsgPayloadSize
	if maxPayload <= 0 {
		maxPayload = defaultMaxPacketMsgPayloadSize
	}

	for i := 0; i < numBatchPacketMsgs; i++ {
		ch := mc.pickSendChannel()
		if ch == nil {
			break
		}
		frag, eof := ch.nextFragment(maxPayload)
		pkt := &wire.Packet{Msg: &wire.PacketMsg{
			ChannelID: int32(ch.desc.ID),
			EOF:       eof,
			Data:      frag,
		}}
		if err := mc.writePacket(fc, pkt); err != nil {
			return false, fmt.Errorf("conn: write packet msg: %w", err)
		}
	}

	for _, ch := range mc.channels {
		if ch.hasPending() {
			return true, nil
		}
	}
	return false, nil
}

// pickSendChannel loads the next pending send for every channel that can,
// then returns whichever has the lowest recentlySent/priority ratio.
func (mc *MConnection) pickSendChannel() *channel {
	var best *channel
	var bestRatio float64
	for _, id := range mc.channelIDs {
		ch := mc.channels[id]
		if !ch.loadNextSend() {
			continue
		}
		r := ch.ratio()
		if best == nil || r < bestRatio {
			best = ch
			bestRatio = r
		}
	}
	return best
}

func (mc *MConnection) writePacket(fc *FramedConn, pkt *wire.Packet) error {
	bts, err := pkt.Marshal()
	if err != nil {
		return err
	}
	return fc.WriteFrameNoFlush(bts)
}

func (mc *MConnection) recvRoutine() {
	fc := NewFramedConn(AsNetConn(mc.conn), 0, 0)
	pongTimer := time.NewTimer(mc.pongTimeout)
	defer pongTimer.Stop()

	go mc.watchLiveness(pongTimer)

	for {
		select {
		case <-mc.ctx.Done():
			return
		default:
		}

		frame, err := fc.ReadFrame()
		if err != nil {
			mc.fail(fmt.Errorf("conn: read packet: %w", err))
			return
		}

		mc.lastMsgRecvMtx.Lock()
		mc.lastMsgRecvAt = time.Now()
		mc.lastMsgRecvMtx.Unlock()

		var pkt wire.Packet
		if err := pkt.Unmarshal(frame); err != nil {
			mc.fail(fmt.Errorf("conn: unmarshal packet: %w", err))
			return
		}

		switch {
		case pkt.Ping != nil:
			select {
			case mc.pongCh <- struct{}{}:
			default:
			}
		case pkt.Pong != nil:
			// liveness already refreshed above via last_msg_recv_at.
		case pkt.Msg != nil:
			if err := mc.handlePacketMsg(pkt.Msg); err != nil {
				mc.fail(err)
				return
			}
		default:
			mc.fail(ErrUnknownPacketKind)
			return
		}
	}
}

// watchLiveness implements spec.md §4.3's liveness guarantee: if no message
// of any kind has arrived within pongTimeout, the connection is dead.
func (mc *MConnection) watchLiveness(pongTimer *time.Timer) {
	for {
		select {
		case <-mc.ctx.Done():
			return
		case <-pongTimer.C:
			mc.lastMsgRecvMtx.Lock()
			dead := time.Since(mc.lastMsgRecvAt) > mc.pongTimeout
			mc.lastMsgRecvMtx.Unlock()
			if dead {
				mc.fail(fmt.Errorf("conn: pong timeout after %s", mc.pongTimeout))
				return
			}
			pongTimer.Reset(mc.pongTimeout)
		}
	}
}

func (mc *MConnection) handlePacketMsg(msg *wire.PacketMsg) error {
	if msg.ChannelID < 0 || msg.ChannelID > 255 {
		return fmt.Errorf("conn: invalid channel id %d", msg.ChannelID)
	}
	ch, ok := mc.channels[byte(msg.ChannelID)]
	if !ok {
		return fmt.Errorf("conn: unknown channel id %d", msg.ChannelID)
	}

	ch.mtx.Lock()
	ch.recving = append(ch.recving, msg.Data...)
	tooBig := len(ch.recving) > ch.desc.RecvMessageCapacity
	var delivered []byte
	if msg.EOF && !tooBig {
		delivered = ch.recving
		ch.recving = nil
	}
	ch.mtx.Unlock()

	if tooBig {
		return fmt.Errorf("conn: channel %d exceeded recv_message_capacity", msg.ChannelID)
	}
	if delivered != nil && mc.onReceive != nil {
		mc.onReceive(byte(msg.ChannelID), delivered)
	}
	return nil
}

// AsNetConn adapts an io.ReadWriteCloser (typically *SecretConnection, which
// deliberately implements only Read/Write/Close, not the full net.Conn
// addressing surface) so it can be handed to FramedConn, which wraps
// net.Conn. Deadlines are no-ops here: SecretConnection has no concept of an
// OS-level deadline once encryption is in place, and MConnection/Transport
// govern their own liveness via ping/pong and handshake timeouts instead.
func AsNetConn(rw io.ReadWriteCloser) net.Conn {
	return &rwConnShim{ReadWriteCloser: rw}
}

type rwConnShim struct {
	io.ReadWriteCloser
}

func (s *rwConnShim) LocalAddr() net.Addr                { return netAddrStub{} }
func (s *rwConnShim) RemoteAddr() net.Addr               { return netAddrStub{} }
func (s *rwConnShim) SetDeadline(time.Time) error        { return nil }
func (s *rwConnShim) SetReadDeadline(time.Time) error     { return nil }
func (s *rwConnShim) SetWriteDeadline(time.Time) error    { return nil }

type netAddrStub struct{}

func (netAddrStub) Network() string { return "mconn" }
func (netAddrStub) String() string  { return "mconn" }
