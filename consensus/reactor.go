package consensus

import (
	"sync"

	"github.com/gogo/protobuf/proto"
	"github.com/rs/zerolog"

	"github.com/tmnet-dev/tmnet/peerstore"
	"github.com/tmnet-dev/tmnet/router"
)

// Demo channel ids. Real reactors (consensus, mempool, evidence, pex) would
// claim their own ids from a range this package never touches.
const (
	ChannelPingPong   byte = 0x20
	ChannelEcho       byte = 0x21
	ChannelSignedEcho byte = 0x22
)

// Reactor is the router's external messaging contract: anything that wants
// to exchange Envelopes over a named channel implements this. Scoped to
// messaging only — no BFT math, no mempool, no evidence logic.
type Reactor interface {
	Descriptor() router.ChannelDescriptor
	Prototype() proto.Message
	Receive(router.Envelope)
	PeerUpdate(peerstore.PeerUpdate)
}

// outBinder is implemented by reactors that need to send replies; RunReactor
// wires it up right after OpenChannel succeeds.
type outBinder interface {
	bindOut(chan<- router.Envelope)
}

// RunReactor opens reactor's channel on r, pumps inbound envelopes and peer
// updates to it, and returns a stop function. Grounded on the teacher's
// TCPPeer.handleGossip command-switch, generalized here from one hardcoded
// switch over CommandType to a channel-ID-keyed reactor table driven by the
// router itself rather than a single peer connection.
func RunReactor(r *router.Router, reactor Reactor) (stop func(), err error) {
	ch, err := r.OpenChannel(reactor.Descriptor())
	if err != nil {
		return nil, err
	}
	if b, ok := reactor.(outBinder); ok {
		b.bindOut(ch.Out)
	}

	updates := r.Subscribe()
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case env := <-ch.In:
				reactor.Receive(env)
			case u := <-updates:
				reactor.PeerUpdate(u)
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }, nil
}

// PingPongReactor answers every unicast Ping with a Pong carrying the same
// nonce. It is exercised by this package's own tests; cmd/tmnode's run
// command does not open it.
type PingPongReactor struct {
	out chan<- router.Envelope
	log zerolog.Logger
}

// NewPingPongReactor constructs a PingPongReactor.
func NewPingPongReactor(log zerolog.Logger) *PingPongReactor {
	return &PingPongReactor{log: log}
}

func (r *PingPongReactor) Descriptor() router.ChannelDescriptor {
	return router.ChannelDescriptor{
		ID:                  ChannelPingPong,
		Name:                "pingpong",
		Priority:            1,
		SendQueueCapacity:   16,
		RecvBufferCapacity:  16,
		RecvMessageCapacity: 1024,
		RecvBufferChanSize:  16,
		MessagePrototype:    &PingPongMessage{},
	}
}

func (r *PingPongReactor) Prototype() proto.Message { return &PingPongMessage{} }

func (r *PingPongReactor) bindOut(out chan<- router.Envelope) { r.out = out }

func (r *PingPongReactor) Receive(env router.Envelope) {
	msg, ok := env.Message.(*PingPongMessage)
	if !ok || msg.Pong {
		return
	}
	reply := router.Envelope{To: env.From, ChannelID: ChannelPingPong, Message: &PingPongMessage{Nonce: msg.Nonce, Pong: true}}
	select {
	case r.out <- reply:
	default:
		r.log.Warn().Str("peer", env.From.String()).Msg("consensus: dropped pong, send queue full")
	}
}

func (r *PingPongReactor) PeerUpdate(u peerstore.PeerUpdate) {
	r.log.Debug().Str("peer", u.PeerID.String()).Msg("consensus: pingpong observed peer update")
}

// EchoReactor broadcasts back anything it receives, exercising route_channel's
// broadcast fan-out path.
type EchoReactor struct {
	out chan<- router.Envelope
	log zerolog.Logger
}

// NewEchoReactor constructs an EchoReactor.
func NewEchoReactor(log zerolog.Logger) *EchoReactor {
	return &EchoReactor{log: log}
}

func (r *EchoReactor) Descriptor() router.ChannelDescriptor {
	return router.ChannelDescriptor{
		ID:                  ChannelEcho,
		Name:                "echo",
		Priority:            1,
		SendQueueCapacity:   16,
		RecvBufferCapacity:  16,
		RecvMessageCapacity: 64 * 1024,
		RecvBufferChanSize:  16,
		MessagePrototype:    &EchoMessage{},
	}
}

func (r *EchoReactor) Prototype() proto.Message { return &EchoMessage{} }

func (r *EchoReactor) bindOut(out chan<- router.Envelope) { r.out = out }

func (r *EchoReactor) Receive(env router.Envelope) {
	msg, ok := env.Message.(*EchoMessage)
	if !ok {
		return
	}
	reply := router.Envelope{Broadcast: true, ChannelID: ChannelEcho, Message: &EchoMessage{Payload: msg.Payload}}
	select {
	case r.out <- reply:
	default:
		r.log.Warn().Msg("consensus: dropped echo broadcast, send queue full")
	}
}

func (r *EchoReactor) PeerUpdate(u peerstore.PeerUpdate) {
	r.log.Debug().Str("peer", u.PeerID.String()).Msg("consensus: echo observed peer update")
}

// SignedEchoReactor is EchoReactor with every broadcast payload wrapped in a
// SignedMessage, demonstrating application-level authenticity independent of
// the transport's own Ed25519 session identity.
type SignedEchoReactor struct {
	cfg ReactorConfig
	out chan<- router.Envelope
	log zerolog.Logger
}

// NewSignedEchoReactor constructs a SignedEchoReactor, validating cfg.
func NewSignedEchoReactor(cfg ReactorConfig, log zerolog.Logger) (*SignedEchoReactor, error) {
	if err := VerifyReactorConfig(&cfg); err != nil {
		return nil, err
	}
	return &SignedEchoReactor{cfg: cfg, log: log}, nil
}

func (r *SignedEchoReactor) Descriptor() router.ChannelDescriptor {
	return router.ChannelDescriptor{
		ID:                  ChannelSignedEcho,
		Name:                "signed-echo",
		Priority:            1,
		SendQueueCapacity:   16,
		RecvBufferCapacity:  16,
		RecvMessageCapacity: 64 * 1024,
		RecvBufferChanSize:  16,
		MessagePrototype:    &SignedMessage{},
	}
}

func (r *SignedEchoReactor) Prototype() proto.Message { return &SignedMessage{} }

func (r *SignedEchoReactor) bindOut(out chan<- router.Envelope) { r.out = out }

func (r *SignedEchoReactor) Receive(env router.Envelope) {
	signed, ok := env.Message.(*SignedMessage)
	if !ok || !signed.Verify() {
		r.log.Warn().Str("peer", env.From.String()).Msg("consensus: dropped signed-echo message with invalid signature")
		return
	}

	echo := new(EchoMessage)
	if err := echo.Unmarshal(signed.Payload); err != nil {
		r.log.Warn().Err(err).Msg("consensus: dropped signed-echo message with unparseable payload")
		return
	}

	reply := new(SignedMessage)
	if err := reply.Sign(echo, r.cfg.PrivateKey); err != nil {
		r.log.Warn().Err(err).Msg("consensus: failed to sign echo reply")
		return
	}

	select {
	case r.out <- router.Envelope{Broadcast: true, ChannelID: ChannelSignedEcho, Message: reply}:
	default:
		r.log.Warn().Msg("consensus: dropped signed echo broadcast, send queue full")
	}
}

func (r *SignedEchoReactor) PeerUpdate(u peerstore.PeerUpdate) {
	r.log.Debug().Str("peer", u.PeerID.String()).Msg("consensus: signed-echo observed peer update")
}
