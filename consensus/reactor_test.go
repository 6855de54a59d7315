package consensus

import (
	"crypto/ecdsa"
	"crypto/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmnet-dev/tmnet/nodeid"
	"github.com/tmnet-dev/tmnet/router"
)

func drainReply(t *testing.T, out chan router.Envelope) router.Envelope {
	t.Helper()
	select {
	case env := <-out:
		return env
	case <-time.After(time.Second):
		t.Fatal("expected a reply envelope")
		return router.Envelope{}
	}
}

func TestPingPongReactorAnswersPingWithPong(t *testing.T) {
	r := NewPingPongReactor(zerolog.Nop())
	out := make(chan router.Envelope, 1)
	r.bindOut(out)

	var peer nodeid.ID
	peer[0] = 0x07
	r.Receive(router.Envelope{From: peer, ChannelID: ChannelPingPong, Message: &PingPongMessage{Nonce: 9}})

	reply := drainReply(t, out)
	assert.Equal(t, peer, reply.To)
	msg, ok := reply.Message.(*PingPongMessage)
	require.True(t, ok)
	assert.Equal(t, uint64(9), msg.Nonce)
	assert.True(t, msg.Pong)
}

func TestPingPongReactorIgnoresPong(t *testing.T) {
	r := NewPingPongReactor(zerolog.Nop())
	out := make(chan router.Envelope, 1)
	r.bindOut(out)

	r.Receive(router.Envelope{ChannelID: ChannelPingPong, Message: &PingPongMessage{Nonce: 1, Pong: true}})

	select {
	case env := <-out:
		t.Fatalf("expected no reply, got %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEchoReactorBroadcastsReceivedPayload(t *testing.T) {
	r := NewEchoReactor(zerolog.Nop())
	out := make(chan router.Envelope, 1)
	r.bindOut(out)

	r.Receive(router.Envelope{ChannelID: ChannelEcho, Message: &EchoMessage{Payload: []byte("ping all")}})

	reply := drainReply(t, out)
	assert.True(t, reply.Broadcast)
	msg, ok := reply.Message.(*EchoMessage)
	require.True(t, ok)
	assert.Equal(t, []byte("ping all"), msg.Payload)
}

func TestSignedEchoReactorVerifiesAndSignsReply(t *testing.T) {
	priv, err := ecdsa.GenerateKey(DefaultCurve, rand.Reader)
	require.NoError(t, err)

	r, err := NewSignedEchoReactor(ReactorConfig{PrivateKey: priv}, zerolog.Nop())
	require.NoError(t, err)
	out := make(chan router.Envelope, 1)
	r.bindOut(out)

	signed := new(SignedMessage)
	require.NoError(t, signed.Sign(&EchoMessage{Payload: []byte("quorum-state")}, priv))

	r.Receive(router.Envelope{ChannelID: ChannelSignedEcho, Message: signed})

	reply := drainReply(t, out)
	assert.True(t, reply.Broadcast)
	replySigned, ok := reply.Message.(*SignedMessage)
	require.True(t, ok)
	assert.True(t, replySigned.Verify())

	echo := new(EchoMessage)
	require.NoError(t, echo.Unmarshal(replySigned.Payload))
	assert.Equal(t, []byte("quorum-state"), echo.Payload)
}

func TestSignedEchoReactorRejectsBadSignature(t *testing.T) {
	priv, err := ecdsa.GenerateKey(DefaultCurve, rand.Reader)
	require.NoError(t, err)

	r, err := NewSignedEchoReactor(ReactorConfig{PrivateKey: priv}, zerolog.Nop())
	require.NoError(t, err)
	out := make(chan router.Envelope, 1)
	r.bindOut(out)

	signed := new(SignedMessage)
	require.NoError(t, signed.Sign(&EchoMessage{Payload: []byte("trusted")}, priv))
	signed.Payload = []byte("forged")

	r.Receive(router.Envelope{ChannelID: ChannelSignedEcho, Message: signed})

	select {
	case env := <-out:
		t.Fatalf("expected no reply for forged message, got %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}
