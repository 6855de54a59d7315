package router

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmnet-dev/tmnet/nodeid"
	"github.com/tmnet-dev/tmnet/peerstore"
	"github.com/tmnet-dev/tmnet/transport"
	"github.com/tmnet-dev/tmnet/wire"
)

const testChannelID = 0x10

func newTestRouter(t *testing.T, network string) (*Router, ed25519.PublicKey, nodeid.ID, *transport.Transport) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tr := transport.New(transport.Config{}, zerolog.Nop())
	require.NoError(t, tr.Listen("127.0.0.1:0"))

	self := nodeid.FromPubKey(pub)
	store := peerstore.New(zerolog.Nop())
	pm := peerstore.NewManager(self, store, peerstore.ManagerOptions{MaxConnected: 4}, zerolog.Nop())

	info := &wire.NodeInfo{
		ProtocolVersion: wire.ProtocolVersion{P2P: 1, Block: 1, App: 1},
		NodeID:          self.String(),
		Network:         network,
		Version:         "0.1.0",
	}

	r := New(tr, pm, store, priv, info, zerolog.Nop())
	return r, pub, self, tr
}

func waitForEnvelope(t *testing.T, ch <-chan Envelope, timeout time.Duration) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func waitForUpdate(t *testing.T, ch <-chan peerstore.PeerUpdate, timeout time.Duration) peerstore.PeerUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(timeout):
		t.Fatal("timed out waiting for peer update")
		return peerstore.PeerUpdate{}
	}
}

// TestRouterDialAcceptAndDeliverEnvelope spins up two full routers over real
// loopback TCP, lets dial_peers/accept_peers establish the connection, then
// pushes a message through one side's channel and checks it arrives on the
// other's (spec.md §4.6's route_peer/route_channel/send_peer/receive_peer).
func TestRouterDialAcceptAndDeliverEnvelope(t *testing.T) {
	rA, pubA, idA, trA := newTestRouter(t, "testnet")
	rB, pubB, idB, trB := newTestRouter(t, "testnet")
	_ = pubA
	defer rA.Stop()
	defer rB.Stop()
	defer trA.Close()
	defer trB.Close()

	chA, err := rA.OpenChannel(ChannelDescriptor{
		ID: testChannelID, Name: "test", Priority: 1,
		RecvBufferChanSize: 8, MessagePrototype: &wire.BytesValue{},
	})
	require.NoError(t, err)
	chB, err := rB.OpenChannel(ChannelDescriptor{
		ID: testChannelID, Name: "test", Priority: 1,
		RecvBufferChanSize: 8, MessagePrototype: &wire.BytesValue{},
	})
	require.NoError(t, err)

	updatesA := rA.manager.Subscribe()
	updatesB := rB.manager.Subscribe()

	rA.Start()
	rB.Start()

	addrB, err := nodeid.ParseAddress(trB.Addr().String())
	require.NoError(t, err)
	addrB.NodeID = idB
	rA.store.Set(&peerstore.PeerInfo{ID: idB, Addresses: []nodeid.Address{addrB}, Failures: map[string]int{}})

	upA := waitForUpdate(t, updatesA, 5*time.Second)
	assert.Equal(t, peerstore.StatusUp, upA.Status)
	assert.Equal(t, idB, upA.PeerID)

	upB := waitForUpdate(t, updatesB, 5*time.Second)
	assert.Equal(t, peerstore.StatusUp, upB.Status)
	assert.Equal(t, idA, upB.PeerID)

	chA.Out <- Envelope{To: idB, ChannelID: testChannelID, Message: &wire.BytesValue{Value: []byte("hello from A")}}

	env := waitForEnvelope(t, chB.In, 5*time.Second)
	assert.Equal(t, idA, env.From)
	msg, ok := env.Message.(*wire.BytesValue)
	require.True(t, ok)
	assert.Equal(t, []byte("hello from A"), msg.Value)

	chB.Out <- Envelope{To: idA, ChannelID: testChannelID, Message: &wire.BytesValue{Value: []byte("hello from B")}}
	replyEnv := waitForEnvelope(t, chA.In, 5*time.Second)
	assert.Equal(t, idB, replyEnv.From)
	reply, ok := replyEnv.Message.(*wire.BytesValue)
	require.True(t, ok)
	assert.Equal(t, []byte("hello from B"), reply.Value)
}

func TestRouterOpenChannelRejectsDuplicateID(t *testing.T) {
	r, _, _, tr := newTestRouter(t, "testnet")
	defer r.Stop()
	defer tr.Close()

	_, err := r.OpenChannel(ChannelDescriptor{ID: testChannelID, Name: "test"})
	require.NoError(t, err)

	_, err = r.OpenChannel(ChannelDescriptor{ID: testChannelID, Name: "test-again"})
	assert.ErrorIs(t, err, ErrChannelAlreadyOpen)
}

func TestSameMessageType(t *testing.T) {
	assert.True(t, sameMessageType(&wire.BytesValue{}, &wire.BytesValue{Value: []byte("x")}))
	assert.False(t, sameMessageType(&wire.BytesValue{}, &wire.NodeInfo{}))
}
