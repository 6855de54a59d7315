package tmnet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmnet-dev/tmnet/nodeid"
	"github.com/tmnet-dev/tmnet/peerstore"
	"github.com/tmnet-dev/tmnet/router"
	"github.com/tmnet-dev/tmnet/wire"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	n, err := New(Config{
		ListenAddr: "127.0.0.1:0",
		Network:    "testnet",
		Moniker:    "test-node",
		PrivateKey: priv,
		Manager:    peerstore.ManagerOptions{MaxConnected: 4},
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return n
}

const testChannelID = 0x30

// TestNodeStartDialsAndConnects boots two Nodes, points one at the other via
// PersistentPeers, and checks the router layer underneath reports the peer
// up on both sides (spec.md §1's top-level Node lifecycle).
func TestNodeStartDialsAndConnects(t *testing.T) {
	nodeB := newTestNode(t)
	require.NoError(t, nodeB.Start(context.Background()))
	defer nodeB.Stop()

	addrB, err := nodeid.ParseAddress(nodeB.Addr().String())
	require.NoError(t, err)
	addrB.NodeID = nodeB.ID()

	_, privA, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	nodeA, err := New(Config{
		ListenAddr:      "127.0.0.1:0",
		Network:         "testnet",
		Moniker:         "node-a",
		PrivateKey:      privA,
		PersistentPeers: []nodeid.Address{addrB},
		Manager:         peerstore.ManagerOptions{MaxConnected: 4},
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)

	// Config.PersistentPeers must reach the PeerManager's own persistent set
	// (not just the PeerStore's PeerInfo.Persistent flag), or the retry
	// ceiling never actually switches to MaxRetryTimePersistent.
	assert.True(t, nodeA.manager.IsPersistent(nodeB.ID()))

	updatesA := nodeA.Router().Subscribe()
	updatesB := nodeB.Router().Subscribe()

	require.NoError(t, nodeA.Start(context.Background()))
	defer nodeA.Stop()

	select {
	case up := <-updatesA:
		assert.Equal(t, peerstore.StatusUp, up.Status)
		assert.Equal(t, nodeB.ID(), up.PeerID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for node A to report node B up")
	}

	select {
	case up := <-updatesB:
		assert.Equal(t, peerstore.StatusUp, up.Status)
		assert.Equal(t, nodeA.ID(), up.PeerID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for node B to report node A up")
	}
}

// TestNodeOpenChannelDeliversEnvelope exercises a reactor channel opened
// directly against Node.Router after two nodes have connected.
func TestNodeOpenChannelDeliversEnvelope(t *testing.T) {
	nodeB := newTestNode(t)

	chB, err := nodeB.Router().OpenChannel(router.ChannelDescriptor{
		ID: testChannelID, Name: "test", Priority: 1,
		RecvBufferChanSize: 8, MessagePrototype: &wire.BytesValue{},
	})
	require.NoError(t, err)
	require.NoError(t, nodeB.Start(context.Background()))
	defer nodeB.Stop()

	addrB, err := nodeid.ParseAddress(nodeB.Addr().String())
	require.NoError(t, err)
	addrB.NodeID = nodeB.ID()

	_, privA, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	nodeA, err := New(Config{
		ListenAddr:      "127.0.0.1:0",
		Network:         "testnet",
		Moniker:         "node-a",
		PrivateKey:      privA,
		PersistentPeers: []nodeid.Address{addrB},
		Manager:         peerstore.ManagerOptions{MaxConnected: 4},
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)

	chA, err := nodeA.Router().OpenChannel(router.ChannelDescriptor{
		ID: testChannelID, Name: "test", Priority: 1,
		RecvBufferChanSize: 8, MessagePrototype: &wire.BytesValue{},
	})
	require.NoError(t, err)

	updatesA := nodeA.Router().Subscribe()

	require.NoError(t, nodeA.Start(context.Background()))
	defer nodeA.Stop()

	select {
	case up := <-updatesA:
		require.Equal(t, peerstore.StatusUp, up.Status)
		require.Equal(t, nodeB.ID(), up.PeerID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for node A to report node B up")
	}

	select {
	case chA.Out <- router.Envelope{To: nodeB.ID(), ChannelID: testChannelID, Message: &wire.BytesValue{Value: []byte("hi")}}:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out sending envelope before peer connected")
	}

	select {
	case env := <-chB.In:
		msg, ok := env.Message.(*wire.BytesValue)
		require.True(t, ok)
		assert.Equal(t, []byte("hi"), msg.Value)
		assert.Equal(t, nodeA.ID(), env.From)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope delivery")
	}
}
