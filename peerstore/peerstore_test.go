package peerstore

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmnet-dev/tmnet/nodeid"
)

func mustID(t *testing.T, b byte) nodeid.ID {
	t.Helper()
	var id nodeid.ID
	id[0] = b
	return id
}

func TestPeerStoreRankedOrdering(t *testing.T) {
	s := New(zerolog.Nop())
	a := newPeerInfo(mustID(t, 1))
	a.MutableScore = 5
	b := newPeerInfo(mustID(t, 2))
	b.MutableScore = 10
	s.Set(a)
	s.Set(b)

	ranked := s.Ranked()
	require.Len(t, ranked, 2)
	assert.Equal(t, b.ID, ranked[0].ID)
	assert.Equal(t, a.ID, ranked[1].ID)
}

func TestSaturatingAdd(t *testing.T) {
	assert.Equal(t, int16(32767), saturatingAdd(32767, 1))
	assert.Equal(t, int16(-32768), saturatingAdd(-32768, -1))
	assert.Equal(t, int16(5), saturatingAdd(4, 1))
}

func TestRetryDelayZeroFailuresIsZero(t *testing.T) {
	d := retryDelay(0, time.Second, time.Minute, time.Minute, 0, false)
	assert.Equal(t, time.Duration(0), d)
}

func TestRetryDelayInfiniteWhenMinRetryZero(t *testing.T) {
	d := retryDelay(3, 0, time.Minute, time.Minute, 0, false)
	assert.True(t, d < 0)
}

func TestRetryDelayClampedToMax(t *testing.T) {
	d := retryDelay(1000, time.Second, 5*time.Second, 10*time.Second, 0, false)
	assert.Equal(t, 5*time.Second, d)
}

func TestPeerManagerAcceptedRejectsSelf(t *testing.T) {
	self := mustID(t, 1)
	store := New(zerolog.Nop())
	pm := NewManager(self, store, ManagerOptions{}, zerolog.Nop())
	assert.ErrorIs(t, pm.Accepted(self), ErrSelf)
}

func TestPeerManagerDialNextCooldownSkipsNeverDisconnectedPeer(t *testing.T) {
	self := mustID(t, 1)
	store := New(zerolog.Nop())
	p := newPeerInfo(mustID(t, 2))
	addr, err := nodeid.ParseAddress("127.0.0.1:9999")
	require.NoError(t, err)
	p.Addresses = []nodeid.Address{addr}
	store.Set(p)

	pm := NewManager(self, store, ManagerOptions{MaxConnected: 4, DisconnectCooldownPeriod: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	cand, err := pm.DialNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.ID, cand.PeerID)
}

func TestPeerManagerLifecycle(t *testing.T) {
	self := mustID(t, 1)
	store := New(zerolog.Nop())
	peer := mustID(t, 2)
	addr, err := nodeid.ParseAddress("127.0.0.1:9999")
	require.NoError(t, err)
	store.Set(&PeerInfo{ID: peer, Addresses: []nodeid.Address{addr}, Failures: map[string]int{}})

	pm := NewManager(self, store, ManagerOptions{MaxConnected: 4}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cand, err := pm.DialNext(ctx)
	require.NoError(t, err)
	require.Equal(t, peer, cand.PeerID)

	pm.Dialed(peer, addr)
	sub := pm.Subscribe()
	pm.Ready(peer, []byte{0x01})

	select {
	case u := <-sub:
		assert.Equal(t, StatusUp, u.Status)
		assert.Equal(t, peer, u.PeerID)
	case <-time.After(time.Second):
		t.Fatal("expected peer update")
	}

	pm.Disconnected(peer)
	select {
	case u := <-sub:
		assert.Equal(t, StatusDown, u.Status)
	case <-time.After(time.Second):
		t.Fatal("expected disconnect update")
	}
}

// TestPeerManagerUpgradeEvictsLowerScoredPeer reproduces spec.md §8's
// upgrade-eviction scenario: max_connected=2 with A and B (score 0) already
// connected; dialing a higher-scored persistent candidate C must mark
// exactly one of {A,B} for eviction, leaving {C, survivor} connected once
// EvictNext drains the queue.
func TestPeerManagerUpgradeEvictsLowerScoredPeer(t *testing.T) {
	self := mustID(t, 1)
	store := New(zerolog.Nop())

	addrA, err := nodeid.ParseAddress("127.0.0.1:9001")
	require.NoError(t, err)
	addrB, err := nodeid.ParseAddress("127.0.0.1:9002")
	require.NoError(t, err)
	addrC, err := nodeid.ParseAddress("127.0.0.1:9003")
	require.NoError(t, err)

	peerA, peerB, peerC := mustID(t, 2), mustID(t, 3), mustID(t, 4)

	store.Set(&PeerInfo{ID: peerA, Addresses: []nodeid.Address{addrA}, Failures: map[string]int{}})
	store.Set(&PeerInfo{ID: peerB, Addresses: []nodeid.Address{addrB}, Failures: map[string]int{}})
	store.Set(&PeerInfo{ID: peerC, Addresses: []nodeid.Address{addrC}, Persistent: true, Failures: map[string]int{}})

	pm := NewManager(self, store, ManagerOptions{MaxConnected: 2, PersistentPeers: []nodeid.ID{peerC}}, zerolog.Nop())
	pm.states[peerA] = stateConnected
	pm.states[peerB] = stateConnected

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cand, err := pm.DialNext(ctx)
	require.NoError(t, err)
	require.Equal(t, peerC, cand.PeerID)

	pm.Dialed(peerC, addrC)

	evictCtx, evictCancel := context.WithTimeout(context.Background(), time.Second)
	defer evictCancel()
	evicted, err := pm.EvictNext(evictCtx)
	require.NoError(t, err)
	require.Contains(t, []nodeid.ID{peerA, peerB}, evicted)

	survivor := peerA
	if evicted == peerA {
		survivor = peerB
	}
	assert.Equal(t, stateEvicting, pm.states[evicted])
	assert.Equal(t, stateConnected, pm.states[survivor])
	assert.Equal(t, stateConnected, pm.states[peerC])
}
