package conn

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescs() []ChannelDescriptor {
	return []ChannelDescriptor{
		{ID: 0x01, Priority: 1},
		{ID: 0x02, Priority: 5},
	}
}

func TestMConnectionSendReceive(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var mu sync.Mutex
	received := make(map[byte][]byte)
	wg := sync.WaitGroup{}
	wg.Add(1)

	onReceive := func(ch byte, data []byte) {
		mu.Lock()
		received[ch] = data
		mu.Unlock()
		wg.Done()
	}

	cfg := MConnConfig{PingInterval: time.Hour, PongTimeout: time.Hour}

	serverConn := NewMConnection(server, testDescs(), cfg, onReceive, func(error) {}, zerolog.Nop())
	defer serverConn.Stop()

	clientConn := NewMConnection(client, testDescs(), cfg, func(byte, []byte) {}, func(error) {}, zerolog.Nop())
	defer clientConn.Stop()

	ok := clientConn.Send(0x01, []byte("hello channel one"))
	require.True(t, ok)

	waitTimeout(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("hello channel one"), received[0x01])
}

func TestMConnectionSendUnknownChannelFails(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cfg := MConnConfig{PingInterval: time.Hour, PongTimeout: time.Hour}
	mc := NewMConnection(client, testDescs(), cfg, func(byte, []byte) {}, func(error) {}, zerolog.Nop())
	defer mc.Stop()
	go NewMConnection(server, testDescs(), cfg, func(byte, []byte) {}, func(error) {}, zerolog.Nop())

	assert.False(t, mc.Send(0xFF, []byte("nope")))
}

// TestChannelNextFragmentBoundary reproduces spec.md §8's PacketMsg
// fragmentation boundary: max_packet_msg_payload_size=1000, a 2500-byte
// payload splits into fragments of length 1000, 1000, 500 with eof flags
// false, false, true.
func TestChannelNextFragmentBoundary(t *testing.T) {
	ch := newChannel(ChannelDescriptor{ID: 0x20})
	ch.sending = make([]byte, 2500)
	ch.sentPos = 0

	frag1, eof1 := ch.nextFragment(1000)
	assert.Len(t, frag1, 1000)
	assert.False(t, eof1)

	frag2, eof2 := ch.nextFragment(1000)
	assert.Len(t, frag2, 1000)
	assert.False(t, eof2)

	frag3, eof3 := ch.nextFragment(1000)
	assert.Len(t, frag3, 500)
	assert.True(t, eof3)
}

// TestChannelNextFragmentExactBoundary covers the companion boundary case: a
// message of exactly max_packet_msg_payload_size bytes yields exactly one
// fragment with eof=true.
func TestChannelNextFragmentExactBoundary(t *testing.T) {
	ch := newChannel(ChannelDescriptor{ID: 0x20})
	ch.sending = make([]byte, 1000)

	frag, eof := ch.nextFragment(1000)
	assert.Len(t, frag, 1000)
	assert.True(t, eof)
}

// TestMConnectionClosesOnPongTimeout reproduces spec.md §8's ping/pong
// liveness scenario: with a short ping_interval and pong_timeout, a peer
// that never sends anything back must see its connection closed within
// pong_timeout of the first missed window.
func TestMConnectionClosesOnPongTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	// server: drains bytes but never replies, standing in for a peer that
	// has gone silent.
	go io.Copy(io.Discard, server)

	errCh := make(chan error, 1)
	cfg := MConnConfig{PingInterval: 50 * time.Millisecond, PongTimeout: 150 * time.Millisecond}
	mc := NewMConnection(client, testDescs(), cfg, func(byte, []byte) {}, func(err error) { errCh <- err }, zerolog.Nop())
	defer mc.Stop()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(cfg.PongTimeout + 500*time.Millisecond):
		t.Fatal("expected connection to close on pong timeout")
	}
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for delivery")
	}
}
