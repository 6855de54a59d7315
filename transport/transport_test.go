package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmnet-dev/tmnet/conn"
	"github.com/tmnet-dev/tmnet/wire"
)

func nodeInfo(network string) *wire.NodeInfo {
	return &wire.NodeInfo{
		ProtocolVersion: wire.ProtocolVersion{P2P: 1, Block: 1, App: 1},
		NodeID:          "test",
		Network:         network,
		Version:         "0.1.0",
		Channels:        []byte{0x01},
	}
}

func TestTransportListenDialHandshake(t *testing.T) {
	log := zerolog.Nop()

	serverPub, serverPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_ = serverPub
	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_ = clientPub

	serverTr := New(Config{}, log)
	serverTr.AddChannelDescriptors(conn.ChannelDescriptor{ID: 0x01, Priority: 1})
	require.NoError(t, serverTr.Listen("127.0.0.1:0"))
	defer serverTr.Close()

	addr := serverTr.Addr().String()

	clientTr := New(Config{}, log)
	clientTr.AddChannelDescriptors(conn.ChannelDescriptor{ID: 0x01, Priority: 1})
	defer clientTr.Close()

	type acceptResult struct {
		res *HandshakeResult
		err error
	}
	serverCh := make(chan acceptResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rawConn, err := serverTr.Accept(ctx)
		if err != nil {
			serverCh <- acceptResult{nil, err}
			return
		}
		res, err := serverTr.Handshake(ctx, rawConn, serverPriv, nodeInfo("testnet"), func(byte, []byte) {}, func(error) {})
		serverCh <- acceptResult{res, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rawConn, err := clientTr.Dial(ctx, addr)
	require.NoError(t, err)

	clientRes, err := clientTr.Handshake(ctx, rawConn, clientPriv, nodeInfo("testnet"), func(byte, []byte) {}, func(error) {})
	require.NoError(t, err)
	defer clientRes.MConn.Stop()

	sres := <-serverCh
	require.NoError(t, sres.err)
	defer sres.res.MConn.Stop()

	assert.Equal(t, serverPub, clientRes.RemotePubKey)
	assert.Equal(t, clientPub, sres.res.RemotePubKey)
	assert.Equal(t, "testnet", clientRes.RemoteInfo.Network)
}

func TestTransportListenTwiceFails(t *testing.T) {
	tr := New(Config{}, zerolog.Nop())
	require.NoError(t, tr.Listen("127.0.0.1:0"))
	defer tr.Close()
	assert.ErrorIs(t, tr.Listen("127.0.0.1:0"), ErrAlreadyListening)
}
