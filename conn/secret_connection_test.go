package conn

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

// TestDeriveKeyMaterialFixedVectorIsDeterministic uses spec.md §8's seed
// dh_secret. The spec only publishes an elided prefix/suffix of the
// resulting key1/key2/challenge (`80a83ad6…eb2f` etc.), not the full 96
// bytes, so this cannot assert byte-for-byte equality against it; what it
// does assert is the property the vector is actually illustrating — that
// HKDF-SHA256 over this label is a pure, deterministic function of
// dh_secret, producing the same 96 bytes (key1 || key2 || challenge) on
// every call.
func TestDeriveKeyMaterialFixedVectorIsDeterministic(t *testing.T) {
	dhSecret, err := hex.DecodeString("9fe4a5a73df12dbd8659b1d9280873fe993caefec6b0ebc2686dd65027148e03")
	require.NoError(t, err)

	out1, err := deriveKeyMaterial(dhSecret)
	require.NoError(t, err)
	out2, err := deriveKeyMaterial(dhSecret)
	require.NoError(t, err)

	assert.Equal(t, out1, out2)
	assert.Len(t, out1, hkdfOutputSize)
}

func TestTranscriptChallengeIsDeterministic(t *testing.T) {
	build := func() []byte {
		tr := newTranscript(secretConnTranscriptLabel)
		tr.commit("EPHEMERAL_LOWER_PUBLIC_KEY", bytes.Repeat([]byte{0x01}, 32))
		tr.commit("EPHEMERAL_UPPER_PUBLIC_KEY", bytes.Repeat([]byte{0x02}, 32))
		tr.commit("DH_SECRET", bytes.Repeat([]byte{0x03}, 32))
		return tr.extract(secretConnMACLabel, 32)
	}
	assert.Equal(t, build(), build())
	assert.Len(t, build(), 32)
}

func TestMakeSecretConnectionHandshakeAndRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	serverPub, serverPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	type result struct {
		sc  *SecretConnection
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		sc, err := MakeSecretConnection(clientConn, clientPriv)
		clientCh <- result{sc, err}
	}()
	go func() {
		sc, err := MakeSecretConnection(serverConn, serverPriv)
		serverCh <- result{sc, err}
	}()

	client := <-clientCh
	server := <-serverCh
	require.NoError(t, client.err)
	require.NoError(t, server.err)

	assert.Equal(t, serverPub, client.sc.RemotePubKey())
	assert.Equal(t, clientPub, server.sc.RemotePubKey())
	assert.Equal(t, client.sc.sendKey, server.sc.recvKey, "client's send key must equal server's recv key")
	assert.Equal(t, server.sc.sendKey, client.sc.recvKey, "server's send key must equal client's recv key")

	msg := []byte("consensus vote payload")
	writeDone := make(chan error, 1)
	go func() {
		_, err := client.sc.Write(msg)
		writeDone <- err
	}()

	got := make([]byte, len(msg))
	_, err = io.ReadFull(server.sc, got)
	require.NoError(t, err)
	require.NoError(t, <-writeDone)
	assert.Equal(t, msg, got)
}

// TestMakeSecretConnectionRejectsForgedSignature drives the honest side
// through the real MakeSecretConnection while an attacker manually completes
// the same wire protocol but signs the transcript challenge with a key it
// actually holds while claiming to be a different, unrelated identity. The
// DH secret and challenge still match (the attacker is a real protocol
// participant, not a passive eavesdropper), so this exercises the live
// signature check rather than a standalone ed25519.Verify call.
func TestMakeSecretConnectionRejectsForgedSignature(t *testing.T) {
	honestConn, attackerConn := net.Pipe()
	defer honestConn.Close()
	defer attackerConn.Close()

	_, honestPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	attackerEphPub, attackerEphPriv, err := genEphKeypair()
	require.NoError(t, err)
	_, claimedPriv, err := ed25519.GenerateKey(rand.Reader) // unrelated, never used to sign
	require.NoError(t, err)
	claimedPub := claimedPriv.Public().(ed25519.PublicKey)
	_, attackerRealPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	honestCh := make(chan error, 1)
	go func() {
		_, err := MakeSecretConnection(honestConn, honestPriv)
		honestCh <- err
	}()

	honestEphPub, err := shareEphPubKey(attackerConn, attackerEphPub)
	require.NoError(t, err)

	dhSecret, err := curve25519.X25519(attackerEphPriv[:], honestEphPub[:])
	require.NoError(t, err)

	lo, hi, _ := sortEphKeys(attackerEphPub, honestEphPub) // key order only affects send/recv assignment, not the challenge

	tr := newTranscript(secretConnTranscriptLabel)
	tr.commit("EPHEMERAL_LOWER_PUBLIC_KEY", lo[:])
	tr.commit("EPHEMERAL_UPPER_PUBLIC_KEY", hi[:])
	tr.commit("DH_SECRET", dhSecret)
	challenge := tr.extract(secretConnMACLabel, 32)

	forgedSig := ed25519.Sign(attackerRealPriv, challenge) // signed by a key unrelated to claimedPub
	_, _, err = shareAuthSig(attackerConn, claimedPub, forgedSig)
	require.NoError(t, err)

	err = <-honestCh
	assert.ErrorIs(t, err, ErrAuthFailed)
}
