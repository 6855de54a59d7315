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
	"bytes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/tmnet-dev/tmnet/wire"
)

// Wire/frame constants from spec.md §6.
const (
	dataLenSize          = 4
	dataMaxSize          = 1024
	totalFrameSize       = dataLenSize + dataMaxSize // 1028
	aeadSizeOverhead     = 16
	sealedFrameSize      = totalFrameSize + aeadSizeOverhead // 1044
	hkdfOutputSize       = 96
	ephemeralKeySize     = 32
)

var (
	// ErrNonceOverflow is fatal: a connection may never reuse a nonce.
	ErrNonceOverflow = errors.New("conn: nonce counter overflowed")
	// ErrAuthFailed is fatal: the peer's signature did not verify against
	// the transcript challenge it claims to have signed.
	ErrAuthFailed = errors.New("conn: peer signature verification failed")
	// ErrShortEphemeralKey is returned when the peer's BytesValue is not
	// exactly 32 bytes.
	ErrShortEphemeralKey = errors.New("conn: ephemeral public key must be 32 bytes")
)

const (
	secretConnKeyAndChallengeGenLabel = "TENDERMINT_SECRET_CONNECTION_KEY_AND_CHALLENGE_GEN"
	secretConnTranscriptLabel         = "TENDERMINT_SECRET_CONNECTION_TRANSCRIPT_HASH"
	secretConnMACLabel                = "SECRET_CONNECTION_MAC"
)

// transcript is a cSHAKE256-based stand-in for the Merlin/STROBE transcript
// construction spec.md §4.2 calls for: no merlin library exists anywhere in
// this codebase's dependency corpus, but golang.org/x/crypto (which ships
// sha3/cSHAKE) is a genuine corpus dependency, so the domain-separated
// commit/extract operations Merlin provides are rebuilt directly on top of
// it. Each commit absorbs a length-prefixed (label, message) pair into the
// running cSHAKE256 state; extract squeezes n bytes from it.
type transcript struct {
	shake sha3.ShakeHash
}

func newTranscript(initLabel string) *transcript {
	t := &transcript{shake: sha3.NewCShake256(nil, []byte(initLabel))}
	return t
}

func (t *transcript) commit(label string, msg []byte) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(label)))
	t.shake.Write(lenBuf[:])
	t.shake.Write([]byte(label))
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(msg)))
	t.shake.Write(lenBuf[:])
	t.shake.Write(msg)
}

func (t *transcript) extract(label string, n int) []byte {
	t.commit("extract:"+label, nil)
	out := make([]byte, n)
	if _, err := io.ReadFull(t.shake, out); err != nil {
		panic(err) // sha3.ShakeHash never errors on Read
	}
	return out
}

// SecretConnection is the authenticated, encrypted duplex stream of
// spec.md §4.2, writing fixed-size sealed frames directly to the underlying
// net.Conn.
type SecretConnection struct {
	fc net.Conn

	sendMtx    sync.Mutex
	sendKey    [32]byte
	sendNonce  uint64
	sendCipher cipher.AEAD

	recvMtx    sync.Mutex
	recvKey    [32]byte
	recvNonce  uint64
	recvCipher cipher.AEAD
	recvBuf    []byte // leftover plaintext not yet consumed by Read

	remotePubKey ed25519.PublicKey
}

// MakeSecretConnection performs the handshake of spec.md §4.2 over conn and
// returns an authenticated, encrypted duplex stream plus the peer's
// long-term Ed25519 public key. locPrivKey is this node's long-term
// identity key.
func MakeSecretConnection(conn net.Conn, locPrivKey ed25519.PrivateKey) (*SecretConnection, error) {
	locEphPub, locEphPriv, err := genEphKeypair()
	if err != nil {
		return nil, fmt.Errorf("conn: generate ephemeral keypair: %w", err)
	}

	remoteEphPub, err := shareEphPubKey(conn, locEphPub)
	if err != nil {
		return nil, err
	}

	dhSecret, err := curve25519.X25519(locEphPriv[:], remoteEphPub[:])
	if err != nil {
		return nil, fmt.Errorf("conn: x25519: %w", err)
	}

	lo, hi, locIsLeast := sortEphKeys(locEphPub, remoteEphPub)

	keyMaterial, err := deriveKeyMaterial(dhSecret)
	if err != nil {
		return nil, err
	}
	recvKey, sendKey, challenge := keyMaterial[:32], keyMaterial[32:64], keyMaterial[64:96]
	if !locIsLeast {
		sendKey, recvKey = recvKey, sendKey
	}

	tr := newTranscript(secretConnTranscriptLabel)
	tr.commit("EPHEMERAL_LOWER_PUBLIC_KEY", lo[:])
	tr.commit("EPHEMERAL_UPPER_PUBLIC_KEY", hi[:])
	tr.commit("DH_SECRET", dhSecret)
	challenge = tr.extract(secretConnMACLabel, 32)

	locSignature := ed25519.Sign(locPrivKey, challenge)

	sendCipher, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, fmt.Errorf("conn: chacha20poly1305: %w", err)
	}
	recvCipher, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, fmt.Errorf("conn: chacha20poly1305: %w", err)
	}

	sc := &SecretConnection{fc: conn, sendCipher: sendCipher, recvCipher: recvCipher}
	copy(sc.sendKey[:], sendKey)
	copy(sc.recvKey[:], recvKey)

	// AuthSigMessage is exchanged in cleartext, ahead of encryption taking
	// effect (spec.md's resolved Open Question: this implementation follows
	// the source's literal behavior over the encrypt-first alternative).
	locPub := locPrivKey.Public().(ed25519.PublicKey)
	remoteSig, remotePub, err := shareAuthSig(conn, locPub, locSignature)
	if err != nil {
		return nil, err
	}

	if !ed25519.Verify(remotePub, challenge, remoteSig) {
		return nil, ErrAuthFailed
	}
	sc.remotePubKey = remotePub

	return sc, nil
}

// RemotePubKey returns the peer's verified long-term Ed25519 public key.
func (sc *SecretConnection) RemotePubKey() ed25519.PublicKey { return sc.remotePubKey }

// Close closes the underlying connection.
func (sc *SecretConnection) Close() error { return sc.fc.Close() }

// Read implements io.Reader over the decrypted stream, serving from any
// buffered plaintext before decrypting further frames.
func (sc *SecretConnection) Read(p []byte) (int, error) {
	sc.recvMtx.Lock()
	defer sc.recvMtx.Unlock()

	if len(sc.recvBuf) == 0 {
		frame, err := sc.readSealedFrame()
		if err != nil {
			return 0, err
		}
		sc.recvBuf = frame
	}

	n := copy(p, sc.recvBuf)
	sc.recvBuf = sc.recvBuf[n:]
	return n, nil
}

// Write implements io.Writer over the encrypted stream, splitting p into
// dataMaxSize chunks, each sealed into its own 1044-byte frame.
func (sc *SecretConnection) Write(p []byte) (int, error) {
	sc.sendMtx.Lock()
	defer sc.sendMtx.Unlock()

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > dataMaxSize {
			chunk = chunk[:dataMaxSize]
		}
		if err := sc.writeSealedFrame(chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (sc *SecretConnection) writeSealedFrame(chunk []byte) error {
	if sc.sendNonce == 1<<64-1 {
		return ErrNonceOverflow
	}

	plain := make([]byte, totalFrameSize)
	binary.LittleEndian.PutUint32(plain[:dataLenSize], uint32(len(chunk)))
	copy(plain[dataLenSize:], chunk)

	nonce := nonceBytes(sc.sendNonce)
	sealed := sc.sendCipher.Seal(nil, nonce[:], plain, nil)
	if len(sealed) != sealedFrameSize {
		return fmt.Errorf("conn: unexpected sealed frame size %d", len(sealed))
	}
	sc.sendNonce++

	if _, err := sc.fc.Write(sealed); err != nil {
		return fmt.Errorf("conn: write sealed frame: %w", err)
	}
	return nil
}

func (sc *SecretConnection) readSealedFrame() ([]byte, error) {
	if sc.recvNonce == 1<<64-1 {
		return nil, ErrNonceOverflow
	}

	sealed := make([]byte, sealedFrameSize)
	if _, err := io.ReadFull(sc.fc, sealed); err != nil {
		return nil, fmt.Errorf("conn: read sealed frame: %w", err)
	}

	nonce := nonceBytes(sc.recvNonce)
	plain, err := sc.recvCipher.Open(nil, nonce[:], sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("conn: decrypt frame: %w", err)
	}
	sc.recvNonce++

	chunkLen := binary.LittleEndian.Uint32(plain[:dataLenSize])
	if chunkLen > dataMaxSize {
		return nil, fmt.Errorf("conn: decoded chunk length %d exceeds max", chunkLen)
	}
	return plain[dataLenSize : dataLenSize+chunkLen], nil
}

// nonceBytes renders a monotonic counter as the little-endian 96-bit nonce
// ChaCha20-Poly1305-IETF expects.
func nonceBytes(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], counter)
	return nonce
}

func genEphKeypair() (pub, priv [ephemeralKeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return pub, priv, err
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, err
	}
	copy(pub[:], pubSlice)
	return pub, priv, nil
}

// shareEphPubKey exchanges ephemeral X25519 public keys wrapped in
// wire.BytesValue, framed with the plain ULEB128 framer (no encryption yet).
func shareEphPubKey(conn net.Conn, locEphPub [ephemeralKeySize]byte) ([ephemeralKeySize]byte, error) {
	var remote [ephemeralKeySize]byte

	fc := NewFramedConn(conn, 0, 0)
	msg := &wire.BytesValue{Value: locEphPub[:]}
	bts, err := msg.Marshal()
	if err != nil {
		return remote, err
	}

	writeErrCh := make(chan error, 1)
	go func() { writeErrCh <- fc.WriteFrame(bts) }()

	frame, readErr := fc.ReadFrame()
	if writeErr := <-writeErrCh; writeErr != nil {
		return remote, fmt.Errorf("conn: send ephemeral key: %w", writeErr)
	}
	if readErr != nil {
		return remote, fmt.Errorf("conn: receive ephemeral key: %w", readErr)
	}

	var remoteMsg wire.BytesValue
	if err := remoteMsg.Unmarshal(frame); err != nil {
		return remote, fmt.Errorf("conn: decode ephemeral key: %w", err)
	}
	if len(remoteMsg.Value) != ephemeralKeySize {
		return remote, ErrShortEphemeralKey
	}
	copy(remote[:], remoteMsg.Value)
	return remote, nil
}

// shareAuthSig exchanges AuthSigMessage{pub_key, sig} in the clear.
func shareAuthSig(conn net.Conn, locPub ed25519.PublicKey, locSig []byte) (sig []byte, pub ed25519.PublicKey, err error) {
	fc := NewFramedConn(conn, 0, 0)
	msg := &wire.AuthSigMessage{
		PubKey: wire.PubKey{Ed25519: append([]byte(nil), locPub...)},
		Sig:    locSig,
	}
	bts, err := msg.Marshal()
	if err != nil {
		return nil, nil, err
	}

	writeErrCh := make(chan error, 1)
	go func() { writeErrCh <- fc.WriteFrame(bts) }()

	frame, readErr := fc.ReadFrame()
	if writeErr := <-writeErrCh; writeErr != nil {
		return nil, nil, fmt.Errorf("conn: send auth sig: %w", writeErr)
	}
	if readErr != nil {
		return nil, nil, fmt.Errorf("conn: receive auth sig: %w", readErr)
	}

	var remoteMsg wire.AuthSigMessage
	if err := remoteMsg.Unmarshal(frame); err != nil {
		return nil, nil, fmt.Errorf("conn: decode auth sig: %w", err)
	}
	if len(remoteMsg.PubKey.Ed25519) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("conn: peer public key must be %d bytes", ed25519.PublicKeySize)
	}
	return remoteMsg.Sig, ed25519.PublicKey(remoteMsg.PubKey.Ed25519), nil
}

// sortEphKeys lexically orders the two ephemeral public keys and reports
// whether the local key was the lesser of the pair (spec.md §4.2 step 4).
func sortEphKeys(loc, remote [ephemeralKeySize]byte) (lo, hi [ephemeralKeySize]byte, locIsLeast bool) {
	if bytes.Compare(loc[:], remote[:]) < 0 {
		return loc, remote, true
	}
	return remote, loc, false
}

// deriveKeyMaterial runs HKDF-SHA256(dhSecret, info=label) and reads
// hkdfOutputSize bytes: recv_key(32) || send_key(32) || challenge(32) from
// the perspective of the lexically-lesser side (spec.md §4.2 step 5).
func deriveKeyMaterial(dhSecret []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, dhSecret, nil, []byte(secretConnKeyAndChallengeGenLabel))
	out := make([]byte, hkdfOutputSize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("conn: hkdf: %w", err)
	}
	return out, nil
}

// constantTimeEqual compares two byte slices without leaking timing
// information through an early exit.
func constantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
