package consensus

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
	"github.com/gogo/protobuf/proto"
	"golang.org/x/crypto/blake2b"
)

// DefaultCurve is the signing curve SignedMessage verifies against: the
// secp256k1 curve application-level validator keys use, kept separate from
// the Ed25519 keys the transport layer authenticates connections with.
var DefaultCurve = btcec.S256()

const signedMessagePrefix = "tmnet-signed-message\n"

var (
	ErrSignedMessageTruncated = errors.New("consensus: truncated signed message")
	ErrSignedMessagePayload   = errors.New("consensus: signed message payload does not unmarshal into the expected type")
)

// SignedMessage wraps an arbitrary proto.Message payload with an ECDSA
// signature over it, the same key-axis-plus-R/S shape the teacher's
// SignedProto uses, adapted from an ad hoc BDLS quorum credential to a
// general-purpose application-level authenticity envelope.
type SignedMessage struct {
	X, Y    [32]byte
	R, S    []byte
	Payload []byte
}

func (m *SignedMessage) Reset()         { *m = SignedMessage{} }
func (m *SignedMessage) String() string { return "SignedMessage" }
func (*SignedMessage) ProtoMessage()    {}

func (m *SignedMessage) hash() []byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(signedMessagePrefix))
	h.Write(m.X[:])
	h.Write(m.Y[:])
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(m.Payload)))
	h.Write(lenBuf[:])
	h.Write(m.Payload)
	return h.Sum(nil)
}

// Sign marshals msg, stores it as the payload, and signs it with
// privateKey, populating the public key and signature fields.
func (m *SignedMessage) Sign(msg proto.Message, privateKey *ecdsa.PrivateKey) error {
	bts, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	m.Payload = bts

	xBytes := privateKey.PublicKey.X.Bytes()
	yBytes := privateKey.PublicKey.Y.Bytes()
	copy(m.X[32-len(xBytes):], xBytes)
	copy(m.Y[32-len(yBytes):], yBytes)

	r, s, err := ecdsa.Sign(rand.Reader, privateKey, m.hash())
	if err != nil {
		return err
	}
	m.R = r.Bytes()
	m.S = s.Bytes()
	return nil
}

// Verify checks the embedded signature against the embedded public key.
func (m *SignedMessage) Verify() bool {
	if len(m.R) == 0 || len(m.S) == 0 {
		return false
	}
	pub := ecdsa.PublicKey{Curve: DefaultCurve}
	pub.X = new(big.Int).SetBytes(m.X[:])
	pub.Y = new(big.Int).SetBytes(m.Y[:])
	r := new(big.Int).SetBytes(m.R)
	s := new(big.Int).SetBytes(m.S)
	return ecdsa.Verify(&pub, m.hash(), r, s)
}

func (m *SignedMessage) Size() int {
	return 32 + 32 + 4 + len(m.R) + 4 + len(m.S) + 4 + len(m.Payload)
}

func (m *SignedMessage) Marshal() ([]byte, error) {
	buf := make([]byte, 0, m.Size())
	buf = append(buf, m.X[:]...)
	buf = append(buf, m.Y[:]...)
	buf = appendLenPrefixed(buf, m.R)
	buf = appendLenPrefixed(buf, m.S)
	buf = appendLenPrefixed(buf, m.Payload)
	return buf, nil
}

func (m *SignedMessage) Unmarshal(data []byte) error {
	if len(data) < 64 {
		return ErrSignedMessageTruncated
	}
	copy(m.X[:], data[:32])
	copy(m.Y[:], data[32:64])
	rest := data[64:]

	var err error
	m.R, rest, err = readLenPrefixed(rest)
	if err != nil {
		return err
	}
	m.S, rest, err = readLenPrefixed(rest)
	if err != nil {
		return err
	}
	m.Payload, _, err = readLenPrefixed(rest)
	return err
}

func appendLenPrefixed(dst, v []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, v...)
}

func readLenPrefixed(data []byte) (val, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, ErrSignedMessageTruncated
	}
	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, ErrSignedMessageTruncated
	}
	return append([]byte(nil), data[:n]...), data[n:], nil
}
