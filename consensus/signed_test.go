package consensus

import (
	"crypto/ecdsa"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedMessageSignAndVerify(t *testing.T) {
	priv, err := ecdsa.GenerateKey(DefaultCurve, rand.Reader)
	require.NoError(t, err)

	msg := &EchoMessage{Payload: []byte("quorum state")}
	signed := new(SignedMessage)
	require.NoError(t, signed.Sign(msg, priv))

	assert.True(t, signed.Verify())
}

func TestSignedMessageRejectsTamperedPayload(t *testing.T) {
	priv, err := ecdsa.GenerateKey(DefaultCurve, rand.Reader)
	require.NoError(t, err)

	signed := new(SignedMessage)
	require.NoError(t, signed.Sign(&EchoMessage{Payload: []byte("original")}, priv))

	signed.Payload = []byte("tampered!")
	assert.False(t, signed.Verify())
}

func TestSignedMessageMarshalRoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(DefaultCurve, rand.Reader)
	require.NoError(t, err)

	signed := new(SignedMessage)
	require.NoError(t, signed.Sign(&EchoMessage{Payload: []byte("roundtrip")}, priv))

	bts, err := signed.Marshal()
	require.NoError(t, err)

	got := new(SignedMessage)
	require.NoError(t, got.Unmarshal(bts))
	assert.True(t, got.Verify())
	assert.Equal(t, signed.Payload, got.Payload)
}

func TestVerifyReactorConfigRequiresPrivateKey(t *testing.T) {
	assert.ErrorIs(t, VerifyReactorConfig(&ReactorConfig{}), ErrReactorPrivateKey)

	priv, err := ecdsa.GenerateKey(DefaultCurve, rand.Reader)
	require.NoError(t, err)
	assert.NoError(t, VerifyReactorConfig(&ReactorConfig{PrivateKey: priv}))
}
