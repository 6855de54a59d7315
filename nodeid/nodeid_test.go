package nodeid

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPubKeyRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	id := FromPubKey(pub)
	parsed, err := FromString(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Len(t, id.String(), Size*2)
}

func TestFromStringRejectsBadLength(t *testing.T) {
	_, err := FromString("deadbeef")
	assert.ErrorIs(t, err, ErrInvalidNodeID)
}

func TestCustomTypeMarshalRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id := FromPubKey(pub)

	bts, err := id.Marshal()
	require.NoError(t, err)
	assert.Equal(t, Size, id.Size())

	var decoded ID
	require.NoError(t, decoded.Unmarshal(bts))
	assert.Equal(t, id, decoded)
}

func TestParseAddress(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id := FromPubKey(pub)

	s := id.String() + "@127.0.0.1:26656"
	a, err := ParseAddress(s)
	require.NoError(t, err)
	assert.Equal(t, id, a.NodeID)
	assert.Equal(t, "127.0.0.1", a.Hostname)
	assert.Equal(t, uint16(26656), a.Port)
	assert.Equal(t, "tcp", a.Protocol)
}

func TestParseAddressNoID(t *testing.T) {
	a, err := ParseAddress("127.0.0.1:26656")
	require.NoError(t, err)
	assert.True(t, a.NodeID.IsZero())
	assert.Equal(t, "127.0.0.1:26656", a.DialString())
}

func TestParseAddressInvalid(t *testing.T) {
	_, err := ParseAddress("not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
