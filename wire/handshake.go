package wire

import "fmt"

// BytesValue wraps a single bytes field, matching the well-known
// google.protobuf.BytesValue message used to carry the ephemeral X25519
// public key during the secret-connection handshake.
type BytesValue struct {
	Value []byte
}

func (m *BytesValue) Reset()         { *m = BytesValue{} }
func (m *BytesValue) String() string { return fmt.Sprintf("BytesValue{%d bytes}", len(m.Value)) }
func (*BytesValue) ProtoMessage()    {}

func (m *BytesValue) Size() int {
	if m == nil {
		return 0
	}
	return sizeBytesField(1, m.Value)
}

func (m *BytesValue) Marshal() ([]byte, error) {
	return m.MarshalAppend(nil)
}

func (m *BytesValue) MarshalAppend(dst []byte) ([]byte, error) {
	if m == nil {
		return dst, nil
	}
	return appendBytesField(dst, 1, m.Value), nil
}

func (m *BytesValue) Unmarshal(data []byte) error {
	r := newTagReader(data)
	for !r.done() {
		fieldNum, wireType, err := r.readTag()
		if err != nil {
			return err
		}
		if fieldNum == 1 && wireType == wireBytes {
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			m.Value = append([]byte(nil), b...)
			continue
		}
		if err := r.skip(wireType); err != nil {
			return err
		}
	}
	return nil
}

// PubKey is the oneof-free, Ed25519-only public key carrier used by
// AuthSigMessage. Tendermint's real proto supports multiple key types via a
// oneof; this transport only ever negotiates Ed25519 node identities, so the
// oneof collapses to a single field kept here for wire compatibility with
// the field layout described in spec.md §6.
type PubKey struct {
	Ed25519 []byte
}

func (m *PubKey) Reset()         { *m = PubKey{} }
func (m *PubKey) String() string { return fmt.Sprintf("PubKey{ed25519:%d bytes}", len(m.Ed25519)) }
func (*PubKey) ProtoMessage()    {}

func (m *PubKey) Size() int {
	if m == nil {
		return 0
	}
	return sizeBytesField(1, m.Ed25519)
}

func (m *PubKey) MarshalAppend(dst []byte) []byte {
	if m == nil {
		return dst
	}
	return appendBytesField(dst, 1, m.Ed25519)
}

func (m *PubKey) Unmarshal(data []byte) error {
	r := newTagReader(data)
	for !r.done() {
		fieldNum, wireType, err := r.readTag()
		if err != nil {
			return err
		}
		if fieldNum == 1 && wireType == wireBytes {
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			m.Ed25519 = append([]byte(nil), b...)
			continue
		}
		if err := r.skip(wireType); err != nil {
			return err
		}
	}
	return nil
}

// AuthSigMessage carries the long-term public key and the signature over the
// transcript challenge, exchanged in the clear immediately after the
// ephemeral key swap (see conn.SecretConnection and DESIGN.md's Open
// Question #1).
type AuthSigMessage struct {
	PubKey PubKey
	Sig    []byte
}

func (m *AuthSigMessage) Reset()      { *m = AuthSigMessage{} }
func (*AuthSigMessage) ProtoMessage() {}
func (m *AuthSigMessage) String() string {
	return fmt.Sprintf("AuthSigMessage{pubkey:%d sig:%d}", len(m.PubKey.Ed25519), len(m.Sig))
}

func (m *AuthSigMessage) Size() int {
	if m == nil {
		return 0
	}
	n := 0
	if s := m.PubKey.Size(); s > 0 {
		n += sizeVarint(encodeKey(1, wireBytes)) + sizeVarint(uint64(s)) + s
	}
	n += sizeBytesField(2, m.Sig)
	return n
}

func (m *AuthSigMessage) Marshal() ([]byte, error) {
	return m.MarshalAppend(nil)
}

func (m *AuthSigMessage) MarshalAppend(dst []byte) ([]byte, error) {
	if m == nil {
		return dst, nil
	}
	if s := m.PubKey.Size(); s > 0 {
		dst = appendKey(dst, 1, wireBytes)
		dst = appendVarint(dst, uint64(s))
		dst = m.PubKey.MarshalAppend(dst)
	}
	dst = appendBytesField(dst, 2, m.Sig)
	return dst, nil
}

func (m *AuthSigMessage) Unmarshal(data []byte) error {
	r := newTagReader(data)
	for !r.done() {
		fieldNum, wireType, err := r.readTag()
		if err != nil {
			return err
		}
		switch {
		case fieldNum == 1 && wireType == wireBytes:
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			if err := m.PubKey.Unmarshal(b); err != nil {
				return err
			}
		case fieldNum == 2 && wireType == wireBytes:
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			m.Sig = append([]byte(nil), b...)
		default:
			if err := r.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}
