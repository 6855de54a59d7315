package wire

import "fmt"

// ProtocolVersion is the {p2p,block,app} version triple two peers compare
// during handshake to decide compatibility (spec.md §3).
type ProtocolVersion struct {
	P2P   uint64
	Block uint64
	App   uint64
}

func (m *ProtocolVersion) Size() int {
	if m == nil {
		return 0
	}
	return sizeVarintField(1, m.P2P) + sizeVarintField(2, m.Block) + sizeVarintField(3, m.App)
}

func (m *ProtocolVersion) MarshalAppend(dst []byte) []byte {
	if m == nil {
		return dst
	}
	dst = appendVarintField(dst, 1, m.P2P)
	dst = appendVarintField(dst, 2, m.Block)
	dst = appendVarintField(dst, 3, m.App)
	return dst
}

func (m *ProtocolVersion) Unmarshal(data []byte) error {
	r := newTagReader(data)
	for !r.done() {
		fieldNum, wireType, err := r.readTag()
		if err != nil {
			return err
		}
		switch {
		case fieldNum == 1 && wireType == wireVarint:
			v, err := r.readVarint()
			if err != nil {
				return err
			}
			m.P2P = v
		case fieldNum == 2 && wireType == wireVarint:
			v, err := r.readVarint()
			if err != nil {
				return err
			}
			m.Block = v
		case fieldNum == 3 && wireType == wireVarint:
			v, err := r.readVarint()
			if err != nil {
				return err
			}
			m.App = v
		default:
			if err := r.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// NodeInfoOther carries the two free-form fields Tendermint's real NodeInfo
// advertises alongside the rest of the handshake payload.
type NodeInfoOther struct {
	TxIndex    string
	RPCAddress string
}

func (m *NodeInfoOther) Size() int {
	if m == nil {
		return 0
	}
	return sizeStringField(1, m.TxIndex) + sizeStringField(2, m.RPCAddress)
}

func (m *NodeInfoOther) MarshalAppend(dst []byte) []byte {
	if m == nil {
		return dst
	}
	dst = appendStringField(dst, 1, m.TxIndex)
	dst = appendStringField(dst, 2, m.RPCAddress)
	return dst
}

func (m *NodeInfoOther) Unmarshal(data []byte) error {
	r := newTagReader(data)
	for !r.done() {
		fieldNum, wireType, err := r.readTag()
		if err != nil {
			return err
		}
		switch {
		case fieldNum == 1 && wireType == wireBytes:
			s, err := r.readString()
			if err != nil {
				return err
			}
			m.TxIndex = s
		case fieldNum == 2 && wireType == wireBytes:
			s, err := r.readString()
			if err != nil {
				return err
			}
			m.RPCAddress = s
		default:
			if err := r.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// NodeInfo is exchanged over the encrypted stream immediately after
// AuthSigMessage (spec.md §3, §6).
type NodeInfo struct {
	ProtocolVersion ProtocolVersion
	NodeID          string
	ListenAddr      string
	Network         string
	Version         string
	Channels        []byte // one byte per advertised ChannelID
	Moniker         string
	Other           NodeInfoOther
}

func (m *NodeInfo) Reset()      { *m = NodeInfo{} }
func (*NodeInfo) ProtoMessage() {}
func (m *NodeInfo) String() string {
	return fmt.Sprintf("NodeInfo{id:%s net:%s moniker:%s channels:%d}", m.NodeID, m.Network, m.Moniker, len(m.Channels))
}

func (m *NodeInfo) Size() int {
	if m == nil {
		return 0
	}
	n := 0
	if s := m.ProtocolVersion.Size(); s > 0 {
		n += sizeVarint(encodeKey(1, wireBytes)) + sizeVarint(uint64(s)) + s
	}
	n += sizeStringField(2, m.NodeID)
	n += sizeStringField(3, m.ListenAddr)
	n += sizeStringField(4, m.Network)
	n += sizeStringField(5, m.Version)
	n += sizeBytesField(6, m.Channels)
	n += sizeStringField(7, m.Moniker)
	if s := m.Other.Size(); s > 0 {
		n += sizeVarint(encodeKey(8, wireBytes)) + sizeVarint(uint64(s)) + s
	}
	return n
}

func (m *NodeInfo) Marshal() ([]byte, error) { return m.MarshalAppend(nil) }

func (m *NodeInfo) MarshalAppend(dst []byte) ([]byte, error) {
	if m == nil {
		return dst, nil
	}
	if s := m.ProtocolVersion.Size(); s > 0 {
		dst = appendKey(dst, 1, wireBytes)
		dst = appendVarint(dst, uint64(s))
		dst = m.ProtocolVersion.MarshalAppend(dst)
	}
	dst = appendStringField(dst, 2, m.NodeID)
	dst = appendStringField(dst, 3, m.ListenAddr)
	dst = appendStringField(dst, 4, m.Network)
	dst = appendStringField(dst, 5, m.Version)
	dst = appendBytesField(dst, 6, m.Channels)
	dst = appendStringField(dst, 7, m.Moniker)
	if s := m.Other.Size(); s > 0 {
		dst = appendKey(dst, 8, wireBytes)
		dst = appendVarint(dst, uint64(s))
		dst = m.Other.MarshalAppend(dst)
	}
	return dst, nil
}

func (m *NodeInfo) Unmarshal(data []byte) error {
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
			if err := m.ProtocolVersion.Unmarshal(b); err != nil {
				return err
			}
		case fieldNum == 2 && wireType == wireBytes:
			s, err := r.readString()
			if err != nil {
				return err
			}
			m.NodeID = s
		case fieldNum == 3 && wireType == wireBytes:
			s, err := r.readString()
			if err != nil {
				return err
			}
			m.ListenAddr = s
		case fieldNum == 4 && wireType == wireBytes:
			s, err := r.readString()
			if err != nil {
				return err
			}
			m.Network = s
		case fieldNum == 5 && wireType == wireBytes:
			s, err := r.readString()
			if err != nil {
				return err
			}
			m.Version = s
		case fieldNum == 6 && wireType == wireBytes:
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			m.Channels = append([]byte(nil), b...)
		case fieldNum == 7 && wireType == wireBytes:
			s, err := r.readString()
			if err != nil {
				return err
			}
			m.Moniker = s
		case fieldNum == 8 && wireType == wireBytes:
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			if err := m.Other.Unmarshal(b); err != nil {
				return err
			}
		default:
			if err := r.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// Compatible reports whether two NodeInfos may establish a connection
// (spec.md §3: network strings match and block protocol versions match).
func (m *NodeInfo) Compatible(other *NodeInfo) bool {
	return m.Network == other.Network && m.ProtocolVersion.Block == other.ProtocolVersion.Block
}

// HasChannel reports whether ch is present in the advertised channel set.
func (m *NodeInfo) HasChannel(ch byte) bool {
	for _, c := range m.Channels {
		if c == ch {
			return true
		}
	}
	return false
}
