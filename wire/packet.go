package wire

import (
	"errors"
	"fmt"
)

// ErrUnknownPacket is returned when decoding a Packet whose oneof tag does
// not match any known sum type (spec.md §7, Protocol errors).
var ErrUnknownPacket = errors.New("wire: unknown packet kind")

// PacketPing keeps the connection alive; the receiver answers with a
// PacketPong (spec.md §4.3).
type PacketPing struct{}

func (*PacketPing) Size() int                { return 0 }
func (*PacketPing) MarshalAppend(d []byte) []byte { return d }
func (*PacketPing) Unmarshal([]byte) error   { return nil }

// PacketPong answers a PacketPing; receipt of any packet (ping, pong or msg)
// resets the pong-timeout deadline.
type PacketPong struct{}

func (*PacketPong) Size() int                { return 0 }
func (*PacketPong) MarshalAppend(d []byte) []byte { return d }
func (*PacketPong) Unmarshal([]byte) error   { return nil }

// PacketMsg carries one fragment of a reactor-channel message.
type PacketMsg struct {
	ChannelID int32
	EOF       bool
	Data      []byte
}

func (m *PacketMsg) Size() int {
	if m == nil {
		return 0
	}
	return sizeVarintField(1, uint64(uint32(m.ChannelID))) + sizeBoolField(2, m.EOF) + sizeBytesField(3, m.Data)
}

func (m *PacketMsg) MarshalAppend(dst []byte) []byte {
	if m == nil {
		return dst
	}
	dst = appendVarintField(dst, 1, uint64(uint32(m.ChannelID)))
	dst = appendBoolField(dst, 2, m.EOF)
	dst = appendBytesField(dst, 3, m.Data)
	return dst
}

func (m *PacketMsg) Unmarshal(data []byte) error {
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
			m.ChannelID = int32(v)
		case fieldNum == 2 && wireType == wireVarint:
			v, err := r.readVarint()
			if err != nil {
				return err
			}
			m.EOF = v != 0
		case fieldNum == 3 && wireType == wireBytes:
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			m.Data = append([]byte(nil), b...)
		default:
			if err := r.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// Packet is the tagged union { PacketPing | PacketPong | PacketMsg }
// transmitted as uleb128(len) || packet_bytes (spec.md §6).
type Packet struct {
	Ping *PacketPing
	Pong *PacketPong
	Msg  *PacketMsg
}

func (m *Packet) Reset()      { *m = Packet{} }
func (*Packet) ProtoMessage() {}
func (m *Packet) String() string {
	switch {
	case m.Ping != nil:
		return "Packet{ping}"
	case m.Pong != nil:
		return "Packet{pong}"
	case m.Msg != nil:
		return fmt.Sprintf("Packet{msg ch=%d eof=%v len=%d}", m.Msg.ChannelID, m.Msg.EOF, len(m.Msg.Data))
	default:
		return "Packet{empty}"
	}
}

func (m *Packet) Size() int {
	if m == nil {
		return 0
	}
	switch {
	case m.Ping != nil:
		s := m.Ping.Size()
		return sizeVarint(encodeKey(1, wireBytes)) + sizeVarint(uint64(s)) + s
	case m.Pong != nil:
		s := m.Pong.Size()
		return sizeVarint(encodeKey(2, wireBytes)) + sizeVarint(uint64(s)) + s
	case m.Msg != nil:
		s := m.Msg.Size()
		return sizeVarint(encodeKey(3, wireBytes)) + sizeVarint(uint64(s)) + s
	default:
		return 0
	}
}

func (m *Packet) Marshal() ([]byte, error) { return m.MarshalAppend(nil) }

func (m *Packet) MarshalAppend(dst []byte) ([]byte, error) {
	if m == nil {
		return dst, nil
	}
	switch {
	case m.Ping != nil:
		dst = appendKey(dst, 1, wireBytes)
		dst = appendVarint(dst, uint64(m.Ping.Size()))
		dst = m.Ping.MarshalAppend(dst)
	case m.Pong != nil:
		dst = appendKey(dst, 2, wireBytes)
		dst = appendVarint(dst, uint64(m.Pong.Size()))
		dst = m.Pong.MarshalAppend(dst)
	case m.Msg != nil:
		dst = appendKey(dst, 3, wireBytes)
		dst = appendVarint(dst, uint64(m.Msg.Size()))
		dst = m.Msg.MarshalAppend(dst)
	default:
		return nil, ErrUnknownPacket
	}
	return dst, nil
}

func (m *Packet) Unmarshal(data []byte) error {
	r := newTagReader(data)
	for !r.done() {
		fieldNum, wireType, err := r.readTag()
		if err != nil {
			return err
		}
		if wireType != wireBytes {
			if err := r.skip(wireType); err != nil {
				return err
			}
			continue
		}
		b, err := r.readBytes()
		if err != nil {
			return err
		}
		switch fieldNum {
		case 1:
			m.Ping = &PacketPing{}
		case 2:
			m.Pong = &PacketPong{}
		case 3:
			msg := &PacketMsg{}
			if err := msg.Unmarshal(b); err != nil {
				return err
			}
			m.Msg = msg
		default:
			// unknown field: already consumed via readBytes, ignore.
		}
	}
	if m.Ping == nil && m.Pong == nil && m.Msg == nil {
		return ErrUnknownPacket
	}
	return nil
}
