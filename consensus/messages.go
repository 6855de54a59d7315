// Package consensus restores the router's external messaging contract
// (the Reactor interface) and provides three demonstration reactors for
// exercising it end-to-end. It contains no BFT round/height/lock-release
// logic; that remains out of scope.
package consensus

import (
	"encoding/binary"
	"fmt"
)

// PingPongMessage carries either a liveness probe or its matching reply,
// both directions sharing one channel and one wire shape.
type PingPongMessage struct {
	Nonce uint64
	Pong  bool
}

func (m *PingPongMessage) Reset()      { *m = PingPongMessage{} }
func (*PingPongMessage) ProtoMessage() {}
func (m *PingPongMessage) String() string {
	if m.Pong {
		return fmt.Sprintf("Pong{nonce:%d}", m.Nonce)
	}
	return fmt.Sprintf("Ping{nonce:%d}", m.Nonce)
}

func (m *PingPongMessage) Marshal() ([]byte, error) {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf, m.Nonce)
	if m.Pong {
		buf[8] = 1
	}
	return buf, nil
}

func (m *PingPongMessage) Unmarshal(data []byte) error {
	if len(data) != 9 {
		return fmt.Errorf("consensus: malformed PingPongMessage (%d bytes)", len(data))
	}
	m.Nonce = binary.LittleEndian.Uint64(data)
	m.Pong = data[8] != 0
	return nil
}

// EchoMessage is broadcast back verbatim by EchoReactor, and carried inside
// a SignedMessage by SignedEchoReactor.
type EchoMessage struct {
	Payload []byte
}

func (m *EchoMessage) Reset()         { *m = EchoMessage{} }
func (m *EchoMessage) String() string { return fmt.Sprintf("Echo{%d bytes}", len(m.Payload)) }
func (*EchoMessage) ProtoMessage()    {}

func (m *EchoMessage) Marshal() ([]byte, error) {
	return append([]byte(nil), m.Payload...), nil
}

func (m *EchoMessage) Unmarshal(data []byte) error {
	m.Payload = append([]byte(nil), data...)
	return nil
}
