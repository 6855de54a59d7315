// Package conn implements the authenticated transport primitives of
// spec.md §4: the ULEB128-framed byte stream (C1), the encrypted secret
// connection handshake built on top of it (C2), and the multiplexed
// MConnection protocol built on top of that (C3).
package conn

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxFrameLength caps a single ULEB128-length-prefixed frame (spec.md §4.1:
// "a length-delimited frame, capped to prevent a peer from driving unbounded
// allocation"). 32MB mirrors the teacher's MaxMessageLength in
// agent-tcp/tcp_peer.go, generalized from its fixed 4-byte length prefix to
// a ULEB128 varint prefix capped at 10 bytes.
const MaxFrameLength = 32 * 1024 * 1024

// maxVarintBytes bounds the length of the ULEB128 prefix itself.
const maxVarintBytes = 10

// ErrFrameTooLarge is returned when a peer announces a frame length in
// excess of MaxFrameLength.
var ErrFrameTooLarge = errors.New("conn: frame exceeds maximum length")

// ErrZeroLengthFrame mirrors the teacher's readLoop treating a zero-length
// frame as a protocol violation rather than a legitimate empty message.
var ErrZeroLengthFrame = errors.New("conn: zero-length frame")

// FramedConn wraps a net.Conn in buffered ULEB128 length-prefixed framing.
// It is the thinnest layer of the transport stack: it knows nothing about
// encryption, multiplexing, or peer identity, only "read one frame" and
// "write one frame".
type FramedConn struct {
	net.Conn
	r *bufio.Reader
	w *bufio.Writer

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewFramedConn wraps conn with buffered ULEB128 framing. readTimeout and
// writeTimeout are applied as rolling per-operation deadlines (spec.md §4.1);
// a zero value disables the corresponding deadline.
func NewFramedConn(c net.Conn, readTimeout, writeTimeout time.Duration) *FramedConn {
	return &FramedConn{
		Conn:         c,
		r:            bufio.NewReader(c),
		w:            bufio.NewWriter(c),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadFrame reads one ULEB128-length-prefixed frame and returns its payload.
func (f *FramedConn) ReadFrame() ([]byte, error) {
	if f.readTimeout > 0 {
		if err := f.Conn.SetReadDeadline(time.Now().Add(f.readTimeout)); err != nil {
			return nil, err
		}
	}

	length, err := readUvarint(f.r)
	if err != nil {
		return nil, fmt.Errorf("conn: read frame length: %w", err)
	}
	if length == 0 {
		return nil, ErrZeroLengthFrame
	}
	if length > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, fmt.Errorf("conn: read frame body: %w", err)
	}
	return buf, nil
}

// WriteFrame writes payload as one ULEB128-length-prefixed frame and flushes
// immediately. Callers that issue several writes in quick succession (e.g.
// MConnection's batched sends) should use WriteFrameNoFlush and Flush
// instead, to coalesce those writes into a single syscall.
func (f *FramedConn) WriteFrame(payload []byte) error {
	if err := f.WriteFrameNoFlush(payload); err != nil {
		return err
	}
	return f.Flush()
}

// WriteFrameNoFlush writes payload as one ULEB128-length-prefixed frame into
// the buffered writer without flushing it to the underlying net.Conn.
func (f *FramedConn) WriteFrameNoFlush(payload []byte) error {
	if len(payload) == 0 {
		return ErrZeroLengthFrame
	}
	if len(payload) > MaxFrameLength {
		return ErrFrameTooLarge
	}
	if f.writeTimeout > 0 {
		if err := f.Conn.SetWriteDeadline(time.Now().Add(f.writeTimeout)); err != nil {
			return err
		}
	}

	var lenBuf [maxVarintBytes]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	if _, err := f.w.Write(lenBuf[:n]); err != nil {
		return fmt.Errorf("conn: write frame length: %w", err)
	}
	if _, err := f.w.Write(payload); err != nil {
		return fmt.Errorf("conn: write frame body: %w", err)
	}
	return nil
}

// Flush pushes any buffered, unflushed frame writes out to the underlying
// net.Conn.
func (f *FramedConn) Flush() error {
	return f.w.Flush()
}

// readUvarint reads a ULEB128 varint from r, capped at maxVarintBytes to
// bound how much a malicious peer can make us buffer before failing.
func readUvarint(r io.ByteReader) (uint64, error) {
	var v uint64
	var shift uint
	for i := 0; i < maxVarintBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if i == maxVarintBytes-1 && b >= 0x80 {
			return 0, errors.New("conn: varint overflows 64 bits")
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
	}
	return 0, errors.New("conn: varint too long")
}
