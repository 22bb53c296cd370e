package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// HeaderSize is the encoded size of a Header.
//
// Layout (little-endian, no padding):
//
//	[0:4]  id        uint32
//	[4:8]  size      uint32  byte count of the body that follows
//	[8:16] timestamp uint64  nanoseconds since the Unix epoch
const HeaderSize = 16

var (
	// ErrShortHeader is returned by ParseHeader for inputs shorter than HeaderSize.
	ErrShortHeader = errors.New("short header")
	// ErrFrameTooLarge is returned when a header declares a body larger than
	// the reader accepts.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Header precedes every body on the wire.
type Header struct {
	ID        ID
	Size      uint32
	Timestamp uint64
}

// AppendHeader appends the encoding of h to b.
func AppendHeader(b []byte, h Header) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(h.ID))
	b = binary.LittleEndian.AppendUint32(b, h.Size)
	return binary.LittleEndian.AppendUint64(b, h.Timestamp)
}

// ParseHeader decodes the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}

	return Header{
		ID:        ID(binary.LittleEndian.Uint32(b[0:4])),
		Size:      binary.LittleEndian.Uint32(b[4:8]),
		Timestamp: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

// Buffers returns the frame as a [header, body] pair suitable for a single
// vectored write. The header is encoded with the current body length.
func (m *Message) Buffers() net.Buffers {
	h := m.Header
	h.Size = uint32(len(m.body))
	header := AppendHeader(make([]byte, 0, HeaderSize), h)

	if len(m.body) == 0 {
		return net.Buffers{header}
	}

	return net.Buffers{header, m.body}
}

// WriteTo writes the whole frame to w. On a *net.TCPConn this is one writev.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	bufs := m.Buffers()
	return bufs.WriteTo(w)
}

// ReadMessage reads exactly one frame from r. A maxBody of zero disables the
// size check; otherwise frames declaring a larger body fail with
// ErrFrameTooLarge before any body bytes are read.
func ReadMessage(r io.Reader, maxBody uint32) (*Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	h, err := ParseHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	if maxBody > 0 && h.Size > maxBody {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, h.Size, maxBody)
	}

	m := &Message{Header: h}
	if h.Size > 0 {
		m.body = make([]byte, h.Size)
		if _, err := io.ReadFull(r, m.body); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return m, nil
}
