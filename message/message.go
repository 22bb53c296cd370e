// Package message defines the framed wire message exchanged by msgnet peers:
// a fixed 16-byte header followed by an opaque body. Bodies are either a single
// fixed-layout value (Put/Get) or a packed sequence of length-prefixed
// fragments (Allocate/Fragments).
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// FragmentPrefixSize is the width of the little-endian length prefix that
// precedes every fragment inside a body.
const FragmentPrefixSize = 8

var (
	// ErrCorruptFragment is returned when a fragment declares more bytes than
	// remain in the body.
	ErrCorruptFragment = errors.New("corrupt fragment")
	// ErrBodySize is returned by Get when the body length does not match the
	// size of the requested type.
	ErrBodySize = errors.New("unexpected message body size")
	// ErrNotTrivial is returned by Put and Get for types without a fixed
	// binary layout.
	ErrNotTrivial = errors.New("type has no fixed binary layout")
)

// Message is one frame: a header plus its body. A message handed to Send must
// not be mutated afterwards; the same value may be written to many
// connections at once during a broadcast.
type Message struct {
	Header Header
	body   []byte
}

// New returns an empty message of the given kind stamped with the current time.
func New(id ID) *Message {
	return &Message{
		Header: Header{
			ID:        id,
			Timestamp: uint64(time.Now().UnixNano()),
		},
	}
}

// NewText returns a message whose body holds one fragment per string.
func NewText(id ID, fragments ...string) *Message {
	m := New(id)
	for _, f := range fragments {
		m.AppendText(f)
	}

	return m
}

// Body returns the raw body bytes.
func (m *Message) Body() []byte {
	return m.body
}

// Size returns the body length in bytes.
func (m *Message) Size() int {
	return len(m.body)
}

// SetBody replaces the body wholesale.
func (m *Message) SetBody(b []byte) {
	m.body = b
	m.sync()
}

// Reset empties the body, keeping the header kind and timestamp.
func (m *Message) Reset() {
	m.body = m.body[:0]
	m.sync()
}

// Clone returns a deep copy that can be mutated independently.
func (m *Message) Clone() *Message {
	c := &Message{Header: m.Header}
	if m.body != nil {
		c.body = append([]byte(nil), m.body...)
	}

	return c
}

// Latency returns how long ago the message was stamped, or zero when the
// header carries no timestamp or the clocks disagree.
func (m *Message) Latency(now time.Time) time.Duration {
	if m.Header.Timestamp == 0 {
		return 0
	}

	d := now.Sub(time.Unix(0, int64(m.Header.Timestamp)))
	if d < 0 {
		return 0
	}

	return d
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%d bytes]", m.Header.ID, len(m.body))
}

// sync restores the header.Size == len(body) invariant.
func (m *Message) sync() {
	m.Header.Size = uint32(len(m.body))
}

// Allocate grows the body by n bytes plus a length prefix, writes the prefix
// and returns the writable n-byte region that follows it.
func (m *Message) Allocate(n int) []byte {
	offset := len(m.body)
	m.body = append(m.body, make([]byte, FragmentPrefixSize+n)...)
	binary.LittleEndian.PutUint64(m.body[offset:], uint64(n))
	m.sync()

	start := offset + FragmentPrefixSize
	return m.body[start : start+n : start+n]
}

// AppendFragment appends p as one length-prefixed fragment.
func (m *Message) AppendFragment(p []byte) {
	copy(m.Allocate(len(p)), p)
}

// AppendText appends s as one length-prefixed fragment.
func (m *Message) AppendText(s string) {
	copy(m.Allocate(len(s)), s)
}

// EachFragment scans the body and calls fn with a view of each fragment until
// fn returns false. Scanning stops once fewer bytes than a length prefix
// remain. The views alias the body.
func (m *Message) EachFragment(fn func(fragment []byte) bool) error {
	remain := m.body
	for len(remain) >= FragmentPrefixSize {
		n := binary.LittleEndian.Uint64(remain)
		remain = remain[FragmentPrefixSize:]
		if uint64(len(remain)) < n {
			return fmt.Errorf("%w: declared %d bytes, %d remain", ErrCorruptFragment, n, len(remain))
		}

		if !fn(remain[:n:n]) {
			return nil
		}
		remain = remain[n:]
	}

	return nil
}

// Fragments decodes every fragment in the body.
func (m *Message) Fragments() ([][]byte, error) {
	var fragments [][]byte
	err := m.EachFragment(func(f []byte) bool {
		fragments = append(fragments, f)
		return true
	})
	if err != nil {
		return nil, err
	}

	return fragments, nil
}

// TextFragments decodes every fragment in the body as a string.
func (m *Message) TextFragments() ([]string, error) {
	var fragments []string
	err := m.EachFragment(func(f []byte) bool {
		fragments = append(fragments, string(f))
		return true
	})
	if err != nil {
		return nil, err
	}

	return fragments, nil
}

// Put replaces the body with the little-endian encoding of v. T must have a
// fixed binary layout (fixed-size integers, floats, bools, arrays and structs
// thereof).
func Put[T any](m *Message, v T) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("%w: %T", ErrNotTrivial, v)
	}

	body := make([]byte, size)
	if _, err := binary.Encode(body, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}

	m.SetBody(body)
	return nil
}

// Get decodes the body as a single value of type T. The body length must be
// exactly the encoded size of T.
func Get[T any](m *Message) (T, error) {
	var v T
	size := binary.Size(v)
	if size < 0 {
		return v, fmt.Errorf("%w: %T", ErrNotTrivial, v)
	}

	if size != len(m.body) {
		return v, fmt.Errorf("%w: want %d bytes for %T, have %d", ErrBodySize, size, v, len(m.body))
	}

	if _, err := binary.Decode(m.body, binary.LittleEndian, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}

	return v, nil
}
