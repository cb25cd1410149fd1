// Package codec provides the byte-sink/byte-source primitives question and
// answer kinds use to serialize and deserialize their instances.
//
// Serialization must be deterministic: two equal instances must produce
// identical bytes, since a fingerprint is uuid ‖ serialize(instance) and is
// used as a persistent store key.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShort is returned when a deserializer tries to read past the end of a
// ByteSource.
var ErrShort = errors.New("codec: read past end of source")

// ErrOverflow is returned when a length-prefixed read would exceed
// MaxLenPrefixed.
var ErrOverflow = errors.New("codec: length prefix exceeds maximum")

// MaxLenPrefixed bounds every length-prefixed byte read. It exists so a
// corrupt or adversarial fingerprint can't make a deserializer allocate an
// unbounded buffer.
const MaxLenPrefixed = 64 << 20 // 64 MiB

// Sink is the write side of the codec contract. Every question/answer kind
// serializes through a Sink so the engine never special-cases a kind's wire
// format.
type Sink interface {
	WriteU8(v uint8)
	WriteU16BE(v uint16)
	WriteU32BE(v uint32)
	WriteU64BE(v uint64)
	WriteBytes(b []byte)
	WriteLenPrefixedBytes(b []byte)
}

// Source is the read side of the codec contract, symmetric with Sink. Every
// Read* method returns an error wrapping ErrShort or ErrOverflow on failure.
type Source interface {
	ReadU8() (uint8, error)
	ReadU16BE() (uint16, error)
	ReadU32BE() (uint32, error)
	ReadU64BE() (uint64, error)
	ReadBytes(n int) ([]byte, error)
	ReadLenPrefixedBytes() ([]byte, error)
}

// BufSink is an in-memory Sink, the concrete type every kind writes into
// before the engine prefixes the result with its kind's UUID to form a
// fingerprint.
type BufSink struct {
	buf []byte
}

// NewBufSink returns an empty BufSink with capacity hint n.
func NewBufSink(n int) *BufSink {
	return &BufSink{buf: make([]byte, 0, n)}
}

// Bytes returns the accumulated serialization.
func (s *BufSink) Bytes() []byte { return s.buf }

func (s *BufSink) WriteU8(v uint8) {
	s.buf = append(s.buf, v)
}

func (s *BufSink) WriteU16BE(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	s.buf = append(s.buf, tmp[:]...)
}

func (s *BufSink) WriteU32BE(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	s.buf = append(s.buf, tmp[:]...)
}

func (s *BufSink) WriteU64BE(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	s.buf = append(s.buf, tmp[:]...)
}

func (s *BufSink) WriteBytes(b []byte) {
	s.buf = append(s.buf, b...)
}

func (s *BufSink) WriteLenPrefixedBytes(b []byte) {
	s.WriteU32BE(uint32(len(b)))
	s.WriteBytes(b)
}

// BufSource is an in-memory Source reading sequentially over a byte slice.
type BufSource struct {
	buf []byte
	pos int
}

// NewBufSource wraps b for sequential reads. b is not copied; callers must
// not mutate it while the Source is in use.
func NewBufSource(b []byte) *BufSource {
	return &BufSource{buf: b}
}

// Remaining reports how many bytes are left unread. A deserializer that
// finishes with Remaining() != 0 read a well-formed but over-long instance.
// Nothing in this module checks it after deserializing; trailing bytes are
// ignored.
func (s *BufSource) Remaining() int { return len(s.buf) - s.pos }

func (s *BufSource) take(n int) ([]byte, error) {
	if n < 0 || s.pos+n > len(s.buf) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShort, n, s.Remaining())
	}
	b := s.buf[s.pos : s.pos+n]
	s.pos += n
	return b, nil
}

func (s *BufSource) ReadU8() (uint8, error) {
	b, err := s.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *BufSource) ReadU16BE() (uint16, error) {
	b, err := s.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (s *BufSource) ReadU32BE() (uint32, error) {
	b, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (s *BufSource) ReadU64BE() (uint64, error) {
	b, err := s.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (s *BufSource) ReadBytes(n int) ([]byte, error) {
	b, err := s.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (s *BufSource) ReadLenPrefixedBytes() ([]byte, error) {
	n, err := s.ReadU32BE()
	if err != nil {
		return nil, err
	}
	if n > MaxLenPrefixed {
		return nil, fmt.Errorf("%w: %d > %d", ErrOverflow, n, MaxLenPrefixed)
	}
	return s.ReadBytes(int(n))
}

// WriteString is a convenience helper kinds use for UTF-8 string fields.
func WriteString(s Sink, v string) {
	s.WriteLenPrefixedBytes([]byte(v))
}

// ReadString is the symmetric counterpart of WriteString.
func ReadString(s Source) (string, error) {
	b, err := s.ReadLenPrefixedBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
