package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

var (
	// ErrShortRead is returned when a field runs past the end of the payload.
	ErrShortRead = errors.New("packet: short read")
	// ErrBadLength is returned for negative or oversized length prefixes.
	ErrBadLength = errors.New("packet: bad length prefix")
)

// MaxStringLen caps length-prefixed strings read from the wire.
const MaxStringLen = 4096

// Reader reads little-endian packet fields. The first failure sticks: every
// later read returns a zero value and Err reports the original cause.
type Reader struct {
	data []byte
	off  int
	err  error
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.fail(fmt.Errorf("%w: need %d bytes at offset %d of %d", ErrShortRead, n, r.off, len(r.data)))
		r.off = len(r.data)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// ReadUint8 reads 1 unsigned byte.
func (r *Reader) ReadUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadBool reads 1 byte; any non-zero value is true.
func (r *Reader) ReadBool() bool {
	return r.ReadUint8() != 0
}

// ReadInt32 reads 4 bytes as little-endian int32.
func (r *Reader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

// ReadUint32 reads 4 bytes as little-endian uint32.
func (r *Reader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadInt64 reads 8 bytes as little-endian int64.
func (r *Reader) ReadInt64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

// ReadFloat64 reads the IEEE-754 bit pattern written by WriteFloat64.
func (r *Reader) ReadFloat64() float64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// ReadCount reads an int32 element count and checks it against max.
func (r *Reader) ReadCount(max int) int {
	n := r.ReadInt32()
	if r.err != nil {
		return 0
	}
	if n < 0 || int(n) > max {
		r.fail(fmt.Errorf("%w: count %d (max %d)", ErrBadLength, n, max))
		return 0
	}
	return int(n)
}

// ReadString reads an int32 byte length followed by UTF-8 bytes.
func (r *Reader) ReadString() string {
	n := r.ReadCount(MaxStringLen)
	b := r.take(n)
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.fail(fmt.Errorf("packet: invalid utf-8 string at offset %d", r.off-n))
		return ""
	}
	return string(b)
}

// ReadBytes reads an int32 length followed by that many raw bytes (copied).
func (r *Reader) ReadBytes(max int) []byte {
	n := r.ReadCount(max)
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

func (r *Reader) Err() error { return r.err }
