package buffer

import (
	"encoding/binary"
	"io"
	"math"
	"strings"
	"unicode/utf8"
)

// Reader is a bounds-checked, cursor-based big-endian decoder over an
// immutable byte range. A read that asks for more bytes than remain fails
// with ErrOutOfRange and does not move the cursor.
type Reader struct {
	buf []byte
	pos int
}

// NewReader creates a Reader over b. The Reader never modifies b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Len returns the size of the underlying range.
func (r *Reader) Len() int { return len(r.buf) }

// Position returns the read cursor.
func (r *Reader) Position() int { return r.pos }

// Remaining returns the number of bytes left after the cursor.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || n > len(r.buf)-r.pos {
		return nil, ErrOutOfRange
	}
	b := r.buf[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadUint8 reads one byte.
func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadInt8 reads one signed byte.
func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

// ReadBool reads one byte; any non-zero value is true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

// ReadUint16 reads a big-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadInt16 reads a big-endian int16.
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadUint32 reads a big-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadInt32 reads a big-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a big-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadInt64 reads a big-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadFloat32 reads a big-endian IEEE 754 float32.
func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ReadFloat64 reads a big-endian IEEE 754 float64.
func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// ReadBytes reads n bytes. The returned slice aliases the Reader's range.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.take(n)
}

// ReadUTFBytes reads n bytes as UTF-8 text.
func (r *Reader) ReadUTFBytes(n int) (string, error) {
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	return decodeUTF8(b), nil
}

// ReadUTF reads a string with a 16-bit length prefix.
func (r *Reader) ReadUTF() (string, error) {
	start := r.pos
	n, err := r.ReadUint16()
	if err != nil {
		return "", err
	}
	s, err := r.ReadUTFBytes(int(n))
	if err != nil {
		r.pos = start
		return "", err
	}
	return s, nil
}

// ReadBigUTF reads a string with a 32-bit length prefix.
func (r *Reader) ReadBigUTF() (string, error) {
	start := r.pos
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(r.Remaining()) {
		r.pos = start
		return "", ErrOutOfRange
	}
	s, err := r.ReadUTFBytes(int(n))
	if err != nil {
		r.pos = start
		return "", err
	}
	return s, nil
}

func decodeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// Seek implements io.Seeker. Seeking from the end moves to Len - |offset|.
// Positions outside [0, Len()] fail with ErrInvalidSeek.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = int64(r.pos) + offset
	case io.SeekEnd:
		if offset < 0 {
			offset = -offset
		}
		target = int64(len(r.buf)) - offset
	default:
		return int64(r.pos), ErrInvalidSeek
	}
	if target < 0 || target > int64(len(r.buf)) {
		return int64(r.pos), ErrInvalidSeek
	}
	r.pos = int(target)
	return target, nil
}
