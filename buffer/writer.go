package buffer

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// MaxCapacity is the largest backing storage a Writer will allocate.
const MaxCapacity = math.MaxInt32

// Capacity errors. A failed operation leaves the Writer or Reader unchanged.
var (
	// ErrOutOfMemory is returned when growing a Writer would exceed MaxCapacity.
	ErrOutOfMemory = errors.New("buffer: allocation exceeds maximum capacity")
	// ErrOutOfRange is returned when a read requests more bytes than remain.
	ErrOutOfRange = errors.New("buffer: read out of range")
	// ErrInvalidSeek is returned for a seek to a negative or out of range position.
	ErrInvalidSeek = errors.New("buffer: invalid seek position")
	// ErrStringTooLong is returned when a string does not fit its length prefix.
	ErrStringTooLong = errors.New("buffer: string too long for length prefix")
)

// Writer is an append-only, growable, big-endian encoder.
//
// Position is the write cursor, Cap the size of the backing storage and Len
// the high-water mark of bytes actually written. The logical contents are
// always [0, Len()). A Writer is not safe for concurrent use.
type Writer struct {
	buf   []byte
	lease *Lease
	pool  *Pool

	pos  int
	high int
}

// NewWriter creates a Writer with no storage. Storage is rented from pool on
// the first write; a nil pool uses plain allocations.
func NewWriter(pool *Pool) *Writer {
	return &Writer{pool: pool}
}

// NewWriterSize creates a Writer with at least size bytes of storage.
func NewWriterSize(pool *Pool, size int) *Writer {
	w := NewWriter(pool)
	if size > 0 {
		w.resize(size)
	}
	return w
}

// nextCapacity returns the capacity to grow to when n more bytes must fit.
func nextCapacity(capacity, n int) (int, error) {
	grow := n
	if capacity > grow {
		grow = capacity
	}
	if grow == 0 {
		grow = minClassSize
	}
	if grow < 0 || grow > MaxCapacity-capacity {
		return 0, ErrOutOfMemory
	}
	return capacity + grow, nil
}

func (w *Writer) resize(size int) {
	var (
		nb    []byte
		lease *Lease
	)
	if w.pool != nil {
		lease = w.pool.Rent(size)
		nb = lease.Bytes()
		nb = nb[:cap(nb)]
	} else {
		nb = make([]byte, size)
	}
	copy(nb, w.buf[:w.high])
	w.lease.Release()
	w.buf, w.lease = nb, lease
}

// ensure grows the storage when fewer than n bytes are free past Position.
func (w *Writer) ensure(n int) error {
	if len(w.buf)-w.pos >= n && len(w.buf) > 0 {
		return nil
	}
	size, err := nextCapacity(len(w.buf), n)
	if err != nil {
		return err
	}
	w.resize(size)
	return nil
}

// reserve returns the n bytes at Position and advances past them.
func (w *Writer) reserve(n int) ([]byte, error) {
	if err := w.ensure(n); err != nil {
		return nil, err
	}
	if w.pos > w.high {
		clear(w.buf[w.high:w.pos])
	}
	b := w.buf[w.pos : w.pos+n]
	w.pos += n
	if w.pos > w.high {
		w.high = w.pos
	}
	return b, nil
}

// Position returns the write cursor.
func (w *Writer) Position() int { return w.pos }

// Len returns the high-water mark, the length of the logical contents.
func (w *Writer) Len() int { return w.high }

// Cap returns the size of the backing storage.
func (w *Writer) Cap() int { return len(w.buf) }

// WriteUint8 appends v.
func (w *Writer) WriteUint8(v uint8) error {
	b, err := w.reserve(1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// WriteInt8 appends v.
func (w *Writer) WriteInt8(v int8) error {
	return w.WriteUint8(uint8(v))
}

// WriteBool appends v as 0x01 or 0x00.
func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteUint8(1)
	}
	return w.WriteUint8(0)
}

// WriteUint16 appends v in big-endian order.
func (w *Writer) WriteUint16(v uint16) error {
	b, err := w.reserve(2)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b, v)
	return nil
}

// WriteInt16 appends v in big-endian order.
func (w *Writer) WriteInt16(v int16) error {
	return w.WriteUint16(uint16(v))
}

// WriteUint32 appends v in big-endian order.
func (w *Writer) WriteUint32(v uint32) error {
	b, err := w.reserve(4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b, v)
	return nil
}

// WriteInt32 appends v in big-endian order.
func (w *Writer) WriteInt32(v int32) error {
	return w.WriteUint32(uint32(v))
}

// WriteUint64 appends v in big-endian order.
func (w *Writer) WriteUint64(v uint64) error {
	b, err := w.reserve(8)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b, v)
	return nil
}

// WriteInt64 appends v in big-endian order.
func (w *Writer) WriteInt64(v int64) error {
	return w.WriteUint64(uint64(v))
}

// WriteFloat32 appends the IEEE 754 bits of v in big-endian order.
func (w *Writer) WriteFloat32(v float32) error {
	return w.WriteUint32(math.Float32bits(v))
}

// WriteFloat64 appends the IEEE 754 bits of v in big-endian order.
func (w *Writer) WriteFloat64(v float64) error {
	return w.WriteUint64(math.Float64bits(v))
}

// WriteBytes appends p unchanged.
func (w *Writer) WriteBytes(p []byte) error {
	b, err := w.reserve(len(p))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.WriteBytes(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteUTFBytes appends the UTF-8 bytes of s without a length prefix.
func (w *Writer) WriteUTFBytes(s string) error {
	b, err := w.reserve(len(s))
	if err != nil {
		return err
	}
	copy(b, s)
	return nil
}

// WriteUTF appends s with a 16-bit length prefix.
func (w *Writer) WriteUTF(s string) error {
	if len(s) > math.MaxUint16 {
		return ErrStringTooLong
	}
	b, err := w.reserve(2 + len(s))
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	copy(b[2:], s)
	return nil
}

// WriteBigUTF appends s with a 32-bit length prefix.
func (w *Writer) WriteBigUTF(s string) error {
	if uint64(len(s)) > math.MaxUint32 {
		return ErrStringTooLong
	}
	b, err := w.reserve(4 + len(s))
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b, uint32(len(s)))
	copy(b[4:], s)
	return nil
}

// Seek implements io.Seeker. Seeking from the start or the current position
// past Cap grows the storage so that a following write succeeds. Seeking from
// the end moves to Cap - |offset| and never grows. Seek does not change Len.
func (w *Writer) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = int64(w.pos) + offset
	case io.SeekEnd:
		if offset < 0 {
			offset = -offset
		}
		target = int64(len(w.buf)) - offset
	default:
		return int64(w.pos), ErrInvalidSeek
	}
	if target < 0 || target > MaxCapacity {
		return int64(w.pos), ErrInvalidSeek
	}
	if whence != io.SeekEnd && target > int64(len(w.buf)) {
		if err := w.ensure(int(target) - w.pos); err != nil {
			return int64(w.pos), err
		}
	}
	w.pos = int(target)
	return target, nil
}

// Bytes returns the logical contents [0, Len()). The slice aliases the
// Writer's storage and is valid until the next write, Reset or Release;
// callers must not modify it unless they own the Writer.
func (w *Writer) Bytes() []byte {
	return w.buf[:w.high:w.high]
}

// Copy returns an owned copy of the logical contents.
func (w *Writer) Copy() []byte {
	out := make([]byte, w.high)
	copy(out, w.buf[:w.high])
	return out
}

// WriteTo implements io.WriterTo, writing the logical contents to dst.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	n, err := dst.Write(w.buf[:w.high])
	return int64(n), err
}

// Reset rewinds the cursor and the high-water mark, keeping the storage.
func (w *Writer) Reset() {
	w.pos = 0
	w.high = 0
}

// Release returns pooled storage and empties the Writer. It is safe to call
// more than once and on a Writer that never allocated.
func (w *Writer) Release() {
	w.lease.Release()
	w.lease = nil
	w.buf = nil
	w.pos = 0
	w.high = 0
}
