package socket

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/Zereker/socket/v2/buffer"
)

// Decoder extracts messages from a stream buffer.
type Decoder interface {
	// TryDecode attempts to decode one complete frame from the front of buf.
	// It returns (nil, 0, nil) when buf does not hold a complete frame yet,
	// so the caller keeps the bytes and retries after the next read.
	// On success n is the number of bytes consumed. An error means the
	// input can never form a valid frame.
	TryDecode(buf []byte) (msg Message, n int, err error)
}

// Encoder turns a message into bytes ready for the wire.
type Encoder interface {
	// Encode returns the full frame for msg. The returned slice is owned by
	// the caller. Encode must be safe for concurrent use.
	Encode(msg Message) ([]byte, error)
}

// Codec is the combination of a Decoder and an Encoder.
type Codec interface {
	Decoder
	Encoder
}

// Frame layout of FrameCodec:
//
//	┌──────────────────┬────────────────────┬──────────────┐
//	│ protocol id (2B) │ body length (4B)   │ body         │
//	└──────────────────┴────────────────────┴──────────────┘
//
// All integers are big-endian.
const (
	HeaderSize = 6

	// DefaultMaxFrameSize is the default maximum body length (1MB).
	DefaultMaxFrameSize = 1024 * 1024
)

// Protocol errors. They are fatal to the connection that produced them.
var (
	// ErrFrameTooLarge is returned when a frame body exceeds the maximum size.
	ErrFrameTooLarge = errors.New("socket: frame too large")
	// ErrUnknownProtocol is returned for a protocol id with no registered message.
	ErrUnknownProtocol = errors.New("socket: unknown protocol id")
)

// FrameCodec is the length-prefixed Codec used by default.
type FrameCodec struct {
	registry     *Registry
	pool         *buffer.Pool
	maxFrameSize int
}

// FrameCodecOption configures a FrameCodec.
type FrameCodecOption func(*FrameCodec)

// WithMaxFrameSize sets the largest accepted body length.
func WithMaxFrameSize(size int) FrameCodecOption {
	return func(c *FrameCodec) {
		c.maxFrameSize = size
	}
}

// WithCodecPool sets the pool that backs encode buffers.
func WithCodecPool(pool *buffer.Pool) FrameCodecOption {
	return func(c *FrameCodec) {
		c.pool = pool
	}
}

// NewFrameCodec creates a FrameCodec resolving protocol ids through registry.
func NewFrameCodec(registry *Registry, opts ...FrameCodecOption) *FrameCodec {
	c := &FrameCodec{
		registry:     registry,
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.maxFrameSize <= 0 {
		c.maxFrameSize = DefaultMaxFrameSize
	}
	if c.pool == nil {
		c.pool = buffer.NewPool()
	}
	return c
}

// MaxFrameSize returns the largest accepted body length.
func (c *FrameCodec) MaxFrameSize() int {
	return c.maxFrameSize
}

// Pool returns the pool that backs encode buffers.
func (c *FrameCodec) Pool() *buffer.Pool {
	return c.pool
}

// TryDecode implements Decoder. Oversized and unknown frames are rejected
// from the header alone, before the body arrives.
func (c *FrameCodec) TryDecode(buf []byte) (Message, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, nil
	}

	id := ProtocolID(binary.BigEndian.Uint16(buf[0:2]))
	length := binary.BigEndian.Uint32(buf[2:6])
	if uint64(length) > uint64(c.maxFrameSize) {
		return nil, 0, errors.Wrapf(ErrFrameTooLarge, "protocol %d: body %d bytes, max %d", id, length, c.maxFrameSize)
	}

	factory, ok := c.registry.Factory(id)
	if !ok {
		return nil, 0, errors.Wrapf(ErrUnknownProtocol, "protocol %d", id)
	}

	size := HeaderSize + int(length)
	if len(buf) < size {
		return nil, 0, nil
	}

	msg := factory()
	if err := msg.Deserialize(buffer.NewReader(buf[HeaderSize:size:size])); err != nil {
		return nil, 0, errors.Wrapf(err, "deserialize protocol %d", id)
	}
	return msg, size, nil
}

// Encode implements Encoder.
func (c *FrameCodec) Encode(msg Message) ([]byte, error) {
	w := buffer.NewWriterSize(c.pool, 256)
	defer w.Release()

	if err := w.WriteUint16(uint16(msg.ProtocolID())); err != nil {
		return nil, err
	}
	// Length is patched once the body size is known.
	if err := w.WriteUint32(0); err != nil {
		return nil, err
	}
	if err := msg.Serialize(w); err != nil {
		return nil, errors.Wrapf(err, "serialize protocol %d", msg.ProtocolID())
	}

	length := w.Len() - HeaderSize
	if length > c.maxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "protocol %d: body %d bytes, max %d", msg.ProtocolID(), length, c.maxFrameSize)
	}

	if _, err := w.Seek(2, io.SeekStart); err != nil {
		return nil, err
	}
	if err := w.WriteUint32(uint32(length)); err != nil {
		return nil, err
	}
	return w.Copy(), nil
}
