// Package socket is the transport core of a game server: a big-endian binary
// frame codec and a per-connection session engine that turns a TCP byte
// stream into messages, dispatches them in order and writes replies back.
package socket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Errors returned by session operations.
var (
	// ErrInvalidConn is returned when no connection is provided.
	ErrInvalidConn = errors.New("invalid connection")
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec")
	// ErrInvalidDispatcher is returned when no dispatcher is provided.
	ErrInvalidDispatcher = errors.New("invalid dispatcher")
	// ErrSessionStarted is returned when Run is called a second time.
	ErrSessionStarted = errors.New("session already started")
	// ErrDecoderStalled is returned when a Decoder reports a message but an
	// impossible number of consumed bytes.
	ErrDecoderStalled = errors.New("decoder made no progress")
)

// ErrSessionClosed is returned when operating on a disconnected session.
var ErrSessionClosed = errors.New("session closed")

const tracerName = "github.com/Zereker/socket/v2"

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// State is the lifecycle state of a Session.
type State int32

const (
	// StateCreated is the state before Run.
	StateCreated State = iota
	// StateRunning means the receive loop is active.
	StateRunning
	// StateDraining means the receive loop has stopped and resources are
	// waiting for Close.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session owns one connection. Run drives the receive loop, which decodes
// frames and hands them to the Dispatcher one at a time in arrival order.
// Send may be called from any goroutine; sends on one session are
// serialized so frames never interleave on the wire.
type Session struct {
	conn       net.Conn
	codec      Codec
	dispatcher Dispatcher
	logger     Logger
	opts       options

	idOnce sync.Once
	id     string

	attrsMu sync.RWMutex
	attrs   map[any]any

	state     atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// deadlineMu orders deadline updates against the cancellation unblock.
	deadlineMu sync.Mutex
	sendMu     sync.Mutex

	// pending holds the undecoded tail of previous reads.
	pending    []byte
	maxPending int
}

// maxPendingRetained is the largest pending buffer kept after it drains.
const maxPendingRetained = 64 * 1024

// NewSession creates a session for conn. The codec and dispatcher are
// required; options configure logging, pooling, deadlines and metrics.
func NewSession(conn net.Conn, codec Codec, dispatcher Dispatcher, opt ...Option) (*Session, error) {
	if conn == nil {
		return nil, ErrInvalidConn
	}
	if codec == nil {
		return nil, ErrInvalidCodec
	}
	if dispatcher == nil {
		return nil, ErrInvalidDispatcher
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:       conn,
		codec:      codec,
		dispatcher: dispatcher,
		logger:     opts.logger,
		opts:       opts,
		attrs:      make(map[any]any),
		ctx:        ctx,
		cancel:     cancel,
		maxPending: HeaderSize + DefaultMaxFrameSize,
	}
	if limited, ok := codec.(interface{ MaxFrameSize() int }); ok {
		s.maxPending = HeaderSize + limited.MaxFrameSize()
	}

	context.AfterFunc(ctx, s.unblock)
	return s, nil
}

// generateSessionID returns 16 random bytes, hex encoded.
func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// ID returns the session's opaque identifier. It is generated on first use
// and stable for the session's lifetime.
func (s *Session) ID() string {
	s.idOnce.Do(func() {
		s.id = generateSessionID()
	})
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Context returns a context that is canceled when the session disconnects.
func (s *Session) Context() context.Context {
	return s.ctx
}

// RemoteAddr returns the remote address of the connection.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Attr returns the attribute stored under key.
func (s *Session) Attr(key any) any {
	s.attrsMu.RLock()
	defer s.attrsMu.RUnlock()
	return s.attrs[key]
}

// SetAttr stores an application value on the session.
func (s *Session) SetAttr(key, value any) {
	s.attrsMu.Lock()
	s.attrs[key] = value
	s.attrsMu.Unlock()
}

// RemoveAttr deletes the attribute stored under key.
func (s *Session) RemoveAttr(key any) {
	s.attrsMu.Lock()
	delete(s.attrs, key)
	s.attrsMu.Unlock()
}

// String implements fmt.Stringer.
func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s, %s)", s.ID(), s.RemoteAddr(), s.State())
}

// Run starts the receive loop and blocks until the peer disconnects, the
// session is disconnected, ctx is canceled, or an error occurs. Peer close
// and cancellation return nil; transport, protocol and dispatch failures
// return the error. Either way the session ends in StateDraining and the
// caller should Close it.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		if s.State() == StateRunning {
			return ErrSessionStarted
		}
		return ErrSessionClosed
	}

	s.logger.Info("session started", "session_id", s.ID(), "addr", s.RemoteAddr())
	s.logger.Debug("session options", "session_id", s.ID(),
		"receive_buffer_size", s.opts.receiveBufferSize,
		"heartbeat", s.opts.heartbeat)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopSession := context.AfterFunc(s.ctx, cancel)
	defer stopSession()
	stopRun := context.AfterFunc(ctx, s.Disconnect)
	defer stopRun()

	defer func() {
		s.Disconnect()
		s.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))

		if err != nil {
			s.logger.Info("session stopped with error", "session_id", s.ID(), "addr", s.RemoteAddr(), "error", err)
		} else {
			s.logger.Info("session stopped", "session_id", s.ID(), "addr", s.RemoteAddr())
		}
	}()

	return s.receiveLoop(ctx)
}

// receiveLoop reads into pooled buffers and decodes every complete frame
// of a chunk before the next read.
func (s *Session) receiveLoop(ctx context.Context) error {
	for {
		if err := s.armReadDeadline(); err != nil {
			return s.readError(err)
		}

		lease := s.opts.pool.Rent(s.opts.receiveBufferSize)
		n, err := s.conn.Read(lease.Bytes())
		if n > 0 {
			s.opts.metrics.received(n)
			if cerr := s.consume(ctx, lease.Bytes()[:n]); cerr != nil {
				lease.Release()
				return cerr
			}
		}
		lease.Release()

		if err != nil {
			return s.readError(err)
		}
		if n == 0 {
			return nil
		}
	}
}

// readError maps a read failure to the loop's result. Cancellation and peer
// close stop the loop cleanly.
func (s *Session) readError(err error) error {
	if s.ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		s.logger.Debug("peer closed connection", "session_id", s.ID(), "addr", s.RemoteAddr())
		return nil
	}

	s.opts.metrics.failed(errorKindTransport)
	s.logger.Debug("read error", "session_id", s.ID(), "addr", s.RemoteAddr(), "error", err)
	return errors.Wrap(err, "read")
}

// consume decodes chunk, prefixed by any pending bytes, dispatching each
// complete message. The undecoded tail is kept for the next read.
func (s *Session) consume(ctx context.Context, chunk []byte) error {
	data := chunk
	if len(s.pending) > 0 {
		s.pending = append(s.pending, chunk...)
		data = s.pending
	}

	for len(data) > 0 {
		// A dispatcher may disconnect the session; drop the rest.
		if s.ctx.Err() != nil {
			return nil
		}

		msg, n, err := s.codec.TryDecode(data)
		if err != nil {
			s.opts.metrics.failed(errorKindProtocol)
			return errors.WithMessage(err, "decode")
		}
		if msg == nil {
			break
		}
		if n <= 0 || n > len(data) {
			s.opts.metrics.failed(errorKindProtocol)
			return errors.Wrapf(ErrDecoderStalled, "consumed %d of %d bytes", n, len(data))
		}
		data = data[n:]

		if err := s.dispatch(ctx, msg); err != nil {
			if s.opts.onError(err) == Continue {
				s.logger.Debug("dispatch error suppressed", "session_id", s.ID(), "protocol_id", msg.ProtocolID(), "error", err)
				continue
			}
			s.opts.metrics.failed(errorKindDispatch)
			return errors.WithMessage(err, "dispatch")
		}
	}

	if len(data) > s.maxPending {
		s.opts.metrics.failed(errorKindProtocol)
		return errors.Wrapf(ErrFrameTooLarge, "%d undecoded bytes", len(data))
	}
	if len(data) == 0 && cap(s.pending) > maxPendingRetained {
		s.pending = nil
		return nil
	}
	s.pending = append(s.pending[:0], data...)
	return nil
}

// dispatch hands msg to the dispatcher inside a trace span. A panic in the
// dispatcher is returned as an error.
func (s *Session) dispatch(ctx context.Context, msg Message) (err error) {
	ctx, span := s.opts.tracer.Start(ctx, "socket.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("socket.session_id", s.ID()),
			attribute.Int("socket.protocol_id", int(msg.ProtocolID())),
		),
	)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in dispatch: %v", r)
			s.logger.Error("dispatch panic", "session_id", s.ID(), "protocol_id", msg.ProtocolID(),
				"panic", r, "stack", string(debug.Stack()))
		}

		s.opts.metrics.dispatched(msg.ProtocolID(), time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	return s.dispatcher.Dispatch(ctx, s, msg)
}

// Send encodes msg and writes it to the connection, returning when the
// write completes. Canceling ctx aborts the write. A canceled write that
// left nothing on the wire keeps the session usable; any other failed write
// disconnects it, since a partial frame corrupts the stream.
func (s *Session) Send(ctx context.Context, msg Message) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}

	data, err := s.codec.Encode(msg)
	if err != nil {
		return errors.WithMessage(err, "encode")
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.armWriteDeadline(); err != nil {
		return ErrSessionClosed
	}

	var (
		stop = func() bool { return true }
		done chan struct{}
	)
	if ctx.Done() != nil {
		done = make(chan struct{})
		stop = context.AfterFunc(ctx, func() {
			defer close(done)
			s.deadlineMu.Lock()
			_ = s.conn.SetWriteDeadline(aLongTimeAgo)
			s.deadlineMu.Unlock()
		})
	}

	n, err := s.conn.Write(data)
	if !stop() {
		<-done
	}

	if err != nil {
		closed := s.ctx.Err() != nil
		cerr := ctx.Err()
		if cerr != nil && n == 0 && !closed {
			s.logger.Debug("send canceled", "session_id", s.ID(), "addr", s.RemoteAddr(), "error", cerr)
			return cerr
		}

		s.Disconnect()
		if cerr != nil {
			return cerr
		}
		if closed {
			return ErrSessionClosed
		}
		s.opts.metrics.failed(errorKindTransport)
		s.logger.Debug("write error", "session_id", s.ID(), "addr", s.RemoteAddr(), "error", err)
		return errors.Wrap(err, "write")
	}

	s.opts.metrics.sent(msg.ProtocolID(), n)
	return nil
}

// armReadDeadline sets the idle read deadline. It fails only when the
// session is already disconnected; a connection that rejects the deadline
// reports its state on the following Read.
func (s *Session) armReadDeadline() error {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()

	if err := s.ctx.Err(); err != nil {
		return err
	}
	if s.opts.heartbeat > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.heartbeat * 2))
	}
	return nil
}

// armWriteDeadline sets the write deadline unless the session is already
// disconnected. It also clears a past deadline left by a canceled Send.
func (s *Session) armWriteDeadline() error {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()

	if err := s.ctx.Err(); err != nil {
		return err
	}
	var deadline time.Time
	if s.opts.heartbeat > 0 {
		deadline = time.Now().Add(s.opts.heartbeat * 2)
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return nil
}

// unblock wakes any pending read or write after the session is canceled.
func (s *Session) unblock() {
	s.deadlineMu.Lock()
	_ = s.conn.SetDeadline(aLongTimeAgo)
	s.deadlineMu.Unlock()
}

// Disconnect signals the session to stop. Pending reads and writes return,
// Run returns and later sends fail with ErrSessionClosed. Resources are
// released by Close. Safe to call multiple times.
func (s *Session) Disconnect() {
	s.cancel()
}

// IsClosed returns true once the session has been disconnected.
func (s *Session) IsClosed() bool {
	return s.ctx.Err() != nil
}

// Close disconnects the session, shuts the connection down gracefully and
// closes it. Errors from an already broken connection are ignored.
// Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.state.Store(int32(StateClosed))

		if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
			if err := cw.CloseWrite(); err != nil {
				s.logger.Debug("shutdown error", "session_id", s.ID(), "addr", s.RemoteAddr(), "error", err)
			}
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("close error", "session_id", s.ID(), "addr", s.RemoteAddr(), "error", err)
		}
		s.logger.Debug("session closed", "session_id", s.ID(), "addr", s.RemoteAddr())
	})
	return nil
}
