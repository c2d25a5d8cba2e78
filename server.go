package socket

import (
	"context"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/socket/v2/buffer"
)

// Errors returned by server operations.
var (
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("server closed")
	// ErrNoListener is returned by New when no address is given.
	ErrNoListener = errors.New("no listen address")
)

// SessionFactory creates the session for an accepted connection.
// Applications use it to customize session options per connection.
type SessionFactory func(conn net.Conn, codec Codec, dispatcher Dispatcher) (*Session, error)

// Hooks observe the session lifecycle. For every session OnConnected is
// called once before its receive loop starts, and OnDisconnected once after
// the loop has stopped and the session is closed, even when OnConnected
// failed.
type Hooks interface {
	// OnConnected is called before the session runs. Returning an error
	// closes the session without running it.
	OnConnected(ctx context.Context, s *Session) error
	// OnDisconnected is called after the session is closed.
	OnDisconnected(ctx context.Context, s *Session)
}

// HookFuncs adapts functions to the Hooks interface. Nil fields are skipped.
type HookFuncs struct {
	Connected    func(ctx context.Context, s *Session) error
	Disconnected func(ctx context.Context, s *Session)
}

// OnConnected implements Hooks.
func (h HookFuncs) OnConnected(ctx context.Context, s *Session) error {
	if h.Connected == nil {
		return nil
	}
	return h.Connected(ctx, s)
}

// OnDisconnected implements Hooks.
func (h HookFuncs) OnDisconnected(ctx context.Context, s *Session) {
	if h.Disconnected != nil {
		h.Disconnected(ctx, s)
	}
}

// Server accepts TCP connections on one or more addresses and runs a
// Session for each of them.
type Server struct {
	listeners       []net.Listener
	logger          Logger
	shutdownTimeout time.Duration
	reusePort       bool

	codec       Codec
	dispatcher  Dispatcher
	factory     SessionFactory
	hooks       Hooks
	metrics     *Metrics
	pool        *buffer.Pool
	sessionOpts []Option

	mu          sync.Mutex
	shutdown    bool
	closed      bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
	closeOnce   sync.Once
	closeErr    error

	// active counts session lifecycles in flight; idle is signaled, under
	// mu, when it drops to zero.
	active int
	idle   *sync.Cond
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and its sessions.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server keeps accepting for up to this
// duration before closing its listeners. Default is 0 (immediate shutdown).
//
// Note: shutting the server down never disconnects accepted sessions.
// Track them through Hooks and disconnect them individually.
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerCodecOption sets the codec shared by all sessions. Required.
func ServerCodecOption(codec Codec) ServerOption {
	return func(s *Server) {
		s.codec = codec
	}
}

// ServerDispatcherOption sets the dispatcher shared by all sessions. Required.
func ServerDispatcherOption(dispatcher Dispatcher) ServerOption {
	return func(s *Server) {
		s.dispatcher = dispatcher
	}
}

// ServerSessionFactoryOption replaces the default session factory.
func ServerSessionFactoryOption(factory SessionFactory) ServerOption {
	return func(s *Server) {
		s.factory = factory
	}
}

// ServerHooksOption sets the connect and disconnect hooks.
func ServerHooksOption(hooks Hooks) ServerOption {
	return func(s *Server) {
		s.hooks = hooks
	}
}

// ServerSessionOptions sets options applied to every session created by the
// default factory. They override the server's logger, pool and metrics.
func ServerSessionOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

// ServerMetricsOption sets the metrics collector for the server and its sessions.
func ServerMetricsOption(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// ServerPoolOption sets the buffer pool for the receive buffers of all
// sessions. Without it the server adopts the codec's pool when the codec
// exposes one, so encode and receive buffers come from a single pool. When
// both are set, build the FrameCodec WithCodecPool on the same pool.
func ServerPoolOption(pool *buffer.Pool) ServerOption {
	return func(s *Server) {
		s.pool = pool
	}
}

// ServerReusePortOption enables SO_REUSEPORT on the listening sockets.
func ServerReusePortOption(enable bool) ServerOption {
	return func(s *Server) {
		s.reusePort = enable
	}
}

// New creates a server bound to every address in addrs.
// An address that cannot be bound (for example because it is already in
// use) is logged and skipped; New fails only when no address is bound.
func New(addrs []string, opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger:      defaultLogger(),
		shutdownNow: make(chan struct{}),
	}
	s.idle = sync.NewCond(&s.mu)

	for _, opt := range opts {
		opt(s)
	}

	if s.codec == nil {
		return nil, ErrInvalidCodec
	}
	if s.dispatcher == nil {
		return nil, ErrInvalidDispatcher
	}
	if s.pool == nil {
		if pooled, ok := s.codec.(interface{ Pool() *buffer.Pool }); ok {
			s.pool = pooled.Pool()
		}
	}
	if s.pool == nil {
		s.pool = buffer.NewPool()
	}
	if s.hooks == nil {
		s.hooks = HookFuncs{}
	}
	if s.factory == nil {
		s.factory = s.newSession
	}

	if len(addrs) == 0 {
		return nil, ErrNoListener
	}

	lc := listenConfig(s.reusePort)
	var lastErr error
	for _, addr := range addrs {
		ln, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			s.logger.Error("listen failed", "addr", addr, "error", err)
			lastErr = errors.Wrapf(err, "listen %s", addr)
			continue
		}
		s.listeners = append(s.listeners, ln)
	}

	if len(s.listeners) == 0 {
		return nil, lastErr
	}
	return s, nil
}

// listenConfig returns the ListenConfig used to bind server addresses.
func listenConfig(reusePort bool) net.ListenConfig {
	var lc net.ListenConfig
	if reusePort {
		lc.Control = controlReusePort
	}
	return lc
}

// newSession is the default SessionFactory.
func (s *Server) newSession(conn net.Conn, codec Codec, dispatcher Dispatcher) (*Session, error) {
	opts := make([]Option, 0, 3+len(s.sessionOpts))
	opts = append(opts, LoggerOption(s.logger), PoolOption(s.pool), MetricsOption(s.metrics))
	opts = append(opts, s.sessionOpts...)
	return NewSession(conn, codec, dispatcher, opts...)
}

// Serve accepts connections on every listener until ctx is canceled, Close
// is called, or a listener fails. Each connection runs in its own goroutine:
// factory, OnConnected, Run, Close, OnDisconnected.
//
// Stopping the server stops accepting only. Accepted sessions keep running
// with a context that carries the values of ctx but not its cancellation.
// Serve returns ctx.Err() on cancellation and ErrServerClosed after Close.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.mu.Unlock()

	group, child := errgroup.WithContext(ctx)
	sessionCtx := context.WithoutCancel(ctx)

	for _, ln := range s.listeners {
		ln := ln
		s.logger.Info("server started", "addr", ln.Addr())
		group.Go(func() error {
			return s.acceptLoop(sessionCtx, ln)
		})
	}

	// Stop accepting when ctx is canceled or a listener fails.
	done := make(chan struct{})
	go func() {
		select {
		case <-child.Done():
		case <-done:
			return
		}

		if ctx.Err() != nil && s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			case <-done:
			}
		}
		s.stopAccepting()
	}()

	err := group.Wait()
	close(done)
	s.stopAccepting()

	for _, ln := range s.listeners {
		s.logger.Info("server stopped", "addr", ln.Addr())
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	switch {
	case closed:
		return ErrServerClosed
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}

// acceptLoop accepts on ln until the server shuts down.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var tempDelay time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isShutdown() {
				return nil
			}

			if isTemporary(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				s.logger.Warn("accept error, retrying", "addr", ln.Addr(), "error", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}

			s.metrics.failed(errorKindAccept)
			s.logger.Error("accept error", "addr", ln.Addr(), "error", err)
			return errors.Wrapf(err, "accept %s", ln.Addr())
		}

		tempDelay = 0
		s.logger.Debug("accepted connection", "addr", conn.RemoteAddr())
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		s.sessionStarted()
		go s.serveSession(ctx, conn)
	}
}

func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	if errors.As(err, &te) && te.Temporary() {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// serveSession owns the whole lifecycle of one connection.
func (s *Server) serveSession(ctx context.Context, conn net.Conn) {
	defer s.sessionDone()

	session, err := s.factory(conn, s.codec, s.dispatcher)
	if err == nil && session == nil {
		err = ErrInvalidConn
	}
	if err != nil {
		s.logger.Error("create session failed", "addr", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}

	s.metrics.sessionOpened()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in session", "session_id", session.ID(), "panic", r, "stack", string(debug.Stack()))
		}

		_ = session.Close()
		s.disconnected(ctx, session)
		s.metrics.sessionClosed()
	}()

	if err := s.hooks.OnConnected(ctx, session); err != nil {
		s.logger.Info("session rejected", "session_id", session.ID(), "addr", session.RemoteAddr(), "error", err)
		return
	}

	_ = session.Run(ctx)
}

// disconnected runs the disconnect hook, isolating its panics.
func (s *Server) disconnected(ctx context.Context, session *Session) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in disconnect hook", "session_id", session.ID(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.hooks.OnDisconnected(ctx, session)
}

func (s *Server) sessionStarted() {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
}

func (s *Server) sessionDone() {
	s.mu.Lock()
	s.active--
	if s.active == 0 {
		s.idle.Broadcast()
	}
	s.mu.Unlock()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// stopAccepting marks the server as shut down and closes the listeners,
// which unblocks pending Accept calls.
func (s *Server) stopAccepting() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		for _, ln := range s.listeners {
			if err := ln.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

// Close stops the server by closing its listeners.
// If a shutdown timeout is configured, Close bypasses the remaining timeout.
// Sessions already accepted are not affected.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
		// No one is waiting on the timeout
	}

	return s.stopAccepting()
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Addr returns the first bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listeners[0].Addr()
}

// Wait blocks until every accepted session has finished its lifecycle,
// including the disconnect hook. It may be called at any time, also while
// Serve is still accepting; it returns as soon as no session is in flight.
func (s *Server) Wait() {
	s.mu.Lock()
	for s.active > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()
}
