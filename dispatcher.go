package socket

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoHandler is returned by Router for a message with no route.
var ErrNoHandler = errors.New("socket: no handler for protocol id")

// Dispatcher delivers decoded messages to application code. Dispatch is
// called from the session's receive loop, one message at a time and in
// arrival order; the next frame is not dispatched until Dispatch returns.
// A non-nil error closes the session.
type Dispatcher interface {
	Dispatch(ctx context.Context, s *Session, msg Message) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, s *Session, msg Message) error

// Dispatch calls f(ctx, s, msg).
func (f DispatcherFunc) Dispatch(ctx context.Context, s *Session, msg Message) error {
	return f(ctx, s, msg)
}

// Router is a Dispatcher that routes by protocol id.
type Router struct {
	mu       sync.RWMutex
	routes   map[ProtocolID]DispatcherFunc
	notFound DispatcherFunc
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[ProtocolID]DispatcherFunc)}
}

// Handle routes messages with the given id to h, replacing any previous route.
func (r *Router) Handle(id ProtocolID, h DispatcherFunc) {
	r.mu.Lock()
	r.routes[id] = h
	r.mu.Unlock()
}

// NotFound sets the handler for ids with no route.
func (r *Router) NotFound(h DispatcherFunc) {
	r.mu.Lock()
	r.notFound = h
	r.mu.Unlock()
}

// Dispatch implements Dispatcher.
func (r *Router) Dispatch(ctx context.Context, s *Session, msg Message) error {
	r.mu.RLock()
	h, ok := r.routes[msg.ProtocolID()]
	if !ok {
		h = r.notFound
	}
	r.mu.RUnlock()

	if h == nil {
		return errors.Wrapf(ErrNoHandler, "protocol %d", msg.ProtocolID())
	}
	return h(ctx, s, msg)
}
