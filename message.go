package socket

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/Zereker/socket/v2/buffer"
)

// ProtocolID identifies a message type on the wire.
type ProtocolID uint16

// Message is one unit of the wire protocol. Implementations carry their
// payload fields and encode them with the buffer Writer and Reader.
// A Message holds no reference to a session or connection.
type Message interface {
	// ProtocolID returns the identifier written in the frame header.
	ProtocolID() ProtocolID
	// Serialize writes the message body.
	Serialize(w *buffer.Writer) error
	// Deserialize reads the message body. The reader covers exactly one body.
	Deserialize(r *buffer.Reader) error
}

// Registry errors.
var (
	ErrDuplicateProtocol = errors.New("socket: protocol id already registered")
	ErrInvalidFactory    = errors.New("socket: nil message factory")
)

// Registry maps protocol identifiers to message constructors. The decoder
// uses it to instantiate the right message for an incoming frame.
type Registry struct {
	mu        sync.RWMutex
	factories map[ProtocolID]func() Message
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[ProtocolID]func() Message)}
}

// Register associates id with factory.
func (r *Registry) Register(id ProtocolID, factory func() Message) error {
	if factory == nil {
		return ErrInvalidFactory
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[id]; ok {
		return errors.Wrapf(ErrDuplicateProtocol, "protocol %d", id)
	}
	r.factories[id] = factory
	return nil
}

// MustRegister is like Register but panics on error. It is meant for
// package-level message catalogues.
func (r *Registry) MustRegister(id ProtocolID, factory func() Message) {
	if err := r.Register(id, factory); err != nil {
		panic(err)
	}
}

// New returns a fresh message for id.
func (r *Registry) New(id ProtocolID) (Message, bool) {
	factory, ok := r.Factory(id)
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Factory returns the constructor registered for id without calling it.
func (r *Registry) Factory(id ProtocolID) (func() Message, bool) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	return factory, ok
}

// IDs returns the registered identifiers in ascending order.
func (r *Registry) IDs() []ProtocolID {
	r.mu.RLock()
	ids := make([]ProtocolID, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
