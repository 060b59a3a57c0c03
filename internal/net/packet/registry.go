package packet

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

var (
	// ErrUnknownType is returned when a type id has no registered pool.
	ErrUnknownType = errors.New("packet: unknown type id")
	// ErrDoubleRecycle is returned when a packet is recycled twice, or was
	// never acquired from its pool.
	ErrDoubleRecycle = errors.New("packet: recycled twice or not pooled")
	// ErrStateNotAllowed is returned when a message arrives in a phase its
	// handler does not accept.
	ErrStateNotAllowed = errors.New("packet: message not allowed in state")
	// ErrTrailingBytes is returned when a payload is longer than its type reads.
	ErrTrailingBytes = errors.New("packet: trailing bytes after payload")
	// ErrNoHandler is returned when a message type has no handler.
	ErrNoHandler = errors.New("packet: no handler for message")
)

// HandlerFunc is the callback signature for message handlers. The sender is
// passed as an opaque value to avoid import cycles with the transport.
type HandlerFunc func(from any, p Packet) error

type handlerEntry struct {
	fn            HandlerFunc
	allowedStates map[ConnState]bool
}

type typeEntry struct {
	id      TypeID
	name    string
	pool    *Pool
	handler *handlerEntry
}

// Registry owns the bidirectional id <-> type mapping, one pool per type and
// the handler table. Types are registered once at startup.
type Registry struct {
	byID   map[TypeID]*typeEntry
	byName map[string]TypeID
	log    *zap.Logger

	// Debug turns recycling mistakes into panics instead of returned errors.
	Debug bool
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		byID:   make(map[TypeID]*typeEntry),
		byName: make(map[string]TypeID),
		log:    log,
	}
}

// Register binds id and name to a packet type. Duplicate ids or names panic:
// they are programming errors caught at startup.
func (reg *Registry) Register(id TypeID, name string, factory Factory) {
	if _, ok := reg.byID[id]; ok {
		panic(fmt.Sprintf("packet: type id %d registered twice", id))
	}
	if _, ok := reg.byName[name]; ok {
		panic(fmt.Sprintf("packet: type name %q registered twice", name))
	}
	if sample := factory(); sample.Type() != id {
		panic(fmt.Sprintf("packet: factory for %q builds type %d, not %d", name, sample.Type(), id))
	}
	reg.byID[id] = &typeEntry{id: id, name: name, pool: newPool(id, name, factory)}
	reg.byName[name] = id
}

// Name returns the registered name for id.
func (reg *Registry) Name(id TypeID) string {
	if e, ok := reg.byID[id]; ok {
		return e.name
	}
	return fmt.Sprintf("type(%d)", int32(id))
}

// Lookup returns the id registered under name.
func (reg *Registry) Lookup(name string) (TypeID, bool) {
	id, ok := reg.byName[name]
	return id, ok
}

// Acquire returns a cleared packet of type id, recycled when possible.
func (reg *Registry) Acquire(id TypeID) (Packet, error) {
	e, ok := reg.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int32(id))
	}
	return e.pool.acquire(), nil
}

// MustAcquire is Acquire for ids known to be registered.
func (reg *Registry) MustAcquire(id TypeID) Packet {
	p, err := reg.Acquire(id)
	if err != nil {
		panic(err)
	}
	return p
}

// Acquire returns a pooled packet of concrete type T.
func Acquire[T Packet](reg *Registry, id TypeID) T {
	return reg.MustAcquire(id).(T)
}

// Recycle clears p and returns it to its pool. Every acquired packet must be
// recycled exactly once.
func (reg *Registry) Recycle(p Packet) error {
	e, ok := reg.byID[p.Type()]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownType, int32(p.Type()))
	}
	if err := e.pool.release(p); err != nil {
		err = fmt.Errorf("%w: %s", err, e.name)
		if reg.Debug {
			panic(err)
		}
		reg.log.Error("packet recycle failed", zap.String("type", e.name), zap.Error(err))
		return err
	}
	return nil
}

// EncodeTo writes [typeId:int32][payload] into w.
func (reg *Registry) EncodeTo(w *Writer, p Packet) {
	w.WriteInt32(int32(p.Type()))
	p.SaveTo(w)
}

// Encode returns a standalone [typeId:int32][payload] message.
func (reg *Registry) Encode(p Packet) []byte {
	w := NewWriter()
	reg.EncodeTo(w, p)
	return w.Bytes()
}

// DecodeFrom reads one [typeId][payload] message from r into a pooled packet.
// Used for nested messages, so trailing data is left for the caller.
func (reg *Registry) DecodeFrom(r *Reader) (Packet, error) {
	id := TypeID(r.ReadInt32())
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read type id: %w", err)
	}
	p, err := reg.Acquire(id)
	if err != nil {
		return nil, err
	}
	if err := p.LoadFrom(r); err != nil {
		reg.Recycle(p)
		return nil, fmt.Errorf("decode %s: %w", reg.Name(id), err)
	}
	if err := r.Err(); err != nil {
		reg.Recycle(p)
		return nil, fmt.Errorf("decode %s: %w", reg.Name(id), err)
	}
	return p, nil
}

// Decode parses a complete message. The caller owns the returned packet.
func (reg *Registry) Decode(data []byte) (Packet, error) {
	r := NewReader(data)
	p, err := reg.DecodeFrom(r)
	if err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		reg.Recycle(p)
		return nil, fmt.Errorf("%w: %s has %d extra bytes", ErrTrailingBytes, reg.Name(p.Type()), r.Remaining())
	}
	return p, nil
}

// Handle maps a type id to a handler, restricted to the given states.
func (reg *Registry) Handle(id TypeID, states []ConnState, fn HandlerFunc) {
	e, ok := reg.byID[id]
	if !ok {
		panic(fmt.Sprintf("packet: handler for unregistered type %d", id))
	}
	allowed := make(map[ConnState]bool, len(states))
	for _, s := range states {
		allowed[s] = true
	}
	e.handler = &handlerEntry{fn: fn, allowedStates: allowed}
}

// Dispatch validates the state and calls the handler for p. The handler does
// not take ownership of p unless it says so; callers recycle afterwards.
func (reg *Registry) Dispatch(from any, state ConnState, p Packet) error {
	e, ok := reg.byID[p.Type()]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownType, int32(p.Type()))
	}
	reg.log.Debug("dispatch",
		zap.String("type", e.name),
		zap.String("state", state.String()),
	)
	if e.handler == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, e.name)
	}
	if !e.handler.allowedStates[state] {
		return fmt.Errorf("%w: %s in %s", ErrStateNotAllowed, e.name, state)
	}
	return reg.safeCall(e, from, p)
}

// safeCall executes a handler with panic recovery so a single bad message
// cannot take the whole game loop down.
func (reg *Registry) safeCall(e *typeEntry, from any, p Packet) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reg.log.Error("handler panic recovered",
				zap.String("type", e.name),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("handler panic for %s: %v", e.name, rec)
		}
	}()
	return e.handler.fn(from, p)
}

// Stats returns pool counters for every registered type, ordered by id.
func (reg *Registry) Stats() []PoolStats {
	out := make([]PoolStats, 0, len(reg.byID))
	for _, e := range reg.byID {
		out = append(out, e.pool.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
