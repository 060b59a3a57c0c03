package packet

import (
	"github.com/outpost/lockstep/internal/core/arena"
)

// Packet is a pooled wire message. Implementations embed Pooled and must
// reset every field in Clear, which runs when the packet is recycled.
type Packet interface {
	Type() TypeID
	// Clear resets the packet to its poolable default state.
	Clear()
	LoadFrom(r *Reader) error
	SaveTo(w *Writer)
	pooled() *Pooled
}

// Pooled carries a packet's pool bookkeeping. Embed it by value.
type Pooled struct {
	handle arena.Handle
	live   bool
}

func (p *Pooled) pooled() *Pooled { return p }

// Factory constructs a fresh packet of one type.
type Factory func() Packet

// Pool recycles instances of one packet type through a handle arena.
type Pool struct {
	id      TypeID
	name    string
	factory Factory
	slots   *arena.Arena[Packet]
	created int
}

func newPool(id TypeID, name string, factory Factory) *Pool {
	return &Pool{
		id:      id,
		name:    name,
		factory: factory,
		slots:   arena.New[Packet](16),
	}
}

func (p *Pool) acquire() Packet {
	h, slot, recycled := p.slots.Acquire()
	if !recycled || *slot == nil {
		*slot = p.factory()
		p.created++
	}
	pk := *slot
	meta := pk.pooled()
	meta.handle = h
	meta.live = true
	return pk
}

func (p *Pool) release(pk Packet) error {
	meta := pk.pooled()
	if !meta.live {
		return ErrDoubleRecycle
	}
	if err := p.slots.Release(meta.handle); err != nil {
		return ErrDoubleRecycle
	}
	pk.Clear()
	meta.live = false
	return nil
}

// PoolStats is a snapshot of one pool's counters.
type PoolStats struct {
	Type    TypeID
	Name    string
	InUse   int
	Free    int
	Created int
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Type:    p.id,
		Name:    p.name,
		InUse:   p.slots.InUse(),
		Free:    p.slots.Free(),
		Created: p.created,
	}
}
