// Package lockstep runs the Waiting -> Syncing -> Simulating protocol that
// keeps every peer's world identical. Each peer collects local orders, trades
// them for everyone else's through the host, and steps its world only once
// the full order set for the round is known.
package lockstep

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/outpost/lockstep/internal/core/event"
	"github.com/outpost/lockstep/internal/net"
	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/order"
	"github.com/outpost/lockstep/internal/world"
)

var (
	// ErrProtocolViolation is fatal for the link that caused it.
	ErrProtocolViolation = errors.New("lockstep: protocol violation")
	// ErrDesync is returned by a client whose world checksum differs from the host's.
	ErrDesync    = errors.New("lockstep: world state diverged from host")
	ErrRejected  = errors.New("lockstep: rejected by host")
	ErrHostLost  = errors.New("lockstep: connection to host lost")
	ErrEvicted   = errors.New("lockstep: evicted by host")
	ErrNotJoined = errors.New("lockstep: no game state yet")
)

// HostPlayerID is the player id the host always takes.
const HostPlayerID int32 = 1

// Role selects who drives the Waiting -> Syncing edge.
type Role int

const (
	RoleHost Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "client"
}

// SyncPolicy decides when the host may start a sync round.
type SyncPolicy interface {
	OkayToSync(now, lastSync time.Time) bool
}

// Always syncs as soon as every player is ready.
type Always struct{}

func (Always) OkayToSync(time.Time, time.Time) bool { return true }

// Interval spaces sync rounds at least d apart.
type Interval time.Duration

func (d Interval) OkayToSync(now, lastSync time.Time) bool {
	return now.Sub(lastSync) >= time.Duration(d)
}

type Config struct {
	Name           string
	Password       string // client: sent with Hello
	PasswordHash   string // host: bcrypt hash, empty for an open lobby
	MaxPlayers     int
	StartResources int64
	SyncPolicy     SyncPolicy
	SyncTimeout    time.Duration // 0 disables eviction of late players
	MaxStepMs      int32
	DesyncCheck    bool
	MaxDrain       int // messages read per link per Drain, 0 for no limit
	World          world.Options
}

// PlayerEvent reports a player entering or leaving the session.
type PlayerEvent struct {
	ID     int32
	Name   string
	Joined bool
	Reason string
}

// RoundRecord describes one simulated round.
type RoundRecord struct {
	Round     int64
	ElapsedMs int32
	Players   int
	// Funded lists the players granted their starting stock this round.
	Funded   []int32
	Orders   int
	Rejected int
	// OrderData holds ([issuer:int32][typeId:int32][payload])* for every applied order.
	OrderData []byte
	Checksum  [32]byte
}

type remote struct {
	link     net.Link
	player   int32 // 0 until Hello is accepted
	deadline time.Time
	closing  bool
}

// inbound is the sender handed to message handlers.
type inbound struct {
	r   *remote
	raw []byte
}

// Peer is one participant's protocol state machine. All methods are called
// from the game loop goroutine.
type Peer struct {
	role Role
	cfg  Config
	reg  *packet.Registry
	log  *zap.Logger

	templates *world.Templates
	tasks     *world.TaskRegistry

	state *SharedGameState // nil on a client until the download arrives
	local int32
	phase packet.ConnState

	pending []order.Order

	// host
	remotes    map[int32]*remote
	lobby      []*remote
	nextPlayer int32
	cache      *SnapshotCache
	lastSync   time.Time
	lastSim    time.Time
	now        time.Time

	// client
	host *remote

	err error

	PlayerEvents event.Observers[PlayerEvent]
	Rounds       event.Observers[RoundRecord]
}

func (p *Peer) Role() Role                 { return p.role }
func (p *Peer) Phase() packet.ConnState    { return p.phase }
func (p *Peer) Local() int32               { return p.local }
func (p *Peer) State() *SharedGameState    { return p.state }
func (p *Peer) Registry() *packet.Registry { return p.reg }
func (p *Peer) Err() error                 { return p.err }
func (p *Peer) Pending() int               { return len(p.pending) }

// Enqueue hands a locally issued order to the peer. It is the only way input
// reaches the world: the order waits for the next sync round and is applied
// when that round is simulated. The peer owns o from here on, even when it
// is refused.
func (p *Peer) Enqueue(o order.Order) error {
	if p.state == nil {
		p.reg.Recycle(o)
		return ErrNotJoined
	}
	o.SetIssuer(p.local)
	w := p.state.World
	if b, ok := o.(*order.Build); ok {
		if _, err := b.Validate(w); err != nil {
			p.reg.Recycle(o)
			return err
		}
	}
	if !p.state.Reserved.Reserve(p.local, order.Claims(w, o)) {
		p.reg.Recycle(o)
		return order.ErrTileReserved
	}
	p.pending = append(p.pending, o)
	return nil
}

// Drain reads every message that has arrived and dispatches it. It never blocks.
func (p *Peer) Drain(now time.Time) {
	if p.role == RoleHost {
		p.drainHost(now)
		return
	}
	if p.err == nil {
		p.drainLink(p.host)
	}
}

func (p *Peer) drainLink(r *remote) {
	for n := 0; !r.closing && (p.cfg.MaxDrain <= 0 || n < p.cfg.MaxDrain); n++ {
		select {
		case raw := <-r.link.Inbox():
			if err := p.receive(r, raw); err != nil {
				p.violation(r, err)
				return
			}
		default:
			return
		}
	}
}

// receive decodes and dispatches one message. The packet is recycled after
// its handler returns; handlers that keep data copy it out first.
func (p *Peer) receive(r *remote, raw []byte) error {
	pk, err := p.reg.Decode(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	defer p.reg.Recycle(pk)
	if err := p.reg.Dispatch(&inbound{r: r, raw: raw}, p.phase, pk); err != nil {
		if errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrDesync) ||
			errors.Is(err, ErrRejected) || errors.Is(err, ErrEvicted) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return nil
}

func (p *Peer) violation(r *remote, err error) {
	if p.role == RoleHost {
		p.log.Error("protocol violation, evicting", zap.Int32("player", r.player), zap.Error(err))
		p.evict(r, err.Error())
		return
	}
	p.fail(err)
}

func (p *Peer) fail(err error) {
	if p.err != nil {
		return
	}
	p.log.Error("lockstep stopped", zap.Error(err))
	p.err = err
	p.host.link.Close()
}

// Update advances the state machine. It returns a non-nil error once the
// peer can no longer take part in the session.
func (p *Peer) Update(now time.Time) error {
	if p.role == RoleHost {
		p.updateHost(now)
		return p.err
	}
	if p.err == nil && p.host.link.Closed() {
		p.fail(ErrHostLost)
	}
	return p.err
}

// Flush writes buffered messages to every link.
func (p *Peer) Flush() {
	if p.role == RoleClient {
		p.host.link.Flush()
		return
	}
	for _, id := range p.remoteIDs() {
		p.remotes[id].link.Flush()
	}
	for _, r := range p.lobby {
		r.link.Flush()
		if r.closing {
			r.link.Close()
		}
	}
}

func (p *Peer) send(r *remote, m packet.Packet) {
	r.link.Send(p.reg.Encode(m))
}

// beginSync snapshots the local queue into this round's Sync message. The
// local player's orders count as received straight away.
func (p *Peer) beginSync() []byte {
	p.phase = packet.StateSyncing
	snapshot := p.pending
	p.pending = nil

	msg := packet.Acquire[*Sync](p.reg, packet.TypeSync)
	msg.PlayerID = p.local
	msg.Orders = append(msg.Orders, snapshot...)
	raw := p.reg.Encode(msg)
	p.reg.Recycle(msg)

	me := p.state.Players[p.local]
	me.CurrentOrders = snapshot
	me.OrdersReceived = true
	p.log.Debug("sync started", zap.Int64("round", p.state.Round), zap.Int("orders", len(snapshot)))
	return raw
}

// acceptSync records a remote player's orders for the round.
func (p *Peer) acceptSync(m *Sync) error {
	pl, ok := p.state.Players[m.PlayerID]
	if !ok {
		m.recycleOrders()
		return fmt.Errorf("%w: sync from unknown player %d", ErrProtocolViolation, m.PlayerID)
	}
	if pl.OrdersReceived {
		m.recycleOrders()
		return fmt.Errorf("%w: second sync from player %d", ErrProtocolViolation, m.PlayerID)
	}
	orders := make([]order.Order, len(m.Orders))
	for i, o := range m.Orders {
		o.SetIssuer(m.PlayerID)
		orders[i] = o
	}
	pl.CurrentOrders = orders
	pl.OrdersReceived = true
	return nil
}

// step applies the round's orders in player id order, then queue order, and
// resets the per-round state. Every order is recycled afterwards.
func (p *Peer) step(elapsedMs int32) {
	p.phase = packet.StateSimulating
	s := p.state
	ids := s.PlayerIDs()

	var funded []int32
	for _, id := range ids {
		if pl := s.Players[id]; !pl.Funded {
			s.World.Resources().Add(id, s.StartResources)
			pl.Funded = true
			funded = append(funded, id)
		}
	}

	var orders []world.Order
	var data *packet.Writer
	if p.Rounds.Len() > 0 {
		data = packet.NewWriter()
	}
	for _, id := range ids {
		for _, o := range s.Players[id].CurrentOrders {
			orders = append(orders, o)
			if data != nil {
				data.WriteInt32(o.Issuer())
				p.reg.EncodeTo(data, o)
			}
		}
	}

	res, err := s.World.SimulateTimePassing(orders, elapsedMs)
	if err != nil {
		p.log.Error("simulation step failed", zap.Error(err))
	}

	for _, id := range ids {
		pl := s.Players[id]
		for _, o := range pl.CurrentOrders {
			p.reg.Recycle(o)
		}
		pl.CurrentOrders = nil
		pl.OrdersReceived = false
		pl.ReadyForSync = id == p.local
		if pl.leaving {
			delete(s.Players, id)
		}
	}
	s.Round++

	// Claims of applied orders are released; pending ones keep theirs.
	s.Reserved.Clear()
	for _, o := range p.pending {
		s.Reserved.Reserve(p.local, order.Claims(s.World, o))
	}
	p.phase = packet.StateWaiting

	p.log.Debug("round simulated",
		zap.Int64("round", s.Round),
		zap.Int32("elapsed_ms", elapsedMs),
		zap.Int("orders", len(orders)),
		zap.Int("rejected", res.Rejected),
	)
	if data != nil {
		p.Rounds.Notify(RoundRecord{
			Round:     s.Round,
			ElapsedMs: elapsedMs,
			Players:   len(ids),
			Funded:    funded,
			Orders:    len(orders),
			Rejected:  res.Rejected,
			OrderData: data.Bytes(),
			Checksum:  s.World.Checksum(),
		})
	}
}

// removePlayer drops a player, or defers it to the end of the round when its
// orders for the round are already in.
func (p *Peer) removePlayer(id int32, reason string) {
	pl, ok := p.state.Players[id]
	if !ok {
		return
	}
	if p.phase == packet.StateSyncing && pl.OrdersReceived {
		pl.leaving = true
	} else {
		for _, o := range pl.CurrentOrders {
			p.reg.Recycle(o)
		}
		delete(p.state.Players, id)
	}
	p.PlayerEvents.Notify(PlayerEvent{ID: id, Name: pl.Name, Reason: reason})
}

func violationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocolViolation}, args...)...)
}
