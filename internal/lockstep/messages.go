package lockstep

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/order"
	"github.com/outpost/lockstep/internal/world"
)

const (
	maxOrdersPerSync = 1024
	maxDownloadSize  = 16 << 20
	maxReasonLen     = 256
)

// NewRegistry returns a registry holding every connection-control message
// and every order type. Each peer owns one.
func NewRegistry(tasks *world.TaskRegistry, log *zap.Logger) *packet.Registry {
	reg := packet.NewRegistry(log)
	reg.Register(packet.TypeHello, "Hello", func() packet.Packet { return &Hello{} })
	reg.Register(packet.TypeRejected, "Rejected", func() packet.Packet { return &Rejected{} })
	reg.Register(packet.TypeStateDownload, "SharedGameStateDownload", func() packet.Packet { return &StateDownload{} })
	reg.Register(packet.TypePlayerJoined, "PlayerJoined", func() packet.Packet { return &PlayerJoined{} })
	reg.Register(packet.TypePlayerLeft, "PlayerLeft", func() packet.Packet { return &PlayerLeft{} })
	reg.Register(packet.TypeReadyForSync, "ReadyForSync", func() packet.Packet { return &ReadyForSync{} })
	reg.Register(packet.TypeSyncStart, "SyncStart", func() packet.Packet { return &SyncStart{} })
	reg.Register(packet.TypeSync, "Sync", func() packet.Packet { return &Sync{reg: reg} })
	reg.Register(packet.TypeSimulationStart, "SimulationStart", func() packet.Packet { return &SimulationStart{} })
	reg.Register(packet.TypeStateChecksum, "StateChecksum", func() packet.Packet { return &StateChecksum{} })
	order.Register(reg, tasks)
	return reg
}

// Hello is the first message a joining peer sends.
type Hello struct {
	packet.Pooled
	Name     string
	Password string
}

func (m *Hello) Type() packet.TypeID { return packet.TypeHello }
func (m *Hello) Clear()              { m.Name, m.Password = "", "" }

func (m *Hello) SaveTo(w *packet.Writer) {
	w.WriteString(m.Name)
	w.WriteString(m.Password)
}

func (m *Hello) LoadFrom(r *packet.Reader) error {
	m.Name = r.ReadString()
	m.Password = r.ReadString()
	return r.Err()
}

// Rejected tells a joining peer why it was turned away.
type Rejected struct {
	packet.Pooled
	Reason string
}

func (m *Rejected) Type() packet.TypeID     { return packet.TypeRejected }
func (m *Rejected) Clear()                  { m.Reason = "" }
func (m *Rejected) SaveTo(w *packet.Writer) { w.WriteString(m.Reason) }
func (m *Rejected) LoadFrom(r *packet.Reader) error {
	m.Reason = r.ReadString()
	if len(m.Reason) > maxReasonLen {
		m.Reason = m.Reason[:maxReasonLen]
	}
	return r.Err()
}

// StateDownload carries the shared game state to a newly joined peer,
// together with the player id assigned to it. Session holds the players and
// reserved tiles; Blob is the lz4-compressed world.
type StateDownload struct {
	packet.Pooled
	Recipient int32
	Round     int64
	Session   []byte
	Blob      []byte
}

func (m *StateDownload) Type() packet.TypeID { return packet.TypeStateDownload }

func (m *StateDownload) Clear() {
	m.Recipient = 0
	m.Round = 0
	m.Session = nil
	m.Blob = nil
}

func (m *StateDownload) SaveTo(w *packet.Writer) {
	w.WriteInt32(m.Recipient)
	w.WriteInt64(m.Round)
	w.WriteBytes(m.Session)
	w.WriteBytes(m.Blob)
}

func (m *StateDownload) LoadFrom(r *packet.Reader) error {
	m.Recipient = r.ReadInt32()
	m.Round = r.ReadInt64()
	m.Session = r.ReadBytes(maxDownloadSize)
	m.Blob = r.ReadBytes(maxDownloadSize)
	return r.Err()
}

// PlayerJoined announces a new player to the peers already in the session.
type PlayerJoined struct {
	packet.Pooled
	ID   int32
	Name string
}

func (m *PlayerJoined) Type() packet.TypeID { return packet.TypePlayerJoined }
func (m *PlayerJoined) Clear()              { m.ID, m.Name = 0, "" }

func (m *PlayerJoined) SaveTo(w *packet.Writer) {
	w.WriteInt32(m.ID)
	w.WriteString(m.Name)
}

func (m *PlayerJoined) LoadFrom(r *packet.Reader) error {
	m.ID = r.ReadInt32()
	m.Name = r.ReadString()
	return r.Err()
}

// PlayerLeft announces that a player disconnected or was evicted.
type PlayerLeft struct {
	packet.Pooled
	ID int32
}

func (m *PlayerLeft) Type() packet.TypeID             { return packet.TypePlayerLeft }
func (m *PlayerLeft) Clear()                          { m.ID = 0 }
func (m *PlayerLeft) SaveTo(w *packet.Writer)         { w.WriteInt32(m.ID) }
func (m *PlayerLeft) LoadFrom(r *packet.Reader) error { m.ID = r.ReadInt32(); return r.Err() }

// ReadyForSync tells the host a peer has finished its last step.
type ReadyForSync struct {
	packet.Pooled
	PlayerID int32
}

func (m *ReadyForSync) Type() packet.TypeID             { return packet.TypeReadyForSync }
func (m *ReadyForSync) Clear()                          { m.PlayerID = 0 }
func (m *ReadyForSync) SaveTo(w *packet.Writer)         { w.WriteInt32(m.PlayerID) }
func (m *ReadyForSync) LoadFrom(r *packet.Reader) error { m.PlayerID = r.ReadInt32(); return r.Err() }

// SyncStart moves every peer from Waiting to Syncing. It has no payload.
type SyncStart struct {
	packet.Pooled
}

func (m *SyncStart) Type() packet.TypeID { return packet.TypeSyncStart }
func (m *SyncStart) Clear()                          {}
func (m *SyncStart) SaveTo(*packet.Writer)           {}
func (m *SyncStart) LoadFrom(r *packet.Reader) error { return r.Err() }

// Sync carries one player's orders for the round:
// [playerId:int32][count:int32]([orderTypeId:int32][order payload])*.
// The orders are pooled packets; whoever takes them out of Orders recycles them.
type Sync struct {
	packet.Pooled
	PlayerID int32
	Orders   []order.Order

	reg *packet.Registry
}

func (m *Sync) Type() packet.TypeID { return packet.TypeSync }

// Clear forgets the orders without recycling them.
func (m *Sync) Clear() {
	m.PlayerID = 0
	for i := range m.Orders {
		m.Orders[i] = nil
	}
	m.Orders = m.Orders[:0]
}

func (m *Sync) SaveTo(w *packet.Writer) {
	w.WriteInt32(m.PlayerID)
	w.WriteInt32(int32(len(m.Orders)))
	for _, o := range m.Orders {
		m.reg.EncodeTo(w, o)
	}
}

func (m *Sync) LoadFrom(r *packet.Reader) error {
	m.PlayerID = r.ReadInt32()
	n := r.ReadCount(maxOrdersPerSync)
	for i := 0; i < n; i++ {
		p, err := m.reg.DecodeFrom(r)
		if err != nil {
			m.recycleOrders()
			return fmt.Errorf("order %d of %d: %w", i, n, err)
		}
		o, ok := p.(order.Order)
		if !ok {
			m.reg.Recycle(p)
			m.recycleOrders()
			return fmt.Errorf("%w: %s is not an order", ErrProtocolViolation, m.reg.Name(p.Type()))
		}
		m.Orders = append(m.Orders, o)
	}
	return r.Err()
}

func (m *Sync) recycleOrders() {
	for _, o := range m.Orders {
		m.reg.Recycle(o)
	}
	m.Clear()
}

// SimulationStart releases every peer into the step for the round, with the
// elapsed time measured by the host.
type SimulationStart struct {
	packet.Pooled
	ElapsedMs int32
}

func (m *SimulationStart) Type() packet.TypeID     { return packet.TypeSimulationStart }
func (m *SimulationStart) Clear()                  { m.ElapsedMs = 0 }
func (m *SimulationStart) SaveTo(w *packet.Writer) { w.WriteInt32(m.ElapsedMs) }
func (m *SimulationStart) LoadFrom(r *packet.Reader) error {
	m.ElapsedMs = r.ReadInt32()
	return r.Err()
}

// StateChecksum carries the host's world checksum after a round.
type StateChecksum struct {
	packet.Pooled
	Round int64
	Sum   [32]byte
}

func (m *StateChecksum) Type() packet.TypeID { return packet.TypeStateChecksum }

func (m *StateChecksum) Clear() {
	m.Round = 0
	m.Sum = [32]byte{}
}

func (m *StateChecksum) SaveTo(w *packet.Writer) {
	w.WriteInt64(m.Round)
	w.WriteBytes(m.Sum[:])
}

func (m *StateChecksum) LoadFrom(r *packet.Reader) error {
	m.Round = r.ReadInt64()
	b := r.ReadBytes(len(m.Sum))
	if r.Err() == nil && len(b) != len(m.Sum) {
		return fmt.Errorf("%w: checksum is %d bytes", packet.ErrBadLength, len(b))
	}
	copy(m.Sum[:], b)
	return r.Err()
}
