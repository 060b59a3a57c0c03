package lockstep

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/pierrec/lz4/v4"

	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/order"
	"github.com/outpost/lockstep/internal/world"
)

const maxPlayers = 256

// Player is one participant of the session as seen by every peer.
type Player struct {
	ID   int32
	Name string

	// Funded is set once the player's starting stock has been granted.
	Funded bool

	ReadyForSync   bool
	OrdersReceived bool
	CurrentOrders  []order.Order

	// leaving marks a player evicted after its orders for the round arrived.
	// It is removed once the round is simulated.
	leaving bool
}

// SharedGameState is everything that must be identical on every peer.
type SharedGameState struct {
	World          *world.World
	Players        map[int32]*Player
	Reserved       *world.ReservedTiles
	Round          int64
	StartResources int64
}

func NewSharedGameState(w *world.World, startResources int64) *SharedGameState {
	return &SharedGameState{
		World:          w,
		Players:        make(map[int32]*Player),
		Reserved:       world.NewReservedTiles(),
		StartResources: startResources,
	}
}

// PlayerIDs returns every known player id, ascending.
func (s *SharedGameState) PlayerIDs() []int32 {
	ids := make([]int32, 0, len(s.Players))
	for id := range s.Players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AllOrdersReceived is the barrier condition for leaving Syncing.
func (s *SharedGameState) AllOrdersReceived() bool {
	for _, p := range s.Players {
		if !p.OrdersReceived {
			return false
		}
	}
	return true
}

func (s *SharedGameState) AllReadyForSync() bool {
	for _, p := range s.Players {
		if !p.ReadyForSync {
			return false
		}
	}
	return true
}

// SaveSessionTo writes the per-join part of a state download:
// [round:int64][startResources:int64][players:int32]([id][name][funded])*
// [reserved tiles]. The world travels separately so it can be shared.
// Per-round flags and in-flight orders are not part of it.
func (s *SharedGameState) SaveSessionTo(w *packet.Writer) {
	w.WriteInt64(s.Round)
	w.WriteInt64(s.StartResources)
	ids := s.PlayerIDs()
	w.WriteInt32(int32(len(ids)))
	for _, id := range ids {
		p := s.Players[id]
		w.WriteInt32(p.ID)
		w.WriteString(p.Name)
		w.WriteBool(p.Funded)
	}
	s.Reserved.SaveTo(w)
}

// LoadState rebuilds a state from a session written by SaveSessionTo and a
// world written by world.SaveTo.
func LoadState(session, wr *packet.Reader, templates *world.Templates, tasks *world.TaskRegistry, opts world.Options) (*SharedGameState, error) {
	round := session.ReadInt64()
	start := session.ReadInt64()
	n := session.ReadCount(maxPlayers)
	players := make(map[int32]*Player, n)
	for i := 0; i < n; i++ {
		p := &Player{ID: session.ReadInt32(), Name: session.ReadString(), Funded: session.ReadBool()}
		players[p.ID] = p
	}
	if err := session.Err(); err != nil {
		return nil, fmt.Errorf("read players: %w", err)
	}
	reserved := world.NewReservedTiles()
	if err := reserved.LoadFrom(session); err != nil {
		return nil, fmt.Errorf("read reserved tiles: %w", err)
	}
	w, err := world.Load(wr, templates, tasks, opts)
	if err != nil {
		return nil, err
	}
	s := NewSharedGameState(w, start)
	s.Round = round
	s.Players = players
	s.Reserved = reserved
	return s, nil
}

// compress and decompress wrap the state download in an lz4 frame.
func compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, fmt.Errorf("compress state: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress state: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(src []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(src))
	out, err := io.ReadAll(io.LimitReader(zr, 4*maxDownloadSize))
	if err != nil {
		return nil, fmt.Errorf("decompress state: %w", err)
	}
	return out, nil
}
