package world

import (
	"sort"

	"github.com/outpost/lockstep/internal/net/packet"
)

// ReservedTiles records tiles claimed by orders that are queued but not yet
// applied, so two pending orders cannot target the same location. Claims are
// released once the round that carries them has been simulated.
type ReservedTiles struct {
	owner map[TileCoord]int32
}

func NewReservedTiles() *ReservedTiles {
	return &ReservedTiles{owner: make(map[TileCoord]int32)}
}

// Reserve claims every tile for player, or none if any is already claimed.
func (rt *ReservedTiles) Reserve(player int32, tiles []TileCoord) bool {
	for _, c := range tiles {
		if _, taken := rt.owner[c]; taken {
			return false
		}
	}
	for _, c := range tiles {
		rt.owner[c] = player
	}
	return true
}

// IsReserved returns the claiming player for c.
func (rt *ReservedTiles) IsReserved(c TileCoord) (int32, bool) {
	p, ok := rt.owner[c]
	return p, ok
}

// Release drops every claim held by player.
func (rt *ReservedTiles) Release(player int32) {
	for c, p := range rt.owner {
		if p == player {
			delete(rt.owner, c)
		}
	}
}

func (rt *ReservedTiles) Clear() {
	for c := range rt.owner {
		delete(rt.owner, c)
	}
}

func (rt *ReservedTiles) Len() int { return len(rt.owner) }

func (rt *ReservedTiles) sorted() []TileCoord {
	out := make([]TileCoord, 0, len(rt.owner))
	for c := range rt.owner {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return tileLess(out[i], out[j]) })
	return out
}

// SaveTo writes [count:int32]([x:int32][y:int32][player:int32])* in row-major order.
func (rt *ReservedTiles) SaveTo(w *packet.Writer) {
	tiles := rt.sorted()
	w.WriteInt32(int32(len(tiles)))
	for _, c := range tiles {
		w.WriteInt32(c.X)
		w.WriteInt32(c.Y)
		w.WriteInt32(rt.owner[c])
	}
}

func (rt *ReservedTiles) LoadFrom(r *packet.Reader) error {
	rt.Clear()
	n := r.ReadCount(maxEncodedTiles)
	for i := 0; i < n; i++ {
		c := TileCoord{X: r.ReadInt32(), Y: r.ReadInt32()}
		rt.owner[c] = r.ReadInt32()
	}
	return r.Err()
}
