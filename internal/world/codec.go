package world

import (
	"fmt"

	"lukechampine.com/blake3"

	"github.com/outpost/lockstep/internal/geom"
	"github.com/outpost/lockstep/internal/net/packet"
)

const (
	maxEncodedTiles    = 1 << 22
	maxEncodedEntities = 1 << 20
	maxEncodedQueue    = 1 << 12
	maxEncodedPlayers  = 1 << 10
)

// SaveTo writes the full world state. Destroyed entities awaiting cleanup are
// omitted; derived indices are rebuilt on load.
//
//	[width:int32][height:int32][tiles:bytes][tick:int64][nextId:int32]
//	[players:int32]([player:int32][balance:int64])*
//	[entities:int32]([id][template][owner][x:f64][y:f64][paused:bool]
//	  [hasCurrent:bool][current task]?[queue:int32][task]*)*
func (w *World) SaveTo(wr *packet.Writer) {
	wr.WriteInt32(w.width)
	wr.WriteInt32(w.height)
	kinds := make([]byte, len(w.tiles))
	for i, t := range w.tiles {
		kinds[i] = byte(t.Kind)
	}
	wr.WriteBytes(kinds)
	wr.WriteInt64(w.tick)
	wr.WriteInt32(w.nextID)

	players := w.resources.Players()
	wr.WriteInt32(int32(len(players)))
	for _, p := range players {
		wr.WriteInt32(p)
		wr.WriteInt64(w.resources.Balance(p))
	}

	live := 0
	for _, e := range w.all {
		if !e.Destroyed {
			live++
		}
	}
	wr.WriteInt32(int32(live))
	for _, e := range w.all {
		if e.Destroyed {
			continue
		}
		wr.WriteInt32(e.ID)
		wr.WriteInt32(e.Template.ID)
		wr.WriteInt32(e.Owner)
		wr.WriteFloat64(e.Position.X)
		wr.WriteFloat64(e.Position.Y)
		wr.WriteBool(e.Paused)
		wr.WriteBool(e.current != nil)
		if e.current != nil {
			EncodeTask(wr, e.current)
		}
		wr.WriteInt32(int32(len(e.queue)))
		for _, t := range e.queue {
			EncodeTask(wr, t)
		}
	}
}

// Load rebuilds a world written by SaveTo. Entities are indexed exactly where
// they were saved; no collision resolution runs.
func Load(r *packet.Reader, templates *Templates, tasks *TaskRegistry, opts Options) (*World, error) {
	width := r.ReadInt32()
	height := r.ReadInt32()
	kinds := r.ReadBytes(maxEncodedTiles)
	tick := r.ReadInt64()
	nextID := r.ReadInt32()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read world header: %w", err)
	}
	tiles := make([]Tile, len(kinds))
	for i, k := range kinds {
		tiles[i] = Tile{Kind: TileKind(k)}
	}
	w, err := New(width, height, tiles, templates, tasks, opts)
	if err != nil {
		return nil, err
	}
	w.tick = tick
	w.nextID = nextID

	n := r.ReadCount(maxEncodedPlayers)
	for i := 0; i < n; i++ {
		player := r.ReadInt32()
		balance := r.ReadInt64()
		if err := w.resources.Add(player, balance); err != nil {
			return nil, fmt.Errorf("read resources: %w", err)
		}
	}

	n = r.ReadCount(maxEncodedEntities)
	for i := 0; i < n; i++ {
		e, err := w.loadEntity(r)
		if err != nil {
			return nil, fmt.Errorf("read entity %d of %d: %w", i, n, err)
		}
		if _, dup := w.entities[e.ID]; dup || e.ID >= w.nextID || e.ID <= 0 {
			return nil, fmt.Errorf("read entity %d of %d: bad id %d", i, n, e.ID)
		}
		w.insert(e)
		if err := w.AddTileCollisions(e); err != nil {
			return nil, err
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read world: %w", err)
	}
	return w, nil
}

func (w *World) loadEntity(r *packet.Reader) (*Entity, error) {
	e := &Entity{ID: r.ReadInt32()}
	tplID := r.ReadInt32()
	e.Owner = r.ReadInt32()
	e.Position = geom.V(r.ReadFloat64(), r.ReadFloat64())
	e.Paused = r.ReadBool()
	hasCurrent := r.ReadBool()
	if err := r.Err(); err != nil {
		return nil, err
	}
	tpl, ok := w.templates.Get(tplID)
	if !ok {
		return nil, fmt.Errorf("unknown template %d", tplID)
	}
	e.Template = tpl
	if hasCurrent {
		t, err := w.tasks.DecodeTask(r)
		if err != nil {
			return nil, err
		}
		e.current = t
	}
	q := r.ReadCount(maxEncodedQueue)
	for i := 0; i < q; i++ {
		t, err := w.tasks.DecodeTask(r)
		if err != nil {
			return nil, err
		}
		e.queue = append(e.queue, t)
	}
	return e, r.Err()
}

// Snapshot returns the serialized world.
func (w *World) Snapshot() []byte {
	wr := packet.NewWriter()
	w.SaveTo(wr)
	return wr.Bytes()
}

// Checksum hashes the serialized world. Peers that applied the same orders
// to the same state produce the same sum.
func (w *World) Checksum() [32]byte {
	return blake3.Sum256(w.Snapshot())
}
