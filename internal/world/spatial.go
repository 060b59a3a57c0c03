package world

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/outpost/lockstep/internal/geom"
)

// ErrPushoutLimit is returned when collision resolution does not settle
// within the configured number of pushouts. The entity is still indexed at
// its last position.
var ErrPushoutLimit = errors.New("world: pushout limit reached")

// TilesFor returns the in-bounds tiles that mesh placed at pos strictly
// overlaps, in row-major order.
func (w *World) TilesFor(mesh *geom.Mesh, pos geom.Vec) []TileCoord {
	if mesh == nil {
		return nil
	}
	b := mesh.Bounds(pos)
	x0, x1 := w.span(b.Min.X, b.Max.X, w.width)
	y0, y1 := w.span(b.Min.Y, b.Max.Y, w.height)
	var out []TileCoord
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			c := TileCoord{X: x, Y: y}
			if mesh.OverlapsRect(pos, c.Rect()) {
				out = append(out, c)
			}
		}
	}
	return out
}

// span clips [lo, hi] to tile indices in [0, n).
func (w *World) span(lo, hi float64, n int32) (int32, int32) {
	lo = math.Min(float64(n), math.Max(0, math.Floor(lo)))
	hi = math.Max(-1, math.Min(float64(n-1), math.Ceil(hi)-1))
	return int32(lo), int32(hi)
}

// AddTileCollisions indexes e on every tile its mesh covers.
func (w *World) AddTileCollisions(e *Entity) error {
	if e == nil {
		return fmt.Errorf("%w: entity", ErrNilArgument)
	}
	if _, ok := w.entityTiles[e.ID]; ok {
		return fmt.Errorf("world: entity %d already indexed", e.ID)
	}
	tiles := w.TilesFor(e.Mesh(), e.Position)
	for _, c := range tiles {
		i := w.tileIndex(c)
		w.tileEntities[i] = insertID(w.tileEntities[i], e.ID)
	}
	w.entityTiles[e.ID] = tiles
	return nil
}

// RemoveTileCollisions drops every index entry for e.
func (w *World) RemoveTileCollisions(e *Entity) {
	if e == nil {
		return
	}
	for _, c := range w.entityTiles[e.ID] {
		i := w.tileIndex(c)
		w.tileEntities[i] = removeID(w.tileEntities[i], e.ID)
	}
	delete(w.entityTiles, e.ID)
}

// UpdateTileCollisions must be called after every position change of e. It
// pushes e out of every other entity it overlaps, one minimum translation at
// a time, then moves e's index entries to the tiles it now covers. A pushout
// never leaves the grid: when the minimum translation would, the shortest
// in-grid escape is used instead. Reports whether e was pushed.
func (w *World) UpdateTileCollisions(e *Entity) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("%w: entity", ErrNilArgument)
	}
	start := e.Position
	pushed := false
	var err error
	for n := 0; ; n++ {
		other, mtv, ok := w.firstOverlap(e)
		if !ok {
			break
		}
		if n >= w.maxPushouts {
			err = fmt.Errorf("%w: entity %d still overlaps %d after %d pushouts", ErrPushoutLimit, e.ID, other.ID, n)
			w.log.Error("collision resolution did not settle",
				zap.Int32("entity", e.ID),
				zap.Int32("other", other.ID),
				zap.Int("pushouts", n),
			)
			break
		}
		next := e.Position.Add(mtv)
		if !w.holds(e.Mesh(), next) {
			next = w.escape(e, other, next)
		}
		e.Position = next
		pushed = true
	}
	w.reindex(e)
	if pushed {
		w.EntityEvents.Notify(EntityEvent{Entity: e.ID, Type: EntityPushed, From: start, To: e.Position})
	}
	return pushed, err
}

// escape picks where e goes when pushing it out of other by the minimum
// translation would leave the grid: the shortest in-grid escape that clears
// every entity, else the shortest in-grid one, else next clamped inside.
func (w *World) escape(e, other *Entity, next geom.Vec) geom.Vec {
	var fallback *geom.Vec
	for _, d := range e.Mesh().Escapes(e.Position, other.Mesh(), other.Position) {
		pos := e.Position.Add(d)
		if !w.holds(e.Mesh(), pos) {
			continue
		}
		if _, _, hit := w.overlapAt(e, pos); !hit {
			return pos
		}
		if fallback == nil {
			fallback = &pos
		}
	}
	if fallback != nil {
		return *fallback
	}
	return w.clampInside(e.Mesh(), next)
}

// holds reports whether mesh placed at pos lies within the grid.
func (w *World) holds(mesh *geom.Mesh, pos geom.Vec) bool {
	b := mesh.Bounds(pos)
	return b.Min.X >= -geom.Epsilon && b.Min.Y >= -geom.Epsilon &&
		b.Max.X <= float64(w.width)+geom.Epsilon && b.Max.Y <= float64(w.height)+geom.Epsilon
}

// clampInside moves pos the least distance that keeps mesh on the grid. A
// mesh wider than the grid is centred on it.
func (w *World) clampInside(mesh *geom.Mesh, pos geom.Vec) geom.Vec {
	b := mesh.Bounds(pos)
	fit := func(v, lo, hi, n float64) float64 {
		switch {
		case hi-lo > n:
			return v + (n-lo-hi)/2
		case lo < 0:
			return v - lo
		case hi > n:
			return v - (hi - n)
		}
		return v
	}
	return geom.V(
		fit(pos.X, b.Min.X, b.Max.X, float64(w.width)),
		fit(pos.Y, b.Min.Y, b.Max.Y, float64(w.height)),
	)
}

// firstOverlap returns the lowest-id live entity that e overlaps among the
// occupants of the tiles e covers at its current position.
func (w *World) firstOverlap(e *Entity) (*Entity, geom.Vec, bool) {
	return w.overlapAt(e, e.Position)
}

// overlapAt is firstOverlap with e placed at pos.
func (w *World) overlapAt(e *Entity, pos geom.Vec) (*Entity, geom.Vec, bool) {
	for _, id := range w.occupants(w.TilesFor(e.Mesh(), pos)) {
		if id == e.ID {
			continue
		}
		other := w.entities[id]
		if other == nil || other.Destroyed {
			continue
		}
		if mtv, ok := e.Mesh().MTV(pos, other.Mesh(), other.Position); ok {
			return other, mtv, true
		}
	}
	return nil, geom.Vec{}, false
}

// occupants returns the sorted, de-duplicated ids indexed on tiles.
func (w *World) occupants(tiles []TileCoord) []int32 {
	var ids []int32
	for _, c := range tiles {
		ids = append(ids, w.tileEntities[w.tileIndex(c)]...)
	}
	if len(ids) < 2 {
		return ids
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}

// reindex moves e's entries from its old tiles to the tiles it covers now.
func (w *World) reindex(e *Entity) {
	old := w.entityTiles[e.ID]
	next := w.TilesFor(e.Mesh(), e.Position)
	i, j := 0, 0
	for i < len(old) || j < len(next) {
		switch {
		case j == len(next) || (i < len(old) && tileLess(old[i], next[j])):
			k := w.tileIndex(old[i])
			w.tileEntities[k] = removeID(w.tileEntities[k], e.ID)
			i++
		case i == len(old) || tileLess(next[j], old[i]):
			k := w.tileIndex(next[j])
			w.tileEntities[k] = insertID(w.tileEntities[k], e.ID)
			j++
		default:
			i++
			j++
		}
	}
	w.entityTiles[e.ID] = next
}

func insertID(bag []int32, id int32) []int32 {
	i := sort.Search(len(bag), func(i int) bool { return bag[i] >= id })
	if i < len(bag) && bag[i] == id {
		return bag
	}
	bag = append(bag, 0)
	copy(bag[i+1:], bag[i:])
	bag[i] = id
	return bag
}

func removeID(bag []int32, id int32) []int32 {
	i := sort.Search(len(bag), func(i int) bool { return bag[i] >= id })
	if i == len(bag) || bag[i] != id {
		return bag
	}
	return append(bag[:i], bag[i+1:]...)
}

// TilesOf returns the tiles e is indexed on.
func (w *World) TilesOf(id int32) []TileCoord { return w.entityTiles[id] }

// EntitiesOn returns the ids indexed on tile c, ascending.
func (w *World) EntitiesOn(c TileCoord) []int32 {
	if !w.InBounds(c) {
		return nil
	}
	return w.tileEntities[w.tileIndex(c)]
}

// IsPassable reports whether c is ground and holds no entity other than e.
// e may be nil.
func (w *World) IsPassable(c TileCoord, e *Entity) bool {
	t, ok := w.Tile(c)
	if !ok || !t.Passable() {
		return false
	}
	for _, id := range w.tileEntities[w.tileIndex(c)] {
		if e == nil || id != e.ID {
			return false
		}
	}
	return true
}

// GetEntityAtLocation returns the lowest-id live entity whose mesh contains p.
func (w *World) GetEntityAtLocation(p geom.Vec) *Entity {
	for _, id := range w.occupants(w.tilesTouching(p)) {
		e := w.entities[id]
		if e != nil && !e.Destroyed && e.Mesh().Contains(p, e.Position) {
			return e
		}
	}
	return nil
}

// tilesTouching returns the tiles whose closed rectangle contains p; a point
// on a tile edge or corner touches up to four.
func (w *World) tilesTouching(p geom.Vec) []TileCoord {
	base := TileAt(p)
	xs := []int32{base.X}
	if float64(base.X) == p.X {
		xs = append(xs, base.X-1)
	}
	ys := []int32{base.Y}
	if float64(base.Y) == p.Y {
		ys = append(ys, base.Y-1)
	}
	var out []TileCoord
	for _, y := range ys {
		for _, x := range xs {
			if c := (TileCoord{X: x, Y: y}); w.InBounds(c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// GetEntitiesAtLocation returns every live entity that strictly overlaps mesh
// placed at pos, in ascending id order.
func (w *World) GetEntitiesAtLocation(mesh *geom.Mesh, pos geom.Vec) []*Entity {
	var out []*Entity
	for _, id := range w.occupants(w.TilesFor(mesh, pos)) {
		e := w.entities[id]
		if e == nil || e.Destroyed {
			continue
		}
		if mesh.Overlaps(pos, e.Mesh(), e.Position) {
			out = append(out, e)
		}
	}
	return out
}

// CheckIndex verifies that the entity and tile indices are mutual inverses
// and match every entity's current position.
func (w *World) CheckIndex() error {
	for _, e := range w.all {
		tiles, ok := w.entityTiles[e.ID]
		if !ok {
			return fmt.Errorf("entity %d is not indexed", e.ID)
		}
		want := w.TilesFor(e.Mesh(), e.Position)
		if len(want) != len(tiles) {
			return fmt.Errorf("entity %d indexed on %d tiles, covers %d", e.ID, len(tiles), len(want))
		}
		for i := range want {
			if want[i] != tiles[i] {
				return fmt.Errorf("entity %d indexed on %v, covers %v", e.ID, tiles[i], want[i])
			}
			if !containsID(w.tileEntities[w.tileIndex(tiles[i])], e.ID) {
				return fmt.Errorf("tile %v does not list entity %d", tiles[i], e.ID)
			}
		}
	}
	if len(w.entityTiles) != len(w.all) {
		return fmt.Errorf("%d index entries for %d entities", len(w.entityTiles), len(w.all))
	}
	for i, bag := range w.tileEntities {
		c := TileCoord{X: int32(i % int(w.width)), Y: int32(i / int(w.width))}
		for k, id := range bag {
			if k > 0 && bag[k-1] >= id {
				return fmt.Errorf("tile %v occupant list is not sorted", c)
			}
			if !containsTile(w.entityTiles[id], c) {
				return fmt.Errorf("tile %v lists entity %d which is not indexed there", c, id)
			}
		}
	}
	return nil
}

func containsID(bag []int32, id int32) bool {
	i := sort.Search(len(bag), func(i int) bool { return bag[i] >= id })
	return i < len(bag) && bag[i] == id
}

func containsTile(tiles []TileCoord, c TileCoord) bool {
	i := sort.Search(len(tiles), func(i int) bool { return !tileLess(tiles[i], c) })
	return i < len(tiles) && tiles[i] == c
}
