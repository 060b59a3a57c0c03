package world

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/outpost/lockstep/internal/core/event"
	"github.com/outpost/lockstep/internal/geom"
)

var (
	ErrOutOfBounds     = errors.New("world: position out of bounds")
	ErrNoEntity        = errors.New("world: no such entity")
	ErrEntityDestroyed = errors.New("world: entity destroyed")
	ErrNilArgument     = errors.New("world: nil argument")
	ErrNegativeElapsed = errors.New("world: negative elapsed time")
)

// DefaultMaxPushouts caps collision resolution for a single position change.
const DefaultMaxPushouts = 32

// Order is an agreed-upon intent applied during a simulation step.
type Order interface {
	Apply(w *World) error
}

// Rejection reports an order that failed to apply. The step carries on.
type Rejection struct {
	Tick  int64
	Order Order
	Err   error
}

// StepResult summarises one call to SimulateTimePassing.
type StepResult struct {
	Tick     int64
	Applied  int
	Rejected int
	Stepped  int
}

type Options struct {
	MaxPushouts int
	Log         *zap.Logger
}

// World is a fixed-size tile grid with the entities placed on it and the
// indices between the two. All mutation happens on the game loop goroutine
// during a simulation step or world load.
type World struct {
	width  int32
	height int32
	tiles  []Tile // row-major, y*width + x

	templates *Templates
	tasks     *TaskRegistry
	resources *Resources

	entities map[int32]*Entity
	all      []*Entity // id ascending
	mobile   []*Entity
	immobile []*Entity

	entityTiles  map[int32][]TileCoord // sorted with tileLess
	tileEntities [][]int32             // per tile, sorted ids

	tick        int64
	nextID      int32
	maxPushouts int
	log         *zap.Logger

	TaskEvents   event.Observers[TaskEvent]
	EntityEvents event.Observers[EntityEvent]
	Rejections   event.Observers[Rejection]
}

// New creates an empty world over the given tiles.
func New(width, height int32, tiles []Tile, templates *Templates, tasks *TaskRegistry, opts Options) (*World, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("world: invalid size %dx%d", width, height)
	}
	if len(tiles) != int(width)*int(height) {
		return nil, fmt.Errorf("world: %d tiles for a %dx%d grid", len(tiles), width, height)
	}
	if templates == nil || tasks == nil {
		return nil, fmt.Errorf("%w: templates and task registry are required", ErrNilArgument)
	}
	for i, t := range tiles {
		if !t.Kind.Valid() {
			return nil, fmt.Errorf("world: tile %d has invalid kind %d", i, t.Kind)
		}
	}
	if opts.MaxPushouts <= 0 {
		opts.MaxPushouts = DefaultMaxPushouts
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	cp := make([]Tile, len(tiles))
	copy(cp, tiles)
	return &World{
		width:        width,
		height:       height,
		tiles:        cp,
		templates:    templates,
		tasks:        tasks,
		resources:    NewResources(),
		entities:     make(map[int32]*Entity),
		entityTiles:  make(map[int32][]TileCoord),
		tileEntities: make([][]int32, len(cp)),
		nextID:       1,
		maxPushouts:  opts.MaxPushouts,
		log:          opts.Log,
	}, nil
}

func (w *World) Width() int32              { return w.width }
func (w *World) Height() int32             { return w.height }
func (w *World) Tick() int64               { return w.tick }
func (w *World) Templates() *Templates     { return w.templates }
func (w *World) Tasks() *TaskRegistry      { return w.tasks }
func (w *World) Resources() *Resources     { return w.resources }
func (w *World) MaxPushouts() int          { return w.maxPushouts }
func (w *World) EntityCount() int          { return len(w.all) }
func (w *World) Mobile() []*Entity         { return w.mobile }
func (w *World) Immobile() []*Entity       { return w.immobile }
func (w *World) Entities() []*Entity       { return w.all }
func (w *World) InBounds(c TileCoord) bool { return c.X >= 0 && c.Y >= 0 && c.X < w.width && c.Y < w.height }

func (w *World) tileIndex(c TileCoord) int { return int(c.Y)*int(w.width) + int(c.X) }

// Contains reports whether p lies inside the world rectangle.
func (w *World) Contains(p geom.Vec) bool {
	return p.X >= 0 && p.Y >= 0 && p.X <= float64(w.width) && p.Y <= float64(w.height)
}

// Tile returns the tile at c.
func (w *World) Tile(c TileCoord) (Tile, bool) {
	if !w.InBounds(c) {
		return Tile{}, false
	}
	return w.tiles[w.tileIndex(c)], true
}

// SetTile replaces the tile at c.
func (w *World) SetTile(c TileCoord, kind TileKind) error {
	if !w.InBounds(c) {
		return fmt.Errorf("%w: tile %v", ErrOutOfBounds, c)
	}
	if !kind.Valid() {
		return fmt.Errorf("world: invalid tile kind %d", kind)
	}
	w.tiles[w.tileIndex(c)] = Tile{Kind: kind}
	return nil
}

// Entity returns the entity with id, including ones marked destroyed but
// not yet cleaned up.
func (w *World) Entity(id int32) (*Entity, bool) {
	e, ok := w.entities[id]
	return e, ok
}

// Live returns the entity with id when it exists and is not destroyed.
func (w *World) Live(id int32) (*Entity, error) {
	e, ok := w.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoEntity, id)
	}
	if e.Destroyed {
		return nil, fmt.Errorf("%w: %d", ErrEntityDestroyed, id)
	}
	return e, nil
}

// CreateEntity places a new entity. Mobile entities are pushed out of
// anything they overlap; immobile ones are indexed where they stand.
func (w *World) CreateEntity(tpl *Template, owner int32, pos geom.Vec) (*Entity, error) {
	if tpl == nil {
		return nil, fmt.Errorf("%w: template", ErrNilArgument)
	}
	if !w.Contains(pos) {
		return nil, fmt.Errorf("%w: %v", ErrOutOfBounds, pos)
	}
	e := &Entity{ID: w.nextID, Template: tpl, Owner: owner, Position: pos}
	w.nextID++
	w.insert(e)
	if err := w.AddTileCollisions(e); err != nil {
		return nil, err
	}
	w.EntityEvents.Notify(EntityEvent{Entity: e.ID, Type: EntityCreated, From: pos, To: pos})
	if e.Mobile() {
		if _, err := w.UpdateTileCollisions(e); err != nil {
			return e, err
		}
	}
	return e, nil
}

// insert adds e to the lookup map and the id-ordered bags.
func (w *World) insert(e *Entity) {
	w.entities[e.ID] = e
	w.all = insertEntity(w.all, e)
	if e.Mobile() {
		w.mobile = insertEntity(w.mobile, e)
	} else {
		w.immobile = insertEntity(w.immobile, e)
	}
}

func insertEntity(list []*Entity, e *Entity) []*Entity {
	i := len(list)
	for i > 0 && list[i-1].ID > e.ID {
		i--
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

// Destroy cancels e's tasks and marks it destroyed. It stays indexed until
// the next Cleanup so collections are never modified mid-iteration.
func (w *World) Destroy(e *Entity) {
	if e == nil || e.Destroyed {
		return
	}
	w.CancelTasks(e)
	e.Destroyed = true
	w.EntityEvents.Notify(EntityEvent{Entity: e.ID, Type: EntityDestroyed, From: e.Position, To: e.Position})
}

// Cleanup removes destroyed entities from the indices and bags.
func (w *World) Cleanup() int {
	removed := 0
	for _, e := range w.all {
		if !e.Destroyed {
			continue
		}
		w.RemoveTileCollisions(e)
		delete(w.entities, e.ID)
		removed++
	}
	if removed == 0 {
		return 0
	}
	w.all = dropDestroyed(w.all)
	w.mobile = dropDestroyed(w.mobile)
	w.immobile = dropDestroyed(w.immobile)
	return removed
}

func dropDestroyed(list []*Entity) []*Entity {
	out := list[:0]
	for _, e := range list {
		if !e.Destroyed {
			out = append(out, e)
		}
	}
	for i := len(out); i < len(list); i++ {
		list[i] = nil
	}
	return out
}

// SetPosition moves e to pos and resolves collisions.
func (w *World) SetPosition(e *Entity, pos geom.Vec) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("%w: entity", ErrNilArgument)
	}
	if e.Destroyed {
		return false, fmt.Errorf("%w: %d", ErrEntityDestroyed, e.ID)
	}
	if !w.Contains(pos) {
		return false, fmt.Errorf("%w: %v", ErrOutOfBounds, pos)
	}
	from := e.Position
	e.Position = pos
	pushed, err := w.UpdateTileCollisions(e)
	w.EntityEvents.Notify(EntityEvent{Entity: e.ID, Type: EntityMoved, From: from, To: e.Position})
	return pushed, err
}

// MoveBy shifts e by d and resolves collisions.
func (w *World) MoveBy(e *Entity, d geom.Vec) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("%w: entity", ErrNilArgument)
	}
	return w.SetPosition(e, e.Position.Add(d))
}

// SimulateTimePassing advances the world by one step: orders are applied in
// the order given, then every live unpaused entity works on its current task
// in ascending id order. The result depends only on the world state, the
// orders and elapsedMs.
func (w *World) SimulateTimePassing(orders []Order, elapsedMs int32) (StepResult, error) {
	if elapsedMs < 0 {
		return StepResult{}, fmt.Errorf("%w: %d", ErrNegativeElapsed, elapsedMs)
	}
	w.Cleanup()
	res := StepResult{Tick: w.tick}
	for _, o := range orders {
		if o == nil {
			continue
		}
		if err := o.Apply(w); err != nil {
			res.Rejected++
			w.log.Debug("order rejected", zap.Int64("tick", w.tick), zap.Error(err))
			w.Rejections.Notify(Rejection{Tick: w.tick, Order: o, Err: err})
			continue
		}
		res.Applied++
	}

	// Entities created while stepping wait for the next step.
	n := len(w.all)
	for i := 0; i < n; i++ {
		e := w.all[i]
		if e.Destroyed || e.Paused {
			continue
		}
		if w.stepEntity(e, elapsedMs) {
			res.Stepped++
		}
	}

	w.Cleanup()
	w.tick++
	return res, nil
}
