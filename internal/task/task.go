// Package task holds the built-in entity tasks and registers them, together
// with Lua-scripted tasks, in a world.TaskRegistry.
package task

import (
	"math"

	"github.com/outpost/lockstep/internal/geom"
	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/scripting"
	"github.com/outpost/lockstep/internal/world"
)

const (
	KindMoveTo world.TaskKind = 1
	KindIdle   world.TaskKind = 2
	KindScript world.TaskKind = 3
)

const (
	// ArrivalTolerance is how close MoveTo must get to its target.
	ArrivalTolerance = 0.05
	// maxStalledSteps is how many steps MoveTo may make no progress before failing.
	maxStalledSteps = 20
)

// RegisterBuiltins registers MoveTo and Idle.
func RegisterBuiltins(tasks *world.TaskRegistry) {
	tasks.Register(KindMoveTo, "move_to", func() world.Task { return &MoveTo{} })
	tasks.Register(KindIdle, "idle", func() world.Task { return &Idle{} })
}

// RegisterScripted registers Lua tasks run by engine.
func RegisterScripted(tasks *world.TaskRegistry, engine *scripting.Engine) {
	tasks.Register(KindScript, "script", func() world.Task { return engine.NewTask(KindScript) })
}

// MoveTo walks a mobile entity towards Target at Speed tiles per second, or
// at its template's speed when Speed is zero. It fails when the next step
// would put the entity on impassable terrain or when pushouts keep it from
// getting closer.
type MoveTo struct {
	Target  geom.Vec
	Speed   float64
	Stalled int32
}

func (t *MoveTo) Kind() world.TaskKind { return KindMoveTo }

func (t *MoveTo) SimulateTimePassing(w *world.World, e *world.Entity, elapsedMs int32) world.TaskStatus {
	if !e.Mobile() {
		return world.TaskFailed
	}
	to := t.Target.Sub(e.Position)
	dist := to.Len()
	if dist <= ArrivalTolerance {
		return world.TaskCompleted
	}
	speed := t.Speed
	if speed <= 0 {
		speed = e.Template.Speed
	}
	stride := math.Min(speed*float64(elapsedMs)/1000, dist)
	if stride <= 0 {
		return world.TaskRunning
	}

	next := e.Position.Add(to.Normalize().Scale(stride))
	if !w.Contains(next) {
		return world.TaskFailed
	}
	for _, c := range w.TilesFor(e.Mesh(), next) {
		if tile, ok := w.Tile(c); !ok || !tile.Passable() {
			return world.TaskFailed
		}
	}
	if _, err := w.SetPosition(e, next); err != nil {
		return world.TaskFailed
	}

	left := t.Target.Sub(e.Position).Len()
	if left <= ArrivalTolerance {
		return world.TaskCompleted
	}
	if left >= dist-geom.Epsilon {
		t.Stalled++
		if t.Stalled >= maxStalledSteps {
			return world.TaskFailed
		}
	} else {
		t.Stalled = 0
	}
	return world.TaskRunning
}

func (t *MoveTo) Cancel(*world.World, *world.Entity) {}

func (t *MoveTo) SaveTo(wr *packet.Writer) {
	wr.WriteFloat64(t.Target.X)
	wr.WriteFloat64(t.Target.Y)
	wr.WriteFloat64(t.Speed)
	wr.WriteInt32(t.Stalled)
}

func (t *MoveTo) LoadFrom(r *packet.Reader) error {
	t.Target.X = r.ReadFloat64()
	t.Target.Y = r.ReadFloat64()
	t.Speed = r.ReadFloat64()
	t.Stalled = r.ReadInt32()
	return r.Err()
}

// Idle does nothing for RemainingMs of simulated time.
type Idle struct {
	RemainingMs int32
}

func (t *Idle) Kind() world.TaskKind { return KindIdle }

func (t *Idle) SimulateTimePassing(_ *world.World, _ *world.Entity, elapsedMs int32) world.TaskStatus {
	t.RemainingMs -= elapsedMs
	if t.RemainingMs <= 0 {
		t.RemainingMs = 0
		return world.TaskCompleted
	}
	return world.TaskRunning
}

func (t *Idle) Cancel(*world.World, *world.Entity) {}

func (t *Idle) SaveTo(wr *packet.Writer) { wr.WriteInt32(t.RemainingMs) }

func (t *Idle) LoadFrom(r *packet.Reader) error {
	t.RemainingMs = r.ReadInt32()
	return r.Err()
}
