package scripting

import (
	"go.uber.org/zap"

	"github.com/outpost/lockstep/internal/geom"
	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/world"
)

// Task is an entity task whose behaviour lives in a Lua function. Each step
// the function returns a status and a displacement; the world applies the
// displacement with the usual collision pushout.
type Task struct {
	Func string
	Arg  float64
	Step int32

	kind   world.TaskKind
	engine *Engine
}

// NewTask returns an empty task bound to e, for decoding or filling in.
func (e *Engine) NewTask(kind world.TaskKind) *Task {
	return &Task{kind: kind, engine: e}
}

func (t *Task) Kind() world.TaskKind { return t.kind }

func (t *Task) SimulateTimePassing(w *world.World, e *world.Entity, elapsedMs int32) world.TaskStatus {
	res, err := t.engine.CallTask(t.Func, TaskContext{
		Entity:    e.ID,
		Owner:     e.Owner,
		Template:  e.Template.ID,
		X:         e.Position.X,
		Y:         e.Position.Y,
		ElapsedMs: elapsedMs,
		Step:      t.Step,
		Arg:       t.Arg,
	})
	t.Step++
	if err != nil {
		t.engine.log.Warn("script task failed", zap.Int32("entity", e.ID), zap.String("func", t.Func), zap.Error(err))
		return world.TaskFailed
	}
	if res.DX != 0 || res.DY != 0 {
		if !e.Mobile() {
			return world.TaskFailed
		}
		if _, err := w.MoveBy(e, geom.V(res.DX, res.DY)); err != nil {
			return world.TaskFailed
		}
	}
	switch res.Status {
	case "running":
		return world.TaskRunning
	case "completed":
		return world.TaskCompleted
	default:
		return world.TaskFailed
	}
}

func (t *Task) Cancel(*world.World, *world.Entity) {}

func (t *Task) SaveTo(wr *packet.Writer) {
	wr.WriteString(t.Func)
	wr.WriteFloat64(t.Arg)
	wr.WriteInt32(t.Step)
}

func (t *Task) LoadFrom(r *packet.Reader) error {
	t.Func = r.ReadString()
	t.Arg = r.ReadFloat64()
	t.Step = r.ReadInt32()
	return r.Err()
}
