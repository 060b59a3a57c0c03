package task

import (
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/outpost/lockstep/internal/geom"
	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/scripting"
	"github.com/outpost/lockstep/internal/world"
)

var unitTpl = &world.Template{ID: 1, Name: "unit", Mobile: true, Speed: 2, Mesh: geom.RectMesh(0.8, 0.8)}

func newWorld(t *testing.T, tasks *world.TaskRegistry, water ...world.TileCoord) *world.World {
	t.Helper()
	tpls, err := world.NewTemplates(unitTpl)
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	tiles := make([]world.Tile, 10*10)
	for _, c := range water {
		tiles[c.Y*10+c.X] = world.Tile{Kind: world.TileWater}
	}
	w, err := world.New(10, 10, tiles, tpls, tasks, world.Options{})
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	return w
}

func builtins() *world.TaskRegistry {
	tasks := world.NewTaskRegistry()
	RegisterBuiltins(tasks)
	return tasks
}

// run steps w until e has no task left, or fails the test after max steps.
func run(t *testing.T, w *world.World, e *world.Entity, stepMs int32, max int) int {
	t.Helper()
	for i := 1; i <= max; i++ {
		if _, err := w.SimulateTimePassing(nil, stepMs); err != nil {
			t.Fatalf("step: %v", err)
		}
		if !e.Busy() {
			return i
		}
	}
	t.Fatalf("task still running after %d steps", max)
	return 0
}

func TestMoveToArrives(t *testing.T) {
	w := newWorld(t, builtins())
	e, err := w.CreateEntity(unitTpl, 1, geom.V(2, 2))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var events []world.TaskEventType
	w.TaskEvents.Subscribe(func(ev world.TaskEvent) { events = append(events, ev.Type) })

	if err := w.IssueTask(e, &MoveTo{Target: geom.V(5, 2)}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	steps := run(t, w, e, 200, 20)
	if steps != 8 {
		t.Fatalf("3 tiles at 2 tiles/s in 200ms steps should take 8 steps, took %d", steps)
	}
	if e.Position.Dist(geom.V(5, 2)) > ArrivalTolerance {
		t.Fatalf("ended at %+v", e.Position)
	}
	if len(events) != 2 || events[0] != world.TaskStarted || events[1] != world.TaskFinished {
		t.Fatalf("unexpected lifecycle %v", events)
	}
	if err := w.CheckIndex(); err != nil {
		t.Fatalf("index: %v", err)
	}
}

func TestMoveToStopsAtWater(t *testing.T) {
	w := newWorld(t, builtins(), world.TileCoord{X: 5, Y: 2})
	e, _ := w.CreateEntity(unitTpl, 1, geom.V(2, 2.5))
	var aborted bool
	w.TaskEvents.Subscribe(func(ev world.TaskEvent) {
		if ev.Type == world.TaskAborted && ev.Kind == KindMoveTo {
			aborted = true
		}
	})
	w.IssueTask(e, &MoveTo{Target: geom.V(8, 2.5), Speed: 4})
	run(t, w, e, 100, 50)
	if !aborted {
		t.Fatalf("expected the move to fail")
	}
	if e.Position.X+0.4 > 5 {
		t.Fatalf("entity entered the water tile: %+v", e.Position)
	}
}

func TestIdleCountsDown(t *testing.T) {
	w := newWorld(t, builtins())
	e, _ := w.CreateEntity(unitTpl, 1, geom.V(2, 2))
	w.IssueTask(e, &Idle{RemainingMs: 500})
	if steps := run(t, w, e, 200, 10); steps != 3 {
		t.Fatalf("expected 3 steps, got %d", steps)
	}
	if e.Position != geom.V(2, 2) {
		t.Fatalf("idle entity moved to %+v", e.Position)
	}
}

func TestBuiltinsSurviveEncoding(t *testing.T) {
	tasks := builtins()
	wr := packet.NewWriter()
	world.EncodeTask(wr, &MoveTo{Target: geom.V(1.5, -2), Speed: 3, Stalled: 4})
	world.EncodeTask(wr, &Idle{RemainingMs: 75})

	r := packet.NewReader(wr.Bytes())
	first, err := tasks.DecodeTask(r)
	if err != nil {
		t.Fatalf("decode move: %v", err)
	}
	mv, ok := first.(*MoveTo)
	if !ok || mv.Target != geom.V(1.5, -2) || mv.Speed != 3 || mv.Stalled != 4 {
		t.Fatalf("decoded %+v", first)
	}
	second, err := tasks.DecodeTask(r)
	if err != nil {
		t.Fatalf("decode idle: %v", err)
	}
	if idle, ok := second.(*Idle); !ok || idle.RemainingMs != 75 {
		t.Fatalf("decoded %+v", second)
	}
	if tasks.Name(KindMoveTo) != "move_to" {
		t.Fatalf("unexpected name %s", tasks.Name(KindMoveTo))
	}
}

func TestScriptedTaskMovesEntity(t *testing.T) {
	engine, err := scripting.NewEngine(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer engine.Close()
	if err := engine.LoadString(`
function east(e, elapsed_ms, step, arg)
  if step >= 2 then
    return "completed", 0, 0
  end
  return "running", arg, 0
end
`); err != nil {
		t.Fatalf("load: %v", err)
	}

	tasks := builtins()
	RegisterScripted(tasks, engine)
	w := newWorld(t, tasks)
	e, _ := w.CreateEntity(unitTpl, 1, geom.V(2, 2))

	tk, err := tasks.New(KindScript)
	if err != nil {
		t.Fatalf("new script task: %v", err)
	}
	st := tk.(*scripting.Task)
	st.Func = "east"
	st.Arg = 0.5
	w.IssueTask(e, st)

	if steps := run(t, w, e, 100, 10); steps != 3 {
		t.Fatalf("expected 3 steps, got %d", steps)
	}
	if math.Abs(e.Position.X-3) > 1e-9 || e.Position.Y != 2 {
		t.Fatalf("scripted task left entity at %+v", e.Position)
	}
}
