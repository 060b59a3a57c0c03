package scripting

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/outpost/lockstep/internal/geom"
	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/world"
)

const kindScript world.TaskKind = 9

func TestEngineLoadsScriptsDirs(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "tasks"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	os.WriteFile(filepath.Join(dir, "util.lua"), []byte("function half(v) return v / 2 end\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "tasks", "drift.lua"), []byte(`
function drift(e, elapsed_ms, step, arg)
  return "running", half(elapsed_ms) / 1000, e.owner
end
`), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not lua"), 0o644)

	e, err := NewEngine(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer e.Close()
	if !e.Has("drift") || e.Has("missing") {
		t.Fatalf("unexpected function table")
	}
	res, err := e.CallTask("drift", TaskContext{Entity: 4, Owner: 2, ElapsedMs: 100})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Status != "running" || res.DX != 0.05 || res.DY != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestEngineReportsScriptErrors(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "broken.lua"), []byte("function ("), 0o644)
	if _, err := NewEngine(dir, zap.NewNop()); err == nil {
		t.Fatalf("expected a syntax error")
	}

	e, err := NewEngine(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer e.Close()
	if _, err := e.CallTask("nope", TaskContext{}); !errors.Is(err, ErrNoFunction) {
		t.Fatalf("expected ErrNoFunction, got %v", err)
	}
	e.LoadString(`function boom() error("bad") end`)
	if _, err := e.CallTask("boom", TaskContext{}); err == nil {
		t.Fatalf("expected runtime error")
	}
}

func TestEngineHasNoRandomness(t *testing.T) {
	e, err := NewEngine(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer e.Close()
	if err := e.LoadString(`assert(math.random == nil and os == nil and io == nil)`); err != nil {
		t.Fatalf("sandbox exposes nondeterministic libraries: %v", err)
	}
	if err := e.LoadString(`assert(math.floor(2.5) == 2)`); err != nil {
		t.Fatalf("math library missing: %v", err)
	}
}

func TestTaskStepsAndPersistsCounter(t *testing.T) {
	e, err := NewEngine(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer e.Close()
	e.LoadString(`
function hop(ent, elapsed_ms, step, arg)
  if step == 1 then return "failed", 0, 0 end
  return "running", 0, arg
end
`)
	tasks := world.NewTaskRegistry()
	tasks.Register(kindScript, "script", func() world.Task { return e.NewTask(kindScript) })
	tpl := &world.Template{ID: 1, Name: "unit", Mobile: true, Mesh: geom.RectMesh(0.5, 0.5)}
	tpls, _ := world.NewTemplates(tpl)
	w, err := world.New(8, 8, make([]world.Tile, 64), tpls, tasks, world.Options{})
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	ent, _ := w.CreateEntity(tpl, 1, geom.V(2, 2))

	tk := e.NewTask(kindScript)
	tk.Func = "hop"
	tk.Arg = 1
	if st := tk.SimulateTimePassing(w, ent, 50); st != world.TaskRunning {
		t.Fatalf("first step: %v", st)
	}
	if ent.Position != geom.V(2, 3) {
		t.Fatalf("entity at %+v", ent.Position)
	}

	wr := packet.NewWriter()
	world.EncodeTask(wr, tk)
	decoded, err := tasks.DecodeTask(packet.NewReader(wr.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	again := decoded.(*Task)
	if again.Func != "hop" || again.Step != 1 || again.Arg != 1 {
		t.Fatalf("decoded %+v", again)
	}
	if st := again.SimulateTimePassing(w, ent, 50); st != world.TaskFailed {
		t.Fatalf("restored counter should make the script fail, got %v", st)
	}
}

func TestTaskScriptsCannotKeepGlobalState(t *testing.T) {
	e, err := NewEngine(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer e.Close()
	if err := e.LoadString(`
counter = 0
limits = { max = 3 }
function tally(ent, elapsed_ms, step, arg)
  counter = counter + 1
  return "running", counter, 0
end
function widen(ent, elapsed_ms, step, arg)
  limits.max = limits.max + 1
  return "running", limits.max, 0
end
function leak(ent, elapsed_ms, step, arg)
  last_step = step
  return "running", 0, 0
end
function patch(ent, elapsed_ms, step, arg)
  math.floor = nil
  return "running", 0, 0
end
function reads(ent, elapsed_ms, step, arg)
  local n = limits.max + step
  ent.x = n
  return "running", n, math.floor(ent.x / 2)
end
`); err != nil {
		t.Fatalf("load: %v", err)
	}

	for _, fn := range []string{"tally", "widen", "leak", "patch"} {
		if _, err := e.CallTask(fn, TaskContext{Step: 1}); err == nil || !strings.Contains(err.Error(), "read-only") {
			t.Fatalf("%s: expected a read-only error, got %v", fn, err)
		}
	}
	res, err := e.CallTask("reads", TaskContext{Step: 2})
	if err != nil {
		t.Fatalf("reads: %v", err)
	}
	if res.DX != 5 || res.DY != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if err := e.LoadString(`function late() end`); !errors.Is(err, ErrSealed) {
		t.Fatalf("expected ErrSealed, got %v", err)
	}
	if !e.Has("tally") || e.Has("last_step") {
		t.Fatalf("sealed globals changed")
	}
}
