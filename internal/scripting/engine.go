package scripting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

var (
	ErrNoFunction = errors.New("scripting: lua function not found")
	ErrSealed     = errors.New("scripting: scripts cannot be loaded once tasks have run")
)

// Engine wraps a single gopher-lua VM for scripted entity tasks.
// Single-goroutine access only (game loop). Scripts run inside the lockstep
// step, so the VM only gets libraries without clocks or randomness, and the
// globals are sealed before the first task runs: a joining peer only gets
// the task's Step and Arg, never VM state.
type Engine struct {
	vm     *lua.LState
	log    *zap.Logger
	sealed bool
}

// NewEngine creates a Lua engine and loads all scripts from the given directory.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	e, err := newEngine(log)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{scriptsDir, filepath.Join(scriptsDir, "tasks")} {
		if err := e.loadDir(dir); err != nil {
			e.vm.Close()
			return nil, fmt.Errorf("load scripts: %w", err)
		}
	}
	return e, nil
}

func newEngine(log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{SkipOpenLibs: true})
	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := vm.CallByParam(lua.P{
			Fn:      vm.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			vm.Close()
			return nil, fmt.Errorf("open lua %s library: %w", lib.name, err)
		}
	}
	if m, ok := vm.GetGlobal("math").(*lua.LTable); ok {
		m.RawSetString("random", lua.LNil)
		m.RawSetString("randomseed", lua.LNil)
	}
	for _, name := range []string{"dofile", "loadfile", "collectgarbage", "rawset"} {
		vm.SetGlobal(name, lua.LNil)
	}
	vm.SetGlobal("API_VERSION", lua.LNumber(1))
	return &Engine{vm: vm, log: log}, nil
}

// loadDir loads all .lua files in a directory, in name order.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// LoadString runs a chunk of Lua source, typically to define task functions.
func (e *Engine) LoadString(src string) error {
	if e.sealed {
		return ErrSealed
	}
	return e.vm.DoString(src)
}

// Has reports whether a global Lua function called name exists.
func (e *Engine) Has(name string) bool {
	_, ok := e.vm.GetGlobal(name).(*lua.LFunction)
	return ok
}

// TaskContext is what a task function sees of its entity.
type TaskContext struct {
	Entity    int32
	Owner     int32
	Template  int32
	X, Y      float64
	ElapsedMs int32
	Step      int32
	Arg       float64
}

// TaskResult is returned by a task function: a status and a displacement.
type TaskResult struct {
	Status string // "running", "completed" or "failed"
	DX, DY float64
}

// CallTask calls the Lua function name(entity, elapsed_ms, step, arg), which
// returns status, dx, dy.
func (e *Engine) CallTask(name string, ctx TaskContext) (TaskResult, error) {
	fn, ok := e.vm.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return TaskResult{}, fmt.Errorf("%w: %s", ErrNoFunction, name)
	}
	if !e.sealed {
		e.seal()
	}

	ent := e.vm.NewTable()
	ent.RawSetString("id", lua.LNumber(ctx.Entity))
	ent.RawSetString("owner", lua.LNumber(ctx.Owner))
	ent.RawSetString("template", lua.LNumber(ctx.Template))
	ent.RawSetString("x", lua.LNumber(ctx.X))
	ent.RawSetString("y", lua.LNumber(ctx.Y))

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    3,
		Protect: true,
	}, ent, lua.LNumber(ctx.ElapsedMs), lua.LNumber(ctx.Step), lua.LNumber(ctx.Arg)); err != nil {
		return TaskResult{}, fmt.Errorf("lua %s: %w", name, err)
	}

	status := e.vm.Get(-3)
	dx := e.vm.Get(-2)
	dy := e.vm.Get(-1)
	e.vm.Pop(3)

	return TaskResult{
		Status: lua.LVAsString(status),
		DX:     float64(lua.LVAsNumber(dx)),
		DY:     float64(lua.LVAsNumber(dy)),
	}, nil
}

// seal makes the globals, and every table reachable from them, read-only.
// Each table's entries move into a hidden table served through __index;
// __newindex rejects every write and __metatable keeps the guard in place.
func (e *Engine) seal() {
	e.sealed = true
	deny := e.vm.NewFunction(func(L *lua.LState) int {
		L.RaiseError("cannot assign %s: globals are read-only while tasks run", L.Get(2).String())
		return 0
	})
	seen := make(map[*lua.LTable]bool)
	var walk func(t *lua.LTable)
	walk = func(t *lua.LTable) {
		if seen[t] {
			return
		}
		seen[t] = true
		hidden := e.vm.NewTable()
		var keys []lua.LValue
		t.ForEach(func(k, v lua.LValue) {
			hidden.RawSet(k, v)
			keys = append(keys, k)
		})
		for _, k := range keys {
			t.RawSet(k, lua.LNil)
		}
		hidden.ForEach(func(_, v lua.LValue) {
			if nested, ok := v.(*lua.LTable); ok {
				walk(nested)
			}
		})
		mt := e.vm.NewTable()
		mt.RawSetString("__index", hidden)
		mt.RawSetString("__newindex", deny)
		mt.RawSetString("__metatable", lua.LString("sealed"))
		e.vm.SetMetatable(t, mt)
	}
	walk(e.vm.G.Global)
	e.log.Debug("lua globals sealed", zap.Int("tables", len(seen)))
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.vm.Close()
}
