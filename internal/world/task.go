package world

import (
	"errors"
	"fmt"

	"github.com/outpost/lockstep/internal/net/packet"
)

// ErrUnknownTask is returned when a task kind has no registered factory.
var ErrUnknownTask = errors.New("world: unknown task kind")

// TaskKind is the stable wire id of a task implementation.
type TaskKind int32

// TaskStatus is what a task reports after one simulation step.
type TaskStatus uint8

const (
	TaskRunning TaskStatus = iota
	TaskCompleted
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Task is unit of work an entity performs over several steps. What a task
// does is up to its implementation; the world only schedules it. Tasks must be
// deterministic functions of the world, the entity and the elapsed time.
type Task interface {
	Kind() TaskKind
	SimulateTimePassing(w *World, e *Entity, elapsedMs int32) TaskStatus
	// Cancel runs when the task is removed before finishing.
	Cancel(w *World, e *Entity)
	SaveTo(wr *packet.Writer)
	LoadFrom(r *packet.Reader) error
}

// TaskEventType is the lifecycle transition reported to task observers.
type TaskEventType uint8

const (
	TaskStarted TaskEventType = iota
	TaskFinished
	TaskAborted
	TaskCancelled
)

func (t TaskEventType) String() string {
	switch t {
	case TaskStarted:
		return "started"
	case TaskFinished:
		return "finished"
	case TaskAborted:
		return "aborted"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TaskEvent is emitted on every task lifecycle transition.
type TaskEvent struct {
	Entity int32
	Kind   TaskKind
	Type   TaskEventType
}

type taskEntry struct {
	name    string
	factory func() Task
}

// TaskRegistry maps task kinds to constructors so tasks can cross the wire
// inside orders and world snapshots.
type TaskRegistry struct {
	byKind map[TaskKind]taskEntry
	byName map[string]TaskKind
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		byKind: make(map[TaskKind]taskEntry),
		byName: make(map[string]TaskKind),
	}
}

// Register binds a kind to a constructor. Duplicates panic at startup.
func (tr *TaskRegistry) Register(kind TaskKind, name string, factory func() Task) {
	if _, ok := tr.byKind[kind]; ok {
		panic(fmt.Sprintf("world: task kind %d registered twice", kind))
	}
	if _, ok := tr.byName[name]; ok {
		panic(fmt.Sprintf("world: task name %q registered twice", name))
	}
	tr.byKind[kind] = taskEntry{name: name, factory: factory}
	tr.byName[name] = kind
}

func (tr *TaskRegistry) New(kind TaskKind) (Task, error) {
	e, ok := tr.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTask, kind)
	}
	return e.factory(), nil
}

func (tr *TaskRegistry) Name(kind TaskKind) string {
	if e, ok := tr.byKind[kind]; ok {
		return e.name
	}
	return fmt.Sprintf("task(%d)", kind)
}

// EncodeTask writes [kind:int32][task payload].
func EncodeTask(wr *packet.Writer, t Task) {
	wr.WriteInt32(int32(t.Kind()))
	t.SaveTo(wr)
}

// DecodeTask reads a task written by EncodeTask.
func (tr *TaskRegistry) DecodeTask(r *packet.Reader) (Task, error) {
	kind := TaskKind(r.ReadInt32())
	if err := r.Err(); err != nil {
		return nil, err
	}
	t, err := tr.New(kind)
	if err != nil {
		return nil, err
	}
	if err := t.LoadFrom(r); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", tr.Name(kind), err)
	}
	return t, r.Err()
}
