package order

import (
	"fmt"

	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/world"
)

// IssueTask appends Task to an entity's queue.
type IssueTask struct {
	packet.Pooled
	issuer
	Entity int32
	Task   world.Task

	tasks *world.TaskRegistry
}

func (o *IssueTask) Type() packet.TypeID { return packet.TypeIssueTask }

func (o *IssueTask) Clear() {
	o.player = 0
	o.Entity = 0
	o.Task = nil
}

func (o *IssueTask) SaveTo(w *packet.Writer) {
	w.WriteInt32(o.Entity)
	world.EncodeTask(w, o.Task)
}

func (o *IssueTask) LoadFrom(r *packet.Reader) error {
	o.Entity = r.ReadInt32()
	t, err := o.tasks.DecodeTask(r)
	if err != nil {
		return err
	}
	o.Task = t
	return nil
}

func (o *IssueTask) Apply(w *world.World) error {
	e, err := o.owned(w, o.Entity)
	if err != nil {
		return err
	}
	return w.IssueTask(e, o.Task)
}

// CancelTasks drops an entity's current and queued tasks.
type CancelTasks struct {
	packet.Pooled
	issuer
	Entity int32
}

func (o *CancelTasks) Type() packet.TypeID { return packet.TypeCancelTasks }

func (o *CancelTasks) Clear() {
	o.player = 0
	o.Entity = 0
}

func (o *CancelTasks) SaveTo(w *packet.Writer) { w.WriteInt32(o.Entity) }

func (o *CancelTasks) LoadFrom(r *packet.Reader) error {
	o.Entity = r.ReadInt32()
	return r.Err()
}

func (o *CancelTasks) Apply(w *world.World) error {
	e, err := o.owned(w, o.Entity)
	if err != nil {
		return err
	}
	w.CancelTasks(e)
	return nil
}

// ReplaceTasks swaps an entity's whole queue for Tasks.
type ReplaceTasks struct {
	packet.Pooled
	issuer
	Entity int32
	Tasks  []world.Task

	tasks *world.TaskRegistry
}

func (o *ReplaceTasks) Type() packet.TypeID { return packet.TypeReplaceTasks }

func (o *ReplaceTasks) Clear() {
	o.player = 0
	o.Entity = 0
	for i := range o.Tasks {
		o.Tasks[i] = nil
	}
	o.Tasks = o.Tasks[:0]
}

func (o *ReplaceTasks) SaveTo(w *packet.Writer) {
	w.WriteInt32(o.Entity)
	w.WriteInt32(int32(len(o.Tasks)))
	for _, t := range o.Tasks {
		world.EncodeTask(w, t)
	}
}

func (o *ReplaceTasks) LoadFrom(r *packet.Reader) error {
	o.Entity = r.ReadInt32()
	n := r.ReadCount(maxTasksPerOrder)
	for i := 0; i < n; i++ {
		t, err := o.tasks.DecodeTask(r)
		if err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		o.Tasks = append(o.Tasks, t)
	}
	return r.Err()
}

func (o *ReplaceTasks) Apply(w *world.World) error {
	e, err := o.owned(w, o.Entity)
	if err != nil {
		return err
	}
	return w.ReplaceTasks(e, o.Tasks)
}

// TogglePaused flips whether an entity works on its queue.
type TogglePaused struct {
	packet.Pooled
	issuer
	Entity int32
}

func (o *TogglePaused) Type() packet.TypeID { return packet.TypeTogglePaused }

func (o *TogglePaused) Clear() {
	o.player = 0
	o.Entity = 0
}

func (o *TogglePaused) SaveTo(w *packet.Writer) { w.WriteInt32(o.Entity) }

func (o *TogglePaused) LoadFrom(r *packet.Reader) error {
	o.Entity = r.ReadInt32()
	return r.Err()
}

func (o *TogglePaused) Apply(w *world.World) error {
	e, err := o.owned(w, o.Entity)
	if err != nil {
		return err
	}
	_, err = w.TogglePaused(e)
	return err
}
