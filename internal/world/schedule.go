package world

import "fmt"

// IssueTask appends t to e's queue.
func (w *World) IssueTask(e *Entity, t Task) error {
	if e == nil || t == nil {
		return fmt.Errorf("%w: entity and task are required", ErrNilArgument)
	}
	if e.Destroyed {
		return fmt.Errorf("%w: %d", ErrEntityDestroyed, e.ID)
	}
	e.queue = append(e.queue, t)
	return nil
}

// CancelTasks cancels e's current task and every queued one, in execution
// order. Each task's Cancel hook runs exactly once.
func (w *World) CancelTasks(e *Entity) {
	if e == nil {
		return
	}
	if t := e.current; t != nil {
		e.current = nil
		t.Cancel(w, e)
		w.TaskEvents.Notify(TaskEvent{Entity: e.ID, Kind: t.Kind(), Type: TaskCancelled})
	}
	queue := e.queue
	e.queue = nil
	for _, t := range queue {
		t.Cancel(w, e)
		w.TaskEvents.Notify(TaskEvent{Entity: e.ID, Kind: t.Kind(), Type: TaskCancelled})
	}
}

// ReplaceTasks cancels everything e is doing and installs tasks as its new queue.
func (w *World) ReplaceTasks(e *Entity, tasks []Task) error {
	if e == nil {
		return fmt.Errorf("%w: entity", ErrNilArgument)
	}
	if e.Destroyed {
		return fmt.Errorf("%w: %d", ErrEntityDestroyed, e.ID)
	}
	for _, t := range tasks {
		if t == nil {
			return fmt.Errorf("%w: task", ErrNilArgument)
		}
	}
	w.CancelTasks(e)
	e.queue = append(make([]Task, 0, len(tasks)), tasks...)
	return nil
}

// TogglePaused flips whether e works on its tasks and returns the new state.
func (w *World) TogglePaused(e *Entity) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("%w: entity", ErrNilArgument)
	}
	if e.Destroyed {
		return false, fmt.Errorf("%w: %d", ErrEntityDestroyed, e.ID)
	}
	e.Paused = !e.Paused
	return e.Paused, nil
}

// stepEntity runs one step of e's current task, pulling the next one off the
// queue first when idle. Reports whether a task ran.
func (w *World) stepEntity(e *Entity, elapsedMs int32) bool {
	if e.current == nil {
		if len(e.queue) == 0 {
			return false
		}
		e.current = e.queue[0]
		copy(e.queue, e.queue[1:])
		e.queue[len(e.queue)-1] = nil
		e.queue = e.queue[:len(e.queue)-1]
		w.TaskEvents.Notify(TaskEvent{Entity: e.ID, Kind: e.current.Kind(), Type: TaskStarted})
	}
	t := e.current
	switch t.SimulateTimePassing(w, e, elapsedMs) {
	case TaskCompleted:
		if e.current == t {
			e.current = nil
		}
		w.TaskEvents.Notify(TaskEvent{Entity: e.ID, Kind: t.Kind(), Type: TaskFinished})
	case TaskFailed:
		if e.current == t {
			e.current = nil
		}
		w.TaskEvents.Notify(TaskEvent{Entity: e.ID, Kind: t.Kind(), Type: TaskAborted})
	}
	return true
}
