package world

import (
	"github.com/outpost/lockstep/internal/geom"
)

// Entity is a placed or moving object in the world. Position changes must go
// through World.SetPosition or World.MoveBy so the tile index stays current.
type Entity struct {
	ID        int32
	Template  *Template
	Owner     int32
	Position  geom.Vec
	Paused    bool
	Destroyed bool

	current Task
	queue   []Task
}

func (e *Entity) Mobile() bool     { return e.Template.Mobile }
func (e *Entity) Mesh() *geom.Mesh { return e.Template.Mesh }

// Bounds returns the entity's world-space bounding box.
func (e *Entity) Bounds() geom.Rect { return e.Template.Mesh.Bounds(e.Position) }

// CurrentTask returns the task being worked on, or nil.
func (e *Entity) CurrentTask() Task { return e.current }

// Queue returns the pending tasks in execution order. The slice must not be modified.
func (e *Entity) Queue() []Task { return e.queue }

// Busy reports whether the entity has a current or queued task.
func (e *Entity) Busy() bool { return e.current != nil || len(e.queue) > 0 }

// EntityEventType is the lifecycle transition reported to entity observers.
type EntityEventType uint8

const (
	EntityCreated EntityEventType = iota
	EntityDestroyed
	EntityMoved
	EntityPushed
)

// EntityEvent is emitted when an entity is created, destroyed or relocated.
type EntityEvent struct {
	Entity int32
	Type   EntityEventType
	From   geom.Vec
	To     geom.Vec
}
