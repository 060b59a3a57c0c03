// Package order defines the player intents exchanged during lockstep. Every
// order is a pooled packet and is applied to the world only while simulating.
package order

import (
	"errors"
	"fmt"

	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/world"
)

var (
	ErrNotOwner        = errors.New("order: entity belongs to another player")
	ErrUnknownTemplate = errors.New("order: unknown template")
	ErrBlocked         = errors.New("order: location is blocked")
	ErrTileReserved    = errors.New("order: location already claimed by a pending order")
)

// maxTasksPerOrder bounds ReplaceTasks payloads.
const maxTasksPerOrder = 64

// Order is a packet that can be applied to the world. The issuing player is
// not part of the payload: every peer stamps it from the Sync message that
// carried the order.
type Order interface {
	packet.Packet
	world.Order
	Issuer() int32
	SetIssuer(player int32)
}

// issuer is embedded by every order.
type issuer struct {
	player int32
}

func (i *issuer) Issuer() int32          { return i.player }
func (i *issuer) SetIssuer(player int32) { i.player = player }

// owned resolves id to a live entity owned by the issuing player.
func (i *issuer) owned(w *world.World, id int32) (*world.Entity, error) {
	e, err := w.Live(id)
	if err != nil {
		return nil, err
	}
	if e.Owner != i.player {
		return nil, fmt.Errorf("%w: entity %d owned by %d, ordered by %d", ErrNotOwner, id, e.Owner, i.player)
	}
	return e, nil
}

// Register adds the order pools to reg. Task payloads are decoded through tasks.
func Register(reg *packet.Registry, tasks *world.TaskRegistry) {
	reg.Register(packet.TypeIssueTask, "IssueTask", func() packet.Packet {
		return &IssueTask{tasks: tasks}
	})
	reg.Register(packet.TypeCancelTasks, "CancelTasks", func() packet.Packet {
		return &CancelTasks{}
	})
	reg.Register(packet.TypeReplaceTasks, "ReplaceTasks", func() packet.Packet {
		return &ReplaceTasks{tasks: tasks}
	})
	reg.Register(packet.TypeTogglePaused, "TogglePaused", func() packet.Packet {
		return &TogglePaused{}
	})
	reg.Register(packet.TypeBuild, "Build", func() packet.Packet {
		return &Build{}
	})
}

// Claims returns the tiles o would occupy once applied. Only Build claims tiles.
func Claims(w *world.World, o Order) []world.TileCoord {
	b, ok := o.(*Build)
	if !ok {
		return nil
	}
	tpl, ok := w.Templates().Get(b.Template)
	if !ok {
		return nil
	}
	return w.TilesFor(tpl.Mesh, b.Position)
}
