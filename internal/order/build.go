package order

import (
	"fmt"

	"github.com/outpost/lockstep/internal/geom"
	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/world"
)

// Build places a new entity of Template for the issuing player, paying its cost.
type Build struct {
	packet.Pooled
	issuer
	Template int32
	Position geom.Vec
}

func (o *Build) Type() packet.TypeID { return packet.TypeBuild }

func (o *Build) Clear() {
	o.player = 0
	o.Template = 0
	o.Position = geom.Vec{}
}

func (o *Build) SaveTo(w *packet.Writer) {
	w.WriteInt32(o.Template)
	w.WriteFloat64(o.Position.X)
	w.WriteFloat64(o.Position.Y)
}

func (o *Build) LoadFrom(r *packet.Reader) error {
	o.Template = r.ReadInt32()
	o.Position = geom.V(r.ReadFloat64(), r.ReadFloat64())
	return r.Err()
}

// Validate checks that the build can go ahead on w without changing it.
func (o *Build) Validate(w *world.World) (*world.Template, error) {
	tpl, ok := w.Templates().Get(o.Template)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTemplate, o.Template)
	}
	b := tpl.Mesh.Bounds(o.Position)
	if !w.Contains(b.Min) || !w.Contains(b.Max) {
		return nil, fmt.Errorf("%w: %s at %v", world.ErrOutOfBounds, tpl.Name, o.Position)
	}
	for _, c := range w.TilesFor(tpl.Mesh, o.Position) {
		if !w.IsPassable(c, nil) {
			return nil, fmt.Errorf("%w: %s at %v, tile %v", ErrBlocked, tpl.Name, o.Position, c)
		}
	}
	if have := w.Resources().Balance(o.player); have < int64(tpl.Cost) {
		return nil, fmt.Errorf("%w: %s costs %d, player %d has %d",
			world.ErrInsufficientResources, tpl.Name, tpl.Cost, o.player, have)
	}
	return tpl, nil
}

func (o *Build) Apply(w *world.World) error {
	tpl, err := o.Validate(w)
	if err != nil {
		return err
	}
	if err := w.Resources().Spend(o.player, int64(tpl.Cost)); err != nil {
		return err
	}
	_, err = w.CreateEntity(tpl, o.player, o.Position)
	return err
}
