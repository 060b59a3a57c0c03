package lockstep

import (
	"fmt"

	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/order"
	"github.com/outpost/lockstep/internal/world"
)

// DecodeOrders parses RoundRecord.OrderData. The orders come from reg's pools
// and carry their issuer; the caller recycles them.
func DecodeOrders(reg *packet.Registry, data []byte) ([]order.Order, error) {
	r := packet.NewReader(data)
	var out []order.Order
	for r.Remaining() > 0 {
		issuer := r.ReadInt32()
		p, err := reg.DecodeFrom(r)
		if err != nil {
			recycleAll(reg, out)
			return nil, fmt.Errorf("order %d: %w", len(out), err)
		}
		o, ok := p.(order.Order)
		if !ok {
			reg.Recycle(p)
			recycleAll(reg, out)
			return nil, fmt.Errorf("order %d: %s is not an order", len(out), reg.Name(p.Type()))
		}
		o.SetIssuer(issuer)
		out = append(out, o)
	}
	return out, nil
}

func recycleAll(reg *packet.Registry, orders []order.Order) {
	for _, o := range orders {
		reg.Recycle(o)
	}
}

// Replay re-runs archived rounds on a world restored to the match start.
type Replay struct {
	World          *world.World
	StartResources int64

	reg *packet.Registry
}

func NewReplay(w *world.World, reg *packet.Registry, startResources int64) *Replay {
	return &Replay{World: w, StartResources: startResources, reg: reg}
}

// Step applies rec the way the peers did: newly funded players get their
// starting stock, then the recorded orders are simulated. A checksum that
// differs from the record is reported as ErrDesync.
func (rp *Replay) Step(rec RoundRecord) (world.StepResult, error) {
	for _, id := range rec.Funded {
		if err := rp.World.Resources().Add(id, rp.StartResources); err != nil {
			return world.StepResult{}, fmt.Errorf("round %d: fund player %d: %w", rec.Round, id, err)
		}
	}
	orders, err := DecodeOrders(rp.reg, rec.OrderData)
	if err != nil {
		return world.StepResult{}, fmt.Errorf("round %d: %w", rec.Round, err)
	}
	defer recycleAll(rp.reg, orders)

	applied := make([]world.Order, len(orders))
	for i, o := range orders {
		applied[i] = o
	}
	res, err := rp.World.SimulateTimePassing(applied, rec.ElapsedMs)
	if err != nil {
		return res, fmt.Errorf("round %d: %w", rec.Round, err)
	}
	if sum := rp.World.Checksum(); sum != rec.Checksum {
		return res, fmt.Errorf("%w: round %d replayed %x archived %x", ErrDesync, rec.Round, sum[:6], rec.Checksum[:6])
	}
	return res, nil
}
