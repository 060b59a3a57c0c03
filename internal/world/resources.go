package world

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrInsufficientResources = errors.New("world: insufficient resources")
	ErrInvalidAmount         = errors.New("world: invalid resource amount")
)

// Resources is the per-player stock ledger.
type Resources struct {
	stock map[int32]int64
}

func NewResources() *Resources {
	return &Resources{stock: make(map[int32]int64)}
}

func (r *Resources) Add(player int32, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	r.stock[player] += amount
	return nil
}

// Spend takes amount from player's stock. On failure the stock is unchanged.
func (r *Resources) Spend(player int32, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	have := r.stock[player]
	if have < amount {
		return fmt.Errorf("%w: player %d has %d, needs %d", ErrInsufficientResources, player, have, amount)
	}
	r.stock[player] = have - amount
	return nil
}

func (r *Resources) Balance(player int32) int64 { return r.stock[player] }

// Remove forgets player's stock.
func (r *Resources) Remove(player int32) { delete(r.stock, player) }

// Players returns every player with a ledger entry, ascending.
func (r *Resources) Players() []int32 {
	ids := make([]int32, 0, len(r.stock))
	for id := range r.stock {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
