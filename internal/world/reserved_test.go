package world

import (
	"errors"
	"testing"

	"github.com/outpost/lockstep/internal/net/packet"
)

func TestReserveIsAllOrNothing(t *testing.T) {
	rt := NewReservedTiles()
	if !rt.Reserve(1, []TileCoord{{1, 1}, {2, 1}}) {
		t.Fatalf("first claim must succeed")
	}
	if rt.Reserve(2, []TileCoord{{3, 1}, {2, 1}}) {
		t.Fatalf("overlapping claim must fail")
	}
	if _, ok := rt.IsReserved(TileCoord{3, 1}); ok {
		t.Fatalf("failed claim must not reserve anything")
	}
	if p, ok := rt.IsReserved(TileCoord{2, 1}); !ok || p != 1 {
		t.Fatalf("expected player 1, got %d %v", p, ok)
	}
	rt.Release(1)
	if rt.Len() != 0 {
		t.Fatalf("release left %d claims", rt.Len())
	}
}

func TestReservedTilesRoundTrip(t *testing.T) {
	rt := NewReservedTiles()
	rt.Reserve(2, []TileCoord{{5, 0}, {0, 1}})
	rt.Reserve(1, []TileCoord{{0, 0}})
	w := packet.NewWriter()
	rt.SaveTo(w)

	back := NewReservedTiles()
	if err := back.LoadFrom(packet.NewReader(w.Bytes())); err != nil {
		t.Fatalf("load: %v", err)
	}
	for c, p := range rt.owner {
		if got, ok := back.IsReserved(c); !ok || got != p {
			t.Fatalf("tile %v: expected %d, got %d %v", c, p, got, ok)
		}
	}
}

func TestResourcesSpend(t *testing.T) {
	r := NewResources()
	r.Add(3, 25)
	if err := r.Spend(3, 30); !errors.Is(err, ErrInsufficientResources) {
		t.Fatalf("expected ErrInsufficientResources, got %v", err)
	}
	if r.Balance(3) != 25 {
		t.Fatalf("failed spend changed the balance")
	}
	if err := r.Spend(3, 25); err != nil || r.Balance(3) != 0 {
		t.Fatalf("spend: %v balance %d", err, r.Balance(3))
	}
	if err := r.Add(3, -1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
