package geom

import (
	"math"
	"testing"
)

func TestPolygonMTVSeparatesOverlappingBoxes(t *testing.T) {
	a := RectMesh(1, 1)
	b := RectMesh(1, 1)

	mtv, ok := a.MTV(V(0.75, 0), b, V(0, 0))
	if !ok {
		t.Fatalf("expected overlap")
	}
	if math.Abs(mtv.X-(0.25+Slop)) > 1e-12 || mtv.Y != 0 {
		t.Fatalf("expected push along +x by 0.25, got %+v", mtv)
	}
	if a.Overlaps(V(0.75, 0).Add(mtv), b, V(0, 0)) {
		t.Fatalf("pushout left the boxes overlapping")
	}
}

func TestTouchingShapesDoNotOverlap(t *testing.T) {
	a := RectMesh(1, 1)
	if a.Overlaps(V(1, 0), a, V(0, 0)) {
		t.Fatalf("edge-sharing boxes must not overlap")
	}
	if a.OverlapsRect(V(0.5, 0.5), R(1, 0, 2, 1)) {
		t.Fatalf("box ending on a tile edge must not overlap that tile")
	}
	if !a.OverlapsRect(V(0.5, 0.5), R(0, 0, 1, 1)) {
		t.Fatalf("box covering a tile must overlap it")
	}
}

func TestMTVCoincidentCentresIsDeterministic(t *testing.T) {
	a := RectMesh(1, 1)
	first, ok := a.MTV(V(2, 2), a, V(2, 2))
	if !ok {
		t.Fatalf("expected overlap")
	}
	for i := 0; i < 10; i++ {
		again, _ := a.MTV(V(2, 2), a, V(2, 2))
		if again != first {
			t.Fatalf("mtv changed between calls: %+v vs %+v", first, again)
		}
	}
}

func TestNewPolygonNormalisesWinding(t *testing.T) {
	cw := NewPolygon(V(0, 0), V(0, 1), V(1, 1), V(1, 0))
	if signedArea(cw.Points) <= 0 {
		t.Fatalf("expected counter-clockwise winding")
	}
	if !cw.Contains(V(0.5, 0.5), Vec{}) {
		t.Fatalf("expected centre to be contained")
	}
	if cw.Contains(V(1.5, 0.5), Vec{}) {
		t.Fatalf("point outside reported as contained")
	}
}

func TestTriangleAgainstBox(t *testing.T) {
	tri := NewMesh(NewPolygon(V(0, 0), V(1, 0), V(0.5, 1)))
	box := RectMesh(1, 1)
	mtv, ok := tri.MTV(V(0, 0.2), box, V(0.5, -0.1))
	if !ok {
		t.Fatalf("expected overlap")
	}
	if tri.Overlaps(V(0, 0.2).Add(mtv), box, V(0.5, -0.1)) {
		t.Fatalf("pushout %+v did not separate triangle from box", mtv)
	}
}

func TestEscapesAreOrderedAndSeparate(t *testing.T) {
	unit := RectMesh(0.8, 0.8)
	house := RectMesh(2, 2)
	pos, hpos := V(0.4, 1), V(1, 1)

	escapes := unit.Escapes(pos, house, hpos)
	if len(escapes) != 16 {
		t.Fatalf("expected both directions of eight edge axes, got %d", len(escapes))
	}
	mtv, _ := unit.MTV(pos, house, hpos)
	if escapes[0] != mtv {
		t.Fatalf("shortest escape %+v differs from mtv %+v", escapes[0], mtv)
	}
	for i, d := range escapes {
		if i > 0 && d.LenSq() < escapes[i-1].LenSq() {
			t.Fatalf("escape %d shorter than the one before it", i)
		}
		if unit.Overlaps(pos.Add(d), house, hpos) {
			t.Fatalf("escape %+v still overlaps", d)
		}
	}
	if got := unit.Escapes(V(3, 1), house, hpos); got != nil {
		t.Fatalf("separate shapes have no escapes, got %+v", got)
	}
}
