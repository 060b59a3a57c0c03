package geom

import (
	"math"
	"sort"
)

const (
	// Epsilon is the penetration depth at or below which shapes only touch.
	Epsilon = 1e-9
	// Slop is added to every translation vector so a single pushout separates the pair.
	Slop = 1e-6
)

// Polygon is a convex polygon in local space, stored counter-clockwise.
type Polygon struct {
	Points []Vec
}

// NewPolygon copies pts and normalises winding to counter-clockwise.
func NewPolygon(pts ...Vec) Polygon {
	cp := make([]Vec, len(pts))
	copy(cp, pts)
	if signedArea(cp) < 0 {
		for i, j := 0, len(cp)-1; i < j; i, j = i+1, j-1 {
			cp[i], cp[j] = cp[j], cp[i]
		}
	}
	return Polygon{Points: cp}
}

// RectPolygon returns the box [min, max] as a polygon.
func RectPolygon(min, max Vec) Polygon {
	return Polygon{Points: []Vec{min, {max.X, min.Y}, max, {min.X, max.Y}}}
}

func signedArea(pts []Vec) float64 {
	var a float64
	for i := range pts {
		j := (i + 1) % len(pts)
		a += pts[i].Cross(pts[j])
	}
	return a / 2
}

func (p Polygon) Bounds(off Vec) Rect {
	if len(p.Points) == 0 {
		return Rect{Min: off, Max: off}
	}
	r := Rect{Min: p.Points[0], Max: p.Points[0]}
	for _, pt := range p.Points[1:] {
		r.Min.X = math.Min(r.Min.X, pt.X)
		r.Min.Y = math.Min(r.Min.Y, pt.Y)
		r.Max.X = math.Max(r.Max.X, pt.X)
		r.Max.Y = math.Max(r.Max.Y, pt.Y)
	}
	return r.Translate(off)
}

// Contains reports whether pt lies inside or on the boundary of p placed at off.
func (p Polygon) Contains(pt, off Vec) bool {
	if len(p.Points) < 3 {
		return false
	}
	local := pt.Sub(off)
	for i := range p.Points {
		a := p.Points[i]
		b := p.Points[(i+1)%len(p.Points)]
		if b.Sub(a).Cross(local.Sub(a)) < -Epsilon {
			return false
		}
	}
	return true
}

func (p Polygon) center(off Vec) Vec {
	var c Vec
	for _, pt := range p.Points {
		c = c.Add(pt)
	}
	if n := len(p.Points); n > 0 {
		c = c.Scale(1 / float64(n))
	}
	return c.Add(off)
}

func (p Polygon) project(axis, off Vec) (float64, float64) {
	o := off.Dot(axis)
	lo := p.Points[0].Dot(axis) + o
	hi := lo
	for _, pt := range p.Points[1:] {
		d := pt.Dot(axis) + o
		if d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}
	return lo, hi
}

// axis returns the unit outward normal of edge i.
func (p Polygon) axis(i int) Vec {
	a := p.Points[i]
	b := p.Points[(i+1)%len(p.Points)]
	return b.Sub(a).Perp().Normalize()
}

// PolygonMTV returns the minimum translation that moves a (at offA) out of b (at offB).
// Axes are tested in edge order, a's edges first; the first minimal axis wins ties.
func PolygonMTV(a Polygon, offA Vec, b Polygon, offB Vec) (Vec, bool) {
	if len(a.Points) < 3 || len(b.Points) < 3 {
		return Vec{}, false
	}
	best := math.Inf(1)
	var bestDir Vec
	var centre *Vec

	test := func(axis Vec) bool {
		if axis.IsZero() {
			return true
		}
		minA, maxA := a.project(axis, offA)
		minB, maxB := b.project(axis, offB)
		pushPos := maxB - minA
		pushNeg := maxA - minB
		if pushPos <= Epsilon || pushNeg <= Epsilon {
			return false
		}
		var d float64
		var dir Vec
		switch {
		case pushPos < pushNeg:
			d, dir = pushPos, axis
		case pushNeg < pushPos:
			d, dir = pushNeg, axis.Neg()
		default:
			if centre == nil {
				c := a.center(offA).Sub(b.center(offB))
				centre = &c
			}
			d, dir = pushPos, axis
			if centre.Dot(axis) < 0 {
				dir = axis.Neg()
			}
		}
		if d < best {
			best, bestDir = d, dir
		}
		return true
	}

	for i := range a.Points {
		if !test(a.axis(i)) {
			return Vec{}, false
		}
	}
	for i := range b.Points {
		if !test(b.axis(i)) {
			return Vec{}, false
		}
	}
	return bestDir.Scale(best + Slop), true
}

// PolygonEscapes returns every translation along a separating axis that
// moves a (at offA) clear of b (at offB), shortest first. Both directions of
// each axis are listed; equal lengths keep axis order. Nil when the polygons
// do not overlap.
func PolygonEscapes(a Polygon, offA Vec, b Polygon, offB Vec) []Vec {
	if len(a.Points) < 3 || len(b.Points) < 3 {
		return nil
	}
	type escape struct {
		v     Vec
		depth float64
	}
	var out []escape
	test := func(axis Vec) bool {
		if axis.IsZero() {
			return true
		}
		minA, maxA := a.project(axis, offA)
		minB, maxB := b.project(axis, offB)
		pushPos := maxB - minA
		pushNeg := maxA - minB
		if pushPos <= Epsilon || pushNeg <= Epsilon {
			return false
		}
		out = append(out,
			escape{axis.Scale(pushPos + Slop), pushPos},
			escape{axis.Neg().Scale(pushNeg + Slop), pushNeg},
		)
		return true
	}
	for i := range a.Points {
		if !test(a.axis(i)) {
			return nil
		}
	}
	for i := range b.Points {
		if !test(b.axis(i)) {
			return nil
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].depth < out[j].depth })
	vs := make([]Vec, len(out))
	for i, e := range out {
		vs[i] = e.v
	}
	return vs
}

// Mesh is a collision shape made of convex polygons in local space.
type Mesh struct {
	Polygons []Polygon
	bounds   Rect
}

func NewMesh(polys ...Polygon) *Mesh {
	m := &Mesh{Polygons: polys}
	for i, p := range polys {
		b := p.Bounds(Vec{})
		if i == 0 {
			m.bounds = b
		} else {
			m.bounds = m.bounds.Union(b)
		}
	}
	return m
}

// RectMesh returns a w x h box centred on the local origin.
func RectMesh(w, h float64) *Mesh {
	return NewMesh(RectPolygon(Vec{-w / 2, -h / 2}, Vec{w / 2, h / 2}))
}

func (m *Mesh) Bounds(pos Vec) Rect { return m.bounds.Translate(pos) }

func (m *Mesh) Contains(pt, pos Vec) bool {
	if !m.Bounds(pos).Contains(pt) {
		return false
	}
	for _, p := range m.Polygons {
		if p.Contains(pt, pos) {
			return true
		}
	}
	return false
}

// MTV returns the translation that separates m (at pos) from o (at opos). When
// several polygon pairs overlap the deepest one is returned; the first wins ties.
func (m *Mesh) MTV(pos Vec, o *Mesh, opos Vec) (Vec, bool) {
	if !m.Bounds(pos).Overlaps(o.Bounds(opos)) {
		return Vec{}, false
	}
	var best Vec
	found := false
	for _, a := range m.Polygons {
		for _, b := range o.Polygons {
			v, ok := PolygonMTV(a, pos, b, opos)
			if !ok {
				continue
			}
			if !found || v.LenSq() > best.LenSq() {
				best, found = v, true
			}
		}
	}
	return best, found
}

// Escapes lists the ways out of o for the polygon pair MTV would resolve.
func (m *Mesh) Escapes(pos Vec, o *Mesh, opos Vec) []Vec {
	if !m.Bounds(pos).Overlaps(o.Bounds(opos)) {
		return nil
	}
	var best Vec
	var pa, pb Polygon
	found := false
	for _, a := range m.Polygons {
		for _, b := range o.Polygons {
			v, ok := PolygonMTV(a, pos, b, opos)
			if !ok {
				continue
			}
			if !found || v.LenSq() > best.LenSq() {
				best, pa, pb, found = v, a, b, true
			}
		}
	}
	if !found {
		return nil
	}
	return PolygonEscapes(pa, pos, pb, opos)
}

func (m *Mesh) Overlaps(pos Vec, o *Mesh, opos Vec) bool {
	_, ok := m.MTV(pos, o, opos)
	return ok
}

// OverlapsRect reports strict overlap between m at pos and the box r.
func (m *Mesh) OverlapsRect(pos Vec, r Rect) bool {
	if !m.Bounds(pos).Overlaps(r) {
		return false
	}
	box := RectPolygon(r.Min, r.Max)
	for _, p := range m.Polygons {
		if _, ok := PolygonMTV(p, pos, box, Vec{}); ok {
			return true
		}
	}
	return false
}
