package geom

import "math"

// Vec is a point or displacement in world space. One world unit is one tile.
type Vec struct {
	X float64
	Y float64
}

func V(x, y float64) Vec { return Vec{X: x, Y: y} }

func (v Vec) Add(o Vec) Vec       { return Vec{v.X + o.X, v.Y + o.Y} }
func (v Vec) Sub(o Vec) Vec       { return Vec{v.X - o.X, v.Y - o.Y} }
func (v Vec) Scale(s float64) Vec { return Vec{v.X * s, v.Y * s} }
func (v Vec) Neg() Vec            { return Vec{-v.X, -v.Y} }
func (v Vec) Dot(o Vec) float64   { return v.X*o.X + v.Y*o.Y }
func (v Vec) Cross(o Vec) float64 { return v.X*o.Y - v.Y*o.X }
func (v Vec) LenSq() float64      { return v.X*v.X + v.Y*v.Y }
func (v Vec) Len() float64        { return math.Sqrt(v.LenSq()) }
func (v Vec) IsZero() bool        { return v.X == 0 && v.Y == 0 }
func (v Vec) Perp() Vec           { return Vec{v.Y, -v.X} }
func (v Vec) Dist(o Vec) float64  { return v.Sub(o).Len() }

// Normalize returns the unit vector in v's direction, or the zero vector.
func (v Vec) Normalize() Vec {
	l := v.Len()
	if l == 0 {
		return Vec{}
	}
	return Vec{v.X / l, v.Y / l}
}

// Rect is an axis-aligned box. Max is exclusive for overlap tests.
type Rect struct {
	Min Vec
	Max Vec
}

func R(minX, minY, maxX, maxY float64) Rect {
	return Rect{Min: Vec{minX, minY}, Max: Vec{maxX, maxY}}
}

// Overlaps reports strict overlap; rectangles that only share an edge do not overlap.
func (r Rect) Overlaps(o Rect) bool {
	return r.Min.X < o.Max.X-Epsilon && o.Min.X < r.Max.X-Epsilon &&
		r.Min.Y < o.Max.Y-Epsilon && o.Min.Y < r.Max.Y-Epsilon
}

func (r Rect) Union(o Rect) Rect {
	return Rect{
		Min: Vec{math.Min(r.Min.X, o.Min.X), math.Min(r.Min.Y, o.Min.Y)},
		Max: Vec{math.Max(r.Max.X, o.Max.X), math.Max(r.Max.Y, o.Max.Y)},
	}
}

func (r Rect) Translate(off Vec) Rect {
	return Rect{Min: r.Min.Add(off), Max: r.Max.Add(off)}
}

func (r Rect) Contains(p Vec) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X && p.Y >= r.Min.Y && p.Y <= r.Max.Y
}
