package world

import (
	"fmt"
	"math"

	"github.com/outpost/lockstep/internal/geom"
)

// TileKind classifies a grid cell. Values are stored on the wire and in map files.
type TileKind uint8

const (
	TileGround TileKind = iota // buildable, walkable
	TileWater                  // not walkable, not buildable
	TileRock                   // impassable terrain
)

func (k TileKind) String() string {
	switch k {
	case TileGround:
		return "ground"
	case TileWater:
		return "water"
	case TileRock:
		return "rock"
	default:
		return fmt.Sprintf("tile(%d)", uint8(k))
	}
}

func (k TileKind) Valid() bool { return k <= TileRock }

// Tile is one fixed grid cell. Tiles only change through explicit replacement.
type Tile struct {
	Kind TileKind
}

func (t Tile) Passable() bool { return t.Kind == TileGround }

// TileCoord addresses a tile; tile (x, y) covers [x, x+1) x [y, y+1) in world units.
type TileCoord struct {
	X int32
	Y int32
}

func (c TileCoord) Rect() geom.Rect {
	return geom.R(float64(c.X), float64(c.Y), float64(c.X+1), float64(c.Y+1))
}

// Centre returns the world-space centre of the tile.
func (c TileCoord) Centre() geom.Vec {
	return geom.V(float64(c.X)+0.5, float64(c.Y)+0.5)
}

// TileAt returns the tile containing p.
func TileAt(p geom.Vec) TileCoord {
	return TileCoord{X: int32(math.Floor(p.X)), Y: int32(math.Floor(p.Y))}
}

// tileLess orders tiles row by row; every tile list in the index uses it.
func tileLess(a, b TileCoord) bool {
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}
