package grid

import (
	"fmt"
	"math"
)

// Coord is a cell location in grid space. +Y is north.
type Coord struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

func C(x, y int32) Coord { return Coord{X: x, Y: y} }

// Add wraps at the int32 limits, so the neighbors of an edge coordinate land
// on the opposite edge. The authority refuses cells that are not Interior.
func (c Coord) Add(d Coord) Coord { return Coord{X: c.X + d.X, Y: c.Y + d.Y} }

// Interior reports whether all 8 neighbors of c exist without wrapping.
func (c Coord) Interior() bool {
	return c.X > math.MinInt32 && c.X < math.MaxInt32 && c.Y > math.MinInt32 && c.Y < math.MaxInt32
}

func (c Coord) String() string { return fmt.Sprintf("(%d,%d)", c.X, c.Y) }

// Less orders coordinates by X, then Y. Used wherever iteration must be deterministic.
func (c Coord) Less(o Coord) bool {
	if c.X != o.X {
		return c.X < o.X
	}
	return c.Y < o.Y
}

// Dir is a compass direction. The value is also the bit index in a neighbor mask.
type Dir uint8

const (
	N Dir = iota
	NE
	E
	SE
	S
	SW
	W
	NW
)

const DirCount = 8

var dirNames = [DirCount]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

func (d Dir) String() string {
	if int(d) < DirCount {
		return dirNames[d]
	}
	return fmt.Sprintf("Dir(%d)", d)
}

func (d Dir) Bit() uint8 { return 1 << d }

// Cardinal reports whether d is one of N, E, S, W.
func (d Dir) Cardinal() bool { return d%2 == 0 }

// Offset returns the unit step for d.
func (d Dir) Offset() Coord { return dirOffsets[d&7] }

var dirOffsets = [DirCount]Coord{
	N:  {X: 0, Y: 1},
	NE: {X: 1, Y: 1},
	E:  {X: 1, Y: 0},
	SE: {X: 1, Y: -1},
	S:  {X: 0, Y: -1},
	SW: {X: -1, Y: -1},
	W:  {X: -1, Y: 0},
	NW: {X: -1, Y: 1},
}

// ParseDir accepts the upper-case compass names.
func ParseDir(s string) (Dir, bool) {
	for i, n := range dirNames {
		if n == s {
			return Dir(i), true
		}
	}
	return 0, false
}

// Subset selects which neighbors NeighborLocations returns.
type Subset uint8

const (
	All8 Subset = iota
	Cardinal4
	Diagonal4
)

func (s Subset) includes(d Dir) bool {
	switch s {
	case Cardinal4:
		return d.Cardinal()
	case Diagonal4:
		return !d.Cardinal()
	default:
		return true
	}
}

// Neighbors returns the 8 surrounding coordinates in Dir order.
func Neighbors(c Coord) [DirCount]Coord {
	var out [DirCount]Coord
	for d := Dir(0); d < DirCount; d++ {
		out[d] = c.Add(dirOffsets[d])
	}
	return out
}

// Neighborhood returns c followed by its 8 neighbors: the dirty footprint of a mutation at c.
func Neighborhood(c Coord) []Coord {
	out := make([]Coord, 0, DirCount+1)
	out = append(out, c)
	for _, n := range Neighbors(c) {
		out = append(out, n)
	}
	return out
}

// Bounds is an inclusive rectangle. The zero value is unbounded.
type Bounds struct {
	Min Coord `json:"min" yaml:"min"`
	Max Coord `json:"max" yaml:"max"`
	Set bool  `json:"set" yaml:"set"`
}

func NewBounds(min, max Coord) Bounds {
	if min.X > max.X {
		min.X, max.X = max.X, min.X
	}
	if min.Y > max.Y {
		min.Y, max.Y = max.Y, min.Y
	}
	return Bounds{Min: min, Max: max, Set: true}
}

func (b Bounds) Contains(c Coord) bool {
	if !b.Set {
		return true
	}
	return c.X >= b.Min.X && c.X <= b.Max.X && c.Y >= b.Min.Y && c.Y <= b.Max.Y
}
