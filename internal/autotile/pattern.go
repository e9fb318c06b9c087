package autotile

import (
	"fmt"
	"strings"

	"tilegrid.ai/internal/grid"
)

// Constraint is the requirement a pattern places on one neighbor.
type Constraint uint8

const (
	Irrelevant Constraint = iota
	Present
	Absent
)

func (c Constraint) String() string {
	switch c {
	case Present:
		return "PRESENT"
	case Absent:
		return "ABSENT"
	default:
		return "IRRELEVANT"
	}
}

func ParseConstraint(s string) (Constraint, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PRESENT":
		return Present, nil
	case "ABSENT":
		return Absent, nil
	case "", "IRRELEVANT", "ANY":
		return Irrelevant, nil
	}
	return Irrelevant, fmt.Errorf("bad constraint %q", s)
}

// Face indexes the cardinal mesh slots: N, E, S, W.
const FaceCount = 4

// Pattern is one configuration of a block: neighbor constraints plus the
// meshes to show when they hold. Meshes are opaque asset references; "" means no face.
type Pattern struct {
	Neighbors [grid.DirCount]Constraint
	CanRotate bool
	Meshes    [FaceCount]string
	Front     string

	care uint8
	want uint8
}

// NewPattern builds a Pattern and precomputes its comparison masks.
func NewPattern(neighbors [grid.DirCount]Constraint, canRotate bool, meshes [FaceCount]string, front string) Pattern {
	p := Pattern{Neighbors: neighbors, CanRotate: canRotate, Meshes: meshes, Front: front}
	p.compile()
	return p
}

func (p *Pattern) compile() {
	p.care, p.want = 0, 0
	for d, c := range p.Neighbors {
		bit := uint8(1) << d
		if c != Irrelevant {
			p.care |= bit
		}
		if c == Present {
			p.want |= bit
		}
	}
}

// Masks returns the relevant-bit mask and the expected value under it.
func (p Pattern) Masks() (care, want uint8) {
	if p.care == 0 && p.want == 0 {
		p.compile()
	}
	return p.care, p.want
}

// Matches tests an already-rotated neighbor mask.
func (p Pattern) Matches(mask uint8) bool {
	care, want := p.Masks()
	return mask&care == want
}

// RotateMask circularly shifts mask toward lower bit positions by offset bits.
func RotateMask(mask uint8, offset uint8) uint8 {
	offset &= 7
	return mask>>offset | mask<<(8-offset)
}
