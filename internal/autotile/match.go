package autotile

// Offsets are tried in this order when a pattern can rotate; the first hit wins.
var rotationOffsets = [...]uint8{0, 2, 4, 6}

// Result is a successful match.
type Result struct {
	Pattern int               `json:"pattern"`
	Offset  uint8             `json:"offset"` // bit positions: 0, 2, 4, 6
	Meshes  [FaceCount]string `json:"meshes"`
	Front   string            `json:"front,omitempty"`
}

// QuarterTurns converts the bit offset into 90 degree steps.
func (r Result) QuarterTurns() int { return int(r.Offset / 2) }

// Match returns the first pattern (in slice order) that accepts mask, trying
// rotation offsets 0, 2, 4, 6 for patterns that can rotate. No match is not an
// error: the cell renders nothing.
func Match(mask uint8, patterns []Pattern) (Result, bool) {
	for i := range patterns {
		p := &patterns[i]
		offsets := rotationOffsets[:1]
		if p.CanRotate {
			offsets = rotationOffsets[:]
		}
		for _, off := range offsets {
			if !p.Matches(RotateMask(mask, off)) {
				continue
			}
			return Result{
				Pattern: i,
				Offset:  off,
				Meshes:  rotateMeshes(p.Meshes, off),
				Front:   p.Front,
			}, true
		}
	}
	return Result{}, false
}

// rotateMeshes sources face i from the pre-rotation slot (i + offset) mod 4.
func rotateMeshes(in [FaceCount]string, offset uint8) [FaceCount]string {
	var out [FaceCount]string
	for i := range out {
		out[i] = in[(i+int(offset))%FaceCount]
	}
	return out
}
