package grid

import (
	"crypto/sha256"
	"encoding/binary"
)

const ChunkSize = 16

// BlockID is a foreign key into the block catalog. 0 is reserved for "no cell".
type BlockID uint16

const Empty BlockID = 0

type ChunkKey struct {
	CX int32
	CY int32
}

func (k ChunkKey) Less(o ChunkKey) bool {
	if k.CX != o.CX {
		return k.CX < o.CX
	}
	return k.CY < o.CY
}

// Chunk holds a 16x16 window of cells. Cells[i] == Empty means no cell.
type Chunk struct {
	CX, CY int32
	Cells  []uint16

	count int
	dirty bool
	hash  [32]byte
}

func newChunk(k ChunkKey) *Chunk {
	return &Chunk{
		CX:    k.CX,
		CY:    k.CY,
		Cells: make([]uint16, ChunkSize*ChunkSize),
		dirty: true,
	}
}

func (c *Chunk) index(lx, ly int32) int {
	// x fastest, then y
	return int(lx + ly*ChunkSize)
}

func (c *Chunk) get(lx, ly int32) BlockID {
	return BlockID(c.Cells[c.index(lx, ly)])
}

func (c *Chunk) set(lx, ly int32, b BlockID) {
	i := c.index(lx, ly)
	prev := c.Cells[i]
	if prev == uint16(b) {
		return
	}
	switch {
	case prev == 0:
		c.count++
	case b == Empty:
		c.count--
	}
	c.Cells[i] = uint16(b)
	c.dirty = true
}

// Len is the number of occupied cells.
func (c *Chunk) Len() int { return c.count }

func (c *Chunk) Digest() [32]byte {
	if c.dirty {
		h := sha256.New()
		var tmp [2]byte
		for _, v := range c.Cells {
			binary.LittleEndian.PutUint16(tmp[:], v)
			h.Write(tmp[:])
		}
		copy(c.hash[:], h.Sum(nil))
		c.dirty = false
	}
	return c.hash
}

func chunkOf(c Coord) (ChunkKey, int32, int32) {
	return ChunkKey{CX: floorDiv(c.X, ChunkSize), CY: floorDiv(c.Y, ChunkSize)}, mod(c.X, ChunkSize), mod(c.Y, ChunkSize)
}

func floorDiv(a, b int32) int32 {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func mod(a, b int32) int32 {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
