package grid

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
)

// Cell is one occupied grid location.
type Cell struct {
	Coord Coord   `json:"coord"`
	Block BlockID `json:"block"`
}

// Store is the sparse grid. It is owned by a single goroutine (the tick loop
// of its process) and performs no locking.
type Store struct {
	bounds Bounds
	log    *log.Logger

	chunks map[ChunkKey]*Chunk
	count  int
}

func NewStore(bounds Bounds, logger *log.Logger) *Store {
	return &Store{
		bounds: bounds,
		log:    logger,
		chunks: map[ChunkKey]*Chunk{},
	}
}

func (s *Store) Bounds() Bounds { return s.bounds }

func (s *Store) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// Add inserts a cell and returns the coordinates that must be marked dirty.
// It is a logged no-op if the location is already occupied.
func (s *Store) Add(c Coord, b BlockID) ([]Coord, bool) {
	if b == Empty {
		s.logf("warn: add %s: block id 0 is reserved", c)
		return nil, false
	}
	k, lx, ly := chunkOf(c)
	ch := s.chunks[k]
	if ch != nil && ch.get(lx, ly) != Empty {
		s.logf("warn: add %s: cell already present (block=%d)", c, ch.get(lx, ly))
		return nil, false
	}
	if ch == nil {
		ch = newChunk(k)
		s.chunks[k] = ch
	}
	ch.set(lx, ly, b)
	s.count++
	return Neighborhood(c), true
}

// Remove deletes a cell and returns the coordinates that must be marked dirty.
// Removing an absent cell is a no-op.
func (s *Store) Remove(c Coord) ([]Coord, bool) {
	k, lx, ly := chunkOf(c)
	ch := s.chunks[k]
	if ch == nil || ch.get(lx, ly) == Empty {
		s.logf("warn: remove %s: no cell", c)
		return nil, false
	}
	ch.set(lx, ly, Empty)
	s.count--
	if ch.Len() == 0 {
		delete(s.chunks, k)
	}
	return Neighborhood(c), true
}

// TryGetCell returns the block at c, if any.
func (s *Store) TryGetCell(c Coord) (BlockID, bool) {
	k, lx, ly := chunkOf(c)
	ch := s.chunks[k]
	if ch == nil {
		return Empty, false
	}
	b := ch.get(lx, ly)
	return b, b != Empty
}

func (s *Store) CellIsPresent(c Coord) bool {
	_, ok := s.TryGetCell(c)
	return ok
}

// NeighborMask returns one bit per Dir, set when the neighbor in that direction is occupied.
func (s *Store) NeighborMask(c Coord) uint8 {
	var m uint8
	for d := Dir(0); d < DirCount; d++ {
		if s.CellIsPresent(c.Add(dirOffsets[d])) {
			m |= d.Bit()
		}
	}
	return m
}

// NeighborLocations lists the neighbors of c selected by subset, in Dir order,
// optionally preceded by c itself. With clamp set, locations outside the
// store bounds are skipped.
func (s *Store) NeighborLocations(c Coord, includeSelf, clamp bool, subset Subset) []Coord {
	out := make([]Coord, 0, DirCount+1)
	keep := func(p Coord) bool { return !clamp || s.bounds.Contains(p) }
	if includeSelf && keep(c) {
		out = append(out, c)
	}
	for d := Dir(0); d < DirCount; d++ {
		if !subset.includes(d) {
			continue
		}
		p := c.Add(dirOffsets[d])
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) Len() int { return s.count }

// Cells returns every occupied cell in Coord order.
func (s *Store) Cells() []Cell {
	out := make([]Cell, 0, s.count)
	for _, ch := range s.chunks {
		for i, v := range ch.Cells {
			if v == 0 {
				continue
			}
			c := Coord{X: ch.CX*ChunkSize + int32(i%ChunkSize), Y: ch.CY*ChunkSize + int32(i/ChunkSize)}
			out = append(out, Cell{Coord: c, Block: BlockID(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Coord.Less(out[j].Coord) })
	return out
}

func (s *Store) ChunkKeys() []ChunkKey {
	keys := make([]ChunkKey, 0, len(s.chunks))
	for k := range s.chunks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Chunk returns a copy of the cells of one loaded chunk.
func (s *Store) Chunk(k ChunkKey) ([]uint16, bool) {
	ch := s.chunks[k]
	if ch == nil {
		return nil, false
	}
	out := make([]uint16, len(ch.Cells))
	copy(out, ch.Cells)
	return out, true
}

// LoadChunk replaces a whole chunk, as done when a replica receives SYNC.
// It returns the coordinates whose content changed.
func (s *Store) LoadChunk(k ChunkKey, cells []uint16) ([]Coord, error) {
	if len(cells) != ChunkSize*ChunkSize {
		return nil, fmt.Errorf("chunk %d,%d: want %d cells, got %d", k.CX, k.CY, ChunkSize*ChunkSize, len(cells))
	}
	ch := s.chunks[k]
	if ch == nil {
		ch = newChunk(k)
		s.chunks[k] = ch
	}
	var changed []Coord
	for i, v := range cells {
		lx, ly := int32(i%ChunkSize), int32(i/ChunkSize)
		if ch.get(lx, ly) == BlockID(v) {
			continue
		}
		before := ch.Len()
		ch.set(lx, ly, BlockID(v))
		s.count += ch.Len() - before
		changed = append(changed, Coord{X: k.CX*ChunkSize + lx, Y: k.CY*ChunkSize + ly})
	}
	if ch.Len() == 0 {
		delete(s.chunks, k)
	}
	return changed, nil
}

// Clear drops every chunk and returns the previously occupied coordinates.
func (s *Store) Clear() []Coord {
	var out []Coord
	for _, c := range s.Cells() {
		out = append(out, c.Coord)
	}
	s.chunks = map[ChunkKey]*Chunk{}
	s.count = 0
	return out
}

// Digest hashes the full grid content. Two stores with equal digests hold the same cells.
func (s *Store) Digest() string {
	h := sha256.New()
	var tmp [8]byte
	for _, k := range s.ChunkKeys() {
		ch := s.chunks[k]
		binary.LittleEndian.PutUint32(tmp[0:4], uint32(k.CX))
		binary.LittleEndian.PutUint32(tmp[4:8], uint32(k.CY))
		h.Write(tmp[:])
		d := ch.Digest()
		h.Write(d[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
