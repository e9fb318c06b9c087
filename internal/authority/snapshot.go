package authority

import (
	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/mathx"
)

// ChunkData is one chunk's cells, row-major, grid.ChunkSize squared entries.
type ChunkData struct {
	Key   grid.ChunkKey
	Cells []uint16
}

// Snapshot is the full state a joining replica needs.
type Snapshot struct {
	Tick          uint64
	CatalogDigest string
	Digest        string
	Chunks        []ChunkData
	Seqs          map[grid.Coord]uint64
}

// Snapshot captures the grid, its digest and the per-coordinate sequence table.
func (a *Authority) Snapshot() Snapshot {
	s := Snapshot{
		Tick:   a.tick,
		Digest: a.store.Digest(),
		Seqs:   a.SeqTable(),
	}
	if a.cat != nil {
		s.CatalogDigest = a.cat.Digest
	}
	for _, k := range a.store.ChunkKeys() {
		cells, _ := a.store.Chunk(k)
		s.Chunks = append(s.Chunks, ChunkData{Key: k, Cells: cells})
	}
	return s
}

func hole(seed int64, c grid.Coord, permille int) bool {
	return mathx.Hash2(seed, c.X, c.Y)%1000 < uint64(permille)
}
