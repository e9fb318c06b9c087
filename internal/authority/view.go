package authority

import "tilegrid.ai/internal/grid"

// StoreView is the read side of a replica's grid, handed to gameplay code.
// Add and Remove exist only to refuse: a replica changes its grid through
// RequestMutation and the authority's Commit, never directly.
type StoreView struct {
	r *Replica
}

func (v StoreView) TryGetCell(c grid.Coord) (grid.BlockID, bool) { return v.r.store.TryGetCell(c) }
func (v StoreView) CellIsPresent(c grid.Coord) bool               { return v.r.store.CellIsPresent(c) }
func (v StoreView) NeighborMask(c grid.Coord) uint8               { return v.r.store.NeighborMask(c) }
func (v StoreView) Cells() []grid.Cell                            { return v.r.store.Cells() }
func (v StoreView) Len() int                                      { return v.r.store.Len() }
func (v StoreView) Digest() string                                { return v.r.store.Digest() }
func (v StoreView) Bounds() grid.Bounds                           { return v.r.store.Bounds() }

func (v StoreView) NeighborLocations(c grid.Coord, includeSelf, clamp bool, subset grid.Subset) []grid.Coord {
	return v.r.store.NeighborLocations(c, includeSelf, clamp, subset)
}

// Add refuses the write and logs it as an unauthorized mutation.
func (v StoreView) Add(c grid.Coord, b grid.BlockID) ([]grid.Coord, bool) {
	v.r.refuse(Mutation{Coord: c, Kind: Add, Block: b})
	return nil, false
}

// Remove refuses the write and logs it as an unauthorized mutation.
func (v StoreView) Remove(c grid.Coord) ([]grid.Coord, bool) {
	v.r.refuse(Mutation{Coord: c, Kind: Remove})
	return nil, false
}

func (r *Replica) refuse(m Mutation) {
	r.stats.Unauthorized++
	r.logf("error: unauthorized mutation %s: %v; use RequestMutation", m, ErrUnauthorized)
}
