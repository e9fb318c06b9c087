package render

import (
	"log"
	"sort"
	"sync"

	"tilegrid.ai/internal/autotile"
	"tilegrid.ai/internal/catalogs"
	"tilegrid.ai/internal/grid"
)

// parallelThreshold is the pending-set size below which Apply stays on the calling goroutine.
const parallelThreshold = 64

// DirtyTracker owns the set of coordinates whose visual may be stale.
// MarkDirty and Apply must be called from the owning tick loop.
type DirtyTracker struct {
	store   *grid.Store
	cat     *catalogs.Catalog
	sink    Sink
	workers int
	log     *log.Logger

	pending map[grid.Coord]struct{}
}

func NewDirtyTracker(store *grid.Store, cat *catalogs.Catalog, sink Sink, workers int, logger *log.Logger) *DirtyTracker {
	if workers <= 0 {
		workers = 1
	}
	return &DirtyTracker{
		store:   store,
		cat:     cat,
		sink:    sink,
		workers: workers,
		log:     logger,
		pending: map[grid.Coord]struct{}{},
	}
}

func (t *DirtyTracker) logf(format string, args ...any) {
	if t.log != nil {
		t.log.Printf(format, args...)
	}
}

// SetSink attaches (or detaches, with nil) the render sink.
func (t *DirtyTracker) SetSink(s Sink) { t.sink = s }

func (t *DirtyTracker) MarkDirty(coords ...grid.Coord) {
	for _, c := range coords {
		t.pending[c] = struct{}{}
	}
}

func (t *DirtyTracker) IsDirty(c grid.Coord) bool {
	_, ok := t.pending[c]
	return ok
}

func (t *DirtyTracker) Len() int { return len(t.pending) }

// Pending returns the dirty set in Coord order.
func (t *DirtyTracker) Pending() []grid.Coord {
	out := make([]grid.Coord, 0, len(t.pending))
	for c := range t.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

type update struct {
	c   grid.Coord
	res *autotile.Result
}

// Apply recomputes every dirty coordinate, emits one update per coordinate to
// the sink in Coord order, then clears the dirty set. Without a sink the set
// is cleared and nothing is matched. It returns the number of updates emitted.
func (t *DirtyTracker) Apply() int {
	if len(t.pending) == 0 {
		return 0
	}
	if t.sink == nil {
		t.pending = map[grid.Coord]struct{}{}
		return 0
	}

	coords := t.Pending()
	updates := make([]update, len(coords))

	workers := t.workers
	if len(coords) < parallelThreshold {
		workers = 1
	}
	if workers == 1 {
		for i, c := range coords {
			updates[i] = t.compute(c)
		}
	} else {
		// Each worker only reads the store and catalog and writes its own slots.
		var wg sync.WaitGroup
		per := (len(coords) + workers - 1) / workers
		for start := 0; start < len(coords); start += per {
			end := start + per
			if end > len(coords) {
				end = len(coords)
			}
			wg.Add(1)
			go func(lo, hi int) {
				defer wg.Done()
				for i := lo; i < hi; i++ {
					updates[i] = t.compute(coords[i])
				}
			}(start, end)
		}
		wg.Wait()
	}

	for _, u := range updates {
		t.sink.OnCellUpdated(u.c, u.res)
	}
	t.pending = map[grid.Coord]struct{}{}
	return len(updates)
}

func (t *DirtyTracker) compute(c grid.Coord) update {
	id, ok := t.store.TryGetCell(c)
	if !ok {
		return update{c: c}
	}
	b, ok := t.cat.Lookup(id)
	if !ok {
		t.logf("error: cell %s references unknown block id %d; skipping render", c, id)
		return update{c: c}
	}
	res, ok := b.Match(t.store.NeighborMask(c))
	if !ok {
		return update{c: c}
	}
	return update{c: c, res: &res}
}
