package render

import (
	"tilegrid.ai/internal/autotile"
	"tilegrid.ai/internal/grid"
)

// Sink consumes autotile output. It is called once per dirty coordinate per
// apply pass; a nil result means "withdraw any visual, install nothing".
type Sink interface {
	OnCellUpdated(c grid.Coord, res *autotile.Result)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(c grid.Coord, res *autotile.Result)

func (f SinkFunc) OnCellUpdated(c grid.Coord, res *autotile.Result) { f(c, res) }

// Handle is an opaque reference to render-side geometry owned by a Builder.
type Handle uint64

// Builder creates and destroys the geometry behind a Handle.
type Builder interface {
	Build(c grid.Coord, res autotile.Result) Handle
	Destroy(h Handle)
}

// Arena is a Sink that keeps at most one Handle per coordinate. The grid side
// only ever sees coordinates; handles never leave the arena.
type Arena struct {
	b       Builder
	handles map[grid.Coord]Handle
}

func NewArena(b Builder) *Arena {
	return &Arena{b: b, handles: map[grid.Coord]Handle{}}
}

func (a *Arena) OnCellUpdated(c grid.Coord, res *autotile.Result) {
	if h, ok := a.handles[c]; ok {
		a.b.Destroy(h)
		delete(a.handles, c)
	}
	if res == nil {
		return
	}
	a.handles[c] = a.b.Build(c, *res)
}

func (a *Arena) Handle(c grid.Coord) (Handle, bool) {
	h, ok := a.handles[c]
	return h, ok
}

func (a *Arena) Len() int { return len(a.handles) }
