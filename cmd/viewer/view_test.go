package main

import (
	"fmt"
	"testing"

	"github.com/gdamore/tcell/v2"

	"tilegrid.ai/internal/authority"
	"tilegrid.ai/internal/autotile"
	"tilegrid.ai/internal/grid"
)

func newSimView(t *testing.T, w, h int) *view {
	t.Helper()
	s := tcell.NewSimulationScreen("UTF-8")
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(s.Fini)
	s.SetSize(w, h)
	return newView(s)
}

func TestGlyphFor(t *testing.T) {
	cases := []struct {
		meshes [autotile.FaceCount]string
		want   rune
	}{
		{[autotile.FaceCount]string{}, '█'},
		{[autotile.FaceCount]string{"e", "", "", ""}, '▀'},
		{[autotile.FaceCount]string{"", "", "e", "e"}, '▙'},
		{[autotile.FaceCount]string{"e", "e", "e", "e"}, '□'},
		{[autotile.FaceCount]string{"e", "e", "e", ""}, '▒'},
	}
	for _, tc := range cases {
		if got := glyphFor(autotile.Result{Meshes: tc.meshes}).r; got != tc.want {
			t.Fatalf("glyphFor(%v)=%q want %q", tc.meshes, got, tc.want)
		}
	}
}

func TestView_CellsAndLayout(t *testing.T) {
	v := newSimView(t, 9, 6)
	store := grid.NewStore(grid.Bounds{}, nil)
	store.Add(grid.C(0, 0), 1)
	store.Add(grid.C(1, 0), 1)
	// Only (0,0) has render output; (1,0) matched no pattern.
	v.arena.OnCellUpdated(grid.C(0, 0), &autotile.Result{Meshes: [autotile.FaceCount]string{"n", "", "", ""}})

	if g, ok := v.cellAt(store, grid.C(0, 0)); !ok || g.r != '▀' {
		t.Fatalf("rendered cell=%q ok=%v", g.r, ok)
	}
	if g, ok := v.cellAt(store, grid.C(1, 0)); !ok || g.r != '·' {
		t.Fatalf("plain cell=%q ok=%v", g.r, ok)
	}
	if _, ok := v.cellAt(store, grid.C(2, 0)); ok {
		t.Fatalf("empty cell drawn")
	}

	// 9x5 grid area: the cursor sits at column 4, row 2, and +Y is up.
	if c := v.toGrid(4, 2, 9, 5); c != grid.C(0, 0) {
		t.Fatalf("center=%s", c)
	}
	if c := v.toGrid(4, 1, 9, 5); c != grid.C(0, 1) {
		t.Fatalf("row above=%s", c)
	}
	if c := v.toGrid(0, 4, 9, 5); c != grid.C(-4, -2) {
		t.Fatalf("bottom left=%s", c)
	}
	v.draw(store, authority.ReplicaStats{Applied: 2})

	v.arena.OnCellUpdated(grid.C(0, 0), nil)
	if v.arena.Len() != 0 || len(v.glyphs.live) != 0 {
		t.Fatalf("handle not destroyed")
	}
	if g, _ := v.cellAt(store, grid.C(0, 0)); g.r != '·' {
		t.Fatalf("withdrawn cell=%q", g.r)
	}
}

func TestView_HandleKey(t *testing.T) {
	v := newSimView(t, 10, 10)

	v.handleKey(tcell.KeyRight, 0)
	v.handleKey(tcell.KeyUp, 0)
	v.handleKey(tcell.KeyRune, '3')

	m, ok, quit := v.handleKey(tcell.KeyEnter, 0)
	if !ok || quit || m.Kind != authority.Add || m.Block != 3 || m.Coord != grid.C(1, 1) {
		t.Fatalf("add=%+v ok=%v quit=%v", m, ok, quit)
	}
	m, ok, _ = v.handleKey(tcell.KeyRune, 'x')
	if !ok || m.Kind != authority.Remove || m.Coord != grid.C(1, 1) {
		t.Fatalf("remove=%+v", m)
	}
	if _, _, quit := v.handleKey(tcell.KeyRune, 'q'); !quit {
		t.Fatalf("q should quit")
	}
}

func TestPaletteIndexInRange(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 2000; i++ {
		front := fmt.Sprintf("front_%d", i)
		idx := paletteIndex(front)
		if idx < 0 || idx >= len(palette) {
			t.Fatalf("paletteIndex(%q)=%d", front, idx)
		}
		if paletteIndex(front) != idx {
			t.Fatalf("paletteIndex(%q) not stable", front)
		}
		seen[idx] = true
	}
	if len(seen) != len(palette) {
		t.Fatalf("only %d of %d colors used", len(seen), len(palette))
	}
	_ = glyphFor(autotile.Result{Front: "front_7"})
}
