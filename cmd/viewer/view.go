package main

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/gdamore/tcell/v2"

	"tilegrid.ai/internal/authority"
	"tilegrid.ai/internal/autotile"
	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/render"
)

type glyph struct {
	r     rune
	style tcell.Style
}

// faceRunes maps the set of exposed faces (bit 0=N, 1=E, 2=S, 3=W) to a
// block character.
var faceRunes = [16]rune{
	0:  '█',
	1:  '▀',
	2:  '▐',
	3:  '▜',
	4:  '▄',
	5:  '═',
	6:  '▟',
	8:  '▌',
	9:  '▛',
	10: '║',
	12: '▙',
	15: '□',
}

var palette = []tcell.Color{
	tcell.ColorSilver,
	tcell.ColorOlive,
	tcell.ColorTeal,
	tcell.ColorFuchsia,
	tcell.ColorGreen,
	tcell.ColorNavy,
}

// glyphBuilder is the terminal render.Builder: every handle is one glyph.
type glyphBuilder struct {
	mu   sync.Mutex
	next render.Handle
	live map[render.Handle]glyph
}

func newGlyphBuilder() *glyphBuilder {
	return &glyphBuilder{live: map[render.Handle]glyph{}}
}

func (b *glyphBuilder) Build(c grid.Coord, res autotile.Result) render.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.live[b.next] = glyphFor(res)
	return b.next
}

func (b *glyphBuilder) Destroy(h render.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.live, h)
}

func (b *glyphBuilder) glyph(h render.Handle) (glyph, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.live[h]
	return g, ok
}

func glyphFor(res autotile.Result) glyph {
	faces := 0
	for i, m := range res.Meshes {
		if m != "" {
			faces |= 1 << i
		}
	}
	r := faceRunes[faces]
	if r == 0 {
		r = '▒'
	}
	return glyph{r: r, style: tcell.StyleDefault.Foreground(palette[paletteIndex(res.Front)])}
}

// paletteIndex picks a stable color for a front mesh name. The modulo stays
// unsigned so the index is never negative where int is 32 bits.
func paletteIndex(front string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(front))
	return int(h.Sum32() % uint32(len(palette)))
}

// cellReader is the part of a replica grid the view reads.
type cellReader interface {
	CellIsPresent(c grid.Coord) bool
	Len() int
}

// view draws a window of the replica grid centered on the cursor. Input runs
// on the event goroutine and drawing on the replica goroutine, so the cursor
// and status line are guarded by mu.
type view struct {
	screen tcell.Screen
	arena  *render.Arena
	glyphs *glyphBuilder

	mu     sync.Mutex
	cursor grid.Coord
	block  grid.BlockID
	status string
}

func newView(screen tcell.Screen) *view {
	g := newGlyphBuilder()
	return &view{
		screen: screen,
		arena:  render.NewArena(g),
		glyphs: g,
		block:  1,
	}
}

// toGrid maps a screen cell to grid space; +Y is drawn upwards.
func (v *view) toGrid(sx, sy, w, h int) grid.Coord {
	return grid.C(v.cursor.X+int32(sx-w/2), v.cursor.Y-int32(sy-(h-1)/2))
}

// cellAt resolves what is drawn for c: the render glyph if the cell has one,
// a plain dot for an occupied cell without a matching pattern.
func (v *view) cellAt(store cellReader, c grid.Coord) (glyph, bool) {
	if hd, ok := v.arena.Handle(c); ok {
		if g, ok := v.glyphs.glyph(hd); ok {
			return g, true
		}
	}
	if store.CellIsPresent(c) {
		return glyph{r: '·', style: tcell.StyleDefault.Foreground(tcell.ColorGray)}, true
	}
	return glyph{}, false
}

func (v *view) draw(store cellReader, stats authority.ReplicaStats) {
	v.mu.Lock()
	defer v.mu.Unlock()

	w, h := v.screen.Size()
	if w <= 0 || h <= 1 {
		return
	}
	v.screen.Clear()
	for sy := 0; sy < h-1; sy++ {
		for sx := 0; sx < w; sx++ {
			c := v.toGrid(sx, sy, w, h-1)
			g, ok := v.cellAt(store, c)
			if c == v.cursor {
				if !ok {
					g.r = ' '
				}
				g.style = tcell.StyleDefault.Reverse(true)
				ok = true
			}
			if ok {
				v.screen.SetContent(sx, sy, g.r, nil, g.style)
			}
		}
	}

	line := fmt.Sprintf(" %s block=%d cells=%d applied=%d desync=%d pending=%d %s",
		v.cursor, v.block, store.Len(), stats.Applied, stats.Desync, stats.Pending, v.status)
	for i, ch := range []rune(line) {
		if i >= w {
			break
		}
		v.screen.SetContent(i, h-1, ch, nil, tcell.StyleDefault.Reverse(true))
	}
	v.screen.Show()
}

// handleKey applies navigation keys and returns the mutation a key asks for.
// r is only consulted for tcell.KeyRune.
func (v *view) handleKey(key tcell.Key, r rune) (m authority.Mutation, ok, quit bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch key {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return m, false, true
	case tcell.KeyUp:
		v.cursor.Y++
	case tcell.KeyDown:
		v.cursor.Y--
	case tcell.KeyLeft:
		v.cursor.X--
	case tcell.KeyRight:
		v.cursor.X++
	case tcell.KeyRune:
		switch {
		case r == 'q':
			return m, false, true
		case r >= '1' && r <= '9':
			v.block = grid.BlockID(r - '0')
			v.status = ""
		case r == 'x' || r == ' ':
			return authority.Mutation{Coord: v.cursor, Kind: authority.Remove}, true, false
		case r == 'a' || r == '\r':
			return authority.Mutation{Coord: v.cursor, Kind: authority.Add, Block: v.block}, true, false
		}
	case tcell.KeyEnter:
		return authority.Mutation{Coord: v.cursor, Kind: authority.Add, Block: v.block}, true, false
	}
	return m, false, false
}

func (v *view) setStatus(s string) {
	v.mu.Lock()
	v.status = s
	v.mu.Unlock()
}
