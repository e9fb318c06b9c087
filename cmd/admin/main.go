package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"tilegrid.ai/internal/authority"
	"tilegrid.ai/internal/grid"
	persistlog "tilegrid.ai/internal/persistence/log"
	"tilegrid.ai/internal/sim/world"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "undo":
			undoCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "history":
			historyCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "worlds")
	if *worldID != "" {
		base = filepath.Join(base, *worldID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// undoCmd prints the mutations that put every cell inside a rectangle back to
// the state it had before since_tick. It reads the audit log and never
// touches a running server; feed the output to a replica to apply it.
func undoCmd(args []string) {
	fs := flag.NewFlagSet("undo", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	rect := fs.String("rect", "", "rectangle filter: x1,y1:x2,y2 (required)")
	sinceTick := fs.Uint64("since_tick", 0, "undo changes since tick (inclusive)")
	toTick := fs.Uint64("to_tick", 0, "undo changes up to tick (inclusive, 0: no limit)")
	actor := fs.String("actor", "", "only undo changes by this session id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	min, max, err := parseRect(*rect)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -rect:", err)
		os.Exit(2)
	}

	f := auditFilter{Min: min, Max: max, Since: *sinceTick, To: *toTick, Actor: strings.TrimSpace(*actor)}
	recs, err := readAudit(filepath.Join(*dataDir, "worlds", *worldID), f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	if len(recs) == 0 {
		fmt.Println("no matching audit entries; nothing to undo")
		return
	}
	plan := undoPlan(recs)
	for _, m := range plan {
		printJSON(struct {
			X     int32  `json:"x"`
			Y     int32  `json:"y"`
			Kind  string `json:"kind"`
			Block uint16 `json:"block,omitempty"`
		}{m.Coord.X, m.Coord.Y, m.Kind.String(), uint16(m.Block)})
	}
	fmt.Fprintf(os.Stderr, "undo: rect=%s since=%d to=%d entries=%d mutations=%d\n",
		*rect, *sinceTick, *toTick, len(recs), len(plan))
}

type auditFilter struct {
	Min, Max  grid.Coord
	Since, To uint64
	Actor     string
}

func (f auditFilter) match(e world.AuditEntry) bool {
	if e.Action != "ADD" && e.Action != "REMOVE" {
		return false
	}
	if e.Tick < f.Since || (f.To != 0 && e.Tick > f.To) {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	x, y := e.Pos[0], e.Pos[1]
	return x >= f.Min.X && x <= f.Max.X && y >= f.Min.Y && y <= f.Max.Y
}

func readAudit(worldDir string, f auditFilter) ([]world.AuditEntry, error) {
	files, err := persistlog.ListFiles(filepath.Join(worldDir, "audit"), "audit")
	if err != nil {
		return nil, err
	}
	var out []world.AuditEntry
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(line []byte) error {
			var e world.AuditEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("unmarshal: %w", err)
			}
			if f.match(e) {
				out = append(out, e)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// undoPlan keeps the earliest matching change per cell and restores its From
// block. Cells whose earliest and latest states agree need no mutation.
func undoPlan(recs []world.AuditEntry) []authority.Mutation {
	type span struct {
		first, last world.AuditEntry
	}
	cells := map[grid.Coord]*span{}
	for _, e := range recs {
		c := grid.C(e.Pos[0], e.Pos[1])
		s := cells[c]
		if s == nil {
			cells[c] = &span{first: e, last: e}
			continue
		}
		if e.Tick < s.first.Tick || (e.Tick == s.first.Tick && e.Seq < s.first.Seq) {
			s.first = e
		}
		if e.Tick > s.last.Tick || (e.Tick == s.last.Tick && e.Seq > s.last.Seq) {
			s.last = e
		}
	}

	out := make([]authority.Mutation, 0, len(cells))
	for c, s := range cells {
		want, have := s.first.From, s.last.To
		if want == have {
			continue
		}
		switch {
		case want == 0:
			out = append(out, authority.Mutation{Coord: c, Kind: authority.Remove})
		case have == 0:
			out = append(out, authority.Mutation{Coord: c, Kind: authority.Add, Block: grid.BlockID(want)})
		default:
			// Occupied by a different block: clear first, then restore.
			out = append(out,
				authority.Mutation{Coord: c, Kind: authority.Remove},
				authority.Mutation{Coord: c, Kind: authority.Add, Block: grid.BlockID(want)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Coord, out[j].Coord
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return out
}

func parseRect(s string) (min, max grid.Coord, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return min, max, fmt.Errorf("expected x1,y1:x2,y2")
	}
	a, err := parseCoord(parts[0])
	if err != nil {
		return min, max, err
	}
	b, err := parseCoord(parts[1])
	if err != nil {
		return min, max, err
	}
	min = grid.C(min32(a.X, b.X), min32(a.Y, b.Y))
	max = grid.C(max32(a.X, b.X), max32(a.Y, b.Y))
	return min, max, nil
}

func parseCoord(s string) (grid.Coord, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return grid.Coord{}, fmt.Errorf("expected x,y")
	}
	var v [2]int32
	for i := range v {
		n, err := strconv.ParseInt(strings.TrimSpace(parts[i]), 10, 32)
		if err != nil {
			return grid.Coord{}, err
		}
		v[i] = int32(n)
	}
	return grid.C(v[0], v[1]), nil
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
