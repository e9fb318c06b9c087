package catalogs

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tilegrid.ai/internal/autotile"
	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/mathx"
)

//go:embed blocks.schema.json
var blocksSchemaJSON []byte

// Catalog is the immutable table of block definitions, loaded once at startup.
type Catalog struct {
	Blocks map[grid.BlockID]*Block
	IDs    []grid.BlockID
	Digest string
}

type Block struct {
	ID       grid.BlockID
	Name     string
	Material string
	Patterns []autotile.Pattern
	Drops    []Drop
}

type Drop struct {
	Item   int     `json:"item"`
	Chance float64 `json:"chance"`
}

type blockJSON struct {
	ID       int           `json:"id"`
	Name     string        `json:"name"`
	Material string        `json:"material,omitempty"`
	Drops    []Drop        `json:"drops,omitempty"`
	Patterns []patternJSON `json:"patterns"`
}

type patternJSON struct {
	Neighbors map[string]string `json:"neighbors,omitempty"`
	CanRotate bool              `json:"can_rotate"`
	Meshes    map[string]string `json:"meshes,omitempty"`
	Front     string            `json:"front,omitempty"`
}

var faceIndex = map[string]int{"N": 0, "E": 1, "S": 2, "W": 3}

func Load(configDir string) (*Catalog, error) {
	path := filepath.Join(configDir, "blocks.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse validates raw against the block schema and builds the catalog.
func Parse(raw []byte) (*Catalog, error) {
	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("blocks.json: %w", err)
	}

	var defs []blockJSON
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("blocks.json: %w", err)
	}

	c := &Catalog{Blocks: map[grid.BlockID]*Block{}}
	for _, d := range defs {
		if d.ID <= 0 || d.ID > 0xFFFF {
			return nil, fmt.Errorf("blocks.json: id %d out of range", d.ID)
		}
		id := grid.BlockID(d.ID)
		if _, dup := c.Blocks[id]; dup {
			return nil, fmt.Errorf("blocks.json: duplicate id %d", d.ID)
		}
		b := &Block{ID: id, Name: d.Name, Material: d.Material, Drops: d.Drops}
		for i, pj := range d.Patterns {
			p, err := pj.pattern()
			if err != nil {
				return nil, fmt.Errorf("blocks.json: block %d pattern %d: %w", d.ID, i, err)
			}
			b.Patterns = append(b.Patterns, p)
		}
		c.Blocks[id] = b
		c.IDs = append(c.IDs, id)
	}
	sort.Slice(c.IDs, func(i, j int) bool { return c.IDs[i] < c.IDs[j] })

	sum := sha256.Sum256(raw)
	c.Digest = hex.EncodeToString(sum[:])
	return c, nil
}

func validate(raw []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("blocks.schema.json", bytes.NewReader(blocksSchemaJSON)); err != nil {
		return err
	}
	schema, err := compiler.Compile("blocks.schema.json")
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func (pj patternJSON) pattern() (autotile.Pattern, error) {
	var cons [grid.DirCount]autotile.Constraint
	for name, v := range pj.Neighbors {
		d, ok := grid.ParseDir(strings.ToUpper(name))
		if !ok {
			return autotile.Pattern{}, fmt.Errorf("bad direction %q", name)
		}
		c, err := autotile.ParseConstraint(v)
		if err != nil {
			return autotile.Pattern{}, err
		}
		cons[d] = c
	}
	var meshes [autotile.FaceCount]string
	for name, m := range pj.Meshes {
		i, ok := faceIndex[strings.ToUpper(name)]
		if !ok {
			return autotile.Pattern{}, fmt.Errorf("bad face %q", name)
		}
		meshes[i] = m
	}
	return autotile.NewPattern(cons, pj.CanRotate, meshes, pj.Front), nil
}

func (c *Catalog) Lookup(id grid.BlockID) (*Block, bool) {
	if c == nil {
		return nil, false
	}
	b, ok := c.Blocks[id]
	return b, ok
}

// Match runs the autotile matcher for one block type.
func (b *Block) Match(mask uint8) (autotile.Result, bool) {
	return autotile.Match(mask, b.Patterns)
}

// RollDrops decides item drops for mining this block at c. The roll is a pure
// function of (seed, c, seq) so every process computes the same drops.
func (b *Block) RollDrops(seed int64, c grid.Coord, seq uint64) []int {
	var out []int
	for i, d := range b.Drops {
		u := mathx.Unit(mathx.Hash3(seed, c.X, c.Y, seq*31+uint64(i)))
		if u < d.Chance {
			out = append(out, d.Item)
		}
	}
	return out
}
