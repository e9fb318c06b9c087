package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tilegrid.ai/internal/grid"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`
	TickRateHz      int    `yaml:"tick_rate_hz"`

	World     World     `yaml:"world"`
	Authority Authority `yaml:"authority"`
	Render    Render    `yaml:"render"`
}

type World struct {
	Seed         int64      `yaml:"seed"`
	FillMin      [2]int32   `yaml:"fill_min"`
	FillMax      [2]int32   `yaml:"fill_max"`
	FillBlock    uint16     `yaml:"fill_block"`
	HolePermille int        `yaml:"hole_permille"`
	Bounds       *BoundsCfg `yaml:"bounds,omitempty"`
}

type BoundsCfg struct {
	Min [2]int32 `yaml:"min"`
	Max [2]int32 `yaml:"max"`
}

type Authority struct {
	SendRejections    bool    `yaml:"send_rejections"`
	InflightTTLTicks  int     `yaml:"inflight_ttl_ticks"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type Render struct {
	Workers int `yaml:"workers"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		TickRateHz:      10,
		World: World{
			Seed:         1337,
			FillMin:      [2]int32{-32, -32},
			FillMax:      [2]int32{31, 31},
			FillBlock:    1,
			HolePermille: 0,
		},
		Authority: Authority{
			SendRejections:    false,
			InflightTTLTicks:  100,
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Render: Render{Workers: 4},
	}
}

// Load reads path over Defaults(); keys missing from the file keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		return fmt.Errorf("tick_rate_hz out of range: %d", t.TickRateHz)
	}
	if t.World.FillBlock == 0 {
		return fmt.Errorf("world.fill_block must not be 0")
	}
	if t.World.HolePermille < 0 || t.World.HolePermille > 1000 {
		return fmt.Errorf("world.hole_permille out of range: %d", t.World.HolePermille)
	}
	if t.World.FillMin[0] > t.World.FillMax[0] || t.World.FillMin[1] > t.World.FillMax[1] {
		return fmt.Errorf("world.fill_min must not exceed world.fill_max")
	}
	// Keeps the inclusive generation loop from wrapping.
	if t.World.FillMax[0] == 1<<31-1 || t.World.FillMax[1] == 1<<31-1 {
		return fmt.Errorf("world.fill_max too large")
	}
	if t.Authority.InflightTTLTicks <= 0 {
		return fmt.Errorf("authority.inflight_ttl_ticks must be positive")
	}
	if t.Authority.RequestsPerSecond < 0 || t.Authority.Burst < 0 {
		return fmt.Errorf("authority rate limits must not be negative")
	}
	if t.Render.Workers <= 0 {
		return fmt.Errorf("render.workers must be positive")
	}
	return nil
}

func (w World) FillRect() (grid.Coord, grid.Coord) {
	return grid.C(w.FillMin[0], w.FillMin[1]), grid.C(w.FillMax[0], w.FillMax[1])
}

// GridBounds returns the clamp rectangle, or unbounded when none is configured.
func (w World) GridBounds() grid.Bounds {
	if w.Bounds == nil {
		return grid.Bounds{}
	}
	return grid.NewBounds(grid.C(w.Bounds.Min[0], w.Bounds.Min[1]), grid.C(w.Bounds.Max[0], w.Bounds.Max[1]))
}
