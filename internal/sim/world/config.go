package world

import (
	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/sim/tuning"
)

type WorldConfig struct {
	ID         string
	TickRateHz int
	Seed       int64

	// Generation: fill [FillMin, FillMax] with FillBlock, minus seeded holes.
	FillMin      grid.Coord
	FillMax      grid.Coord
	FillBlock    grid.BlockID
	HolePermille int
	Bounds       grid.Bounds

	SendRejections   bool
	InflightTTLTicks int
	RenderWorkers    int

	// OutQueue is the per-client outbound buffer; a client that falls this far
	// behind is disconnected.
	OutQueue int
}

func ConfigFromTuning(id string, t tuning.Tuning) WorldConfig {
	min, max := t.World.FillRect()
	return WorldConfig{
		ID:               id,
		TickRateHz:       t.TickRateHz,
		Seed:             t.World.Seed,
		FillMin:          min,
		FillMax:          max,
		FillBlock:        grid.BlockID(t.World.FillBlock),
		HolePermille:     t.World.HolePermille,
		Bounds:           t.World.GridBounds(),
		SendRejections:   t.Authority.SendRejections,
		InflightTTLTicks: t.Authority.InflightTTLTicks,
		RenderWorkers:    t.Render.Workers,
	}
}
