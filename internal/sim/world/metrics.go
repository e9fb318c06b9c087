package world

import "tilegrid.ai/internal/authority"

// WorldMetrics is a read-only view of runtime signals. It is published by the
// world loop after every tick and read from HTTP handlers and tests.
type WorldMetrics struct {
	Tick uint64 `json:"tick"`

	Clients      int    `json:"clients"`
	Cells        int    `json:"cells"`
	LoadedChunks int    `json:"loaded_chunks"`
	Digest       string `json:"digest"`

	QueueDepths QueueDepths `json:"queue_depths"`

	StepMS float64 `json:"step_ms"`

	Authority authority.Stats        `json:"authority"`
	Loopback  authority.ReplicaStats `json:"loopback"`

	DesyncTotal  uint64 `json:"desync_total"`
	KickedTotal  uint64 `json:"kicked_total"`
	JoinsRefused uint64 `json:"joins_refused"`
}

type QueueDepths struct {
	Inbox int `json:"inbox"`
	Join  int `json:"join"`
	Leave int `json:"leave"`
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	m := w.metrics.Load()
	if m == nil {
		return WorldMetrics{}
	}
	return *m
}

func (w *World) publishMetrics(stepMS float64) {
	m := WorldMetrics{
		Tick:         w.tick.Load(),
		Clients:      len(w.clients),
		Cells:        w.store.Len(),
		LoadedChunks: len(w.store.ChunkKeys()),
		Digest:       w.store.Digest(),
		QueueDepths: QueueDepths{
			Inbox: len(w.inbox),
			Join:  len(w.join),
			Leave: len(w.leave),
		},
		StepMS:       stepMS,
		Authority:    w.auth.Stats(),
		Loopback:     w.loopback.Stats(),
		DesyncTotal:  w.desyncTotal,
		KickedTotal:  w.kickedTotal,
		JoinsRefused: w.joinsRefused,
	}
	w.metrics.Store(&m)
}
