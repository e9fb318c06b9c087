package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"

	"tilegrid.ai/internal/sim/world"
	"tilegrid.ai/internal/transport/ws"
)

type httpDeps struct {
	World   *world.World
	Index   runtimeIndex
	Limits  ws.Limits
	Logger  *log.Logger
	Admin   bool
	Pprof   bool
	WorldID string
}

func newMux(d httpDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, d.WorldID, d.World.Metrics(), d.Index)
	})

	if d.Admin {
		// Local-only admin endpoints (read-only).
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				WorldID       string             `json:"world_id"`
				Tick          uint64             `json:"tick"`
				CatalogDigest string             `json:"catalog_digest"`
				Metrics       world.WorldMetrics `json:"metrics"`
			}{
				WorldID:       d.WorldID,
				Tick:          d.World.CurrentTick(),
				CatalogDigest: d.World.CatalogDigest(),
				Metrics:       d.World.Metrics(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/history", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			if d.Index == nil {
				http.Error(rw, "index disabled", http.StatusServiceUnavailable)
				return
			}
			q := r.URL.Query()
			x, errX := strconv.ParseInt(q.Get("x"), 10, 32)
			y, errY := strconv.ParseInt(q.Get("y"), 10, 32)
			if errX != nil || errY != nil {
				http.Error(rw, "x and y are required integers", http.StatusBadRequest)
				return
			}
			limit, _ := strconv.Atoi(q.Get("limit"))
			entries, err := d.Index.History(r.Context(), int32(x), int32(y), limit)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			if entries == nil {
				entries = []world.AuditEntry{}
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{"x": x, "y": y, "entries": entries})
		})
	} else if d.Logger != nil {
		d.Logger.Printf("admin endpoints disabled (TG_ENABLE_ADMIN_HTTP=false)")
	}
	if d.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(d.World, d.Logger, d.Limits).Handler())
	return mux
}

// writeMetrics emits the minimal Prometheus exposition format.
func writeMetrics(rw io.Writer, worldID string, m world.WorldMetrics, idx runtimeIndex) {
	gauge := func(name, help string) {
		fmt.Fprintf(rw, "# HELP tilegrid_%s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE tilegrid_%s gauge\n", name)
	}
	counter := func(name, help string) {
		fmt.Fprintf(rw, "# HELP tilegrid_%s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE tilegrid_%s counter\n", name)
	}

	gauge("world_tick", "Current world tick.")
	fmt.Fprintf(rw, "tilegrid_world_tick{world=%q} %d\n", worldID, m.Tick)

	gauge("world_clients", "Current number of connected replicas.")
	fmt.Fprintf(rw, "tilegrid_world_clients{world=%q} %d\n", worldID, m.Clients)

	gauge("world_cells", "Occupied cell count.")
	fmt.Fprintf(rw, "tilegrid_world_cells{world=%q} %d\n", worldID, m.Cells)

	gauge("world_loaded_chunks", "Loaded chunk count.")
	fmt.Fprintf(rw, "tilegrid_world_loaded_chunks{world=%q} %d\n", worldID, m.LoadedChunks)

	gauge("world_queue_depth", "Channel backlog depth.")
	fmt.Fprintf(rw, "tilegrid_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "inbox", m.QueueDepths.Inbox)
	fmt.Fprintf(rw, "tilegrid_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "join", m.QueueDepths.Join)
	fmt.Fprintf(rw, "tilegrid_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "leave", m.QueueDepths.Leave)

	gauge("world_step_ms", "Last tick step duration in milliseconds.")
	fmt.Fprintf(rw, "tilegrid_world_step_ms{world=%q} %.3f\n", worldID, m.StepMS)

	counter("mutations_total", "Mutation requests by outcome.")
	fmt.Fprintf(rw, "tilegrid_mutations_total{world=%q,outcome=%q} %d\n", worldID, "submitted", m.Authority.Submitted)
	fmt.Fprintf(rw, "tilegrid_mutations_total{world=%q,outcome=%q} %d\n", worldID, "committed", m.Authority.Committed)
	fmt.Fprintf(rw, "tilegrid_mutations_total{world=%q,outcome=%q} %d\n", worldID, "rejected", m.Authority.Rejected)
	fmt.Fprintf(rw, "tilegrid_mutations_total{world=%q,outcome=%q} %d\n", worldID, "acked", m.Authority.Acked)
	fmt.Fprintf(rw, "tilegrid_mutations_total{world=%q,outcome=%q} %d\n", worldID, "expired", m.Authority.Expired)

	gauge("mutations_inflight", "Committed requests awaiting ACK.")
	fmt.Fprintf(rw, "tilegrid_mutations_inflight{world=%q} %d\n", worldID, m.Authority.Inflight)

	counter("desync_total", "Loopback replica digest mismatches.")
	fmt.Fprintf(rw, "tilegrid_desync_total{world=%q} %d\n", worldID, m.DesyncTotal)

	counter("kicked_total", "Replicas disconnected for a full outbound queue.")
	fmt.Fprintf(rw, "tilegrid_kicked_total{world=%q} %d\n", worldID, m.KickedTotal)

	counter("joins_refused_total", "Joins refused for a catalog mismatch.")
	fmt.Fprintf(rw, "tilegrid_joins_refused_total{world=%q} %d\n", worldID, m.JoinsRefused)

	if idx == nil {
		return
	}
	s := idx.Stats()
	gauge("index_queue_depth", "Index writer queue depth.")
	fmt.Fprintf(rw, "tilegrid_index_queue_depth{world=%q} %d\n", worldID, s.QueueDepth)
	counter("index_dropped_total", "Index writes dropped on a full queue.")
	fmt.Fprintf(rw, "tilegrid_index_dropped_total{world=%q,kind=%q} %d\n", worldID, "tick", s.DropTickTotal)
	fmt.Fprintf(rw, "tilegrid_index_dropped_total{world=%q,kind=%q} %d\n", worldID, "audit", s.DropAuditTotal)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
