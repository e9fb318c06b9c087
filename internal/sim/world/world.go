package world

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tilegrid.ai/internal/authority"
	"tilegrid.ai/internal/catalogs"
	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/protocol"
	"tilegrid.ai/internal/render"
)

// JoinRequest asks the world loop to admit a replica. Replay pins SessionID
// and leaves Out and Resp nil.
type JoinRequest struct {
	SessionID     string
	Name          string
	CatalogDigest string
	Ack           bool
	Out           chan []byte
	Resp          chan JoinResponse
}

// JoinResponse carries WELCOME and SYNC, or a refusal code.
type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	Sync    protocol.SyncMsg
	Code    string
	Message string
}

// Envelope is one inbound client message: a mutation request or an ACK.
type Envelope struct {
	SessionID string
	Request   *protocol.RequestMutationMsg
	Ack       *protocol.AckMsg
}

type RecordedJoin struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Ack       bool   `json:"ack,omitempty"`
}

type RecordedRequest struct {
	SessionID string                      `json:"session_id"`
	Req       protocol.RequestMutationMsg `json:"req"`
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type TickLogEntry struct {
	Tick     uint64            `json:"tick"`
	Joins    []RecordedJoin    `json:"joins,omitempty"`
	Leaves   []string          `json:"leaves,omitempty"`
	Requests []RecordedRequest `json:"requests,omitempty"`
	Commits  int               `json:"commits"`
	Rejects  int               `json:"rejects"`
	Digest   string            `json:"digest"`
}

// AuditEntry is one committed or refused mutation.
type AuditEntry struct {
	Tick   uint64   `json:"tick"`
	Actor  string   `json:"actor"`
	Action string   `json:"action"` // ADD, REMOVE or REJECT
	Pos    [2]int32 `json:"pos"`
	From   uint16   `json:"from"`
	To     uint16   `json:"to"`
	Seq    uint64   `json:"seq,omitempty"`
	ReqID  string   `json:"req_id,omitempty"`
	Drops  []int    `json:"drops,omitempty"`
	Code   string   `json:"code,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

type clientState struct {
	Name string
	Out  chan []byte
	Ack  bool
}

// World is the authoritative grid process. All state is owned by the world
// loop goroutine; other goroutines talk to it through channels.
type World struct {
	cfg WorldConfig
	cat *catalogs.Catalog
	log *log.Logger

	tick atomic.Uint64

	store *grid.Store
	auth  *authority.Authority

	// loopback is the server's own replica, fed by the same broadcast.
	// loopStore is its grid; only the replica writes to it.
	loopback  *authority.Replica
	loopStore *grid.Store

	clients map[string]*clientState

	inbox chan Envelope
	join  chan JoinRequest
	leave chan string
	stop  chan struct{}

	// Filled by the authority during a step; drained by broadcast.
	commits    []authority.Commit
	rejections []authority.Rejection

	tickLogger  TickLogger
	auditLogger AuditLogger

	desyncTotal  uint64
	kickedTotal  uint64
	joinsRefused uint64

	metrics atomic.Pointer[WorldMetrics]
}

func New(cfg WorldConfig, cat *catalogs.Catalog, logger *log.Logger) (*World, error) {
	if cfg.TickRateHz <= 0 {
		return nil, fmt.Errorf("tick rate must be positive")
	}
	if cfg.OutQueue <= 0 {
		cfg.OutQueue = 256
	}
	if _, ok := cat.Lookup(cfg.FillBlock); !ok && cfg.FillBlock != grid.Empty {
		return nil, fmt.Errorf("fill block %d not in catalog", cfg.FillBlock)
	}

	w := &World{
		cfg:     cfg,
		cat:     cat,
		log:     logger,
		clients: map[string]*clientState{},
		inbox:   make(chan Envelope, 1024),
		join:    make(chan JoinRequest, 64),
		leave:   make(chan string, 64),
		stop:    make(chan struct{}),
	}

	w.store = grid.NewStore(cfg.Bounds, logger)
	w.auth = authority.New(authority.Options{
		Store:          w.store,
		Tracker:        render.NewDirtyTracker(w.store, cat, nil, cfg.RenderWorkers, logger),
		Catalog:        cat,
		Policy:         authority.AllowAll{},
		Out:            w,
		Logger:         logger,
		Seed:           cfg.Seed,
		SendRejections: cfg.SendRejections,
		InflightTTL:    uint64(cfg.InflightTTLTicks),
	})
	if cfg.FillBlock != grid.Empty {
		n := w.auth.Generate(cfg.FillMin, cfg.FillMax, cfg.FillBlock, cfg.HolePermille)
		w.logf("generated %d cells in %s..%s", n, cfg.FillMin, cfg.FillMax)
	}

	w.loopStore = grid.NewStore(cfg.Bounds, nil)
	w.loopback = authority.NewReplica(authority.ReplicaOptions{
		Store:   w.loopStore,
		Tracker: render.NewDirtyTracker(w.loopStore, cat, nil, 1, nil),
		Catalog: cat,
		Logger:  logger,
	})
	w.loopback.SetSession("loopback")
	if err := w.loopback.LoadSync(w.auth.Snapshot()); err != nil {
		return nil, fmt.Errorf("loopback sync: %w", err)
	}
	w.publishMetrics(0)
	return w, nil
}

func (w *World) logf(format string, args ...any) {
	if w.log != nil {
		w.log.Printf(format, args...)
	}
}

func (w *World) SetTickLogger(l TickLogger)   { w.tickLogger = l }
func (w *World) SetAuditLogger(l AuditLogger) { w.auditLogger = l }

// SetPolicy replaces the permission hook. Call before Run.
func (w *World) SetPolicy(p authority.Policy) { w.auth.SetPolicy(p) }

func (w *World) ID() string { return w.cfg.ID }

func (w *World) Config() WorldConfig { return w.cfg }

func (w *World) CatalogDigest() string { return w.cat.Digest }

func (w *World) Inbox() chan<- Envelope    { return w.inbox }
func (w *World) Join() chan<- JoinRequest { return w.join }
func (w *World) Leave() chan<- string     { return w.leave }

func (w *World) CurrentTick() uint64 { return w.tick.Load() }

func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingEnvs []Envelope
	var pendingJoins []JoinRequest
	var pendingLeaves []string

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.join:
			pendingJoins = append(pendingJoins, req)
		case id := <-w.leave:
			pendingLeaves = append(pendingLeaves, id)
		case env := <-w.inbox:
			pendingEnvs = append(pendingEnvs, env)
		case <-ticker.C:
			w.step(pendingJoins, pendingLeaves, pendingEnvs)
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingEnvs = pendingEnvs[:0]
		}
	}
}

func (w *World) Stop() { close(w.stop) }

// StepOnce advances the world by one tick with the same ordering as Run.
// It is intended for deterministic tests.
func (w *World) StepOnce(joins []JoinRequest, leaves []string, envs []Envelope) (tick uint64, digest string) {
	w.step(joins, leaves, envs)
	return w.tick.Load(), w.store.Digest()
}

// step order: leaves, inbound requests and ACKs in receipt order, authority
// step, broadcast and loopback check, then joins (so SYNC includes this tick).
func (w *World) step(joins []JoinRequest, leaves []string, envs []Envelope) {
	start := time.Now()
	tick := w.tick.Add(1)

	entry := TickLogEntry{Tick: tick}

	for _, id := range leaves {
		if _, ok := w.clients[id]; !ok {
			continue
		}
		delete(w.clients, id)
		w.auth.Forget(id)
		entry.Leaves = append(entry.Leaves, id)
		w.logf("session %s left", id)
	}

	for _, env := range envs {
		cl, ok := w.clients[env.SessionID]
		if !ok {
			continue
		}
		switch {
		case env.Request != nil:
			w.auth.Submit(authority.RequestFromMsg(env.SessionID, cl.Ack, *env.Request))
			entry.Requests = append(entry.Requests, RecordedRequest{SessionID: env.SessionID, Req: *env.Request})
		case env.Ack != nil:
			w.auth.HandleAck(env.SessionID, env.Ack.ReqID, env.Ack.Seq)
		}
	}

	w.auth.Step(tick)
	entry.Commits = len(w.commits)
	entry.Rejects = len(w.rejections)
	w.broadcast(tick)
	w.checkLoopback(tick)

	for _, req := range joins {
		rec, ok := w.handleJoin(req)
		if ok {
			entry.Joins = append(entry.Joins, rec)
		}
	}

	entry.Digest = w.store.Digest()
	if w.tickLogger != nil {
		if err := w.tickLogger.WriteTick(entry); err != nil {
			w.logf("warn: tick log: %v", err)
		}
	}
	w.publishMetrics(float64(time.Since(start).Microseconds()) / 1000)
}

// Committed and Rejected implement authority.Broadcaster; output is queued
// and flushed by broadcast at the end of the authority step.
func (w *World) Committed(c authority.Commit)    { w.commits = append(w.commits, c) }
func (w *World) Rejected(r authority.Rejection) { w.rejections = append(w.rejections, r) }

func (w *World) broadcast(tick uint64) {
	for _, c := range w.commits {
		b, err := json.Marshal(authority.CommittedMsg(c))
		if err != nil {
			w.logf("error: marshal commit: %v", err)
			continue
		}
		for _, id := range w.sessionIDs() {
			w.send(id, b)
		}
		w.loopback.HandleCommitted(c)
		w.audit(c)
	}
	for _, r := range w.rejections {
		w.auditReject(r)
		if !r.Notify {
			continue
		}
		if _, ok := w.clients[r.Origin]; !ok {
			continue
		}
		b, err := json.Marshal(authority.RejectedMsg(r))
		if err != nil {
			continue
		}
		w.send(r.Origin, b)
	}
	w.commits = w.commits[:0]
	w.rejections = w.rejections[:0]
}

// send queues b for one client. A client whose buffer is full has fallen
// too far behind to stay convergent and is disconnected.
func (w *World) send(id string, b []byte) {
	cl := w.clients[id]
	if cl == nil || cl.Out == nil {
		return
	}
	select {
	case cl.Out <- b:
	default:
		w.logf("warn: session %s outbound queue full; disconnecting", id)
		close(cl.Out)
		delete(w.clients, id)
		w.auth.Forget(id)
		w.kickedTotal++
	}
}

func (w *World) sessionIDs() []string {
	ids := make([]string, 0, len(w.clients))
	for id := range w.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (w *World) checkLoopback(tick uint64) {
	w.loopback.Step()
	want := w.store.Digest()
	if got := w.loopback.Digest(); got != want {
		w.desyncTotal++
		w.logf("warn: tick %d loopback digest %s != authority %s; resyncing", tick, got, want)
		if err := w.loopback.LoadSync(w.auth.Snapshot()); err != nil {
			w.logf("error: loopback resync: %v", err)
		}
	}
}

func (w *World) handleJoin(req JoinRequest) (RecordedJoin, bool) {
	if req.CatalogDigest != "" && req.CatalogDigest != w.cat.Digest {
		w.joinsRefused++
		if req.Resp != nil {
			req.Resp <- JoinResponse{
				Code:    protocol.ErrCatalogMismatch,
				Message: fmt.Sprintf("server catalog %s", w.cat.Digest),
			}
		}
		return RecordedJoin{}, false
	}
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	name := req.Name
	if name == "" {
		name = "replica"
	}
	w.clients[id] = &clientState{Name: name, Out: req.Out, Ack: req.Ack}
	w.logf("session %s joined (%s)", id, name)
	rec := RecordedJoin{SessionID: id, Name: name, Ack: req.Ack}
	if req.Resp == nil {
		return rec, true
	}

	req.Resp <- JoinResponse{
		Welcome: protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SessionID:       id,
			TickRateHz:      w.cfg.TickRateHz,
			ChunkSize:       grid.ChunkSize,
			CatalogDigest:   w.cat.Digest,
			Tick:            w.tick.Load(),
		},
		Sync: authority.SyncMsg(w.auth.Snapshot()),
	}
	return rec, true
}

func (w *World) audit(c authority.Commit) {
	if w.auditLogger == nil {
		return
	}
	e := AuditEntry{
		Tick:   c.Tick,
		Actor:  c.Origin,
		Action: c.Kind.String(),
		Pos:    [2]int32{c.Coord.X, c.Coord.Y},
		Seq:    c.Seq,
		ReqID:  c.ReqID,
		Drops:  c.Drops,
	}
	switch c.Kind {
	case authority.Add:
		e.To = uint16(c.Block)
	case authority.Remove:
		e.From = uint16(c.Block)
	}
	if err := w.auditLogger.WriteAudit(e); err != nil {
		w.logf("warn: audit log: %v", err)
	}
}

func (w *World) auditReject(r authority.Rejection) {
	if w.auditLogger == nil {
		return
	}
	e := AuditEntry{
		Tick:   r.Tick,
		Actor:  r.Origin,
		Action: "REJECT",
		Pos:    [2]int32{r.Coord.X, r.Coord.Y},
		To:     uint16(r.Block),
		ReqID:  r.ReqID,
		Code:   r.Code(),
	}
	if r.Err != nil {
		e.Reason = r.Err.Error()
	}
	if err := w.auditLogger.WriteAudit(e); err != nil {
		w.logf("warn: audit log: %v", err)
	}
}
