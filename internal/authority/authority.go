package authority

import (
	"fmt"
	"log"
	"sort"

	"tilegrid.ai/internal/catalogs"
	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/render"
)

// Broadcaster carries authority output to replicas. Committed goes to every
// replica including the local loopback; Rejected concerns only the requester
// and is delivered only when r.Notify is set.
type Broadcaster interface {
	Committed(c Commit)
	Rejected(r Rejection)
}

// Policy is the permission hook consulted for every request.
type Policy interface {
	Allow(origin string, m Mutation) error
}

type AllowAll struct{}

func (AllowAll) Allow(string, Mutation) error { return nil }

type PolicyFunc func(origin string, m Mutation) error

func (f PolicyFunc) Allow(origin string, m Mutation) error { return f(origin, m) }

type Options struct {
	Store   *grid.Store
	Tracker *render.DirtyTracker
	Catalog *catalogs.Catalog
	Policy  Policy
	Out     Broadcaster
	Logger  *log.Logger

	// Seed keys deterministic item drops.
	Seed int64
	// SendRejections enables explicit REJECTED replies.
	SendRejections bool
	// InflightTTL is how many ticks a committed request waits for ACK.
	InflightTTL uint64
}

type Stats struct {
	Submitted uint64 `json:"submitted"`
	Committed uint64 `json:"committed"`
	Rejected  uint64 `json:"rejected"`
	Acked     uint64 `json:"acked"`
	Expired   uint64 `json:"expired"`
	Inflight  int    `json:"inflight"`
}

// Authority is the single writer of the grid. It is driven by one goroutine:
// Submit queues requests and Step processes them in receipt order.
type Authority struct {
	store   *grid.Store
	tracker *render.DirtyTracker
	cat     *catalogs.Catalog
	policy  Policy
	out     Broadcaster
	log     *log.Logger

	seed           int64
	sendRejections bool
	ttl            uint64

	tick     uint64
	queue    []Request
	seqs     map[grid.Coord]uint64
	touched  map[grid.Coord]struct{}
	inflight map[inflightKey]*inflight
	stats    Stats
}

func New(opts Options) *Authority {
	if opts.Policy == nil {
		opts.Policy = AllowAll{}
	}
	if opts.InflightTTL == 0 {
		opts.InflightTTL = 100
	}
	return &Authority{
		store:          opts.Store,
		tracker:        opts.Tracker,
		cat:            opts.Catalog,
		policy:         opts.Policy,
		out:            opts.Out,
		log:            opts.Logger,
		seed:           opts.Seed,
		sendRejections: opts.SendRejections,
		ttl:            opts.InflightTTL,
		seqs:           map[grid.Coord]uint64{},
		touched:        map[grid.Coord]struct{}{},
		inflight:       map[inflightKey]*inflight{},
	}
}

func (a *Authority) logf(format string, args ...any) {
	if a.log != nil {
		a.log.Printf(format, args...)
	}
}

func (a *Authority) Store() *grid.Store { return a.store }

func (a *Authority) SetPolicy(p Policy) {
	if p == nil {
		p = AllowAll{}
	}
	a.policy = p
}

func (a *Authority) Tick() uint64 { return a.tick }

func (a *Authority) Stats() Stats {
	s := a.stats
	s.Inflight = len(a.inflight)
	return s
}

// Seq returns the last committed sequence number for c (0 if never mutated).
func (a *Authority) Seq(c grid.Coord) uint64 { return a.seqs[c] }

// SeqTable returns every per-coordinate sequence number, for SYNC.
func (a *Authority) SeqTable() map[grid.Coord]uint64 {
	out := make(map[grid.Coord]uint64, len(a.seqs))
	for c, s := range a.seqs {
		out[c] = s
	}
	return out
}

// Submit queues a request for the next Step. It never touches the grid.
func (a *Authority) Submit(req Request) {
	a.stats.Submitted++
	a.queue = append(a.queue, req)
}

// Step runs one tick window: every queued request is validated and applied in
// receipt order, the first valid request per coordinate wins, the dirty set is
// applied once, and unacknowledged commits past their TTL are expired.
// It returns the commits made this tick.
func (a *Authority) Step(tick uint64) []Commit {
	a.tick = tick
	clear(a.touched)

	queue := a.queue
	a.queue = nil

	var commits []Commit
	for _, req := range queue {
		if c, ok := a.process(req); ok {
			commits = append(commits, c)
		}
	}
	if a.tracker != nil {
		a.tracker.Apply()
	}
	a.expire()
	return commits
}

func (a *Authority) process(req Request) (Commit, bool) {
	key := inflightKey{origin: req.Origin, reqID: req.ReqID}
	tracked := req.ReqID != ""
	if tracked {
		if rec, dup := a.inflight[key]; dup {
			a.reject(req, fmt.Errorf("%w: req_id %q already %s", ErrBadRequest, req.ReqID, rec.state))
			return Commit{}, false
		}
		st, _ := Transition(StateNone, EventSubmit)
		a.inflight[key] = &inflight{state: st, since: a.tick}
	}

	if err := a.validate(req); err != nil {
		if tracked {
			delete(a.inflight, key)
		}
		a.reject(req, err)
		return Commit{}, false
	}

	c := a.apply(req)
	if tracked {
		rec := a.inflight[key]
		rec.state, _ = Transition(rec.state, EventCommit)
		rec.since = a.tick
		rec.seq = c.Seq
		if !req.WantAck {
			delete(a.inflight, key)
		}
	}
	a.stats.Committed++
	if a.out != nil {
		a.out.Committed(c)
	}
	return c, true
}

func (a *Authority) validate(req Request) error {
	m := req.Mutation
	if m.Kind != Add && m.Kind != Remove {
		return fmt.Errorf("%w: kind %d", ErrBadRequest, m.Kind)
	}
	if !a.store.Bounds().Contains(m.Coord) || !m.Coord.Interior() {
		return fmt.Errorf("%w: %s", ErrOutOfBounds, m.Coord)
	}
	if _, seen := a.touched[m.Coord]; seen {
		return fmt.Errorf("%w: %s", ErrConflict, m.Coord)
	}
	switch m.Kind {
	case Remove:
		if !a.store.CellIsPresent(m.Coord) {
			return fmt.Errorf("%w: %s", ErrNotFound, m.Coord)
		}
	case Add:
		if m.Block == grid.Empty {
			return fmt.Errorf("%w: add without block", ErrBadRequest)
		}
		if _, ok := a.cat.Lookup(m.Block); !ok {
			return fmt.Errorf("%w: %d", ErrUnknownBlock, m.Block)
		}
		if id, ok := a.store.TryGetCell(m.Coord); ok {
			return fmt.Errorf("%w: %s holds block %d", ErrOccupied, m.Coord, id)
		}
	}
	if err := a.policy.Allow(req.Origin, m); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

// apply mutates the grid for a validated request.
func (a *Authority) apply(req Request) Commit {
	m := req.Mutation
	seq := a.seqs[m.Coord] + 1
	a.seqs[m.Coord] = seq
	a.touched[m.Coord] = struct{}{}

	c := Commit{Mutation: m, Tick: a.tick, Seq: seq, Origin: req.Origin, ReqID: req.ReqID}

	var dirtied []grid.Coord
	switch m.Kind {
	case Remove:
		id, _ := a.store.TryGetCell(m.Coord)
		c.Block = id
		dirtied, _ = a.store.Remove(m.Coord)
		if b, ok := a.cat.Lookup(id); ok {
			c.Drops = b.RollDrops(a.seed, m.Coord, seq)
		}
	case Add:
		dirtied, _ = a.store.Add(m.Coord, m.Block)
	}
	if a.tracker != nil {
		a.tracker.MarkDirty(dirtied...)
	}
	return c
}

func (a *Authority) reject(req Request, err error) {
	a.stats.Rejected++
	if a.sendRejections {
		a.logf("reject %s from %q req=%s: %v", req.Mutation, req.Origin, req.ReqID, err)
	} else {
		a.logf("drop %s from %q req=%s: %v (fire-and-forget with no negative acknowledgment)", req.Mutation, req.Origin, req.ReqID, err)
	}
	if a.out != nil {
		a.out.Rejected(Rejection{Request: req, Tick: a.tick, Err: err, Notify: a.sendRejections})
	}
}

// HandleAck retires a committed request. It reports whether the ACK matched
// an in-flight record.
func (a *Authority) HandleAck(origin, reqID string, seq uint64) bool {
	key := inflightKey{origin: origin, reqID: reqID}
	rec, ok := a.inflight[key]
	if !ok {
		a.logf("warn: ack from %q for unknown req %s", origin, reqID)
		return false
	}
	next, ok := Transition(rec.state, EventAck)
	if !ok {
		a.logf("warn: ack from %q for req %s in state %s", origin, reqID, rec.state)
		return false
	}
	if seq != rec.seq {
		a.logf("warn: ack from %q for req %s seq=%d, committed seq=%d", origin, reqID, seq, rec.seq)
	}
	rec.state = next
	delete(a.inflight, key)
	a.stats.Acked++
	return true
}

// Forget drops every in-flight record of a session, e.g. on disconnect.
func (a *Authority) Forget(origin string) {
	for k := range a.inflight {
		if k.origin == origin {
			delete(a.inflight, k)
		}
	}
}

func (a *Authority) expire() {
	var expired []inflightKey
	for k, rec := range a.inflight {
		if a.tick-rec.since < a.ttl {
			continue
		}
		if _, ok := Transition(rec.state, EventExpire); ok {
			expired = append(expired, k)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].origin != expired[j].origin {
			return expired[i].origin < expired[j].origin
		}
		return expired[i].reqID < expired[j].reqID
	})
	for _, k := range expired {
		a.logf("warn: req %s from %q expired without ack", k.reqID, k.origin)
		delete(a.inflight, k)
		a.stats.Expired++
	}
}

// Generate fills the rectangle [min, max] with block, skipping a seeded
// fraction of cells (holePermille of 1000). It writes the store directly and
// broadcasts nothing; replicas pick the result up via SYNC. It returns the
// number of cells placed.
func (a *Authority) Generate(min, max grid.Coord, block grid.BlockID, holePermille int) int {
	n := 0
	for y := min.Y; y <= max.Y; y++ {
		for x := min.X; x <= max.X; x++ {
			c := grid.C(x, y)
			if !a.store.Bounds().Contains(c) || !c.Interior() {
				continue
			}
			if holePermille > 0 && hole(a.seed, c, holePermille) {
				continue
			}
			dirtied, ok := a.store.Add(c, block)
			if !ok {
				continue
			}
			if a.tracker != nil {
				a.tracker.MarkDirty(dirtied...)
			}
			n++
		}
	}
	if a.tracker != nil {
		a.tracker.Apply()
	}
	return n
}
