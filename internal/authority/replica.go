package authority

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"

	"tilegrid.ai/internal/catalogs"
	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/render"
)

// ErrCatalogMismatch is returned by LoadSync when the authority runs a
// different block catalog.
var ErrCatalogMismatch = errors.New("catalog digest mismatch")

// Sender carries replica output to the authority.
type Sender interface {
	SendRequest(r Request) error
	SendAck(reqID string, seq uint64) error
}

type ReplicaOptions struct {
	Store   *grid.Store
	Tracker *render.DirtyTracker
	Catalog *catalogs.Catalog
	Out     Sender
	Logger  *log.Logger

	// Ack makes the replica answer its own commits with ACK.
	Ack bool
	// RequestTTL is how many ticks an own request may stay uncommitted
	// before it is presumed silently dropped.
	RequestTTL uint64
}

type ReplicaStats struct {
	Applied  uint64 `json:"applied"`
	Stale    uint64 `json:"stale"`
	Desync   uint64 `json:"desync"`
	Rejected uint64 `json:"rejected"`
	Expired  uint64 `json:"expired"`
	Pending  int    `json:"pending"`

	// Unauthorized counts direct writes refused by StoreView.
	Unauthorized uint64 `json:"unauthorized,omitempty"`
}

// Replica holds a local copy of the grid. Gameplay code never mutates its
// store directly: RequestMutation asks the authority, and the grid changes
// only when the matching Commit arrives.
type Replica struct {
	store   *grid.Store
	tracker *render.DirtyTracker
	cat     *catalogs.Catalog
	out     Sender
	log     *log.Logger

	ack bool
	ttl uint64

	session string
	tick    uint64
	nextReq uint64
	lastSeq map[grid.Coord]uint64
	pending map[string]*inflight
	stats   ReplicaStats
}

func NewReplica(opts ReplicaOptions) *Replica {
	if opts.RequestTTL == 0 {
		opts.RequestTTL = 100
	}
	return &Replica{
		store:   opts.Store,
		tracker: opts.Tracker,
		cat:     opts.Catalog,
		out:     opts.Out,
		log:     opts.Logger,
		ack:     opts.Ack,
		ttl:     opts.RequestTTL,
		lastSeq: map[grid.Coord]uint64{},
		pending: map[string]*inflight{},
	}
}

func (r *Replica) logf(format string, args ...any) {
	if r.log != nil {
		r.log.Printf(format, args...)
	}
}

// Store gives read access to the local grid. Writes through it are refused.
func (r *Replica) Store() StoreView { return StoreView{r: r} }

func (r *Replica) Digest() string { return r.store.Digest() }

func (r *Replica) Session() string { return r.session }

// SetSession records the id the authority assigned at WELCOME; commits with a
// matching origin are this replica's own.
func (r *Replica) SetSession(id string) { r.session = id }

func (r *Replica) Stats() ReplicaStats {
	s := r.stats
	s.Pending = len(r.pending)
	return s
}

// State reports the in-flight state of an own request.
func (r *Replica) State(reqID string) State {
	if rec, ok := r.pending[reqID]; ok {
		return rec.state
	}
	return StateNone
}

// RequestMutation sends m to the authority and returns its request id. The
// local grid is left untouched.
func (r *Replica) RequestMutation(m Mutation) (string, error) {
	if m.Kind != Add && m.Kind != Remove {
		return "", fmt.Errorf("%w: kind %d", ErrBadRequest, m.Kind)
	}
	if m.Kind == Add {
		if _, ok := r.cat.Lookup(m.Block); !ok {
			return "", fmt.Errorf("%w: %d", ErrUnknownBlock, m.Block)
		}
	}
	r.nextReq++
	reqID := "R" + strconv.FormatUint(r.nextReq, 10)
	st, _ := Transition(StateNone, EventSubmit)
	r.pending[reqID] = &inflight{state: st, since: r.tick}

	if r.out != nil {
		if err := r.out.SendRequest(Request{Mutation: m, ReqID: reqID, Origin: r.session, WantAck: r.ack}); err != nil {
			delete(r.pending, reqID)
			return "", err
		}
	}
	return reqID, nil
}

// HandleCommitted replays an authority commit on the local grid. Stale and
// duplicate commits (seq not newer than the last seen for the coordinate) are
// ignored; a commit that disagrees with local state is treated as a prior
// desync and triggers a full recompute of the neighborhood. It reports
// whether the commit was applied.
func (r *Replica) HandleCommitted(c Commit) bool {
	if last := r.lastSeq[c.Coord]; c.Seq <= last {
		r.stats.Stale++
		return false
	}
	r.lastSeq[c.Coord] = c.Seq

	switch c.Kind {
	case Remove:
		dirtied, ok := r.store.Remove(c.Coord)
		if ok {
			r.markDirty(dirtied)
		} else {
			r.desync(c, "cell already absent")
		}
	case Add:
		id, present := r.store.TryGetCell(c.Coord)
		switch {
		case !present:
			dirtied, _ := r.store.Add(c.Coord, c.Block)
			r.markDirty(dirtied)
		case id == c.Block:
			// Already reflects the change.
		default:
			r.store.Remove(c.Coord)
			r.store.Add(c.Coord, c.Block)
			r.desync(c, fmt.Sprintf("held block %d", id))
		}
	default:
		r.logf("warn: commit seq=%d at %s: unknown kind %d", c.Seq, c.Coord, c.Kind)
		return false
	}
	r.stats.Applied++

	if c.Origin != "" && c.Origin == r.session {
		r.settleOwn(c)
	}
	return true
}

func (r *Replica) desync(c Commit, detail string) {
	r.stats.Desync++
	r.logf("warn: desync at %s (%s seq=%d): %s; recomputing neighborhood", c.Coord, c.Kind, c.Seq, detail)
	r.markDirty(grid.Neighborhood(c.Coord))
}

func (r *Replica) markDirty(coords []grid.Coord) {
	if r.tracker != nil {
		r.tracker.MarkDirty(coords...)
	}
}

func (r *Replica) settleOwn(c Commit) {
	rec, ok := r.pending[c.ReqID]
	if !ok {
		return
	}
	next, ok := Transition(rec.state, EventCommit)
	if !ok {
		r.logf("warn: commit for req %s in state %s", c.ReqID, rec.state)
		delete(r.pending, c.ReqID)
		return
	}
	rec.state, rec.seq = next, c.Seq
	if !r.ack {
		delete(r.pending, c.ReqID)
		return
	}
	if r.out != nil {
		if err := r.out.SendAck(c.ReqID, c.Seq); err != nil {
			r.logf("warn: ack req %s: %v", c.ReqID, err)
		}
	}
	rec.state, _ = Transition(rec.state, EventAck)
	delete(r.pending, c.ReqID)
}

// HandleRejected settles an own request the authority refused.
func (r *Replica) HandleRejected(reqID, code, message string) {
	rec, ok := r.pending[reqID]
	if !ok {
		r.logf("warn: rejection for unknown req %s (%s)", reqID, code)
		return
	}
	if _, ok := Transition(rec.state, EventDrop); !ok {
		r.logf("warn: rejection for req %s in state %s", reqID, rec.state)
	}
	delete(r.pending, reqID)
	r.stats.Rejected++
	r.logf("req %s rejected: %s %s", reqID, code, message)
}

// LoadSync replaces the local grid with an authority snapshot.
func (r *Replica) LoadSync(s Snapshot) error {
	if r.cat != nil && s.CatalogDigest != "" && s.CatalogDigest != r.cat.Digest {
		return fmt.Errorf("%w: authority=%s local=%s", ErrCatalogMismatch, s.CatalogDigest, r.cat.Digest)
	}
	for _, c := range r.store.Clear() {
		r.markDirty(grid.Neighborhood(c))
	}
	for _, ch := range s.Chunks {
		changed, err := r.store.LoadChunk(ch.Key, ch.Cells)
		if err != nil {
			return err
		}
		for _, c := range changed {
			r.markDirty(grid.Neighborhood(c))
		}
	}
	clear(r.lastSeq)
	for c, seq := range s.Seqs {
		r.lastSeq[c] = seq
	}
	r.tick = s.Tick
	if s.Digest != "" && s.Digest != r.store.Digest() {
		return fmt.Errorf("sync digest mismatch: authority=%s local=%s", s.Digest, r.store.Digest())
	}
	return nil
}

// Step closes one replica tick: own requests that stayed uncommitted past the
// TTL are presumed dropped, then the dirty set is applied. It returns the
// number of render updates emitted.
func (r *Replica) Step() int {
	r.tick++
	var expired []string
	for id, rec := range r.pending {
		if r.tick-rec.since < r.ttl {
			continue
		}
		if _, ok := Transition(rec.state, EventExpire); ok {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		r.logf("warn: req %s expired without commit; authority dropped it or the link lost it", id)
		delete(r.pending, id)
		r.stats.Expired++
	}
	if r.tracker == nil {
		return 0
	}
	return r.tracker.Apply()
}
