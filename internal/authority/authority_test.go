package authority

import (
	"bytes"
	"errors"
	"log"
	"math"
	"strings"
	"testing"

	"tilegrid.ai/internal/catalogs"
	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/protocol"
	"tilegrid.ai/internal/render"
)

const testBlocks = `[
  {"id":1,"name":"STONE","drops":[{"item":100,"chance":1}],"patterns":[
    {"neighbors":{"N":"PRESENT"},"can_rotate":false,"meshes":{"N":"faceN"}}
  ]},
  {"id":2,"name":"DIRT","patterns":[]}
]`

func testCatalog(t *testing.T) *catalogs.Catalog {
	t.Helper()
	cat, err := catalogs.Parse([]byte(testBlocks))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cat
}

type recordingOut struct {
	commits    []Commit
	rejections []Rejection
}

func (o *recordingOut) Committed(c Commit)   { o.commits = append(o.commits, c) }
func (o *recordingOut) Rejected(r Rejection) { o.rejections = append(o.rejections, r) }

func newTestAuthority(t *testing.T, opts Options) (*Authority, *recordingOut) {
	t.Helper()
	out := &recordingOut{}
	if opts.Catalog == nil {
		opts.Catalog = testCatalog(t)
	}
	if opts.Store == nil {
		opts.Store = grid.NewStore(grid.Bounds{}, nil)
	}
	if opts.Tracker == nil {
		opts.Tracker = render.NewDirtyTracker(opts.Store, opts.Catalog, nil, 1, nil)
	}
	opts.Out = out
	return New(opts), out
}

func add(x, y int32, b grid.BlockID) Request {
	return Request{Mutation: Mutation{Coord: grid.C(x, y), Kind: Add, Block: b}}
}

func remove(x, y int32) Request {
	return Request{Mutation: Mutation{Coord: grid.C(x, y), Kind: Remove}}
}

func TestAuthority_Validation(t *testing.T) {
	deny := PolicyFunc(func(origin string, m Mutation) error {
		if origin == "guest" {
			return errors.New("guests cannot build")
		}
		return nil
	})
	a, out := newTestAuthority(t, Options{
		Store:  grid.NewStore(grid.NewBounds(grid.C(-10, -10), grid.C(10, 10)), nil),
		Policy: deny,
	})
	a.Submit(add(0, 0, 1))
	a.Step(1)
	if len(out.commits) != 1 {
		t.Fatalf("commits=%d want 1", len(out.commits))
	}

	guest := add(1, 1, 1)
	guest.Origin = "guest"
	cases := []struct {
		req  Request
		err  error
		code string
	}{
		{remove(5, 5), ErrNotFound, protocol.ErrNotFound},
		{add(0, 0, 2), ErrOccupied, protocol.ErrInvalidTarget},
		{add(2, 2, 99), ErrUnknownBlock, protocol.ErrBadRequest},
		{add(2, 2, 0), ErrBadRequest, protocol.ErrBadRequest},
		{add(11, 0, 1), ErrOutOfBounds, protocol.ErrInvalidTarget},
		{Request{Mutation: Mutation{Coord: grid.C(3, 3)}}, ErrBadRequest, protocol.ErrBadRequest},
		{guest, ErrUnauthorized, protocol.ErrNoPermission},
	}
	for i, c := range cases {
		a.Submit(c.req)
		a.Step(uint64(2 + i))
		if len(out.rejections) != i+1 {
			t.Fatalf("case %d: rejections=%d", i, len(out.rejections))
		}
		r := out.rejections[i]
		if !errors.Is(r.Err, c.err) || r.Code() != c.code {
			t.Fatalf("case %d: err=%v code=%s want %v/%s", i, r.Err, r.Code(), c.err, c.code)
		}
	}
	if len(out.commits) != 1 || a.Store().Len() != 1 {
		t.Fatalf("rejected requests must not mutate: commits=%d len=%d", len(out.commits), a.Store().Len())
	}
}

func TestAuthority_RefusesEdgeCoordinates(t *testing.T) {
	a, out := newTestAuthority(t, Options{})
	a.Submit(add(math.MaxInt32, 0, 1))
	a.Submit(add(0, math.MinInt32, 1))
	a.Submit(add(math.MaxInt32-1, math.MinInt32+1, 1))
	a.Step(1)

	if len(out.rejections) != 2 || len(out.commits) != 1 {
		t.Fatalf("rejections=%d commits=%d", len(out.rejections), len(out.commits))
	}
	for _, r := range out.rejections {
		if !errors.Is(r.Err, ErrOutOfBounds) {
			t.Fatalf("err=%v", r.Err)
		}
	}
	// The commit's neighborhood stays on this side of the int32 edge.
	if a.Store().CellIsPresent(grid.C(math.MaxInt32, 0)) || a.Store().Len() != 1 {
		t.Fatalf("edge cell stored; len=%d", a.Store().Len())
	}
}

func TestAuthority_FirstWinsPerTick(t *testing.T) {
	a, out := newTestAuthority(t, Options{})
	a.Submit(add(0, 0, 1))
	a.Step(1)

	a.Submit(remove(0, 0))
	a.Submit(remove(0, 0))
	a.Submit(add(0, 0, 2)) // valid on its own after the remove, but the coordinate is taken
	a.Submit(add(1, 0, 2))
	commits := a.Step(2)
	if len(commits) != 2 {
		t.Fatalf("commits=%+v", commits)
	}
	if len(out.rejections) != 2 {
		t.Fatalf("rejections=%d want 2", len(out.rejections))
	}
	for _, r := range out.rejections {
		if !errors.Is(r.Err, ErrConflict) {
			t.Fatalf("want conflict, got %v", r.Err)
		}
	}

	// A new window accepts the coordinate again.
	a.Submit(add(0, 0, 2))
	if got := a.Step(3); len(got) != 1 {
		t.Fatalf("next tick: %+v", got)
	}
}

func TestAuthority_RejectionIsSilentByDefault(t *testing.T) {
	var buf bytes.Buffer
	a, out := newTestAuthority(t, Options{Logger: log.New(&buf, "", 0)})
	a.Submit(remove(0, 0))
	a.Step(1)
	if len(out.rejections) != 1 || out.rejections[0].Notify {
		t.Fatalf("rejections=%+v", out.rejections)
	}
	if !strings.Contains(buf.String(), "fire-and-forget with no negative acknowledgment") {
		t.Fatalf("log=%q", buf.String())
	}

	a2, out2 := newTestAuthority(t, Options{SendRejections: true})
	a2.Submit(remove(0, 0))
	a2.Step(1)
	if len(out2.rejections) != 1 || !out2.rejections[0].Notify {
		t.Fatalf("rejections=%+v", out2.rejections)
	}
	msg := RejectedMsg(out2.rejections[0])
	if msg.Code != protocol.ErrNotFound || msg.Type != protocol.TypeRejected {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestAuthority_SeqPerCoordinate(t *testing.T) {
	a, _ := newTestAuthority(t, Options{})
	for tick := uint64(1); tick <= 4; tick++ {
		if tick%2 == 1 {
			a.Submit(add(0, 0, 1))
		} else {
			a.Submit(remove(0, 0))
		}
		a.Submit(add(int32(tick), 5, 1))
		a.Step(tick)
	}
	if got := a.Seq(grid.C(0, 0)); got != 4 {
		t.Fatalf("seq=%d want 4", got)
	}
	if got := a.Seq(grid.C(1, 5)); got != 1 {
		t.Fatalf("seq=%d want 1", got)
	}
	if got := a.Seq(grid.C(9, 9)); got != 0 {
		t.Fatalf("untouched seq=%d", got)
	}
}

func TestAuthority_RemoveRollsDrops(t *testing.T) {
	a, _ := newTestAuthority(t, Options{Seed: 7})
	a.Submit(add(0, 0, 1))
	a.Step(1)
	a.Submit(remove(0, 0))
	commits := a.Step(2)
	if len(commits) != 1 {
		t.Fatalf("commits=%+v", commits)
	}
	c := commits[0]
	if c.Block != 1 || len(c.Drops) != 1 || c.Drops[0] != 100 {
		t.Fatalf("commit=%+v", c)
	}
}

func TestAuthority_AckLifecycle(t *testing.T) {
	a, _ := newTestAuthority(t, Options{InflightTTL: 5})
	r := add(0, 0, 1)
	r.Origin, r.ReqID, r.WantAck = "S1", "R1", true
	a.Submit(r)
	commits := a.Step(1)
	if a.Stats().Inflight != 1 {
		t.Fatalf("inflight=%d", a.Stats().Inflight)
	}
	if !a.HandleAck("S1", "R1", commits[0].Seq) {
		t.Fatalf("ack not matched")
	}
	if a.HandleAck("S1", "R1", commits[0].Seq) {
		t.Fatalf("second ack must not match")
	}

	// Duplicate req id while in flight is refused.
	r2 := add(1, 0, 1)
	r2.Origin, r2.ReqID, r2.WantAck = "S1", "R2", true
	a.Submit(r2)
	a.Step(2)
	dup := add(2, 0, 1)
	dup.Origin, dup.ReqID = "S1", "R2"
	a.Submit(dup)
	a.Step(3)
	if a.Store().CellIsPresent(grid.C(2, 0)) {
		t.Fatalf("duplicate req id was applied")
	}

	a.Step(7)
	st := a.Stats()
	if st.Expired != 1 || st.Inflight != 0 || st.Acked != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestAuthority_ForgetDropsSession(t *testing.T) {
	a, _ := newTestAuthority(t, Options{})
	r := add(0, 0, 1)
	r.Origin, r.ReqID, r.WantAck = "S1", "R1", true
	a.Submit(r)
	a.Step(1)
	a.Forget("S1")
	if a.Stats().Inflight != 0 {
		t.Fatalf("inflight=%d", a.Stats().Inflight)
	}
}

func TestAuthority_Generate(t *testing.T) {
	a, out := newTestAuthority(t, Options{Seed: 3})
	n := a.Generate(grid.C(-4, -4), grid.C(4, 4), 1, 0)
	if n != 81 || a.Store().Len() != 81 {
		t.Fatalf("n=%d len=%d", n, a.Store().Len())
	}
	if len(out.commits) != 0 {
		t.Fatalf("generation must not broadcast")
	}

	b1, _ := newTestAuthority(t, Options{Seed: 3})
	b2, _ := newTestAuthority(t, Options{Seed: 3})
	n1 := b1.Generate(grid.C(0, 0), grid.C(31, 31), 1, 250)
	n2 := b2.Generate(grid.C(0, 0), grid.C(31, 31), 1, 250)
	if n1 != n2 || b1.Store().Digest() != b2.Store().Digest() {
		t.Fatalf("generation not deterministic")
	}
	if n1 == 0 || n1 == 32*32 {
		t.Fatalf("holes not applied: n=%d", n1)
	}
}

func TestTransition(t *testing.T) {
	valid := []struct {
		from State
		ev   Event
		to   State
	}{
		{StateNone, EventSubmit, Requested},
		{Requested, EventCommit, Committed},
		{Requested, EventDrop, Dropped},
		{Requested, EventExpire, Expired},
		{Committed, EventAck, Acknowledged},
		{Committed, EventExpire, Expired},
	}
	for _, v := range valid {
		got, ok := Transition(v.from, v.ev)
		if !ok || got != v.to {
			t.Fatalf("%s+%s = %s,%v want %s", v.from, v.ev, got, ok, v.to)
		}
	}
	invalid := []struct {
		from State
		ev   Event
	}{
		{StateNone, EventAck},
		{Requested, EventAck},
		{Committed, EventCommit},
		{Acknowledged, EventAck},
		{Dropped, EventCommit},
		{Expired, EventAck},
	}
	for _, v := range invalid {
		got, ok := Transition(v.from, v.ev)
		if ok || got != v.from {
			t.Fatalf("%s+%s should be invalid, got %s", v.from, v.ev, got)
		}
	}
}
