package world

import (
	"encoding/json"
	"testing"

	"tilegrid.ai/internal/authority"
	"tilegrid.ai/internal/catalogs"
	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/protocol"
	"tilegrid.ai/internal/render"
)

const testBlocks = `[
  {"id":1,"name":"STONE","drops":[{"item":7,"chance":1}],"patterns":[
    {"neighbors":{"N":"PRESENT"},"can_rotate":true,"meshes":{"N":"faceN"}}
  ]}
]`

func newTestWorld(t *testing.T, mutate func(*WorldConfig)) (*World, *catalogs.Catalog) {
	t.Helper()
	cat, err := catalogs.Parse([]byte(testBlocks))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg := WorldConfig{
		ID:               "test",
		TickRateHz:       10,
		Seed:             42,
		FillMin:          grid.C(-4, -4),
		FillMax:          grid.C(4, 4),
		FillBlock:        1,
		InflightTTLTicks: 10,
		RenderWorkers:    2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := New(cfg, cat, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, cat
}

type testClient struct {
	id      string
	out     chan []byte
	replica *authority.Replica
}

func joinClient(t *testing.T, w *World, cat *catalogs.Catalog, ack bool, queue int) *testClient {
	t.Helper()
	out := make(chan []byte, queue)
	resp := make(chan JoinResponse, 1)
	w.StepOnce([]JoinRequest{{Name: "c", CatalogDigest: cat.Digest, Ack: ack, Out: out, Resp: resp}}, nil, nil)
	r := <-resp
	if r.Code != "" {
		t.Fatalf("join refused: %s %s", r.Code, r.Message)
	}
	if r.Welcome.SessionID == "" || r.Welcome.CatalogDigest != cat.Digest || r.Welcome.ChunkSize != grid.ChunkSize {
		t.Fatalf("welcome=%+v", r.Welcome)
	}
	snap, err := authority.SnapshotFromMsg(r.Sync)
	if err != nil {
		t.Fatalf("SnapshotFromMsg: %v", err)
	}
	store := grid.NewStore(grid.Bounds{}, nil)
	rep := authority.NewReplica(authority.ReplicaOptions{
		Store:   store,
		Tracker: render.NewDirtyTracker(store, cat, nil, 1, nil),
		Catalog: cat,
		Ack:     ack,
	})
	rep.SetSession(r.Welcome.SessionID)
	if err := rep.LoadSync(snap); err != nil {
		t.Fatalf("LoadSync: %v", err)
	}
	return &testClient{id: r.Welcome.SessionID, out: out, replica: rep}
}

// drain feeds every queued server message to the client replica.
func (c *testClient) drain(t *testing.T) (commits, rejects int) {
	t.Helper()
	for {
		select {
		case b, ok := <-c.out:
			if !ok {
				return
			}
			base, err := protocol.DecodeBase(b)
			if err != nil {
				t.Fatalf("DecodeBase: %v", err)
			}
			switch base.Type {
			case protocol.TypeCommitted:
				var m protocol.CommittedMsg
				if err := json.Unmarshal(b, &m); err != nil {
					t.Fatalf("unmarshal: %v", err)
				}
				cm, err := authority.CommitFromMsg(m)
				if err != nil {
					t.Fatalf("CommitFromMsg: %v", err)
				}
				c.replica.HandleCommitted(cm)
				commits++
			case protocol.TypeRejected:
				var m protocol.RejectedMsg
				if err := json.Unmarshal(b, &m); err != nil {
					t.Fatalf("unmarshal: %v", err)
				}
				c.replica.HandleRejected(m.ReqID, m.Code, m.Message)
				rejects++
			}
		default:
			c.replica.Step()
			return
		}
	}
}

func request(kind string, x, y int32, block uint16, reqID string) *protocol.RequestMutationMsg {
	return &protocol.RequestMutationMsg{
		Type:            protocol.TypeRequestMutation,
		ProtocolVersion: protocol.Version,
		ReqID:           reqID,
		Coord:           protocol.Coord{X: x, Y: y},
		Kind:            kind,
		Block:           block,
	}
}

func TestWorld_GeneratesAndSyncs(t *testing.T) {
	w, cat := newTestWorld(t, nil)
	if got := w.Metrics().Cells; got != 81 {
		t.Fatalf("cells=%d want 81", got)
	}
	c := joinClient(t, w, cat, false, 64)
	if c.replica.Digest() != w.Metrics().Digest {
		t.Fatalf("replica differs after join")
	}
}

func TestWorld_CommitsReachEveryClient(t *testing.T) {
	w, cat := newTestWorld(t, nil)
	a := joinClient(t, w, cat, false, 64)
	b := joinClient(t, w, cat, false, 64)

	envs := []Envelope{
		{SessionID: a.id, Request: request(protocol.KindRemove, 0, 0, 0, "R1")},
		{SessionID: b.id, Request: request(protocol.KindRemove, 0, 0, 0, "R1")}, // loses: first wins
		{SessionID: b.id, Request: request(protocol.KindAdd, 10, 10, 1, "R2")},
	}
	_, digest := w.StepOnce(nil, nil, envs)

	for _, c := range []*testClient{a, b} {
		commits, _ := c.drain(t)
		if commits != 2 {
			t.Fatalf("client %s got %d commits", c.id, commits)
		}
		if c.replica.Digest() != digest {
			t.Fatalf("client %s diverged", c.id)
		}
	}
	m := w.Metrics()
	if m.Authority.Committed != 2 || m.Authority.Rejected != 1 {
		t.Fatalf("authority stats=%+v", m.Authority)
	}
	if m.DesyncTotal != 0 || m.Loopback.Applied != 2 {
		t.Fatalf("loopback: desync=%d stats=%+v", m.DesyncTotal, m.Loopback)
	}
}

func TestWorld_RejectionsOnlyWhenEnabled(t *testing.T) {
	w, cat := newTestWorld(t, nil)
	c := joinClient(t, w, cat, false, 64)
	w.StepOnce(nil, nil, []Envelope{{SessionID: c.id, Request: request(protocol.KindRemove, 50, 50, 0, "R1")}})
	if _, rejects := c.drain(t); rejects != 0 {
		t.Fatalf("silent drop sent %d rejections", rejects)
	}

	w2, cat2 := newTestWorld(t, func(cfg *WorldConfig) { cfg.SendRejections = true })
	c2 := joinClient(t, w2, cat2, false, 64)
	id, err := c2.replica.RequestMutation(authority.Mutation{Coord: grid.C(50, 50), Kind: authority.Remove})
	if err != nil {
		t.Fatalf("RequestMutation: %v", err)
	}
	w2.StepOnce(nil, nil, []Envelope{{SessionID: c2.id, Request: request(protocol.KindRemove, 50, 50, 0, id)}})
	if _, rejects := c2.drain(t); rejects != 1 {
		t.Fatalf("rejects=%d want 1", rejects)
	}
	if c2.replica.Stats().Rejected != 1 || c2.replica.State(id) != authority.StateNone {
		t.Fatalf("replica stats=%+v", c2.replica.Stats())
	}
}

func TestWorld_AckRetiresInflight(t *testing.T) {
	w, cat := newTestWorld(t, nil)
	c := joinClient(t, w, cat, true, 64)
	w.StepOnce(nil, nil, []Envelope{{SessionID: c.id, Request: request(protocol.KindRemove, 1, 1, 0, "R1")}})
	if got := w.Metrics().Authority.Inflight; got != 1 {
		t.Fatalf("inflight=%d", got)
	}
	c.drain(t)
	w.StepOnce(nil, nil, []Envelope{{SessionID: c.id, Ack: &protocol.AckMsg{
		Type: protocol.TypeAck, ProtocolVersion: protocol.Version, ReqID: "R1", Seq: 1,
	}}})
	m := w.Metrics()
	if m.Authority.Inflight != 0 || m.Authority.Acked != 1 {
		t.Fatalf("stats=%+v", m.Authority)
	}
}

func TestWorld_CatalogMismatchRefused(t *testing.T) {
	w, _ := newTestWorld(t, nil)
	resp := make(chan JoinResponse, 1)
	w.StepOnce([]JoinRequest{{Name: "x", CatalogDigest: "nope", Out: make(chan []byte, 1), Resp: resp}}, nil, nil)
	r := <-resp
	if r.Code != protocol.ErrCatalogMismatch {
		t.Fatalf("code=%q", r.Code)
	}
	if w.Metrics().Clients != 0 || w.Metrics().JoinsRefused != 1 {
		t.Fatalf("metrics=%+v", w.Metrics())
	}
}

func TestWorld_SlowClientDisconnected(t *testing.T) {
	w, cat := newTestWorld(t, nil)
	c := joinClient(t, w, cat, false, 1)
	w.StepOnce(nil, nil, []Envelope{
		{SessionID: c.id, Request: request(protocol.KindRemove, 0, 0, 0, "R1")},
		{SessionID: c.id, Request: request(protocol.KindRemove, 1, 0, 0, "R2")},
	})
	<-c.out
	if _, ok := <-c.out; ok {
		t.Fatalf("out channel should be closed")
	}
	m := w.Metrics()
	if m.Clients != 0 || m.KickedTotal != 1 {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestWorld_LeaveAndUnknownSession(t *testing.T) {
	w, cat := newTestWorld(t, nil)
	c := joinClient(t, w, cat, false, 8)
	w.StepOnce(nil, []string{c.id, "ghost"}, []Envelope{{SessionID: "ghost", Request: request(protocol.KindRemove, 0, 0, 0, "R1")}})
	m := w.Metrics()
	if m.Clients != 0 || m.Authority.Submitted != 0 {
		t.Fatalf("metrics=%+v", m)
	}
}

type memAudit struct{ entries []AuditEntry }

func (m *memAudit) WriteAudit(e AuditEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

type memTicks struct{ entries []TickLogEntry }

func (m *memTicks) WriteTick(e TickLogEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestWorld_AuditAndTickLog(t *testing.T) {
	w, cat := newTestWorld(t, nil)
	audit, ticks := &memAudit{}, &memTicks{}
	w.SetAuditLogger(audit)
	w.SetTickLogger(ticks)
	c := joinClient(t, w, cat, false, 8)

	w.StepOnce(nil, nil, []Envelope{
		{SessionID: c.id, Request: request(protocol.KindRemove, 2, 2, 0, "R1")},
		{SessionID: c.id, Request: request(protocol.KindAdd, 2, 2, 1, "R2")},
	})
	if len(audit.entries) != 2 {
		t.Fatalf("audit=%+v", audit.entries)
	}
	rm, rej := audit.entries[0], audit.entries[1]
	if rm.Action != "REMOVE" || rm.From != 1 || rm.Seq != 1 || len(rm.Drops) != 1 || rm.Actor != c.id {
		t.Fatalf("remove entry=%+v", rm)
	}
	if rej.Action != "REJECT" || rej.Code != protocol.ErrConflict {
		t.Fatalf("reject entry=%+v", rej)
	}
	last := ticks.entries[len(ticks.entries)-1]
	if last.Commits != 1 || last.Rejects != 1 || len(last.Requests) != 2 || last.Digest == "" {
		t.Fatalf("tick entry=%+v", last)
	}
}

func TestWorld_ReplayReproducesDigests(t *testing.T) {
	w, cat := newTestWorld(t, nil)
	ticks := &memTicks{}
	w.SetTickLogger(ticks)
	a := joinClient(t, w, cat, true, 64)
	b := joinClient(t, w, cat, false, 64)
	w.StepOnce(nil, nil, []Envelope{
		{SessionID: a.id, Request: request(protocol.KindRemove, 0, 0, 0, "R1")},
		{SessionID: b.id, Request: request(protocol.KindRemove, 0, 0, 0, "R1")},
	})
	w.StepOnce(nil, []string{b.id}, []Envelope{
		{SessionID: a.id, Request: request(protocol.KindAdd, 0, 0, 1, "R2")},
		{SessionID: b.id, Request: request(protocol.KindRemove, 1, 1, 0, "R2")},
	})

	replay, _ := newTestWorld(t, nil)
	for _, e := range ticks.entries {
		if err := replay.ReplayTick(e); err != nil {
			t.Fatalf("ReplayTick(%d): %v", e.Tick, err)
		}
	}
	if replay.Metrics().Digest != w.Metrics().Digest {
		t.Fatalf("replayed digest differs")
	}

	bad := ticks.entries[len(ticks.entries)-1]
	bad.Tick = replay.CurrentTick() + 1
	bad.Digest = "0000"
	if err := replay.ReplayTick(bad); err == nil {
		t.Fatalf("want digest mismatch")
	}
}

func TestWorld_LoopbackDesyncResyncs(t *testing.T) {
	w, _ := newTestWorld(t, nil)
	w.StepOnce(nil, nil, nil)
	if m := w.Metrics(); m.DesyncTotal != 0 {
		t.Fatalf("desync before corruption=%d", m.DesyncTotal)
	}

	// Break the loopback grid behind the replica's back.
	w.loopStore.Add(grid.C(200, 200), 1)
	w.loopStore.Remove(grid.C(0, 0))
	if w.loopback.Digest() == w.store.Digest() {
		t.Fatalf("corruption did not change the digest")
	}

	w.StepOnce(nil, nil, nil)
	m := w.Metrics()
	if m.DesyncTotal != 1 {
		t.Fatalf("desync=%d want 1", m.DesyncTotal)
	}
	if got, want := w.loopback.Digest(), w.store.Digest(); got != want || m.Digest != want {
		t.Fatalf("loopback=%s authority=%s metrics=%s", got, want, m.Digest)
	}
	if w.loopback.Store().CellIsPresent(grid.C(200, 200)) || !w.loopback.Store().CellIsPresent(grid.C(0, 0)) {
		t.Fatalf("resync left stale cells")
	}

	w.StepOnce(nil, nil, nil)
	if m := w.Metrics(); m.DesyncTotal != 1 {
		t.Fatalf("desync after heal=%d", m.DesyncTotal)
	}
}
