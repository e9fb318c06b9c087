package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tilegrid.ai/internal/authority"
	"tilegrid.ai/internal/catalogs"
	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/protocol"
	"tilegrid.ai/internal/sim/world"
)

const stoneCatalog = `[
  {"id":1,"name":"STONE","patterns":[
    {"neighbors":{"N":"PRESENT"},"can_rotate":true,"meshes":{"N":"faceN"}}
  ]}
]`

const dirtCatalog = `[{"id":1,"name":"DIRT","patterns":[]}]`

func mustCatalog(t *testing.T, raw string) *catalogs.Catalog {
	t.Helper()
	cat, err := catalogs.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cat
}

func startServer(t *testing.T, limits Limits) (*world.World, string) {
	t.Helper()
	return startServerIdle(t, limits, 0)
}

func startServerIdle(t *testing.T, limits Limits, idle time.Duration) (*world.World, string) {
	t.Helper()
	cat := mustCatalog(t, stoneCatalog)
	w, err := world.New(world.WorldConfig{
		ID:               "ws-test",
		TickRateHz:       50,
		Seed:             7,
		FillMin:          grid.C(-3, -3),
		FillMax:          grid.C(3, 3),
		FillBlock:        1,
		InflightTTLTicks: 50,
		RenderWorkers:    1,
	}, cat, nil)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()

	s := NewServer(w, nil, limits)
	if idle > 0 {
		s.IdleTimeout = idle
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return w, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialRun(t *testing.T, url string, cat *catalogs.Catalog, ack bool) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, ClientOptions{Name: "t", Catalog: cat, Ack: ack})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	runCtx, stop := context.WithCancel(context.Background())
	go func() { _ = c.Run(runCtx, nil) }()
	t.Cleanup(stop)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServer_HandshakeAndConvergence(t *testing.T) {
	w, url := startServer(t, Limits{})
	cat := mustCatalog(t, stoneCatalog)

	a := dialRun(t, url, cat, true)
	b := dialRun(t, url, cat, false)
	if a.SessionID() == "" || a.SessionID() == b.SessionID() {
		t.Fatalf("sessions a=%q b=%q", a.SessionID(), b.SessionID())
	}
	if a.Digest() != w.Metrics().Digest {
		t.Fatalf("digest after SYNC differs")
	}

	a.Submit(authority.Mutation{Coord: grid.C(0, 0), Kind: authority.Remove})
	b.Submit(authority.Mutation{Coord: grid.C(9, 9), Kind: authority.Add, Block: 1})

	waitFor(t, "two commits", func() bool { return w.Metrics().Authority.Committed == 2 })
	want := w.Metrics().Digest
	waitFor(t, "replicas to converge", func() bool { return a.Digest() == want && b.Digest() == want })

	// a asked for ACKs, so its commit is retired by the server.
	waitFor(t, "ack", func() bool { return w.Metrics().Authority.Acked == 1 })
	if m := w.Metrics(); m.Authority.Inflight != 0 || m.DesyncTotal != 0 {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestServer_CatalogMismatchRefused(t *testing.T) {
	w, url := startServer(t, Limits{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, url, ClientOptions{Name: "old", Catalog: mustCatalog(t, dirtCatalog)})
	if err == nil || !strings.Contains(err.Error(), protocol.ErrCatalogMismatch) {
		t.Fatalf("err=%v", err)
	}
	waitFor(t, "refusal metric", func() bool { return w.Metrics().JoinsRefused == 1 })
}

func TestServer_RateLimitDropsRequests(t *testing.T) {
	w, url := startServer(t, Limits{RequestsPerSecond: 0.001, Burst: 2})
	c := dialRun(t, url, mustCatalog(t, stoneCatalog), false)

	for x := int32(-3); x <= 1; x++ {
		c.Submit(authority.Mutation{Coord: grid.C(x, 0), Kind: authority.Remove})
	}
	waitFor(t, "burst commits", func() bool { return w.Metrics().Authority.Committed == 2 })
	time.Sleep(100 * time.Millisecond)
	if m := w.Metrics(); m.Authority.Submitted != 2 || m.Authority.Committed != 2 {
		t.Fatalf("stats=%+v", m.Authority)
	}
}

func TestServer_LeaveOnDisconnect(t *testing.T) {
	w, url := startServer(t, Limits{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, ClientOptions{Name: "brief", Catalog: mustCatalog(t, stoneCatalog)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitFor(t, "join", func() bool { return w.Metrics().Clients == 1 })

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx, nil) }()
	stop()
	<-done
	waitFor(t, "leave", func() bool { return w.Metrics().Clients == 0 })
}

func TestServer_SilentReplicaSurvivesIdleTimeout(t *testing.T) {
	const idle = 300 * time.Millisecond
	w, url := startServerIdle(t, Limits{}, idle)
	cat := mustCatalog(t, stoneCatalog)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	watcher, err := Dial(ctx, url, ClientOptions{Name: "watcher", Catalog: cat})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	runCtx, stop := context.WithCancel(context.Background())
	t.Cleanup(stop)
	runErr := make(chan error, 1)
	go func() { runErr <- watcher.Run(runCtx, nil) }()

	editor := dialRun(t, url, cat, false)

	// The watcher never writes; only pongs keep its connection open.
	for i := int32(0); i < 8; i++ {
		editor.Submit(authority.Mutation{Coord: grid.C(20+i, 20), Kind: authority.Add, Block: 1})
		select {
		case err := <-runErr:
			t.Fatalf("silent replica dropped after %d edits: %v", i, err)
		case <-time.After(idle / 2):
		}
	}

	waitFor(t, "eight commits", func() bool { return w.Metrics().Authority.Committed == 8 })
	want := w.Metrics().Digest
	waitFor(t, "watcher to converge", func() bool { return watcher.Digest() == want })
	if n := w.Metrics().Clients; n != 2 {
		t.Fatalf("clients=%d", n)
	}
}
