package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"tilegrid.ai/internal/authority"
	"tilegrid.ai/internal/catalogs"
	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/transport/ws"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name      = flag.String("name", "bot", "replica name")
		configDir = flag.String("configs", "./configs", "config directory")
		radius    = flag.Int("radius", 24, "edit cells within this distance of the origin")
		every     = flag.Int("every", 5, "send one request every N ticks")
		ack       = flag.Bool("ack", true, "acknowledge own commits")
		seed      = flag.Int64("seed", 0, "rng seed (0: time based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	cat, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := ws.Dial(dialCtx, *url, ws.ClientOptions{
		Name:    *name,
		Catalog: cat,
		Ack:     *ack,
		Logger:  logger,
	})
	dialCancel()
	if err != nil {
		logger.Fatalf("connect: %v", err)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	b := &bot{
		rng:    rand.New(rand.NewSource(*seed)),
		blocks: cat.IDs,
		radius: int32(*radius),
		every:  uint64(*every),
		log:    logger,
	}
	err = client.Run(ctx, b.onTick)
	if err != nil && err != context.Canceled {
		logger.Fatalf("disconnected: %v", err)
	}
	s := client.Stats()
	logger.Printf("bye: sent=%d applied=%d stale=%d desync=%d expired=%d", b.sent, s.Applied, s.Stale, s.Desync, s.Expired)
}

type bot struct {
	rng    *rand.Rand
	blocks []grid.BlockID
	radius int32
	every  uint64
	log    *log.Logger

	ticks uint64
	sent  uint64
}

// onTick runs on the replica goroutine. It picks a random cell and asks for
// the opposite of what the replica currently shows there, so requests mostly
// pass validation unless another replica got there first.
func (b *bot) onTick(r *authority.Replica) {
	b.ticks++
	if b.every > 1 && b.ticks%b.every != 0 {
		return
	}
	span := 2*b.radius + 1
	c := grid.C(b.rng.Int31n(span)-b.radius, b.rng.Int31n(span)-b.radius)

	m := authority.Mutation{Coord: c, Kind: authority.Remove}
	if !r.Store().CellIsPresent(c) {
		if len(b.blocks) == 0 {
			return
		}
		m = authority.Mutation{Coord: c, Kind: authority.Add, Block: b.blocks[b.rng.Intn(len(b.blocks))]}
	}
	if _, err := r.RequestMutation(m); err != nil {
		b.log.Printf("request %s: %v", m, err)
		return
	}
	b.sent++
	if b.sent%100 == 0 {
		s := r.Stats()
		b.log.Printf("sent=%d cells=%d applied=%d pending=%d desync=%d", b.sent, r.Store().Len(), s.Applied, s.Pending, s.Desync)
	}
}
