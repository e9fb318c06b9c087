package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gdamore/tcell/v2"

	"tilegrid.ai/internal/authority"
	"tilegrid.ai/internal/catalogs"
	"tilegrid.ai/internal/transport/ws"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name      = flag.String("name", "viewer", "replica name")
		configDir = flag.String("configs", "./configs", "config directory")
		logPath   = flag.String("log", "", "log file (default: discard; the screen owns stdout)")
		workers   = flag.Int("workers", 2, "autotile workers")
	)
	flag.Parse()

	var out io.Writer = io.Discard
	if *logPath != "" {
		_ = os.MkdirAll(filepath.Dir(*logPath), 0o755)
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open log:", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	logger := log.New(out, "[viewer] ", log.LstdFlags|log.Lmicroseconds)

	cat, err := catalogs.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load catalogs:", err)
		os.Exit(1)
	}

	screen, err := tcell.NewScreen()
	if err != nil {
		fmt.Fprintln(os.Stderr, "screen:", err)
		os.Exit(1)
	}
	if err := screen.Init(); err != nil {
		fmt.Fprintln(os.Stderr, "screen init:", err)
		os.Exit(1)
	}
	defer screen.Fini()

	v := newView(screen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := ws.Dial(dialCtx, *url, ws.ClientOptions{
		Name:    *name,
		Catalog: cat,
		Sink:    v.arena,
		Workers: *workers,
		Ack:     true,
		Logger:  logger,
	})
	dialCancel()
	if err != nil {
		screen.Fini()
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(ctx, func(r *authority.Replica) {
			v.draw(r.Store(), r.Stats())
		})
	}()

	events := make(chan tcell.Event, 100)
	go func() {
		for {
			ev := screen.PollEvent()
			if ev == nil {
				return
			}
			events <- ev
		}
	}()

	for {
		select {
		case err := <-runErr:
			screen.Fini()
			if err != nil && err != context.Canceled {
				fmt.Fprintln(os.Stderr, "disconnected:", err)
				os.Exit(1)
			}
			return
		case ev := <-events:
			switch ev := ev.(type) {
			case *tcell.EventKey:
				m, ok, quit := v.handleKey(ev.Key(), ev.Rune())
				if quit {
					cancel()
					<-runErr
					return
				}
				if ok && !client.Submit(m) {
					v.setStatus("request queue full")
				}
			case *tcell.EventResize:
				screen.Sync()
			}
		}
	}
}
