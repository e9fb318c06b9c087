package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tilegrid.ai/internal/authority"
	"tilegrid.ai/internal/catalogs"
	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/protocol"
	"tilegrid.ai/internal/render"
)

type ClientOptions struct {
	Name    string
	Catalog *catalogs.Catalog
	// Sink receives render updates; nil runs headless.
	Sink       render.Sink
	Workers    int
	Ack        bool
	RequestTTL uint64
	Logger     *log.Logger
	Dialer     *websocket.Dialer
}

// Client is a remote replica. After Dial, the replica is owned by the Run
// goroutine; other goroutines reach it through Submit.
type Client struct {
	conn    *websocket.Conn
	log     *log.Logger
	welcome protocol.WelcomeMsg
	replica *authority.Replica

	requests chan authority.Mutation

	digest atomic.Pointer[string]
	stats  atomic.Pointer[authority.ReplicaStats]
}

// Dial connects to url, performs the HELLO/WELCOME/SYNC handshake and loads
// the snapshot into a fresh replica.
func Dial(ctx context.Context, url string, opts ClientOptions) (*Client, error) {
	if opts.Catalog == nil {
		return nil, errors.New("ws: client needs a catalog")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		log:      opts.Logger,
		requests: make(chan authority.Mutation, 64),
	}
	store := grid.NewStore(grid.Bounds{}, opts.Logger)
	c.replica = authority.NewReplica(authority.ReplicaOptions{
		Store:      store,
		Tracker:    render.NewDirtyTracker(store, opts.Catalog, opts.Sink, opts.Workers, opts.Logger),
		Catalog:    opts.Catalog,
		Out:        c,
		Logger:     opts.Logger,
		Ack:        opts.Ack,
		RequestTTL: opts.RequestTTL,
	})

	if err := c.handshake(opts); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.publish()
	return c, nil
}

func (c *Client) logf(format string, args ...any) {
	if c.log != nil {
		c.log.Printf(format, args...)
	}
}

func (c *Client) handshake(opts ClientOptions) error {
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      opts.Name,
		CatalogDigest:   opts.Catalog.Digest,
		Ack:             opts.Ack,
	}
	if err := c.conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("send HELLO: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	msg, err := c.read()
	if err != nil {
		return fmt.Errorf("read WELCOME: %w", err)
	}
	if err := expect(msg, protocol.TypeWelcome, &c.welcome); err != nil {
		return err
	}
	c.replica.SetSession(c.welcome.SessionID)

	msg, err = c.read()
	if err != nil {
		return fmt.Errorf("read SYNC: %w", err)
	}
	var sync protocol.SyncMsg
	if err := expect(msg, protocol.TypeSync, &sync); err != nil {
		return err
	}
	snap, err := authority.SnapshotFromMsg(sync)
	if err != nil {
		return err
	}
	if err := c.replica.LoadSync(snap); err != nil {
		return err
	}
	c.replica.Step()
	c.logf("WELCOME session=%s tick=%d tick_rate=%d cells=%d", c.welcome.SessionID, c.welcome.Tick, c.welcome.TickRateHz, c.replica.Store().Len())
	return nil
}

// read returns the next message, turning a close frame into an error that
// carries the server's reason (e.g. E_CATALOG_MISMATCH).
func (c *Client) read() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Text != "" {
			return nil, fmt.Errorf("server closed: %s", ce.Text)
		}
		return nil, err
	}
	return msg, nil
}

func expect(msg []byte, typ string, v any) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return err
	}
	if base.Type != typ {
		return fmt.Errorf("expected %s, got %s", typ, base.Type)
	}
	return json.Unmarshal(msg, v)
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

func (c *Client) SessionID() string { return c.welcome.SessionID }

// Digest is the replica grid digest as of the last local tick.
func (c *Client) Digest() string {
	if p := c.digest.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Client) Stats() authority.ReplicaStats {
	if p := c.stats.Load(); p != nil {
		return *p
	}
	return authority.ReplicaStats{}
}

func (c *Client) publish() {
	d := c.replica.Digest()
	s := c.replica.Stats()
	c.digest.Store(&d)
	c.stats.Store(&s)
}

// Submit queues a mutation request for the Run goroutine. It reports false
// when the queue is full.
func (c *Client) Submit(m authority.Mutation) bool {
	select {
	case c.requests <- m:
		return true
	default:
		return false
	}
}

// SendRequest and SendAck implement authority.Sender. They are only called
// from the Run goroutine, which is the connection's single writer.
func (c *Client) SendRequest(r authority.Request) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(authority.RequestMsg(r))
}

func (c *Client) SendAck(reqID string, seq uint64) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		ReqID:           reqID,
		Seq:             seq,
	})
}

// Run drives the replica: server messages are applied as they arrive, queued
// requests are sent, and the dirty set is flushed once per tick. onTick, if
// set, runs on the same goroutine after each flush and may call
// RequestMutation on the replica directly.
func (c *Client) Run(ctx context.Context, onTick func(r *authority.Replica)) error {
	defer c.conn.Close()

	msgs := make(chan []byte, 256)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := c.read()
			if err != nil {
				readErr <- err
				close(msgs)
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	hz := c.welcome.TickRateHz
	if hz <= 0 {
		hz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return <-readErr
			}
			c.handle(msg)
		case m := <-c.requests:
			if _, err := c.replica.RequestMutation(m); err != nil {
				c.logf("request %s: %v", m, err)
			}
		case <-ticker.C:
			c.replica.Step()
			if onTick != nil {
				onTick(c.replica)
			}
			c.publish()
		}
	}
}

func (c *Client) handle(msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeCommitted:
		var m protocol.CommittedMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		cm, err := authority.CommitFromMsg(m)
		if err != nil {
			c.logf("bad COMMITTED: %v", err)
			return
		}
		c.replica.HandleCommitted(cm)
	case protocol.TypeRejected:
		var m protocol.RejectedMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		c.replica.HandleRejected(m.ReqID, m.Code, m.Message)
	case protocol.TypeSync:
		var m protocol.SyncMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		snap, err := authority.SnapshotFromMsg(m)
		if err != nil {
			c.logf("bad SYNC: %v", err)
			return
		}
		if err := c.replica.LoadSync(snap); err != nil {
			c.logf("resync: %v", err)
		}
	}
}
