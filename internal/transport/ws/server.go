package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tilegrid.ai/internal/protocol"
	"tilegrid.ai/internal/sim/world"
)

// Limits throttles mutation requests per connection. Zero RequestsPerSecond
// disables throttling.
type Limits struct {
	RequestsPerSecond float64
	Burst             int
}

const defaultIdleTimeout = 60 * time.Second

type Server struct {
	world  *world.World
	log    *log.Logger
	limits Limits

	// IdleTimeout is how long a connection may stay silent, pongs included,
	// before it is dropped. Pings go out every IdleTimeout/3.
	IdleTimeout time.Duration

	upgrader websocket.Upgrader
}

func NewServer(w *world.World, logger *log.Logger, limits Limits) *Server {
	s := &Server{
		world:       w,
		log:         logger,
		limits:      limits,
		IdleTimeout: defaultIdleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.limits.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.limits.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.limits.RequestsPerSecond), burst)
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return defaultIdleTimeout
	}
	return s.IdleTimeout
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID, out := s.handshake(conn)
		if sessionID == "" {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		idle := s.idleTimeout()
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(idle))
		})

		// Writer goroutine. The world closes out when it drops a slow client.
		go func() {
			ping := time.NewTicker(idle / 3)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				case b, ok := <-out:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"), time.Now().Add(time.Second))
						_ = conn.Close()
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				}
			}
		}()

		limiter := s.newLimiter()
		dropped := 0

		// Reader loop.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(idle))
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.ProtocolVersion != protocol.Version {
				continue
			}
			var env world.Envelope
			switch base.Type {
			case protocol.TypeRequestMutation:
				var req protocol.RequestMutationMsg
				if err := json.Unmarshal(msg, &req); err != nil {
					continue
				}
				if !limiter.Allow() {
					dropped++
					if dropped == 1 || dropped%100 == 0 {
						s.logf("session %s rate limited (%d dropped)", sessionID, dropped)
					}
					continue
				}
				env = world.Envelope{SessionID: sessionID, Request: &req}
			case protocol.TypeAck:
				var ack protocol.AckMsg
				if err := json.Unmarshal(msg, &ack); err != nil {
					continue
				}
				env = world.Envelope{SessionID: sessionID, Ack: &ack}
			default:
				continue
			}
			select {
			case s.world.Inbox() <- env:
			case <-ctx.Done():
			}
		}

		// Cleanup.
		s.world.Leave() <- sessionID
	}
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return "", nil
	}

	out = make(chan []byte, s.world.Config().OutQueue)
	respCh := make(chan world.JoinResponse, 1)
	s.world.Join() <- world.JoinRequest{
		Name:          hello.ClientName,
		CatalogDigest: hello.CatalogDigest,
		Ack:           hello.Ack,
		Out:           out,
		Resp:          respCh,
	}
	resp := <-respCh
	if resp.Code != "" {
		s.logf("refused %q: %s %s", hello.ClientName, resp.Code, resp.Message)
		closeWith(conn, websocket.ClosePolicyViolation, resp.Code)
		return "", nil
	}

	// WELCOME and SYNC go out before anything queued on out.
	if err := writeJSON(conn, resp.Welcome); err != nil {
		s.world.Leave() <- resp.Welcome.SessionID
		return "", nil
	}
	if err := writeJSON(conn, resp.Sync); err != nil {
		s.world.Leave() <- resp.Welcome.SessionID
		return "", nil
	}
	return resp.Welcome.SessionID, out
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
