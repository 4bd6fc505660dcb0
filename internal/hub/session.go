package hub

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/westslope/rigfeed/internal/metrics"
	"github.com/westslope/rigfeed/internal/wire"
)

// Conn is the duplex transport under a session. *websocket.Conn satisfies it;
// tests substitute an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one connected dashboard client. Each session is independent: a
// slow or unresponsive client is closed without blocking delivery to others.
type Session struct {
	hub  *Hub
	log  *slog.Logger
	conn Conn

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(h *Hub, id uint64, conn Conn, sendBuffer int) *Session {
	return &Session{
		hub:  h,
		log:  h.log.With("session", id),
		conn: conn,
		out:  make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (s *Session) start() {
	go s.writeLoop()
	go s.readLoop()
}

// enqueue queues one outbound frame without blocking. False means the
// client is not draining its queue.
func (s *Session) enqueue(b []byte) bool {
	select {
	case s.out <- b:
		return true
	default:
		return false
	}
}

// send encodes and queues a unicast message, closing the session if its
// queue is full.
func (s *Session) send(t wire.Type, payload any) {
	b, err := wire.Encode(t, payload)
	if err != nil {
		s.log.Error("encoding unicast", "type", t, "error", err)
		return
	}
	if !s.enqueue(b) {
		s.closeSlow()
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case b := <-s.out:
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.log.Debug("session write failed", "error", err)
				s.Close()
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	for {
		_, b, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			return
		}
		env, err := wire.Decode(b)
		if err != nil {
			metrics.InboundRejected.Inc()
			s.log.Debug("dropping undecodable frame", "error", err)
			continue
		}
		if !env.Type.Known() {
			// Unknown wire types are a no-op for forward compatibility.
			metrics.InboundRejected.Inc()
			s.log.Debug("dropping unknown message type", "type", env.Type)
			continue
		}
		s.hub.handleInbound(s, env)
	}
}

// closeSlow force-closes a session that stopped draining its outbound queue.
func (s *Session) closeSlow() {
	metrics.SlowConsumerDrops.Inc()
	s.log.Warn("closing slow consumer session")
	s.Close()
}

// Close tears the session down and deregisters it from the hub exactly once,
// whether close originated locally, from a send failure, or from the client
// hanging up.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.hub.deregister(s)
	})
}
