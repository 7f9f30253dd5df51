package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pairwave/signaling/internal/ident"
)

// Transport tags which adapter owns a session's wire.
type Transport string

const (
	TransportWebSocket Transport = "ws"
	TransportSSE       Transport = "sse"
)

// sendQueueSize bounds each session's outbound queue. Enqueue never blocks:
// when the queue is full the message is dropped for that session, because a
// slow consumer must never stall the hub.
const sendQueueSize = 256

// Session is one live connection. The hub owns all mutation of its room
// state; the transport adapter reads Outbound and Done.
type Session struct {
	sid       string
	ip        string
	transport Transport

	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	// lastSeen is unix nanos of the last successful read; only meaningful for
	// event-stream sessions.
	lastSeen atomic.Int64

	mu        sync.Mutex
	rid       string
	cid       string
	replaced  bool
	successor *Session
}

// NewSession creates an unregistered session with a fresh sid.
func (h *Hub) NewSession(transport Transport, ip string) *Session {
	return h.NewSessionWithSID(ident.NewSessionID(), transport, ip)
}

// NewSessionWithSID creates an unregistered session with the given sid, used
// by the event-stream adapter when a client resumes an earlier sid.
func (h *Hub) NewSessionWithSID(sid string, transport Transport, ip string) *Session {
	return &Session{
		sid:       sid,
		ip:        ip,
		transport: transport,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
}

func (s *Session) SID() string          { return s.sid }
func (s *Session) IP() string           { return s.ip }
func (s *Session) Transport() Transport { return s.transport }

// Outbound is the queue the transport adapter drains to the wire. Each
// element is exactly one encoded protocol message.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed when the hub disconnects the session.
func (s *Session) Done() <-chan struct{} { return s.done }

// MarkSeen records a successful read for event-stream liveness.
func (s *Session) MarkSeen(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// Replaced reports whether a newer session took over this sid.
func (s *Session) Replaced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// enqueue places an encoded message on the outbound queue without blocking.
// If the session was replaced, the message is forwarded to its successor so
// nothing queued around a resume is lost. Returns false when dropped.
func (s *Session) enqueue(b []byte) bool {
	s.mu.Lock()
	if s.successor != nil {
		succ := s.successor
		s.mu.Unlock()
		return succ.enqueue(b)
	}
	select {
	case s.send <- b:
		s.mu.Unlock()
		return true
	default:
		s.mu.Unlock()
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) roomRef() (rid, cid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rid, s.cid
}

func (s *Session) currentRID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rid
}

func (s *Session) setRoom(rid, cid string) {
	s.mu.Lock()
	s.rid, s.cid = rid, cid
	s.mu.Unlock()
}

func (s *Session) clearRoom() {
	s.mu.Lock()
	s.rid, s.cid = "", ""
	s.mu.Unlock()
}

// handoff drains this session's pending outbound messages into the successor
// and redirects all future enqueues there. Holding s.mu across the drain
// means no concurrent enqueue can interleave, so per-session FIFO order
// survives the swap and nothing queued around a resume is lost.
func (s *Session) handoff(successor *Session) (dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		select {
		case b := <-s.send:
			if !successor.enqueue(b) {
				dropped++
			}
		default:
			s.replaced = true
			s.successor = successor
			return dropped
		}
	}
}
