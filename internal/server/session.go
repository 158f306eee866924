package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/taskmap/mapd/internal/auth"
)

// sessionState tracks where a connection is in the sync protocol.
// The client-side Reconnecting state has no server counterpart: a
// reconnecting client opens a fresh connection and a fresh session.
type sessionState int

const (
	stateConnecting sessionState = iota // transport up, join not yet received
	stateSyncing                        // snapshot sent, awaiting acknowledgment
	stateLive                           // in the broadcast group
	stateTerminated                     // explicit leave, timeout, or transport loss
)

const (
	outboundQueueSize = 128
	writeTimeout      = 5 * time.Second
)

// session is one live WebSocket connection. All outbound frames funnel
// through a single buffered queue drained by writeLoop, so every session
// observes events in exactly the order they were enqueued.
type session struct {
	id       string
	identity auth.Identity
	colorTag string
	conn     *websocket.Conn

	mu    sync.Mutex
	state sessionState

	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newSession(id string, identity auth.Identity, colorTag string, conn *websocket.Conn) *session {
	return &session{
		id:       id,
		identity: identity,
		colorTag: colorTag,
		conn:     conn,
		state:    stateConnecting,
		out:      make(chan []byte, outboundQueueSize),
		done:     make(chan struct{}),
	}
}

func (s *session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(state sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// transition moves from one state to another, reporting whether the session
// was actually in the expected state.
func (s *session) transition(from, to sessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// send enqueues a frame for delivery. It reports false when the session is
// closed or its queue is full; a full queue means the client cannot keep up
// and the caller should drop the connection (it will resync on reconnect).
func (s *session) send(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue onto the wire.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return

		case data := <-s.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// close terminates the session exactly once.
func (s *session) close(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.setState(stateTerminated)
		close(s.done)
		_ = s.conn.Close(status, reason)
	})
}
