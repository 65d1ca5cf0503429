package wsserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// sendQueueSize bounds each session's outgoing-frame buffer. A send to a
// session whose buffer is full is dropped rather than allowed to grow it
// without bound.
const sendQueueSize = 256

// Session is a handle to one downstream connection. The server holds the
// one strong reference that keeps it alive; subscription entries
// elsewhere hold only a weak reference (see internal/bridge) so they
// never extend a session's lifetime on their own.
//
// Sends never write to the socket directly: they push onto outbox, which
// one writer goroutine per session drains in order. This is the per-session
// write queue the source's single outgoing_message field lacked, and the
// reason two concurrent Send calls never interleave mid-frame.
type Session struct {
	id     uint64
	conn   *websocket.Conn
	server *Server

	binary atomic.Bool

	outbox    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewTestSession builds a Session with no live network connection, for
// exercising other packages' logic (subscription registries, fan-out
// routing) against a real *Session value without dialing a socket.
// Payloads handed to Send land on the returned channel.
func NewTestSession(id uint64, binary bool) (*Session, <-chan []byte) {
	s := newSession(id, nil, nil, binary)
	return s, s.outbox
}

func newSession(id uint64, conn *websocket.Conn, server *Server, binary bool) *Session {
	s := &Session{
		id:     id,
		conn:   conn,
		server: server,
		outbox: make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
	s.binary.Store(binary)
	return s
}

// ID returns the session's server-assigned identifier.
func (s *Session) ID() uint64 {
	return s.id
}

// Send enqueues payload for the write loop. It never blocks the caller
// beyond the queue capacity check: a full queue drops the send rather than
// stalling the fan-out pass that called it, matching "send failures do not
// abort the pass".
func (s *Session) Send(payload []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.outbox <- payload:
		return true
	default:
		return false
	}
}

func (s *Session) writeLoop() {
	frameType := websocket.TextMessage
	if s.binary.Load() {
		frameType = websocket.BinaryMessage
	}
	for {
		select {
		case <-s.closed:
			return
		case payload := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(frameType, payload); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *Session) readLoop(onMessage func(*Session, []byte), onDisconnect func(*Session)) {
	defer onDisconnect(s)
	defer s.close()
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		onMessage(s, payload)
	}
}

// close is idempotent: the read loop, the write loop, and an explicit
// server-side disconnect may all observe failure around the same time.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
	})
}
