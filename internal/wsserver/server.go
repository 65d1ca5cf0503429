// Package wsserver is the local WebSocket fan-out server downstream
// subscribers connect to. It accepts sessions, reads frames per session
// via its own read loop, and exposes a per-session write queue plus a
// broadcast primitive to every live session.
package wsserver

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"gateway/internal/xerrors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handlers bundles the callbacks the server invokes around a session's
// lifecycle, mirroring the source's on_connect/on_message/on_disconnect
// hook shape.
type Handlers struct {
	OnConnect    func(*Session)
	OnMessage    func(*Session, []byte)
	OnDisconnect func(*Session)
}

// Server accepts downstream WebSocket sessions on one address and keeps
// the live session set under a single mutex, per the source's design.
type Server struct {
	addr           string
	binaryProtocol bool
	handlers       Handlers

	httpSrv *http.Server

	mu       sync.Mutex
	sessions map[uint64]*Session
	nextID   atomic.Uint64

	running  atomic.Bool
	stopOnce sync.Once
}

// New constructs a Server bound to addr ("host:port"). binaryProtocol
// selects the frame mode every accepted session uses for outbound sends,
// matching the BINARY_PROTOCOL environment hint.
func New(addr string, binaryProtocol bool, handlers Handlers) *Server {
	return &Server{
		addr:           addr,
		binaryProtocol: binaryProtocol,
		handlers:       handlers,
		sessions:       make(map[uint64]*Session),
	}
}

// Run starts accepting connections. It blocks until the underlying
// http.Server stops (via Stop or a listen error), matching the source's
// run()-spawns-reactor-threads shape collapsed into Go's net/http.
func (s *Server) Run() error {
	if !s.running.CompareAndSwap(false, true) {
		return xerrors.InvalidArgument("server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return xerrors.TransportWrap(err, "listen "+s.addr)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The handshake above has already completed by the time we construct
	// and register the session, so no session is ever broadcast to while
	// half-open (see the source's REDESIGN note on installing sessions
	// before handshake completion).
	id := s.nextID.Add(1)
	session := newSession(id, conn, s, s.binaryProtocol)

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()

	go session.writeLoop()

	if s.handlers.OnConnect != nil {
		s.handlers.OnConnect(session)
	}

	session.readLoop(s.handlers.OnMessage, func(sess *Session) {
		s.removeSession(sess.id)
		if s.handlers.OnDisconnect != nil {
			s.handlers.OnDisconnect(sess)
		}
	})
}

func (s *Server) removeSession(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Broadcast sends payload to every live session. Send failures on an
// individual session do not abort the pass.
func (s *Server) Broadcast(payload []byte) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Send(payload)
	}
}

// Stop stops accepting, closes every live session with a normal close
// code, and is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		if s.httpSrv != nil {
			err = s.httpSrv.Shutdown(ctx)
		}
		s.mu.Lock()
		sessions := make([]*Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.sessions = make(map[uint64]*Session)
		s.mu.Unlock()
		for _, sess := range sessions {
			sess.close()
		}
	})
	return err
}
