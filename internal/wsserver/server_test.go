package wsserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startTestServer(t *testing.T, h Handlers) (*Server, *httptest.Server) {
	srv := New("", false, h)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleUpgrade))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Stop(context.Background()) })
	srv.running.Store(true)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	url := "ws" + ts.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastReachesLiveSessions(t *testing.T) {
	connected := make(chan *Session, 2)
	srv, ts := startTestServer(t, Handlers{
		OnConnect: func(s *Session) { connected <- s },
	})

	c1 := dial(t, ts)
	c2 := dial(t, ts)

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for connect callback")
		}
	}

	srv.Broadcast([]byte(`{"hello":"world"}`))

	for _, c := range []*websocket.Conn{c1, c2} {
		c.SetReadDeadline(time.Now().Add(time.Second))
		_, msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(msg) != `{"hello":"world"}` {
			t.Fatalf("unexpected payload: %s", msg)
		}
	}
}

func TestDisconnectRemovesSession(t *testing.T) {
	connected := make(chan *Session, 1)
	disconnected := make(chan *Session, 1)
	_, ts := startTestServer(t, Handlers{
		OnConnect:    func(s *Session) { connected <- s },
		OnDisconnect: func(s *Session) { disconnected <- s },
	})

	c1 := dial(t, ts)
	var sess *Session
	select {
	case sess = <-connected:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for connect")
	}

	c1.Close()

	select {
	case got := <-disconnected:
		if got.ID() != sess.ID() {
			t.Fatalf("expected disconnect for session %d, got %d", sess.ID(), got.ID())
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for disconnect callback")
	}

	if sess.Send([]byte("x")) {
		t.Fatalf("expected Send on a closed session to report failure")
	}
}
