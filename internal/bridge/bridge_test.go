package bridge

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"gateway/internal/wsserver"
)

// fakeSender records every payload sent upstream without touching a real
// socket.
type fakeSender struct {
	sent []any
}

func (f *fakeSender) Send(payload any) error {
	f.sent = append(f.sent, payload)
	return nil
}

var fakeSessionIDs atomic.Uint64

// fakeSession wraps a real *wsserver.Session built without a live network
// connection, so bridge tests exercise the same weak-reference path
// production code does. Dropping its strong reference (closeFakeSession)
// is what lets the bridge's weak pointer go nil under runtime.GC().
type fakeSession struct {
	sess *wsserver.Session
	ch   <-chan []byte
}

func newFakeSession(t *testing.T) *fakeSession {
	t.Helper()
	id := fakeSessionIDs.Add(1)
	sess, ch := wsserver.NewTestSession(id, false)
	return &fakeSession{sess: sess, ch: ch}
}

// closeFakeSession drops this wrapper's strong reference to the session.
// The test harness never stores the session anywhere else, so once this
// returns the bridge's weak.Pointer is the only thing that could still
// resolve it.
func closeFakeSession(f *fakeSession) {
	f.sess = nil
}

func (f *fakeSession) received() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

func waitForDelivery(t *testing.T, f *fakeSession) {
	t.Helper()
	select {
	case <-f.ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

func TestRoutesOrderbookChannelToMatchingSubscribersOnly(t *testing.T) {
	sender := &fakeSender{}
	b := New(sender)

	s1 := newFakeSession(t)
	s2 := newFakeSession(t)
	s3 := newFakeSession(t)

	b.OnDownstreamFrame(s1.sess, []byte(`{"method":"subscribe_orderbook","symbol":"BTC-PERP"}`))
	b.OnDownstreamFrame(s2.sess, []byte(`{"method":"subscribe_orderbook","symbol":"BTC-PERP"}`))
	b.OnDownstreamFrame(s3.sess, []byte(`{"method":"subscribe_orderbook","symbol":"ETH-PERP"}`))

	if len(sender.sent) != 3 {
		t.Fatalf("expected 3 upstream subscribe sends, got %d", len(sender.sent))
	}

	b.OnUpstreamFrame([]byte(`{"params":{"channel":"book.BTC-PERP.100ms","data":{"bids":[]}}}`))

	waitForDelivery(t, s1)
	waitForDelivery(t, s2)
	if s3.received() {
		t.Fatalf("expected ETH-PERP subscriber to receive nothing")
	}
}

func TestDisconnectedSessionStopsReceivingAndIsSwept(t *testing.T) {
	sender := &fakeSender{}
	b := New(sender)

	s1 := newFakeSession(t)
	s2 := newFakeSession(t)
	b.OnDownstreamFrame(s1.sess, []byte(`{"method":"subscribe_orderbook","symbol":"BTC-PERP"}`))
	b.OnDownstreamFrame(s2.sess, []byte(`{"method":"subscribe_orderbook","symbol":"BTC-PERP"}`))

	closeFakeSession(s1)
	runtime.GC()
	runtime.GC()
	b.OnDownstreamDisconnect(nil)

	b.OnUpstreamFrame([]byte(`{"params":{"channel":"book.BTC-PERP.100ms","data":{"bids":[1]}}}`))
	waitForDelivery(t, s2)

	if b.Len() != 1 {
		t.Fatalf("expected the dead entry to be swept, registry has %d entries", b.Len())
	}
}

func TestPositionChannelRouting(t *testing.T) {
	sender := &fakeSender{}
	b := New(sender)
	s1 := newFakeSession(t)
	b.OnDownstreamFrame(s1.sess, []byte(`{"method":"subscribe_position","symbol":"BTC-PERP"}`))

	b.OnUpstreamFrame([]byte(`{"params":{"channel":"user.position.BTC-PERP","data":{"size":1}}}`))
	waitForDelivery(t, s1)
}

func TestUpstreamFrameWithIDIsNotFannedOut(t *testing.T) {
	sender := &fakeSender{}
	b := New(sender)
	s1 := newFakeSession(t)
	b.OnDownstreamFrame(s1.sess, []byte(`{"method":"subscribe_orderbook","symbol":"BTC-PERP"}`))

	b.OnUpstreamFrame([]byte(`{"id":123,"result":"ok"}`))
	time.Sleep(20 * time.Millisecond)
	if s1.received() {
		t.Fatalf("expected a frame carrying id to produce no fan-out")
	}
}

func TestUnrecognizedMethodIsIgnoredNotSubscribed(t *testing.T) {
	sender := &fakeSender{}
	b := New(sender)
	s1 := newFakeSession(t)
	b.OnDownstreamFrame(s1.sess, []byte(`{"method":"unsubscribe_everything","symbol":"X"}`))
	if len(sender.sent) != 0 {
		t.Fatalf("expected unrecognized methods to be ignored")
	}
	if b.Len() != 0 {
		t.Fatalf("expected no registry entry for an unrecognized method")
	}
}
