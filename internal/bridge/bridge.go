// Package bridge owns the subscription registry and routes messages
// between downstream sessions and the upstream venue: a downstream
// subscribe frame becomes an upstream subscribe request plus a registry
// entry, and an upstream channel frame becomes a fan-out send to every
// registry entry whose kind and symbol match.
//
// The registry is instance state on Bridge, not a process-wide global —
// the source keeps a single anonymous-namespace vector that every
// WebSocketManager shares; this package gives each Bridge its own.
package bridge

import (
	"encoding/json"
	"strings"
	"sync"
	"weak"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"gateway/internal/wsserver"
)

const (
	subscribeOrderbookID = 123
	subscribePositionID  = 124
)

// Sender is the subset of wsclient.Client the bridge needs: one
// serialized write path upstream. Accepting an interface here (rather
// than the concrete type) keeps the bridge testable without a live
// upstream socket.
type Sender interface {
	Send(payload any) error
}

type kind string

const (
	kindOrderbook kind = "orderbook"
	kindPosition  kind = "position"
)

// subscription is {kind, symbol, weak reference to a downstream session}.
// A subscription never keeps its session alive: the weak pointer resolves
// to nil once the server's strong reference (and every other strong
// reference) is gone.
type subscription struct {
	kind    kind
	symbol  string
	session weak.Pointer[wsserver.Session]
}

// Bridge holds the subscription registry and the upstream sender used to
// issue subscribe requests.
type Bridge struct {
	mu   sync.Mutex
	subs []subscription

	upstream Sender
}

// New creates a Bridge that issues upstream subscribe requests through
// upstream.
func New(upstream Sender) *Bridge {
	return &Bridge{upstream: upstream}
}

type downstreamFrame struct {
	Method string `json:"method"`
	Symbol string `json:"symbol"`
}

// OnDownstreamFrame handles one frame received from a downstream session.
// Parse failures are logged and discarded, never surfaced as errors.
func (b *Bridge) OnDownstreamFrame(session *wsserver.Session, payload []byte) {
	var frame downstreamFrame
	if err := sonic.ConfigFastest.Unmarshal(payload, &frame); err != nil {
		logs.Errorf("bridge: invalid downstream frame, err: %+v", err)
		return
	}
	if frame.Method == "" || frame.Symbol == "" {
		return
	}

	switch frame.Method {
	case "subscribe_orderbook":
		b.subscribeOrderbook(session, frame.Symbol)
	case "subscribe_position":
		b.subscribePosition(session, frame.Symbol)
	default:
		// unrecognized methods are ignored, not errors
	}
}

func (b *Bridge) subscribeOrderbook(session *wsserver.Session, symbol string) {
	msg := map[string]any{
		"method":  "public/subscribe",
		"params":  map[string]any{"channels": []string{"book." + symbol + ".100ms"}},
		"jsonrpc": "2.0",
		"id":      subscribeOrderbookID,
	}
	if err := b.upstream.Send(msg); err != nil {
		logs.Errorf("bridge: %+v", errors.Wrap(err, "subscribe orderbook").With("symbol", symbol))
	}
	// The registry entry is recorded even if the send above failed: the
	// source does not retry subscribe requests, and a later successful
	// resubscribe should still find room to register (see component 5's
	// failure semantics).
	b.register(kindOrderbook, symbol, session)
}

func (b *Bridge) subscribePosition(session *wsserver.Session, symbol string) {
	msg := map[string]any{
		"method":  "private/subscribe",
		"params":  map[string]any{"channels": []string{"user.position." + symbol}},
		"jsonrpc": "2.0",
		"id":      subscribePositionID,
	}
	if err := b.upstream.Send(msg); err != nil {
		logs.Errorf("bridge: %+v", errors.Wrap(err, "subscribe position").With("symbol", symbol))
	}
	b.register(kindPosition, symbol, session)
}

func (b *Bridge) register(k kind, symbol string, session *wsserver.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{
		kind:    k,
		symbol:  symbol,
		session: weak.Make(session),
	})
}

type upstreamFrame struct {
	ID     json.RawMessage `json:"id"`
	Error  json.RawMessage `json:"error"`
	Params *struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

// OnUpstreamFrame handles one frame received from the upstream venue.
func (b *Bridge) OnUpstreamFrame(payload []byte) {
	var frame upstreamFrame
	if err := sonic.ConfigFastest.Unmarshal(payload, &frame); err != nil {
		logs.Errorf("bridge: invalid upstream frame, err: %+v", err)
		return
	}

	if len(frame.ID) > 0 {
		if len(frame.Error) > 0 {
			logs.Errorf("bridge: subscribe error: %s", string(frame.Error))
		}
		return
	}

	if frame.Params == nil || frame.Params.Channel == "" || len(frame.Params.Data) == 0 {
		return
	}

	k, symbol, ok := routeChannel(frame.Params.Channel)
	if !ok {
		return
	}
	b.fanout(k, symbol, frame.Params.Data)
}

// routeChannel splits an upstream channel name into a kind and symbol.
// "book.BTC-PERP.100ms" -> (orderbook, "BTC-PERP"); the symbol is the
// token between the first two dots. "user.position.BTC-PERP" ->
// (position, "BTC-PERP"); the symbol is everything after the prefix.
func routeChannel(channel string) (kind, string, bool) {
	const positionPrefix = "user.position."
	switch {
	case strings.HasPrefix(channel, "book."):
		rest := channel[len("book."):]
		end := strings.IndexByte(rest, '.')
		if end < 0 {
			return "", "", false
		}
		return kindOrderbook, rest[:end], true
	case strings.HasPrefix(channel, positionPrefix):
		return kindPosition, channel[len(positionPrefix):], true
	default:
		return "", "", false
	}
}

// fanout sweeps dead entries, then sends payload to every surviving entry
// matching {kind, symbol}. A send failure on one session does not abort
// the pass over the rest.
func (b *Bridge) fanout(k kind, symbol string, payload []byte) {
	matches := b.sweepAndMatch(k, symbol)
	for _, session := range matches {
		session.Send(payload)
	}
}

func (b *Bridge) sweepAndMatch(k kind, symbol string) []*wsserver.Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := b.subs[:0]
	var matches []*wsserver.Session
	for _, sub := range b.subs {
		session := sub.session.Value()
		if session == nil {
			continue
		}
		live = append(live, sub)
		if sub.kind == k && sub.symbol == symbol {
			matches = append(matches, session)
		}
	}
	b.subs = live
	return matches
}

// OnDownstreamDisconnect sweeps expired entries. It is called once per
// session close so the registry never accumulates dead weak references
// indefinitely between fan-out passes.
func (b *Bridge) OnDownstreamDisconnect(*wsserver.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := b.subs[:0]
	for _, sub := range b.subs {
		if sub.session.Value() != nil {
			live = append(live, sub)
		}
	}
	b.subs = live
}

// Len reports the number of registry entries, live or not. It exists for
// tests that need to assert on sweep behavior.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
