// Package dispatcher owns the upstream credentials and bearer token, runs
// the single worker that serializes every outbound RPC, and correlates
// each caller's request with the upstream response via a one-shot Future.
// It is the core's most stateful component: everything below is either
// queue-mutex-guarded or touched only by the worker goroutine.
package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"gateway/internal/config"
	"gateway/internal/httprpc"
	"gateway/internal/xerrors"
)

var allowedSides = map[string]bool{"buy": true, "sell": true}
var typesWithPrice = map[string]bool{"limit": true, "stop_limit": true}
var typesWithTrigger = map[string]bool{"stop_market": true, "stop_limit": true}

// Dispatcher serializes access to the authenticated upstream connection: it
// is constructed once, authenticates once, and runs exactly one worker
// goroutine until Stop.
type Dispatcher struct {
	creds  config.Credentials
	client *httprpc.Client

	state stateBox
	tok   token

	queue    *requestQueue
	workerWG sync.WaitGroup
	stopOnce sync.Once
}

// New reads credentials, authenticates once, and starts the dispatcher
// worker. The returned Dispatcher is usable only if err is nil; on an auth
// failure construction itself fails, matching the source's "usable only
// after authentication succeeds" invariant.
func New(ctx context.Context, creds config.Credentials, client *httprpc.Client) (*Dispatcher, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, xerrors.Config("missing api key or secret")
	}

	d := &Dispatcher{
		creds:  creds,
		client: client,
		queue:  newRequestQueue(),
	}
	d.state.set(StateInitialising)

	d.state.set(StateAuthenticating)
	if err := d.authenticate(ctx); err != nil {
		d.state.set(StateStopped)
		return nil, err
	}
	d.state.set(StateReady)

	d.workerWG.Add(1)
	go d.run(ctx)

	return d, nil
}

// authenticate POSTs public/auth with no Authorization header and installs
// the returned token. Called both at construction and whenever the worker
// observes a stale token.
func (d *Dispatcher) authenticate(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      nowID(),
		"method":  "public/auth",
		"params": map[string]any{
			"grant_type":    "client_credentials",
			"client_id":     d.creds.APIKey,
			"client_secret": d.creds.APISecret,
		},
	})
	if err != nil {
		return xerrors.ProtocolWrap(err, "marshal auth request")
	}

	raw, err := d.client.Post(ctx, d.creds.BaseURL+"/api/v2", body, nil)
	if err != nil {
		return xerrors.AuthWrap(err, "authenticate")
	}

	var resp struct {
		Result *struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int64  `json:"expires_in"`
		} `json:"result"`
		Error any `json:"error"`
	}
	if err := sonic.ConfigFastest.Unmarshal([]byte(raw), &resp); err != nil || resp.Result == nil {
		return xerrors.Auth("authentication failed: " + raw)
	}

	d.tok = token{
		accessToken:  resp.Result.AccessToken,
		refreshToken: resp.Result.RefreshToken,
		expiresIn:    time.Duration(resp.Result.ExpiresIn) * time.Second,
		issuedAt:     time.Now(),
	}
	return nil
}

// run is the single dispatcher worker: it drains the queue in order,
// refreshes the token when stale, and never panics out — every failure
// path completes the envelope's Future and continues.
func (d *Dispatcher) run(ctx context.Context) {
	defer d.workerWG.Done()
	for {
		env, ok := d.queue.pop()
		if !ok {
			break
		}
		d.service(ctx, env)
	}
	d.state.set(StateDraining)
	for _, env := range d.queue.drainRemaining() {
		env.future.complete(nil, xerrors.Cancelled("dispatcher stopped"))
	}
	d.state.set(StateStopped)
}

func (d *Dispatcher) service(ctx context.Context, env envelope) {
	if !d.tok.fresh(time.Now()) {
		d.state.set(StateRefreshing)
		if err := d.authenticate(ctx); err != nil {
			logs.Errorf("dispatcher: %+v", errors.Wrap(err, "refresh before service").With("method", env.method))
			env.future.complete(nil, err)
			return
		}
		d.state.set(StateReady)
	}

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      nowID(),
		"method":  env.method,
		"params":  env.params,
	})
	if err != nil {
		env.future.complete(nil, xerrors.ProtocolWrap(err, "marshal request"))
		return
	}

	headers := map[string]string{"Authorization": "Bearer " + d.tok.accessToken}
	raw, err := d.client.Post(ctx, d.creds.BaseURL+"/api/v2/"+env.method, body, headers)
	if err != nil {
		env.future.complete(nil, xerrors.TransportWrap(err, "post "+env.method))
		return
	}

	var parsed any
	if err := sonic.ConfigFastest.Unmarshal([]byte(raw), &parsed); err != nil {
		env.future.complete(nil, xerrors.ProtocolWrap(err, "parse response"))
		return
	}
	env.future.complete(parsed, nil)
}

// enqueue builds the envelope, pushes it, and returns the caller's handle
// before the request is processed. push reports ok=false, under the
// queue's own mutex, once the queue has been stopped and will never be
// drained again; that submission is completed immediately with Cancelled
// instead of being silently lost.
func (d *Dispatcher) enqueue(method string, params any) *Future {
	f := newFuture()
	ok := d.queue.push(envelope{
		method:     method,
		params:     params,
		future:     f,
		enqueuedAt: time.Now(),
	})
	if !ok {
		f.complete(nil, xerrors.Cancelled("dispatcher stopped"))
	}
	return f
}

func invalidArgument(msg string) *Future {
	f := newFuture()
	f.complete(nil, xerrors.InvalidArgument(msg))
	return f
}

// PlaceOrder submits an order. side must be "buy" or "sell"; anything else
// is rejected synchronously and never reaches the queue.
func (d *Dispatcher) PlaceOrder(instrument, side, orderType string, amount, price decimal.Decimal, reduceOnly bool) *Future {
	if !allowedSides[side] {
		return invalidArgument("place_order: side must be buy or sell, got " + side)
	}

	// amount, price and trigger_price go out as JSON numbers, not as the
	// quoted strings decimal.Decimal marshals to.
	number := func(v decimal.Decimal) json.Number {
		b, _ := json.Marshal(v)
		return json.Number(strings.Trim(string(b), `"`))
	}

	params := map[string]any{
		"instrument_name": instrument,
		"amount":          number(amount),
		"type":            orderType,
	}
	if typesWithPrice[orderType] {
		params["price"] = number(price)
	}
	if typesWithTrigger[orderType] {
		params["trigger"] = "last_price"
		params["trigger_price"] = number(price)
	}
	if reduceOnly {
		params["reduce_only"] = true
	}

	return d.enqueue("private/"+side, params)
}

// CancelOrder cancels an existing order.
func (d *Dispatcher) CancelOrder(orderID string) *Future {
	return d.enqueue("private/cancel", map[string]any{"order_id": orderID})
}

// ModifyOrder edits price/amount on an existing order.
func (d *Dispatcher) ModifyOrder(orderID string, newPrice, newAmount decimal.Decimal) *Future {
	return d.enqueue("private/edit", map[string]any{
		"order_id": orderID,
		"price":    newPrice,
		"amount":   newAmount,
	})
}

// GetActiveOrders lists every open order across instruments.
func (d *Dispatcher) GetActiveOrders() *Future {
	return d.enqueue("private/get_open_orders", map[string]any{"type": "all"})
}

// GetOrderState fetches the current state of one order.
func (d *Dispatcher) GetOrderState(orderID string) *Future {
	return d.enqueue("private/get_order_state", map[string]any{"order_id": orderID})
}

// GetOrderbook fetches the top-of-book snapshot for an instrument.
func (d *Dispatcher) GetOrderbook(instrument string) *Future {
	return d.enqueue("public/get_order_book", map[string]any{
		"instrument_name": instrument,
		"depth":           1,
	})
}

// GetInstrument fetches metadata for one instrument.
func (d *Dispatcher) GetInstrument(name string) *Future {
	return d.enqueue("public/get_instrument", map[string]any{"instrument_name": name})
}

// GetInstruments lists non-expired instruments for a currency/kind pair.
func (d *Dispatcher) GetInstruments(currency, kind string) *Future {
	return d.enqueue("public/get_instruments", map[string]any{
		"currency": currency,
		"kind":     kind,
		"expired":  false,
	})
}

// GetPositions lists open positions for a currency.
func (d *Dispatcher) GetPositions(currency string) *Future {
	return d.enqueue("private/get_positions", map[string]any{"currency": currency})
}

// State reports the dispatcher's current lifecycle state.
func (d *Dispatcher) State() State {
	return d.state.get()
}

// Stop clears the running flag, wakes the worker, and joins it. Envelopes
// already queued are still sent and completed normally before the worker
// exits; submissions made after Stop complete immediately with Cancelled.
// Calling Stop more than once is safe and has the same observable effect
// as once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.queue.stop()
		d.workerWG.Wait()
		logs.Info("dispatcher stopped")
	})
}

func nowID() int64 {
	return time.Now().UnixMilli()
}
