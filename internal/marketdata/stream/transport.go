// Package stream maintains the upstream WebSocket sessions. At most one
// physical connection exists per market; stream subscriptions multiplex over
// it via the combined-stream envelope. Reconnection uses linear back-off and
// surfaces a reconnect-failed event when the budget is exhausted.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"candlefeedv1/internal/model"

	"github.com/gorilla/websocket"
)

// FrameHandler receives the verbatim "data" bytes of frames matching a
// subscribed stream. It runs on the connection's reader goroutine and must
// not block.
type FrameHandler func(data []byte)

// State of a market connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config tunes the transport.
type Config struct {
	SpotURL              string // ws base, e.g. "wss://stream.binance.com:9443"
	FuturesURL           string
	ReconnectInterval    time.Duration // back-off base (default 5s)
	MaxReconnectAttempts int           // per continuous failure run (default 5)
}

func (c *Config) defaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
}

// Status describes one market connection.
type Status struct {
	Open          bool     `json:"open"`
	State         string   `json:"state"`
	Attempts      int      `json:"attempts"`
	Subscriptions []string `json:"subscriptions"`
}

// Transport owns the per-market connections.
type Transport struct {
	cfg Config
	pub model.Publisher

	mu    sync.Mutex
	conns map[model.Market]*marketConn

	// OnReconnect is called on every reconnection attempt (optional, for
	// metrics).
	OnReconnect func(market model.Market)
}

// New creates a Transport. pub receives stream.reconnect-failed events.
func New(cfg Config, pub model.Publisher) *Transport {
	cfg.defaults()
	return &Transport{
		cfg:   cfg,
		pub:   pub,
		conns: make(map[model.Market]*marketConn),
	}
}

func (t *Transport) baseURL(market model.Market) string {
	if market == model.MarketFutures {
		return t.cfg.FuturesURL
	}
	return t.cfg.SpotURL
}

// Subscribe registers a stream on the market's connection, opening it if
// needed. Re-subscribing the same stream replaces the handler without
// touching the socket.
func (t *Transport) Subscribe(ctx context.Context, market model.Market, streamName string, h FrameHandler) {
	t.mu.Lock()
	mc, ok := t.conns[market]
	if !ok {
		mc = newMarketConn(t, market, t.baseURL(market))
		t.conns[market] = mc
	}
	t.mu.Unlock()
	mc.subscribe(ctx, streamName, h)
}

// Unsubscribe removes a stream handler. The connection closes once no
// subscriptions remain.
func (t *Transport) Unsubscribe(market model.Market, streamName string) {
	t.mu.Lock()
	mc := t.conns[market]
	t.mu.Unlock()
	if mc != nil {
		mc.unsubscribe(streamName)
	}
}

// Resubscribe re-issues the upstream subscription for one stream. On an open
// connection it rewrites the SUBSCRIBE; on one whose reconnect budget is
// spent it restarts the connection with a fresh budget. Used by the health
// monitor when a stream goes stale.
func (t *Transport) Resubscribe(market model.Market, streamName string) {
	t.mu.Lock()
	mc := t.conns[market]
	t.mu.Unlock()
	if mc != nil {
		mc.resubscribe(streamName)
	}
}

// Status reports every market connection.
func (t *Transport) Status() map[model.Market]Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[model.Market]Status, len(t.conns))
	for market, mc := range t.conns {
		out[market] = mc.status()
	}
	return out
}

// CloseAll shuts every connection down.
func (t *Transport) CloseAll() {
	t.mu.Lock()
	conns := make([]*marketConn, 0, len(t.conns))
	for _, mc := range t.conns {
		conns = append(conns, mc)
	}
	t.mu.Unlock()
	for _, mc := range conns {
		mc.shutdown()
	}
}

// ── market connection ──

type marketConn struct {
	t      *Transport
	market model.Market
	base   string

	mu       sync.Mutex
	handlers map[string]FrameHandler
	ws       *websocket.Conn
	ctx      context.Context // from the most recent Subscribe, for restarts
	state    State
	attempts int
	running  bool
	nextID   int
}

func newMarketConn(t *Transport, market model.Market, base string) *marketConn {
	return &marketConn{
		t:        t,
		market:   market,
		base:     base,
		handlers: make(map[string]FrameHandler),
	}
}

func (mc *marketConn) status() Status {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	subs := make([]string, 0, len(mc.handlers))
	for name := range mc.handlers {
		subs = append(subs, name)
	}
	return Status{
		Open:          mc.state == StateOpen,
		State:         mc.state.String(),
		Attempts:      mc.attempts,
		Subscriptions: subs,
	}
}

func (mc *marketConn) subscribe(ctx context.Context, streamName string, h FrameHandler) {
	mc.mu.Lock()
	_, replacing := mc.handlers[streamName]
	mc.handlers[streamName] = h
	mc.ctx = ctx
	ws := mc.ws
	start := !mc.running
	if start {
		mc.running = true
		mc.state = StateConnecting
		mc.attempts = 0
	}
	mc.mu.Unlock()

	if start {
		go mc.run(ctx)
		return
	}
	if !replacing && ws != nil {
		mc.writeControl(ws, "SUBSCRIBE", streamName)
	}
}

func (mc *marketConn) unsubscribe(streamName string) {
	mc.mu.Lock()
	delete(mc.handlers, streamName)
	ws := mc.ws
	empty := len(mc.handlers) == 0
	mc.mu.Unlock()

	if ws == nil {
		return
	}
	if empty {
		// Reader exits on close; the run loop sees no handlers and stops.
		ws.Close()
		return
	}
	mc.writeControl(ws, "UNSUBSCRIBE", streamName)
}

func (mc *marketConn) resubscribe(streamName string) {
	mc.mu.Lock()
	_, ok := mc.handlers[streamName]
	ws := mc.ws
	ctx := mc.ctx
	restart := ok && ws == nil && !mc.running && ctx != nil
	if restart {
		// Connection died for good (reconnect budget spent). Restart the
		// run loop with a fresh budget instead of writing into nothing.
		mc.running = true
		mc.state = StateConnecting
		mc.attempts = 0
	}
	mc.mu.Unlock()

	if restart {
		go mc.run(ctx)
		return
	}
	if !ok || ws == nil {
		return
	}
	mc.writeControl(ws, "UNSUBSCRIBE", streamName)
	mc.writeControl(ws, "SUBSCRIBE", streamName)
}

func (mc *marketConn) shutdown() {
	mc.mu.Lock()
	mc.handlers = make(map[string]FrameHandler)
	ws := mc.ws
	mc.mu.Unlock()
	if ws != nil {
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		ws.Close()
	}
}

func (mc *marketConn) writeControl(ws *websocket.Conn, method, streamName string) {
	mc.mu.Lock()
	mc.nextID++
	id := mc.nextID
	mc.mu.Unlock()
	msg := struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int      `json:"id"`
	}{Method: method, Params: []string{streamName}, ID: id}
	if err := ws.WriteJSON(msg); err != nil {
		log.Printf("[stream] %s %s %s failed: %v", mc.market, method, streamName, err)
	}
}

func (mc *marketConn) streamList() []string {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	out := make([]string, 0, len(mc.handlers))
	for name := range mc.handlers {
		out = append(out, name)
	}
	return out
}

// run owns the dial/read/back-off cycle for one market. Exits when the
// context ends, no subscriptions remain, or the reconnect budget is spent.
func (mc *marketConn) run(ctx context.Context) {
	defer func() {
		mc.mu.Lock()
		mc.running = false
		if mc.state != StateFailed {
			mc.state = StateIdle
		}
		mc.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		streams := mc.streamList()
		if len(streams) == 0 {
			return
		}

		u := mc.base + "/stream?streams=" + strings.Join(streams, "/")
		mc.setState(StateConnecting)

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
		if err == nil {
			mc.mu.Lock()
			mc.ws = ws
			mc.state = StateOpen
			mc.attempts = 0
			mc.mu.Unlock()
			log.Printf("[stream] %s connected (%d streams)", mc.market, len(streams))

			err = mc.readLoop(ctx, ws)

			mc.mu.Lock()
			mc.ws = nil
			mc.mu.Unlock()
			ws.Close()
		}

		if ctx.Err() != nil || len(mc.streamList()) == 0 {
			return
		}

		mc.mu.Lock()
		mc.state = StateReconnecting
		mc.attempts++
		attempts := mc.attempts
		mc.mu.Unlock()

		if mc.t.OnReconnect != nil {
			mc.t.OnReconnect(mc.market)
		}

		if attempts > mc.t.cfg.MaxReconnectAttempts {
			mc.setState(StateFailed)
			errMsg := "connection closed"
			if err != nil {
				errMsg = err.Error()
			}
			log.Printf("[stream] %s reconnect budget exhausted after %d attempts: %s",
				mc.market, attempts-1, errMsg)
			mc.t.pub.Publish(model.NewEvent(model.TopicReconnectFailed, "stream-transport",
				model.ReconnectFailed{Market: mc.market, Attempts: attempts - 1, Error: errMsg}))
			return
		}

		delay := mc.t.cfg.ReconnectInterval * time.Duration(attempts)
		log.Printf("[stream] %s disconnected (%v), reconnect attempt %d in %s",
			mc.market, err, attempts, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (mc *marketConn) setState(s State) {
	mc.mu.Lock()
	mc.state = s
	mc.mu.Unlock()
}

// readLoop reads frames until the socket dies, dispatching kline payloads to
// their stream handler. Malformed frames are logged and dropped; they never
// close the connection.
func (mc *marketConn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		mc.dispatch(raw)
	}
}

// combinedFrame is the combined-stream envelope. Control acks carry only
// "result"/"id" and are skipped.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int            `json:"id"`
}

func (mc *marketConn) dispatch(raw []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Printf("[stream] %s malformed frame, dropping: %v", mc.market, err)
		return
	}
	if frame.ID != nil {
		return // SUBSCRIBE/UNSUBSCRIBE ack
	}

	data := frame.Data
	name := frame.Stream
	if name == "" {
		// Raw (non-combined) endpoint: synthesize the stream name from the
		// event body.
		data = raw
		var ev struct {
			EventType string `json:"e"`
			// Exact match for "E" so it cannot fold onto the "e" tag.
			EventTime int64  `json:"E"`
			Symbol    string `json:"s"`
			K         struct {
				Interval string `json:"i"`
			} `json:"k"`
		}
		if err := json.Unmarshal(raw, &ev); err != nil || ev.EventType == "" || ev.Symbol == "" {
			log.Printf("[stream] %s frame without stream name, dropping", mc.market)
			return
		}
		name = strings.ToLower(ev.Symbol) + "@" + ev.EventType + "_" + ev.K.Interval
	}

	mc.mu.Lock()
	h := mc.handlers[name]
	mc.mu.Unlock()
	if h == nil {
		return
	}
	h(data)
}
