package game

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/shopspring/decimal"

	"crashgame/internal/metrics"
)

const (
	outboundQueueSize = 256
	keepaliveInterval = 30 * time.Second
	reapAfter         = 120 * time.Second
)

// observer is one attached websocket connection. Outbound sends are
// queued on out and flushed by a dedicated writer goroutine so a slow
// or dead client can never block the hub's fan-out loop; once the
// queue is full, the observer is dropped rather than buffered further.
type observer struct {
	conn     *websocket.Conn
	playerID string

	out      chan []byte
	lastSeen time.Time
	mu       sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (o *observer) touch() {
	o.mu.Lock()
	o.lastSeen = time.Now()
	o.mu.Unlock()
}

func (o *observer) idleFor() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return time.Since(o.lastSeen)
}

func (o *observer) bind(playerID string) {
	o.mu.Lock()
	o.playerID = playerID
	o.mu.Unlock()
}

func (o *observer) boundPlayer() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.playerID
}

func (o *observer) enqueue(payload []byte) bool {
	select {
	case o.out <- payload:
		return true
	default:
		return false
	}
}

func (o *observer) close() {
	o.closeOnce.Do(func() {
		close(o.done)
		if o.conn != nil {
			o.conn.Close()
		}
	})
}

// Hub fans out Engine events to every attached observer and dispatches
// inbound register/cash_out/get_state/ping frames. It implements Sink.
type Hub struct {
	engine CashOuter

	mu        sync.RWMutex
	observers map[*observer]struct{}

	publish    chan Event
	register   chan *observer
	unregister chan *observer
	stopCh     chan struct{}
}

// CashOuter is the engine surface the hub dispatches inbound cash_out
// and get_state frames to. The hub never holds a reference to the full
// Engine (only this narrow entry point), avoiding the cyclic
// engine↔hub coupling the teacher's direct broadcast calls invite.
type CashOuter interface {
	CashOut(ctx context.Context, playerID string) (multiplier, payoutFiat, payoutAsset decimal.Decimal, err error)
	Snapshot() RoundSnapshot
}

func NewHub(engine CashOuter) *Hub {
	return &Hub{
		engine:     engine,
		observers:  make(map[*observer]struct{}),
		publish:    make(chan Event, 1024),
		register:   make(chan *observer),
		unregister: make(chan *observer),
		stopCh:     make(chan struct{}),
	}
}

// Publish implements Sink. It never blocks the engine: if the internal
// fan-out queue is itself saturated (the hub loop is wedged), the event
// is dropped and counted rather than stalling the caller.
func (h *Hub) Publish(evt Event) {
	select {
	case h.publish <- evt:
	default:
		metrics.HubDroppedMessages.Inc()
		log.Printf("[HUB] publish queue full, dropping %s event", evt.Kind)
	}
}

// Run is the hub's single-threaded event loop; it owns the observer
// set exclusively.
func (h *Hub) Run() {
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-h.stopCh:
			h.closeAll()
			return

		case obs := <-h.register:
			h.mu.Lock()
			h.observers[obs] = struct{}{}
			h.mu.Unlock()
			metrics.HubConnections.Inc()

		case obs := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.observers[obs]; ok {
				delete(h.observers, obs)
				obs.close()
				metrics.HubConnections.Dec()
			}
			h.mu.Unlock()

		case evt := <-h.publish:
			h.fanOut(evt)

		case <-keepalive.C:
			h.reapStale()
		}
	}
}

func (h *Hub) Stop() {
	close(h.stopCh)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for obs := range h.observers {
		delete(h.observers, obs)
		obs.close()
		metrics.HubConnections.Dec()
	}
}

func (h *Hub) fanOut(evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("[HUB] marshal error for %s event: %v", evt.Kind, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for obs := range h.observers {
		if !obs.enqueue(payload) {
			metrics.HubDroppedMessages.Inc()
			delete(h.observers, obs)
			obs.close()
			metrics.HubConnections.Dec()
		}
	}
}

func (h *Hub) reapStale() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for obs := range h.observers {
		if obs.idleFor() > reapAfter {
			delete(h.observers, obs)
			obs.close()
			metrics.HubConnections.Dec()
			continue
		}
		obs.enqueue(mustMarshal(Event{Kind: "keepalive", Data: nil}))
	}
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Attach starts serving one websocket connection: a writer goroutine
// drains its outbound queue while the caller's goroutine reads inbound
// frames until the connection closes.
func (h *Hub) Attach(ctx context.Context, conn *websocket.Conn) {
	obs := &observer{
		conn:     conn,
		out:      make(chan []byte, outboundQueueSize),
		lastSeen: time.Now(),
		done:     make(chan struct{}),
	}

	h.register <- obs
	go h.writeLoop(obs)

	snap := h.engine.Snapshot()
	if b, err := json.Marshal(Event{Kind: "initial_state", Data: snap}); err == nil {
		obs.enqueue(b)
	}

	h.readLoop(ctx, obs)
}

// writeLoop runs detached from the fiber request goroutine that
// accepted this connection, so fiber's recover middleware never sees a
// panic here — it must contain its own, or one bad observer (e.g. a
// websocket.Conn method panicking after a concurrent close) would take
// down every other player's connection along with it.
func (h *Hub) writeLoop(obs *observer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[GAME] panic in observer write loop: %v", r)
			h.unregister <- obs
		}
	}()

	for {
		select {
		case <-obs.done:
			return
		case msg := <-obs.out:
			obs.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := obs.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.unregister <- obs
				return
			}
		}
	}
}

// inboundFrame is the tagged sum every inbound message is decoded into
// before dispatch; payload fields are kind-specific and parsed lazily.
type inboundFrame struct {
	Kind     string `json:"type"`
	PlayerID string `json:"player_id,omitempty"`
}

func (h *Hub) readLoop(ctx context.Context, obs *observer) {
	defer func() { h.unregister <- obs }()

	for {
		_, raw, err := obs.conn.ReadMessage()
		if err != nil {
			return
		}
		obs.touch()

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			obs.enqueue(mustMarshal(Event{Kind: "error", Data: "malformed frame"}))
			continue
		}

		h.dispatch(ctx, obs, frame)
	}
}

func (h *Hub) dispatch(ctx context.Context, obs *observer, frame inboundFrame) {
	switch frame.Kind {
	case "register":
		if frame.PlayerID == "" {
			obs.enqueue(mustMarshal(Event{Kind: "register_error", Data: "player_id required"}))
			return
		}
		obs.bind(frame.PlayerID)
		obs.enqueue(mustMarshal(Event{Kind: "registered", Data: frame.PlayerID}))

	case "cash_out":
		playerID := frame.PlayerID
		if playerID == "" {
			playerID = obs.boundPlayer()
		}
		if playerID == "" {
			obs.enqueue(mustMarshal(Event{Kind: "cashout_err", Data: "not registered"}))
			return
		}
		multiplier, payoutFiat, payoutAsset, err := h.engine.CashOut(ctx, playerID)
		if err != nil {
			obs.enqueue(mustMarshal(Event{Kind: "cashout_err", Data: err.Error()}))
			return
		}
		obs.enqueue(mustMarshal(Event{Kind: "cashout_ok", Data: map[string]string{
			"multiplier":    multiplier.String(),
			"payout_fiat":   payoutFiat.String(),
			"payout_asset":  payoutAsset.String(),
		}}))

	case "get_state":
		obs.enqueue(mustMarshal(Event{Kind: "state", Data: h.engine.Snapshot()}))

	case "ping":
		obs.enqueue(mustMarshal(Event{Kind: "pong", Data: nil}))

	default:
		obs.enqueue(mustMarshal(Event{Kind: "error", Data: "unknown frame type"}))
	}
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","data":"marshal failure"}`)
	}
	return b
}
