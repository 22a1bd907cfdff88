package game

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeCashOuter struct {
	mu       sync.Mutex
	payouts  map[string]decimal.Decimal
	snapshot RoundSnapshot
}

func (f *fakeCashOuter) CashOut(ctx context.Context, playerID string) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payout, ok := f.payouts[playerID]
	if !ok {
		return decimal.Zero, decimal.Zero, decimal.Zero, errors.New("no open wager")
	}
	return payout, payout, payout, nil
}

func (f *fakeCashOuter) Snapshot() RoundSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func newTestObserver() *observer {
	return &observer{
		out:      make(chan []byte, outboundQueueSize),
		lastSeen: time.Now(),
		done:     make(chan struct{}),
	}
}

func TestNewHub(t *testing.T) {
	h := NewHub(&fakeCashOuter{})
	if h.observers == nil {
		t.Error("observers map is nil")
	}
	if h.publish == nil {
		t.Error("publish channel is nil")
	}
	if h.register == nil || h.unregister == nil {
		t.Error("register/unregister channels are nil")
	}
}

func TestHub_ConnectionCount(t *testing.T) {
	h := NewHub(&fakeCashOuter{})
	if got := h.ConnectionCount(); got != 0 {
		t.Errorf("ConnectionCount() = %d, want 0", got)
	}
}

func TestHub_RegisterAndPublish(t *testing.T) {
	h := NewHub(&fakeCashOuter{})
	go h.Run()
	defer h.Stop()

	obs := newTestObserver()
	h.register <- obs
	time.Sleep(10 * time.Millisecond)

	if got := h.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1", got)
	}

	h.Publish(Event{Kind: EventRoundStarted, Data: "round-1"})

	select {
	case msg := <-obs.out:
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Kind != EventRoundStarted {
			t.Errorf("Kind = %s, want %s", evt.Kind, EventRoundStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("observer did not receive published event")
	}
}

func TestHub_Unregister(t *testing.T) {
	h := NewHub(&fakeCashOuter{})
	go h.Run()
	defer h.Stop()

	obs := newTestObserver()
	h.register <- obs
	time.Sleep(10 * time.Millisecond)

	h.unregister <- obs
	time.Sleep(10 * time.Millisecond)

	if got := h.ConnectionCount(); got != 0 {
		t.Fatalf("ConnectionCount() = %d, want 0", got)
	}
	select {
	case <-obs.done:
	default:
		t.Error("observer was not closed on unregister")
	}
}

func TestHub_PublishQueueFull(t *testing.T) {
	h := NewHub(&fakeCashOuter{})
	for i := 0; i < 1024; i++ {
		h.Publish(Event{Kind: EventMultiplierTick})
	}

	done := make(chan struct{})
	go func() {
		h.Publish(Event{Kind: EventMultiplierTick})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Publish() blocked when the queue was full")
	}
}

func TestHub_ConcurrentPublish(t *testing.T) {
	h := NewHub(&fakeCashOuter{})
	go h.Run()
	defer h.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Publish(Event{Kind: EventMultiplierTick})
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("concurrent publishes timed out")
	}
}

func TestHub_ConnectionCountThreadSafe(t *testing.T) {
	h := NewHub(&fakeCashOuter{})
	go h.Run()
	defer h.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.ConnectionCount()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("concurrent ConnectionCount() calls timed out")
	}
}

func TestHub_ReapStale(t *testing.T) {
	h := NewHub(&fakeCashOuter{})

	stale := newTestObserver()
	stale.lastSeen = time.Now().Add(-2 * reapAfter)
	fresh := newTestObserver()

	h.observers[stale] = struct{}{}
	h.observers[fresh] = struct{}{}

	h.reapStale()

	if _, ok := h.observers[stale]; ok {
		t.Error("stale observer was not reaped")
	}
	if _, ok := h.observers[fresh]; !ok {
		t.Error("fresh observer was incorrectly reaped")
	}
	select {
	case <-stale.done:
	default:
		t.Error("reaped observer was not closed")
	}
	select {
	case <-fresh.out:
	default:
		t.Error("fresh observer did not receive a keepalive ping")
	}
}

func TestHub_CloseAll(t *testing.T) {
	h := NewHub(&fakeCashOuter{})

	a, b := newTestObserver(), newTestObserver()
	h.observers[a] = struct{}{}
	h.observers[b] = struct{}{}

	h.closeAll()

	if len(h.observers) != 0 {
		t.Errorf("observers map has %d entries after closeAll, want 0", len(h.observers))
	}
	for _, obs := range []*observer{a, b} {
		select {
		case <-obs.done:
		default:
			t.Error("observer was not closed by closeAll")
		}
	}
}

func TestHub_Dispatch_Register(t *testing.T) {
	h := NewHub(&fakeCashOuter{})
	obs := newTestObserver()

	h.dispatch(context.Background(), obs, inboundFrame{Kind: "register", PlayerID: "alice"})

	if obs.boundPlayer() != "alice" {
		t.Errorf("boundPlayer() = %q, want alice", obs.boundPlayer())
	}
	assertFrameKind(t, obs, "registered")
}

func TestHub_Dispatch_RegisterMissingPlayerID(t *testing.T) {
	h := NewHub(&fakeCashOuter{})
	obs := newTestObserver()

	h.dispatch(context.Background(), obs, inboundFrame{Kind: "register"})

	assertFrameKind(t, obs, "register_error")
}

func TestHub_Dispatch_CashOutSuccess(t *testing.T) {
	engine := &fakeCashOuter{payouts: map[string]decimal.Decimal{"alice": decimal.NewFromFloat(2.5)}}
	h := NewHub(engine)
	obs := newTestObserver()
	obs.bind("alice")

	h.dispatch(context.Background(), obs, inboundFrame{Kind: "cash_out"})

	assertFrameKind(t, obs, "cashout_ok")
}

func TestHub_Dispatch_CashOutNotRegistered(t *testing.T) {
	h := NewHub(&fakeCashOuter{})
	obs := newTestObserver()

	h.dispatch(context.Background(), obs, inboundFrame{Kind: "cash_out"})

	assertFrameKind(t, obs, "cashout_err")
}

func TestHub_Dispatch_CashOutEngineError(t *testing.T) {
	h := NewHub(&fakeCashOuter{})
	obs := newTestObserver()
	obs.bind("bob")

	h.dispatch(context.Background(), obs, inboundFrame{Kind: "cash_out"})

	assertFrameKind(t, obs, "cashout_err")
}

func TestHub_Dispatch_GetState(t *testing.T) {
	engine := &fakeCashOuter{snapshot: RoundSnapshot{RoundID: "r-1", State: StateLive}}
	h := NewHub(engine)
	obs := newTestObserver()

	h.dispatch(context.Background(), obs, inboundFrame{Kind: "get_state"})

	assertFrameKind(t, obs, "state")
}

func TestHub_Dispatch_Ping(t *testing.T) {
	h := NewHub(&fakeCashOuter{})
	obs := newTestObserver()

	h.dispatch(context.Background(), obs, inboundFrame{Kind: "ping"})

	assertFrameKind(t, obs, "pong")
}

func TestHub_Dispatch_Unknown(t *testing.T) {
	h := NewHub(&fakeCashOuter{})
	obs := newTestObserver()

	h.dispatch(context.Background(), obs, inboundFrame{Kind: "nonsense"})

	assertFrameKind(t, obs, "error")
}

func assertFrameKind(t *testing.T, obs *observer, want string) {
	t.Helper()
	select {
	case msg := <-obs.out:
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Kind != want {
			t.Errorf("Kind = %s, want %s", evt.Kind, want)
		}
	default:
		t.Fatalf("observer received no frame, want kind %q", want)
	}
}
