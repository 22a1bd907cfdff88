package game

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crashgame/internal/ledger"
)

// RoundState is one point in the betting → live → crashed → settled
// cycle described by the engine's state machine.
type RoundState string

const (
	StateBetting RoundState = "betting"
	StateLive    RoundState = "live"
	StateCrashed RoundState = "crashed"
	StateSettled RoundState = "settled"
)

// Wager is a single player's stake in one round.
type Wager struct {
	ID                     string
	PlayerID               string
	StakeFiat              decimal.Decimal
	StakeAsset             decimal.Decimal
	Asset                  ledger.Asset
	PriceAtPlacement       decimal.Decimal
	AutoCashoutMultiplier  *decimal.Decimal
	CashedOut              bool
	CashoutMultiplier      *decimal.Decimal
	CashoutAssetAmount     *decimal.Decimal
	PlacedAt               time.Time
}

// Round is the live value the engine owns for the duration of one
// betting→settled cycle. mu guards Wagers, State, PeakMultiplier, and
// EndTime, which mutate after the round is created; LiveStartTime is
// set once when the round goes live; the other fields are fixed at
// construction.
type Round struct {
	ID             string
	Number         int64
	Seed           string
	Hash           string
	CrashPoint     decimal.Decimal
	StartTime      time.Time
	LiveStartTime  time.Time
	EndTime        *time.Time
	PeakMultiplier decimal.Decimal
	State          RoundState
	Wagers         []*Wager

	mu sync.RWMutex
}

func newRound(number int64, id, seed, hash string, crashPoint decimal.Decimal) *Round {
	return &Round{
		ID:             id,
		Number:         number,
		Seed:           seed,
		Hash:           hash,
		CrashPoint:     crashPoint,
		StartTime:      time.Now(),
		PeakMultiplier: decimal.NewFromInt(1),
		State:          StateBetting,
	}
}

func (r *Round) state() RoundState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.State
}

func (r *Round) setState(s RoundState) {
	r.mu.Lock()
	r.State = s
	r.mu.Unlock()
}

func (r *Round) openWager(playerID string) (*Wager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.Wagers {
		if w.PlayerID == playerID && !w.CashedOut {
			return w, true
		}
	}
	return nil, false
}

func (r *Round) hasWager(playerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.Wagers {
		if w.PlayerID == playerID {
			return true
		}
	}
	return false
}

func (r *Round) appendWager(w *Wager) {
	r.mu.Lock()
	r.Wagers = append(r.Wagers, w)
	r.mu.Unlock()
}

// tryAppendWager appends w only if playerID has no wager yet in this
// round, checking and appending under a single lock so two concurrent
// callers for the same player can't both pass the check.
func (r *Round) tryAppendWager(playerID string, w *Wager) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.Wagers {
		if existing.PlayerID == playerID {
			return false
		}
	}
	r.Wagers = append(r.Wagers, w)
	return true
}

func (r *Round) openWagers() []*Wager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Wager, 0, len(r.Wagers))
	for _, w := range r.Wagers {
		if !w.CashedOut {
			out = append(out, w)
		}
	}
	return out
}

func (r *Round) bumpPeak(multiplier decimal.Decimal) {
	r.mu.Lock()
	if multiplier.GreaterThan(r.PeakMultiplier) {
		r.PeakMultiplier = multiplier
	}
	r.mu.Unlock()
}

func (r *Round) snapshot() RoundSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RoundSnapshot{
		RoundID:    r.ID,
		State:      r.State,
		Hash:       r.Hash,
		StartTime:  r.StartTime,
		WagerCount: len(r.Wagers),
	}
}

// RoundSnapshot is the read-only view exposed to observers and the
// facade; it never carries the seed or crash point while the round is
// still live.
type RoundSnapshot struct {
	RoundID    string     `json:"round_id"`
	State      RoundState `json:"state"`
	Multiplier string     `json:"multiplier,omitempty"`
	IsLive     bool       `json:"is_live"`
	StartTime  time.Time  `json:"start_time"`
	WagerCount int        `json:"wager_count"`
	Hash       string     `json:"hash"`
}

// Event is published by the engine on its outbound sink and fanned out
// by the Broadcast Hub to every attached observer, one JSON object per
// frame: {"type": kind, "data": payload}.
type Event struct {
	Kind string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	EventRoundStarted    = "round_started"
	EventMultiplierTick  = "multiplier_tick"
	EventRoundCrashed    = "round_crashed"
	EventWagerPlaced     = "wager_placed"
	EventCashoutAccepted = "cashout_accepted"
)

type RoundStartedPayload struct {
	RoundID   string    `json:"round_id"`
	Hash      string    `json:"hash"`
	StartTime time.Time `json:"start_time"`
}

type MultiplierTickPayload struct {
	RoundID    string `json:"round_id"`
	Multiplier string `json:"multiplier"`
	Now        int64  `json:"now"`
}

type RoundCrashedPayload struct {
	RoundID    string `json:"round_id"`
	CrashPoint string `json:"crash_point"`
	Seed       string `json:"seed"`
	Now        int64  `json:"now"`
}

type WagerPlacedPayload struct {
	RoundID    string `json:"round_id"`
	PlayerID   string `json:"player_id"`
	StakeFiat  string `json:"stake_fiat"`
	StakeAsset string `json:"stake_asset"`
	Asset      string `json:"asset"`
}

type CashoutAcceptedPayload struct {
	RoundID    string `json:"round_id"`
	PlayerID   string `json:"player_id"`
	Multiplier string `json:"multiplier"`
	PayoutFiat string `json:"payout_fiat"`
	Asset      string `json:"asset"`
}

// Sink is the engine's only way of reaching the outside world during a
// tick; the hub implements it. This breaks the cyclic engine↔hub
// reference the teacher's direct-broadcast-call style invites.
type Sink interface {
	Publish(Event)
}

// discardSink is the placeholder Sink an Engine is built with before
// its real Hub exists; see Engine.SetSink.
type discardSink struct{}

func (discardSink) Publish(Event) {}
