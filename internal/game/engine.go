package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crashgame/internal/config"
	"crashgame/internal/fairness"
	"crashgame/internal/ledger"
	"crashgame/internal/metrics"
	"crashgame/internal/priceoracle"
)

var (
	ErrBettingClosed       = errors.New("game: betting window is closed")
	ErrInvalidStake        = errors.New("game: stake must be within configured bounds")
	ErrDuplicateWager      = errors.New("game: player already has an open wager this round")
	ErrRoundNotLive        = errors.New("game: round is not live")
	ErrNoOpenWager         = errors.New("game: no open wager for this player")
	ErrUnsupportedAsset    = errors.New("game: unsupported asset")
)

// Engine drives the betting → live → crashed → settled cycle. It owns
// the current Round value exclusively; every other component reaches
// it only through PlaceWager, CashOut, and Snapshot.
type Engine struct {
	cfg     config.Config
	ledger  ledger.Ledger
	oracle  *priceoracle.Oracle
	store   RoundStore
	sink    Sink

	mu          sync.RWMutex
	round       *Round
	roundNumber int64

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewEngine(cfg config.Config, led ledger.Ledger, oracle *priceoracle.Oracle, store RoundStore, sink Sink) *Engine {
	if sink == nil {
		sink = discardSink{}
	}
	return &Engine{
		cfg:    cfg,
		ledger: led,
		oracle: oracle,
		store:  store,
		sink:   sink,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetSink replaces the engine's event sink. It exists to break the
// construction cycle between Engine and Hub: NewHub takes a CashOuter,
// which only an already-built Engine satisfies, so the caller builds
// the Engine with a no-op Sink, builds the Hub around it, then calls
// SetSink(hub) before Start. Not safe to call once Start has run.
func (e *Engine) SetSink(sink Sink) {
	e.sink = sink
}

// Start runs the round cycle loop in its own goroutine.
func (e *Engine) Start(ctx context.Context) {
	go e.loop(ctx)
}

// Stop requests a cooperative shutdown: the current round is aborted
// (crashed at whatever multiplier it last reached) and no further
// round begins. Stop blocks until the loop has exited.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			return
		default:
			e.runRound(ctx)
		}
	}
}

// Store exposes the engine's RoundStore for round-history and
// round-details queries; it is nil if the engine was built without
// persistence.
func (e *Engine) Store() RoundStore {
	return e.store
}

func (e *Engine) currentRound() *Round {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.round
}

func (e *Engine) runRound(ctx context.Context) {
	e.mu.Lock()
	e.roundNumber++
	number := e.roundNumber
	e.mu.Unlock()

	seed := fairness.NewSeed()
	hash := fairness.Hash(seed, int(number))
	crashPoint := fairness.CrashPoint(seed, int(number), e.cfg.MaxCrash)

	round := newRound(number, uuid.New().String(), seed, hash, decimal.NewFromFloat(crashPoint))

	e.mu.Lock()
	e.round = round
	e.mu.Unlock()

	e.sink.Publish(Event{Kind: EventRoundStarted, Data: RoundStartedPayload{
		RoundID:   round.ID,
		Hash:      hash,
		StartTime: round.StartTime,
	}})
	metrics.RoundsStarted.Inc()

	if e.waitOrStop(e.cfg.BettingWindow) {
		e.abortRound(round)
		return
	}

	round.setState(StateLive)
	round.LiveStartTime = time.Now()

	if e.runLivePhase(ctx, round) {
		e.abortRound(round)
		return
	}

	e.settleRound(ctx, round)
	e.waitOrStop(e.cfg.RoundPeriod - e.cfg.BettingWindow - time.Since(round.LiveStartTime))
}

// runLivePhase ticks the multiplier until crash or shutdown. It
// returns true if shutdown was requested mid-round.
func (e *Engine) runLivePhase(ctx context.Context, round *Round) bool {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return true
		case <-ticker.C:
			elapsed := time.Since(round.LiveStartTime).Seconds()
			multiplier := currentMultiplier(round.CrashPoint, elapsed)

			if multiplier.GreaterThanOrEqual(round.CrashPoint) {
				round.setState(StateCrashed)
				return false
			}

			round.bumpPeak(multiplier)
			e.sink.Publish(Event{Kind: EventMultiplierTick, Data: MultiplierTickPayload{
				RoundID:    round.ID,
				Multiplier: multiplier.StringFixed(2),
				Now:        time.Now().UnixMilli(),
			}})

			e.processAutoCashouts(ctx, round, multiplier)
		}
	}
}

func (e *Engine) processAutoCashouts(ctx context.Context, round *Round, multiplier decimal.Decimal) {
	for _, w := range round.openWagers() {
		if w.AutoCashoutMultiplier != nil && multiplier.GreaterThanOrEqual(*w.AutoCashoutMultiplier) {
			if _, _, err := e.cashOutWager(ctx, round, w, *w.AutoCashoutMultiplier); err != nil {
				log.Printf("[GAME] auto cash-out failed for player %s: %v", w.PlayerID, err)
			} else {
				metrics.CashoutsTotal.WithLabelValues(string(w.Asset), "auto").Inc()
			}
		}
	}
}

func (e *Engine) settleRound(ctx context.Context, round *Round) {
	now := time.Now()
	round.mu.Lock()
	round.EndTime = &now
	round.mu.Unlock()

	e.sink.Publish(Event{Kind: EventRoundCrashed, Data: RoundCrashedPayload{
		RoundID:    round.ID,
		CrashPoint: round.CrashPoint.StringFixed(2),
		Seed:       round.Seed,
		Now:        now.UnixMilli(),
	}})
	metrics.RoundsCrashed.Inc()

	for _, w := range round.openWagers() {
		if err := e.ledger.IncrementLosses(ctx, w.PlayerID); err != nil {
			log.Printf("[GAME] failed to record loss for player %s: %v", w.PlayerID, err)
		}
	}

	round.setState(StateSettled)

	if e.store != nil {
		if err := e.store.SaveRound(ctx, round); err != nil {
			log.Printf("[GAME] failed to persist round %s: %v", round.ID, err)
		}
	}
}

// abortRound is invoked on shutdown mid-round: it crashes the round at
// its last-observed multiplier and settles exactly as a natural crash
// would. The loop then sees the stop request and exits.
func (e *Engine) abortRound(round *Round) {
	round.setState(StateCrashed)
	ctx := context.Background()
	e.settleRound(ctx, round)
}

// waitOrStop sleeps for d or returns early (true) if shutdown is
// requested during the wait.
func (e *Engine) waitOrStop(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.stopCh:
		return true
	case <-timer.C:
		return false
	}
}

// PlaceWager is the only entry point for staking into the current
// round. It is rejected outright unless the round is in betting.
func (e *Engine) PlaceWager(ctx context.Context, playerID string, stakeFiat decimal.Decimal, asset ledger.Asset) (*Wager, error) {
	if !ledger.IsSupported(asset) {
		return nil, ErrUnsupportedAsset
	}
	if stakeFiat.LessThanOrEqual(decimal.Zero) ||
		stakeFiat.GreaterThan(decimal.NewFromFloat(e.cfg.MaxStakeFiat)) ||
		stakeFiat.LessThan(decimal.NewFromFloat(e.cfg.MinStakeFiat)) {
		return nil, ErrInvalidStake
	}

	round := e.currentRound()
	if round == nil || round.state() != StateBetting {
		return nil, ErrBettingClosed
	}
	if round.hasWager(playerID) {
		return nil, ErrDuplicateWager
	}

	// This early check is only a fast-path rejection; tryAppendWager
	// below is the actual atomic check-and-append that enforces
	// uniqueness against concurrent callers for the same player.

	price, err := e.oracle.Price(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("resolve price: %w", err)
	}

	stakeAsset := stakeFiat.Div(price)

	if _, err := e.ledger.Debit(ctx, playerID, asset, stakeAsset); err != nil {
		return nil, err
	}

	w := &Wager{
		ID:               uuid.New().String(),
		PlayerID:         playerID,
		StakeFiat:        stakeFiat,
		StakeAsset:       stakeAsset,
		Asset:            asset,
		PriceAtPlacement: price,
		PlacedAt:         time.Now(),
	}

	// Re-check the round is still the same and still betting before
	// appending; a crash could have landed between the price fetch and
	// here under extreme scheduling delay.
	if round.state() != StateBetting || e.currentRound() != round {
		e.refundWager(ctx, w)
		return nil, ErrBettingClosed
	}

	// tryAppendWager checks-and-appends under one lock, so two
	// concurrent PlaceWager calls for the same player can't both pass
	// the hasWager check above and both append.
	if !round.tryAppendWager(playerID, w) {
		e.refundWager(ctx, w)
		return nil, ErrDuplicateWager
	}

	if err := e.ledger.RecordTransaction(ctx, ledger.Transaction{
		PlayerID:    playerID,
		RoundID:     round.ID,
		Kind:        ledger.KindWager,
		FiatAmount:  stakeFiat,
		AssetAmount: stakeAsset,
		Asset:       asset,
		PriceAtTime: price,
	}); err != nil {
		log.Printf("[GAME] failed to record wager transaction for player %s: %v", playerID, err)
	}
	if err := e.ledger.IncrementWagerCount(ctx, playerID); err != nil {
		log.Printf("[GAME] failed to increment wager count for player %s: %v", playerID, err)
	}

	metrics.WagersPlaced.WithLabelValues(string(asset)).Inc()
	metrics.WagerVolumeFiat.WithLabelValues(string(asset)).Add(mustFloat(stakeFiat))

	e.sink.Publish(Event{Kind: EventWagerPlaced, Data: WagerPlacedPayload{
		RoundID:    round.ID,
		PlayerID:   playerID,
		StakeFiat:  stakeFiat.StringFixed(2),
		StakeAsset: stakeAsset.String(),
		Asset:      string(asset),
	}})

	return w, nil
}

func (e *Engine) refundWager(ctx context.Context, w *Wager) {
	if _, err := e.ledger.Credit(ctx, w.PlayerID, w.Asset, w.StakeAsset); err != nil {
		log.Printf("[GAME] failed to refund rejected wager for player %s: %v", w.PlayerID, err)
	}
}

// CashOut claims the current multiplier for the caller's open wager in
// the current round. It is rejected unless the round is live.
func (e *Engine) CashOut(ctx context.Context, playerID string) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	round := e.currentRound()
	if round == nil || round.state() != StateLive {
		return decimal.Zero, decimal.Zero, decimal.Zero, ErrRoundNotLive
	}

	w, ok := round.openWager(playerID)
	if !ok {
		return decimal.Zero, decimal.Zero, decimal.Zero, ErrNoOpenWager
	}

	elapsed := time.Since(round.LiveStartTime).Seconds()
	multiplier := currentMultiplier(round.CrashPoint, elapsed)

	payoutFiat, payoutAsset, err := e.cashOutWager(ctx, round, w, multiplier)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}

	metrics.CashoutsTotal.WithLabelValues(string(w.Asset), "manual").Inc()
	return multiplier, payoutFiat, payoutAsset, nil
}

// cashOutWager performs the atomic read-and-settle for one wager at a
// given multiplier, used by both manual and automatic cash-out paths.
// It re-validates the round is still live and the requested multiplier
// is still below CrashPoint under the same lock that marks the wager
// cashed out, so a crash racing with this call (the tick loop flips
// State to StateCrashed only up to cfg.Tick after the true crash
// instant) can never pay out at or past the true crash point, even
// when a caller computed multiplier from a stale wall-clock read.
func (e *Engine) cashOutWager(ctx context.Context, round *Round, w *Wager, multiplier decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	round.mu.Lock()
	if round.State != StateLive || w.CashedOut || multiplier.GreaterThanOrEqual(round.CrashPoint) {
		round.mu.Unlock()
		return decimal.Zero, decimal.Zero, ErrRoundNotLive
	}
	w.CashedOut = true
	payoutAsset := w.StakeAsset.Mul(multiplier)
	payoutFiat := w.StakeFiat.Mul(multiplier)
	w.CashoutMultiplier = &multiplier
	w.CashoutAssetAmount = &payoutAsset
	round.mu.Unlock()

	if _, err := e.ledger.Credit(ctx, w.PlayerID, w.Asset, payoutAsset); err != nil {
		// Fatal inconsistency: the wager is already marked cashed_out.
		// The Reconciler repairs this divergence on next startup.
		log.Printf("[GAME] FATAL: credit failed after cash-out for player %s round %s: %v", w.PlayerID, round.ID, err)
		return decimal.Zero, decimal.Zero, err
	}

	if err := e.ledger.RecordTransaction(ctx, ledger.Transaction{
		PlayerID:    w.PlayerID,
		RoundID:     round.ID,
		Kind:        ledger.KindCashout,
		FiatAmount:  payoutFiat,
		AssetAmount: payoutAsset,
		Asset:       w.Asset,
		PriceAtTime: w.PriceAtPlacement,
		Multiplier:  &multiplier,
	}); err != nil {
		log.Printf("[GAME] failed to record cashout transaction for player %s: %v", w.PlayerID, err)
	}

	if _, err := e.ledger.Credit(ctx, w.PlayerID, w.Asset, payoutAsset); err != nil {
		// Fatal inconsistency: the wager is already marked cashed_out.
		// The Reconciler repairs this divergence on next startup.
		log.Printf("[GAME] FATAL: credit failed after cash-out for player %s round %s: %v", w.PlayerID, round.ID, err)
		return decimal.Zero, decimal.Zero, err
	}
	if err := e.ledger.IncrementWins(ctx, w.PlayerID); err != nil {
		log.Printf("[GAME] failed to increment wins for player %s: %v", w.PlayerID, err)
	}

	e.sink.Publish(Event{Kind: EventCashoutAccepted, Data: CashoutAcceptedPayload{
		RoundID:    round.ID,
		PlayerID:   w.PlayerID,
		Multiplier: multiplier.StringFixed(2),
		PayoutFiat: payoutFiat.StringFixed(2),
		Asset:      string(w.Asset),
	}})

	return payoutFiat, payoutAsset, nil
}

// Snapshot returns a read-only view of the current round for the
// facade and for observers requesting get_state.
func (e *Engine) Snapshot() RoundSnapshot {
	round := e.currentRound()
	if round == nil {
		return RoundSnapshot{}
	}
	snap := round.snapshot()
	snap.IsLive = snap.State == StateLive
	if snap.IsLive {
		elapsed := time.Since(round.LiveStartTime).Seconds()
		snap.Multiplier = currentMultiplier(round.CrashPoint, elapsed).StringFixed(2)
	}
	return snap
}

// VerifyRound recomputes a completed round's hash and crash point from
// a player-supplied seed and compares both against the values this
// server committed to at round start and settlement.
func (e *Engine) VerifyRound(ctx context.Context, roundID, seed string, claimedCrash float64) (bool, float64, error) {
	if e.store == nil {
		return false, 0, ErrRoundNotFound
	}
	round, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		return false, 0, err
	}

	if fairness.Hash(seed, int(round.Number)) != round.Hash {
		return false, 0, nil
	}

	recomputed := fairness.CrashPoint(seed, int(round.Number), e.cfg.MaxCrash)
	return fairness.Verify(seed, int(round.Number), e.cfg.MaxCrash, claimedCrash), recomputed, nil
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
