// Package reconcile runs the startup sweep that repairs ledger
// divergences caused by the one fatal-inconsistency path in the
// system: a cash-out that marked its wager cashed_out and recorded its
// transaction, but whose matching balance credit never landed (see the
// "FATAL" log line in internal/game's cashOutWager).
package reconcile

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crashgame/internal/ledger"
)

// Report summarizes one reconciliation pass.
type Report struct {
	PlayersScanned int
	Divergences    []Divergence
}

// Divergence is one (player, asset) pair whose stored balance fell
// short of what its transaction log implies, and the amount credited
// to repair it.
type Divergence struct {
	PlayerID string
	Asset    ledger.Asset
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Repaired decimal.Decimal
}

// Reconciler recomputes each player's balance from the append-only
// transaction log and repairs any shortfall against the stored
// player_balances row, crediting the difference. It never debits: an
// actual balance higher than the transaction log implies is logged but
// left alone, since over-crediting is not a failure mode this system
// produces and removing funds without a known cause would be unsafe.
type Reconciler struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Reconciler {
	return &Reconciler{pool: pool}
}

type balanceKey struct {
	playerID string
	asset    ledger.Asset
}

// Run scans the full transaction log and player_balances table once
// and repairs every divergence found. Call it before the Round Engine
// resumes ticking.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	expected, err := r.expectedBalances(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: compute expected balances: %w", err)
	}

	actual, err := r.actualBalances(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: load actual balances: %w", err)
	}

	report := Report{PlayersScanned: len(actual)}

	for key, want := range expected {
		have := actual[key]
		if have.Equal(want) {
			continue
		}
		if have.GreaterThan(want) {
			log.Printf("[RECONCILE] player %s asset %s balance %s exceeds transaction log total %s; leaving unchanged",
				key.playerID, key.asset, have, want)
			continue
		}

		gap := want.Sub(have)
		if err := r.credit(ctx, key.playerID, key.asset, gap); err != nil {
			return report, fmt.Errorf("reconcile: repair %s/%s: %w", key.playerID, key.asset, err)
		}

		log.Printf("[RECONCILE] repaired player %s asset %s: credited %s (stored %s, log implies %s)",
			key.playerID, key.asset, gap, have, want)
		report.Divergences = append(report.Divergences, Divergence{
			PlayerID: key.playerID,
			Asset:    key.asset,
			Expected: want,
			Actual:   have,
			Repaired: gap,
		})
	}

	return report, nil
}

// expectedBalances derives each (player, asset) balance purely from the
// transaction log: deposits and cashouts credit, wagers and withdrawals
// debit.
func (r *Reconciler) expectedBalances(ctx context.Context) (map[balanceKey]decimal.Decimal, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT player_id, asset, kind, asset_amount::TEXT FROM transactions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[balanceKey]decimal.Decimal)
	for rows.Next() {
		var playerID, asset, kind, amountS string
		if err := rows.Scan(&playerID, &asset, &kind, &amountS); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountS)
		if err != nil {
			return nil, fmt.Errorf("parse asset_amount %q: %w", amountS, err)
		}

		key := balanceKey{playerID: playerID, asset: ledger.Asset(asset)}
		switch ledger.TransactionKind(kind) {
		case ledger.KindDeposit, ledger.KindCashout:
			out[key] = out[key].Add(amount)
		case ledger.KindWithdrawal, ledger.KindWager:
			out[key] = out[key].Sub(amount)
		default:
			log.Printf("[RECONCILE] unrecognized transaction kind %q for player %s, ignoring", kind, playerID)
		}
	}
	return out, rows.Err()
}

func (r *Reconciler) actualBalances(ctx context.Context) (map[balanceKey]decimal.Decimal, error) {
	rows, err := r.pool.Query(ctx, `SELECT player_id, asset, balance::TEXT FROM player_balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[balanceKey]decimal.Decimal)
	for rows.Next() {
		var playerID, asset, balanceS string
		if err := rows.Scan(&playerID, &asset, &balanceS); err != nil {
			return nil, err
		}
		balance, err := decimal.NewFromString(balanceS)
		if err != nil {
			return nil, fmt.Errorf("parse balance %q: %w", balanceS, err)
		}
		out[balanceKey{playerID: playerID, asset: ledger.Asset(asset)}] = balance
	}
	return out, rows.Err()
}

func (r *Reconciler) credit(ctx context.Context, playerID string, asset ledger.Asset, amount decimal.Decimal) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE player_balances SET balance = balance + $1::NUMERIC WHERE player_id = $2 AND asset = $3`,
		amount.String(), playerID, string(asset))
	return err
}
