package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crashgame/internal/ledger"
)

var ErrRoundNotFound = errors.New("game: round not found")

// RoundStore persists finalized rounds and their wagers. The engine
// owns the live Round value for the duration of a cycle and hands it
// to the store only once settlement is complete.
type RoundStore interface {
	SaveRound(ctx context.Context, round *Round) error
	GetRound(ctx context.Context, id string) (*Round, error)
	ListRounds(ctx context.Context, page, pageSize int) ([]*Round, int, error)
}

// PostgresRoundStore implements RoundStore against the rounds/wagers
// tables, mirroring the NUMERIC-as-TEXT round-tripping used throughout
// the rest of the persistence layer so shopspring/decimal never passes
// through float64.
type PostgresRoundStore struct {
	pool *pgxpool.Pool
}

func NewPostgresRoundStore(pool *pgxpool.Pool) *PostgresRoundStore {
	return &PostgresRoundStore{pool: pool}
}

func (s *PostgresRoundStore) SaveRound(ctx context.Context, round *Round) error {
	round.mu.RLock()
	state := round.State
	endTime := round.EndTime
	peak := round.PeakMultiplier
	wagers := make([]*Wager, len(round.Wagers))
	copy(wagers, round.Wagers)
	round.mu.RUnlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO rounds (id, round_number, seed, hash, crash_point, peak_multiplier, state, start_time, end_time)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   peak_multiplier = EXCLUDED.peak_multiplier,
		   state = EXCLUDED.state,
		   end_time = EXCLUDED.end_time`,
		round.ID, round.Number, round.Seed, round.Hash,
		round.CrashPoint.String(), peak.String(), string(state),
		round.StartTime, endTime)
	if err != nil {
		return fmt.Errorf("save round: %w", err)
	}

	for _, w := range wagers {
		var autoCashout, cashoutMult, cashoutAmount interface{}
		if w.AutoCashoutMultiplier != nil {
			autoCashout = w.AutoCashoutMultiplier.String()
		}
		if w.CashoutMultiplier != nil {
			cashoutMult = w.CashoutMultiplier.String()
		}
		if w.CashoutAssetAmount != nil {
			cashoutAmount = w.CashoutAssetAmount.String()
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO wagers (id, round_id, player_id, stake_fiat, stake_asset, asset, price_at_placement,
			                     auto_cashout_multiplier, cashed_out, cashout_multiplier, cashout_asset_amount, placed_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9, $10::NUMERIC, $11::NUMERIC, $12)
			 ON CONFLICT (id) DO UPDATE SET
			   cashed_out = EXCLUDED.cashed_out,
			   cashout_multiplier = EXCLUDED.cashout_multiplier,
			   cashout_asset_amount = EXCLUDED.cashout_asset_amount`,
			w.ID, round.ID, w.PlayerID, w.StakeFiat.String(), w.StakeAsset.String(),
			string(w.Asset), w.PriceAtPlacement.String(), autoCashout,
			w.CashedOut, cashoutMult, cashoutAmount, w.PlacedAt)
		if err != nil {
			return fmt.Errorf("save wager %s: %w", w.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresRoundStore) GetRound(ctx context.Context, id string) (*Round, error) {
	round, err := s.scanRound(ctx, s.pool, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	round.Wagers, err = s.loadWagers(ctx, id)
	if err != nil {
		return nil, err
	}
	return round, nil
}

func (s *PostgresRoundStore) ListRounds(ctx context.Context, page, pageSize int) ([]*Round, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rounds`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, round_number, seed, hash, crash_point::TEXT, peak_multiplier::TEXT, state, start_time, end_time
		 FROM rounds ORDER BY round_number DESC LIMIT $1 OFFSET $2`,
		pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var rounds []*Round
	for rows.Next() {
		r, err := scanRoundRow(rows)
		if err != nil {
			return nil, 0, err
		}
		rounds = append(rounds, r)
	}
	return rounds, total, rows.Err()
}

func (s *PostgresRoundStore) scanRound(ctx context.Context, q querier, whereClause string, args ...interface{}) (*Round, error) {
	row := q.QueryRow(ctx,
		`SELECT id, round_number, seed, hash, crash_point::TEXT, peak_multiplier::TEXT, state, start_time, end_time
		 FROM rounds `+whereClause, args...)

	r, err := scanRoundRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoundNotFound
		}
		return nil, err
	}
	return r, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoundRow(row rowScanner) (*Round, error) {
	var r Round
	var crashPointS, peakS, state string
	var endTime *time.Time

	if err := row.Scan(&r.ID, &r.Number, &r.Seed, &r.Hash, &crashPointS, &peakS, &state, &r.StartTime, &endTime); err != nil {
		return nil, err
	}

	r.CrashPoint, _ = decimal.NewFromString(crashPointS)
	r.PeakMultiplier, _ = decimal.NewFromString(peakS)
	r.State = RoundState(state)
	r.EndTime = endTime
	return &r, nil
}

func (s *PostgresRoundStore) loadWagers(ctx context.Context, roundID string) ([]*Wager, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, player_id, stake_fiat::TEXT, stake_asset::TEXT, asset, price_at_placement::TEXT,
		        auto_cashout_multiplier::TEXT, cashed_out, cashout_multiplier::TEXT, cashout_asset_amount::TEXT, placed_at
		 FROM wagers WHERE round_id = $1`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wagers []*Wager
	for rows.Next() {
		w, err := scanWagerRow(rows)
		if err != nil {
			return nil, err
		}
		wagers = append(wagers, w)
	}
	return wagers, rows.Err()
}

func scanWagerRow(rows pgx.Rows) (*Wager, error) {
	var w Wager
	var stakeFiat, stakeAsset, price string
	var asset string
	var autoCashout, cashoutMult, cashoutAmount *string

	if err := rows.Scan(&w.ID, &w.PlayerID, &stakeFiat, &stakeAsset, &asset, &price,
		&autoCashout, &w.CashedOut, &cashoutMult, &cashoutAmount, &w.PlacedAt); err != nil {
		return nil, err
	}

	w.Asset = ledger.Asset(asset)
	w.StakeFiat, _ = decimal.NewFromString(stakeFiat)
	w.StakeAsset, _ = decimal.NewFromString(stakeAsset)
	w.PriceAtPlacement, _ = decimal.NewFromString(price)

	if autoCashout != nil {
		v, err := decimal.NewFromString(*autoCashout)
		if err == nil {
			w.AutoCashoutMultiplier = &v
		}
	}
	if cashoutMult != nil {
		v, err := decimal.NewFromString(*cashoutMult)
		if err == nil {
			w.CashoutMultiplier = &v
		}
	}
	if cashoutAmount != nil {
		v, err := decimal.NewFromString(*cashoutAmount)
		if err == nil {
			w.CashoutAssetAmount = &v
		}
	}

	return &w, nil
}
