package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func nowUTC() time.Time { return time.Now().UTC() }

// PostgresLedger implements Ledger against PostgreSQL, using row-level
// locking (SELECT ... FOR UPDATE) to serialize concurrent mutations of
// the same player_balances row and NUMERIC columns round-tripped as
// strings so shopspring/decimal never loses precision to float64.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) CreatePlayer(ctx context.Context, id, name string, initial map[Asset]decimal.Decimal) (*Player, error) {
	for _, amount := range initial {
		if !amount.IsZero() {
			return nil, ErrInitialBalanceRejected
		}
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	now := nowUTC()
	_, err = tx.Exec(ctx,
		`INSERT INTO players (id, name, active, wagers_placed, wins, losses, created_at)
		 VALUES ($1, $2, TRUE, 0, 0, 0, $3)`,
		id, name, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "players_name_key" {
				return nil, ErrNameTaken
			}
			return nil, ErrPlayerExists
		}
		return nil, fmt.Errorf("create player: %w", err)
	}

	for _, asset := range SupportedAssets() {
		amount := initial[asset]
		if amount.IsZero() {
			amount = decimal.Zero
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO player_balances (player_id, asset, balance) VALUES ($1, $2, $3::NUMERIC)`,
			id, string(asset), amount.String()); err != nil {
			return nil, fmt.Errorf("seed balance %s: %w", asset, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &Player{ID: id, Name: name, Active: true, CreatedAt: now}, nil
}

func (l *PostgresLedger) GetPlayer(ctx context.Context, id string) (*Player, error) {
	var p Player
	err := l.pool.QueryRow(ctx,
		`SELECT id, name, active, wagers_placed, wins, losses, created_at
		 FROM players WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Active, &p.WagersPlaced, &p.Wins, &p.Losses, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlayerNotFound
		}
		return nil, fmt.Errorf("get player %s: %w", id, err)
	}
	return &p, nil
}

func (l *PostgresLedger) Balances(ctx context.Context, id string) (map[Asset]decimal.Decimal, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT asset, balance::TEXT FROM player_balances WHERE player_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Asset]decimal.Decimal)
	for rows.Next() {
		var asset, balStr string
		if err := rows.Scan(&asset, &balStr); err != nil {
			return nil, err
		}
		bal, err := decimal.NewFromString(balStr)
		if err != nil {
			return nil, err
		}
		out[Asset(asset)] = bal
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrPlayerNotFound
	}
	return out, nil
}

// Credit adds amount to the player's asset balance and returns the new
// balance. Locks the balance row for the duration of the transaction so
// concurrent credits/debits on the same player+asset serialize.
func (l *PostgresLedger) Credit(ctx context.Context, id string, asset Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() || amount.IsZero() {
		return decimal.Zero, ErrInvalidAmount
	}
	if !IsSupported(asset) {
		return decimal.Zero, ErrUnsupportedAsset
	}

	var newBalance decimal.Decimal
	err := l.withTx(ctx, func(tx pgx.Tx) error {
		current, err := lockBalance(ctx, tx, id, asset)
		if err != nil {
			return err
		}
		newBalance = current.Add(amount)
		return setBalance(ctx, tx, id, asset, newBalance)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

// Debit subtracts amount from the player's asset balance, failing with
// ErrInsufficientBalance if the balance would go negative.
func (l *PostgresLedger) Debit(ctx context.Context, id string, asset Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() || amount.IsZero() {
		return decimal.Zero, ErrInvalidAmount
	}
	if !IsSupported(asset) {
		return decimal.Zero, ErrUnsupportedAsset
	}

	var newBalance decimal.Decimal
	err := l.withTx(ctx, func(tx pgx.Tx) error {
		current, err := lockBalance(ctx, tx, id, asset)
		if err != nil {
			return err
		}
		if current.LessThan(amount) {
			return ErrInsufficientBalance
		}
		newBalance = current.Sub(amount)
		return setBalance(ctx, tx, id, asset, newBalance)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

// Transfer moves amount from srcID to dstID atomically. Both balance
// rows are locked within the same transaction in ascending player-id
// order so two transfers between the same pair of players can never
// deadlock on each other's row locks.
func (l *PostgresLedger) Transfer(ctx context.Context, srcID, dstID string, asset Asset, amount decimal.Decimal) error {
	if amount.IsNegative() || amount.IsZero() {
		return ErrInvalidAmount
	}
	if !IsSupported(asset) {
		return ErrUnsupportedAsset
	}
	if srcID == dstID {
		return nil
	}

	first, second := srcID, dstID
	if second < first {
		first, second = second, first
	}

	return l.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockBalance(ctx, tx, first, asset); err != nil {
			return err
		}
		if _, err := lockBalance(ctx, tx, second, asset); err != nil {
			return err
		}

		srcBal, err := lockBalance(ctx, tx, srcID, asset)
		if err != nil {
			return err
		}
		if srcBal.LessThan(amount) {
			return ErrInsufficientBalance
		}
		dstBal, err := lockBalance(ctx, tx, dstID, asset)
		if err != nil {
			return err
		}

		if err := setBalance(ctx, tx, srcID, asset, srcBal.Sub(amount)); err != nil {
			return err
		}
		return setBalance(ctx, tx, dstID, asset, dstBal.Add(amount))
	})
}

func (l *PostgresLedger) RecordTransaction(ctx context.Context, t Transaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := t.CreatedAt
	if now.IsZero() {
		now = nowUTC()
	}

	var multiplier *string
	if t.Multiplier != nil {
		s := t.Multiplier.String()
		multiplier = &s
	}
	var roundID *string
	if t.RoundID != "" {
		roundID = &t.RoundID
	}

	_, err := l.pool.Exec(ctx,
		`INSERT INTO transactions (id, player_id, round_id, kind, fiat_amount, asset_amount, asset, price_at_time, multiplier, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10)`,
		t.ID, t.PlayerID, roundID, string(t.Kind),
		t.FiatAmount.String(), t.AssetAmount.String(), string(t.Asset),
		t.PriceAtTime.String(), multiplier, now)
	if err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

func (l *PostgresLedger) History(ctx context.Context, id string, filter HistoryFilter, page Page) (PagedTransactions, error) {
	page = page.normalized()

	whereClause := "WHERE player_id = $1"
	args := []interface{}{id}
	if filter.Kind != "" {
		whereClause += " AND kind = $2"
		args = append(args, string(filter.Kind))
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM transactions " + whereClause
	if err := l.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return PagedTransactions{}, err
	}

	args = append(args, page.Size, page.offset())
	limitIdx := len(args) - 1
	offsetIdx := len(args)
	query := fmt.Sprintf(
		`SELECT id, player_id, COALESCE(round_id, ''), kind,
		        fiat_amount::TEXT, asset_amount::TEXT, asset, price_at_time::TEXT, multiplier::TEXT, created_at
		 FROM transactions %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		whereClause, limitIdx, offsetIdx)

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return PagedTransactions{}, err
	}
	defer rows.Close()

	var items []Transaction
	for rows.Next() {
		var t Transaction
		var fiat, assetAmt, price string
		var multiplier *string
		var kind, asset string
		if err := rows.Scan(&t.ID, &t.PlayerID, &t.RoundID, &kind,
			&fiat, &assetAmt, &asset, &price, &multiplier, &t.CreatedAt); err != nil {
			return PagedTransactions{}, err
		}
		t.Kind = TransactionKind(kind)
		t.Asset = Asset(asset)
		t.FiatAmount, _ = decimal.NewFromString(fiat)
		t.AssetAmount, _ = decimal.NewFromString(assetAmt)
		t.PriceAtTime, _ = decimal.NewFromString(price)
		if multiplier != nil {
			m, err := decimal.NewFromString(*multiplier)
			if err == nil {
				t.Multiplier = &m
			}
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return PagedTransactions{}, err
	}

	return PagedTransactions{
		Items:    items,
		Total:    total,
		Page:     page.Number,
		PageSize: page.Size,
	}, nil
}

func (l *PostgresLedger) IncrementWagerCount(ctx context.Context, id string) error {
	return l.incrementCounter(ctx, id, "wagers_placed")
}

func (l *PostgresLedger) IncrementWins(ctx context.Context, id string) error {
	return l.incrementCounter(ctx, id, "wins")
}

func (l *PostgresLedger) IncrementLosses(ctx context.Context, id string) error {
	return l.incrementCounter(ctx, id, "losses")
}

func (l *PostgresLedger) incrementCounter(ctx context.Context, id, column string) error {
	tag, err := l.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE players SET %s = %s + 1 WHERE id = $1`, column, column), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPlayerNotFound
	}
	return nil
}

func (l *PostgresLedger) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockBalance(ctx context.Context, tx pgx.Tx, playerID string, asset Asset) (decimal.Decimal, error) {
	var balStr string
	err := tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM player_balances WHERE player_id = $1 AND asset = $2 FOR UPDATE`,
		playerID, string(asset)).Scan(&balStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrPlayerNotFound
		}
		return decimal.Zero, err
	}
	return decimal.NewFromString(balStr)
}

func setBalance(ctx context.Context, tx pgx.Tx, playerID string, asset Asset, balance decimal.Decimal) error {
	_, err := tx.Exec(ctx,
		`UPDATE player_balances SET balance = $3::NUMERIC WHERE player_id = $1 AND asset = $2`,
		playerID, string(asset), balance.String())
	return err
}
