package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrPlayerExists           = errors.New("ledger: player id already registered")
	ErrNameTaken              = errors.New("ledger: player name already taken")
	ErrPlayerNotFound         = errors.New("ledger: player not found")
	ErrUnsupportedAsset       = errors.New("ledger: unsupported asset")
	ErrInsufficientBalance    = errors.New("ledger: insufficient balance")
	ErrInvalidAmount          = errors.New("ledger: amount must be positive")
	ErrInitialBalanceRejected = errors.New("ledger: non-zero initial balance at player creation has no transaction-log entry; deposit it separately")
)

// Ledger persists players, balances, and the append-only transaction
// log, offering atomic credit/debit/transfer of per-player, per-asset
// balances. Implementations must guarantee that no caller ever observes
// a debit that is not matched by the corresponding credit (for
// transfers) or balance write (for the other operations) — see
// invariant 4 (ledger conservation) in the specification.
type Ledger interface {
	// CreatePlayer registers a new player and seeds a zero balance row
	// for every supported asset. initial must be empty or all-zero:
	// a non-zero seed balance here would have no matching entry in the
	// transaction log, so initial funding must go through Credit plus
	// RecordTransaction (a deposit) after creation.
	CreatePlayer(ctx context.Context, id, name string, initial map[Asset]decimal.Decimal) (*Player, error)
	GetPlayer(ctx context.Context, id string) (*Player, error)

	Balances(ctx context.Context, id string) (map[Asset]decimal.Decimal, error)

	Credit(ctx context.Context, id string, asset Asset, amount decimal.Decimal) (decimal.Decimal, error)
	Debit(ctx context.Context, id string, asset Asset, amount decimal.Decimal) (decimal.Decimal, error)
	Transfer(ctx context.Context, srcID, dstID string, asset Asset, amount decimal.Decimal) error

	RecordTransaction(ctx context.Context, tx Transaction) error
	History(ctx context.Context, id string, filter HistoryFilter, page Page) (PagedTransactions, error)

	IncrementWagerCount(ctx context.Context, id string) error
	IncrementWins(ctx context.Context, id string) error
	IncrementLosses(ctx context.Context, id string) error
}
