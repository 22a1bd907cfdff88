package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Asset identifies a supported digital-asset denomination. The design
// admits more than the two enumerated here without structural change —
// a third asset needs only a price-oracle fallback and a balance row.
type Asset string

const (
	AssetBTC Asset = "BTC"
	AssetETH Asset = "ETH"
)

// SupportedAssets lists every asset the Ledger seeds a balance row for
// when a player registers.
func SupportedAssets() []Asset {
	return []Asset{AssetBTC, AssetETH}
}

// IsSupported reports whether a is one of SupportedAssets.
func IsSupported(a Asset) bool {
	for _, s := range SupportedAssets() {
		if s == a {
			return true
		}
	}
	return false
}

// TransactionKind enumerates the append-only audit log's entry types.
type TransactionKind string

const (
	KindWager      TransactionKind = "wager"
	KindCashout    TransactionKind = "cashout"
	KindDeposit    TransactionKind = "deposit"
	KindWithdrawal TransactionKind = "withdrawal"
)

// Player is identified by an opaque external id; balances live in a
// separate per-asset table and are never embedded here to keep reads of
// the player row independent of the number of supported assets.
type Player struct {
	ID           string
	Name         string
	Active       bool
	WagersPlaced int64
	Wins         int64
	Losses       int64
	CreatedAt    time.Time
}

// Transaction is an immutable audit-log entry. RoundID is empty for
// transactions with no associated round (deposits, withdrawals).
type Transaction struct {
	ID          string
	PlayerID    string
	RoundID     string
	Kind        TransactionKind
	FiatAmount  decimal.Decimal
	AssetAmount decimal.Decimal
	Asset       Asset
	PriceAtTime decimal.Decimal
	Multiplier  *decimal.Decimal
	CreatedAt   time.Time
}

// HistoryFilter narrows History results; a zero value matches every kind.
type HistoryFilter struct {
	Kind TransactionKind
}

// Page requests one page of a paginated listing. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

func (p Page) normalized() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 || p.Size > 200 {
		p.Size = 20
	}
	return p
}

func (p Page) offset() int {
	return (p.Number - 1) * p.Size
}

// PagedTransactions is one page of a player's transaction history,
// chronological-descending by default.
type PagedTransactions struct {
	Items      []Transaction
	Total      int
	Page       int
	PageSize   int
}
