package priceoracle

import (
	"time"

	"github.com/shopspring/decimal"

	"crashgame/internal/ledger"
)

// entry is the cached state for a single asset: the last known price
// and when it was fetched. A zero Fetched means the fallback constant
// is in effect and no upstream fetch has ever succeeded.
type entry struct {
	Price   decimal.Decimal `json:"price"`
	Fetched time.Time       `json:"fetched"`
}

func (e entry) fresh(ttl time.Duration) bool {
	return !e.Fetched.IsZero() && time.Since(e.Fetched) < ttl
}

// fallbackPrices are used when an asset has never been priced and the
// upstream fetch on the first request also fails. They keep the game
// playable during an upstream outage at the cost of pricing accuracy.
var fallbackPrices = map[ledger.Asset]decimal.Decimal{
	ledger.AssetBTC: decimal.NewFromInt(60000),
	ledger.AssetETH: decimal.NewFromInt(3000),
}
