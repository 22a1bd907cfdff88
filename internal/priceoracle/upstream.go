package priceoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crashgame/internal/ledger"
)

// coingeckoID maps an asset to the id CoinGecko's simple price endpoint
// expects. Unknown assets never reach the upstream fetch because
// IsSupported is checked first by the caller.
var coingeckoID = map[ledger.Asset]string{
	ledger.AssetBTC: "bitcoin",
	ledger.AssetETH: "ethereum",
}

// upstreamClient fetches spot prices from a CoinGecko-compatible simple
// price endpoint, one asset per request: GET {baseURL}/simple/price?ids={id}&vs_currencies=usd
type upstreamClient struct {
	baseURL string
	http    *http.Client
}

func newUpstreamClient(baseURL string, timeout time.Duration) *upstreamClient {
	return &upstreamClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// fetch requests the spot price for a single asset. The caller is
// expected to apply its own context timeout; this client additionally
// carries its own http.Client timeout as a backstop.
func (u *upstreamClient) fetch(ctx context.Context, asset ledger.Asset) (decimal.Decimal, error) {
	id, ok := coingeckoID[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("priceoracle: no upstream mapping for asset %s", asset)
	}

	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", u.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := u.http.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("priceoracle: upstream returned status %d", resp.StatusCode)
	}

	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, err
	}

	usd, ok := body[id]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("priceoracle: upstream response missing %s.usd", id)
	}

	return decimal.NewFromFloat(usd), nil
}
