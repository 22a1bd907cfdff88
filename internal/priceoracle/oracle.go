package priceoracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"crashgame/internal/config"
	"crashgame/internal/ledger"
	"crashgame/internal/metrics"
)

var ErrUnsupportedAsset = errors.New("priceoracle: unsupported asset")

// Oracle serves fiat prices for supported assets, backed by an
// in-process cache, an optional Redis layer shared across server
// instances, and a CoinGecko-compatible upstream. Concurrent requests
// for the same stale asset share a single upstream fetch via
// singleflight.
type Oracle struct {
	ttl      time.Duration
	upstream *upstreamClient
	redis    *redis.Client

	mu      sync.RWMutex
	entries map[ledger.Asset]entry

	group singleflight.Group
}

func New(cfg config.Config, redisClient *redis.Client) *Oracle {
	return &Oracle{
		ttl:      cfg.CacheTTL,
		upstream: newUpstreamClient(cfg.UpstreamURL, cfg.UpstreamTimeout),
		redis:    redisClient,
		entries:  make(map[ledger.Asset]entry),
	}
}

// Price returns the current fiat price for asset, refreshing from
// upstream when the cached value is stale. It only fails when the
// asset is unsupported; any upstream failure falls back to the last
// known value, or a hardcoded constant if none exists yet.
func (o *Oracle) Price(ctx context.Context, asset ledger.Asset) (decimal.Decimal, error) {
	if !ledger.IsSupported(asset) {
		return decimal.Zero, ErrUnsupportedAsset
	}

	if cached, ok := o.cached(asset); ok && cached.fresh(o.ttl) {
		return cached.Price, nil
	}

	result, err, _ := o.group.Do(string(asset), func() (interface{}, error) {
		return o.refresh(ctx, asset)
	})
	if err != nil {
		// refresh itself only returns an error when there is truly
		// nothing to fall back on; otherwise it resolves internally.
		return decimal.Zero, err
	}
	return result.(decimal.Decimal), nil
}

// Prices batches Price across assets, issuing at most one upstream
// fetch per stale asset.
func (o *Oracle) Prices(ctx context.Context, assets []ledger.Asset) (map[ledger.Asset]decimal.Decimal, error) {
	out := make(map[ledger.Asset]decimal.Decimal, len(assets))
	for _, asset := range assets {
		price, err := o.Price(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("priceoracle: price for %s: %w", asset, err)
		}
		out[asset] = price
	}
	return out, nil
}

func (o *Oracle) cached(asset ledger.Asset) (entry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[asset]
	return e, ok
}

func (o *Oracle) store(asset ledger.Asset, e entry) {
	o.mu.Lock()
	o.entries[asset] = e
	o.mu.Unlock()
}

// refresh fetches a fresh price from upstream and, whenever the fetch
// itself fails, falls back to the in-process cache, then Redis, and
// finally the hardcoded constant, in that order.
func (o *Oracle) refresh(ctx context.Context, asset ledger.Asset) (decimal.Decimal, error) {
	if e := o.readThrough(ctx, asset); e != nil && e.fresh(o.ttl) {
		o.store(asset, *e)
		return e.Price, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.upstream.http.Timeout)
	defer cancel()

	start := time.Now()
	price, err := o.upstream.fetch(fetchCtx, asset)
	metrics.OracleFetchLatency.Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.OracleFetchesTotal.WithLabelValues("success").Inc()
		fresh := entry{Price: price, Fetched: time.Now()}
		o.store(asset, fresh)
		o.writeThrough(ctx, asset, fresh)
		return price, nil
	}

	metrics.OracleFetchesTotal.WithLabelValues("failure").Inc()

	if cached, ok := o.cached(asset); ok {
		return cached.Price, nil
	}
	if redisEntry := o.readThrough(ctx, asset); redisEntry != nil {
		o.store(asset, *redisEntry)
		return redisEntry.Price, nil
	}
	if fallback, ok := fallbackPrices[asset]; ok {
		o.store(asset, entry{Price: fallback})
		return fallback, nil
	}

	return decimal.Zero, fmt.Errorf("priceoracle: no price available for %s: %w", asset, err)
}

func redisKey(asset ledger.Asset) string { return "priceoracle:price:" + string(asset) }

func (o *Oracle) readThrough(ctx context.Context, asset ledger.Asset) *entry {
	if o.redis == nil {
		return nil
	}
	b, err := o.redis.Get(ctx, redisKey(asset)).Bytes()
	if err != nil {
		return nil
	}
	var e entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil
	}
	return &e
}

func (o *Oracle) writeThrough(ctx context.Context, asset ledger.Asset, e entry) {
	if o.redis == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	o.redis.Set(ctx, redisKey(asset), b, o.ttl*10)
}
