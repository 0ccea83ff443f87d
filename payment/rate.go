package payment

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// RateProvider quotes the pico-USD value of one base unit of an asset. Safe
// for concurrent calls.
type RateProvider interface {
	PicoUSDPerUnit(ctx context.Context, assetID string) (*big.Int, error)
}

// FixedRateProvider serves static quotes. Unknown assets fail with
// RATE_NOT_AVAILABLE.
type FixedRateProvider map[string]*big.Int

func (p FixedRateProvider) PicoUSDPerUnit(_ context.Context, assetID string) (*big.Int, error) {
	rate, ok := p[assetID]
	if !ok || rate == nil || rate.Sign() <= 0 {
		return nil, types.Errorf(types.ErrCodeRateNotAvailable, "no rate for asset %q", assetID)
	}
	return new(big.Int).Set(rate), nil
}

type rateEntry struct {
	rate   *big.Int
	expiry time.Time
}

// RateCache wraps a provider with a TTL cache and in-flight request collapse:
// when clients retry while a quote is being fetched, they wait for the first
// fetch instead of stacking upstream calls.
type RateCache struct {
	provider RateProvider
	ttl      time.Duration

	mu       sync.Mutex
	entries  map[string]rateEntry
	inFlight map[string]chan struct{}
}

// NewRateCache caches quotes from provider for ttl.
func NewRateCache(provider RateProvider, ttl time.Duration) *RateCache {
	return &RateCache{
		provider: provider,
		ttl:      ttl,
		entries:  make(map[string]rateEntry),
		inFlight: make(map[string]chan struct{}),
	}
}

func (c *RateCache) PicoUSDPerUnit(ctx context.Context, assetID string) (*big.Int, error) {
	for {
		c.mu.Lock()
		if entry, ok := c.entries[assetID]; ok {
			if time.Now().Before(entry.expiry) {
				rate := new(big.Int).Set(entry.rate)
				c.mu.Unlock()
				return rate, nil
			}
			delete(c.entries, assetID)
		}
		if done, ok := c.inFlight[assetID]; ok {
			c.mu.Unlock()
			select {
			case <-done:
				continue // re-check the cache; the fetch may have failed
			case <-ctx.Done():
				return nil, types.Errorf(types.ErrCodeCancelled, "rate lookup cancelled: %v", ctx.Err())
			}
		}
		done := make(chan struct{})
		c.inFlight[assetID] = done
		c.mu.Unlock()

		rate, err := c.provider.PicoUSDPerUnit(ctx, assetID)

		c.mu.Lock()
		delete(c.inFlight, assetID)
		if err == nil {
			c.entries[assetID] = rateEntry{rate: new(big.Int).Set(rate), expiry: time.Now().Add(c.ttl)}
		}
		c.mu.Unlock()
		close(done)
		return rate, err
	}
}

// ConvertPicoUSDToAsset converts a pico-USD cost into asset base units at the
// given rate, rounding up so the service never undercharges.
func ConvertPicoUSDToAsset(costPicoUSD, ratePicoUSDPerUnit *big.Int) (*big.Int, error) {
	if ratePicoUSDPerUnit == nil || ratePicoUSDPerUnit.Sign() <= 0 {
		return nil, types.Errorf(types.ErrCodeRateNotAvailable, "rate must be positive")
	}
	if costPicoUSD.Sign() == 0 {
		return new(big.Int), nil
	}
	units, rem := new(big.Int).QuoRem(costPicoUSD, ratePicoUSDPerUnit, new(big.Int))
	if rem.Sign() != 0 {
		units.Add(units, big.NewInt(1))
	}
	return units, nil
}
