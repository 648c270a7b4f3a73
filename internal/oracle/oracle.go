package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

var (
	ErrPriceStale            = errors.New("price is stale")
	ErrPriceInvalid          = errors.New("price is invalid")
	ErrMarketClosed          = errors.New("market is closed")
	ErrMarketStatusUndefined = errors.New("market status undefined")
	ErrUnknownAsset          = errors.New("unknown asset")
)

// MarketStatus mirrors the oracle's trading-session state for an asset.
type MarketStatus uint8

const (
	MarketStatusUndefined MarketStatus = iota
	MarketStatusClosed
	MarketStatusActive
)

func (s MarketStatus) String() string {
	switch s {
	case MarketStatusClosed:
		return "Closed"
	case MarketStatusActive:
		return "Active"
	default:
		return "Undefined"
	}
}

// Gateway is the price-feed capability consumed by the settlement engine.
// Prices are e30 fixed point. When max is true the returned price is the
// adverse (higher) side of the confidence band, otherwise the lower side —
// callers pick the direction that disfavors the position being valued.
type Gateway interface {
	GetPrice(assetID string, max bool) (priceE30 *big.Int, lastUpdate time.Time, err error)
}

type priceEntry struct {
	price      *big.Int // mid price, e30
	confidence *big.Int // half-width of the confidence band, e30
	status     MarketStatus
	updatedAt  time.Time
}

// PriceCache is the in-memory Gateway implementation, fed by the NATS price
// subscriber. Staleness is a data-validity check: a read older than maxAge
// fails immediately, it is never retried here.
type PriceCache struct {
	mu      sync.RWMutex
	entries map[string]priceEntry
	maxAge  time.Duration

	// Now is swappable for tests.
	Now func() time.Time
}

func NewPriceCache(maxAge time.Duration) *PriceCache {
	return &PriceCache{
		entries: make(map[string]priceEntry),
		maxAge:  maxAge,
		Now:     time.Now,
	}
}

// SetPrice records a price observation. Confidence may be nil for exact
// prices.
func (pc *PriceCache) SetPrice(assetID string, priceE30, confidenceE30 *big.Int, status MarketStatus, ts time.Time) error {
	if priceE30 == nil || priceE30.Sign() <= 0 {
		return fmt.Errorf("non-positive price for %s", assetID)
	}
	conf := new(big.Int)
	if confidenceE30 != nil {
		if confidenceE30.Sign() < 0 {
			return fmt.Errorf("negative confidence for %s", assetID)
		}
		conf.Set(confidenceE30)
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.entries[assetID] = priceEntry{
		price:      new(big.Int).Set(priceE30),
		confidence: conf,
		status:     status,
		updatedAt:  ts,
	}
	return nil
}

// GetPrice implements Gateway.
func (pc *PriceCache) GetPrice(assetID string, max bool) (*big.Int, time.Time, error) {
	pc.mu.RLock()
	entry, ok := pc.entries[assetID]
	pc.mu.RUnlock()

	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	switch entry.status {
	case MarketStatusActive:
	case MarketStatusClosed:
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrMarketClosed, assetID)
	default:
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrMarketStatusUndefined, assetID)
	}
	if age := pc.Now().Sub(entry.updatedAt); age > pc.maxAge {
		return nil, entry.updatedAt, fmt.Errorf("%w: %s age=%v max=%v", ErrPriceStale, assetID, age, pc.maxAge)
	}

	price := new(big.Int).Set(entry.price)
	if max {
		price.Add(price, entry.confidence)
	} else {
		price.Sub(price, entry.confidence)
	}
	if price.Sign() <= 0 {
		return nil, entry.updatedAt, fmt.Errorf("%w: %s confidence swallows price", ErrPriceInvalid, assetID)
	}
	return price, entry.updatedAt, nil
}

// SetStatus updates only the market status for an asset, keeping the last
// observed price. An asset with no price observation yet is left untouched;
// the status arrives with its first SetPrice.
func (pc *PriceCache) SetStatus(assetID string, status MarketStatus) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	entry, ok := pc.entries[assetID]
	if !ok {
		return
	}
	entry.status = status
	pc.entries[assetID] = entry
}
