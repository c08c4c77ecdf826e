// Package oracle defines the external price-feed boundary. The engine never
// fetches prices itself; a feed implementation supplies the underlying
// reference price used for funding-rate settlement.
package oracle

import (
	"fmt"
	"sync"

	"PerpVamm/internal/fixed"
)

// PriceFeed supplies the underlying index price for a feed key.
type PriceFeed interface {
	// GetPrice returns the latest spot price.
	GetPrice(key string) (fixed.Decimal, error)

	// GetTwapPrice returns the time-weighted average over the given
	// lookback interval in seconds.
	GetTwapPrice(key string, interval int64) (fixed.Decimal, error)

	// GetLatestTimestamp returns the unix timestamp of the latest update.
	GetLatestTimestamp(key string) (int64, error)
}

// StaticFeed is an in-memory PriceFeed for tests and local runs.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]staticEntry
}

type staticEntry struct {
	spot      fixed.Decimal
	twap      fixed.Decimal
	timestamp int64
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]staticEntry)}
}

// SetPrice sets both spot and TWAP to the same value.
func (f *StaticFeed) SetPrice(key string, price fixed.Decimal, timestamp int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[key] = staticEntry{spot: price, twap: price, timestamp: timestamp}
}

// SetTwapPrice overrides the TWAP independently of spot.
func (f *StaticFeed) SetTwapPrice(key string, twap fixed.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.prices[key]
	e.twap = twap
	f.prices[key] = e
}

func (f *StaticFeed) GetPrice(key string) (fixed.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.prices[key]
	if !ok {
		return fixed.Decimal{}, fmt.Errorf("no price for key %q", key)
	}
	return e.spot, nil
}

func (f *StaticFeed) GetTwapPrice(key string, interval int64) (fixed.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.prices[key]
	if !ok {
		return fixed.Decimal{}, fmt.Errorf("no price for key %q", key)
	}
	return e.twap, nil
}

func (f *StaticFeed) GetLatestTimestamp(key string) (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.prices[key]
	if !ok {
		return 0, fmt.Errorf("no price for key %q", key)
	}
	return e.timestamp, nil
}
